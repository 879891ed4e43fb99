package track

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultApproachDepth is how many blocks back from a gate count as its approach.
const DefaultApproachDepth = 2

// Routing is the derived (or operator-overridden) routing index of a graph.
type Routing struct {
	Switches map[BlockID]SwitchRoute `yaml:"switches"`
	Gates    map[BlockID][]BlockID   `yaml:"gates"`
}

// Derive walks block pointers. Position 0 of a switch is its forward successor;
// position 1 is branch_next, or failing that a predecessor that is neither of
// the switch's plain neighbours. Gate approaches are the predecessors of a gate
// up to depth hops away.
func Derive(g *Graph, depth int) Routing {
	if depth < 1 {
		depth = 1
	}
	r := Routing{Switches: map[BlockID]SwitchRoute{}, Gates: map[BlockID][]BlockID{}}
	for _, id := range g.ids {
		b := g.blocks[id]
		if b.Switch {
			p0, p1 := b.ForwardNext, b.BranchNext
			if p1 == None {
				for _, p := range g.preds[id] {
					if p != b.ForwardNext && p != b.ReverseNext {
						p1 = p
						break
					}
				}
			}
			if p0 != None && p1 != None && p0 != p1 {
				r.Switches[id] = SwitchRoute{Position0: p0, Position1: p1}
			}
		}
		if b.Gate {
			r.Gates[id] = g.walkBack(id, depth)
		}
	}
	return r
}

func (g *Graph) walkBack(id BlockID, depth int) []BlockID {
	seen := map[BlockID]bool{id: true}
	frontier := []BlockID{id}
	var out []BlockID
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []BlockID
		for _, f := range frontier {
			for _, p := range g.preds[f] {
				if seen[p] {
					continue
				}
				seen[p] = true
				out = append(out, p)
				next = append(next, p)
			}
		}
		frontier = next
	}
	sort.Ints(out)
	return out
}

// Validate checks every id in r refers to a block of g.
func (r Routing) Validate(g *Graph) error {
	for sw, route := range r.Switches {
		if !g.Has(sw) {
			return fmt.Errorf("switch %d: not in table", sw)
		}
		if !g.Has(route.Position0) || !g.Has(route.Position1) {
			return fmt.Errorf("switch %d: route target not in table", sw)
		}
	}
	for gate, app := range r.Gates {
		if !g.Has(gate) {
			return fmt.Errorf("gate %d: not in table", gate)
		}
		for _, a := range app {
			if !g.Has(a) {
				return fmt.Errorf("gate %d: approach %d not in table", gate, a)
			}
		}
	}
	return nil
}

func LoadRouting(path string) (Routing, error) {
	var r Routing
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := yaml.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("routing override: %w", err)
	}
	if r.Switches == nil {
		r.Switches = map[BlockID]SwitchRoute{}
	}
	if r.Gates == nil {
		r.Gates = map[BlockID][]BlockID{}
	}
	return r, nil
}

// SaveRouting writes r atomically (tmp + rename).
func SaveRouting(path string, r Routing) error {
	b, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureRouting installs the routing override at path if it exists and is
// valid for g. Otherwise it derives routing with the given approach depth; a
// derived index is persisted to path only when no override file existed, so an
// operator's broken override is never overwritten. An empty path derives
// without persisting.
func EnsureRouting(g *Graph, path string, depth int, logger *log.Logger) (Routing, error) {
	absent := path != ""
	if path != "" {
		r, err := LoadRouting(path)
		switch {
		case err == nil:
			absent = false
			verr := r.Validate(g)
			if verr == nil {
				g.routing = r
				return r, nil
			}
			if logger != nil {
				logger.Printf("degraded: routing override %s ignored: %v", path, verr)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			absent = false
			if logger != nil {
				logger.Printf("degraded: routing override %s unreadable: %v", path, err)
			}
		}
	}
	r := Derive(g, depth)
	g.routing = r
	if !absent {
		return r, nil
	}
	if err := SaveRouting(path, r); err != nil {
		return r, fmt.Errorf("persist routing: %w", err)
	}
	if logger != nil {
		logger.Printf("routing derived: switches=%d gates=%d path=%s", len(r.Switches), len(r.Gates), path)
	}
	return r, nil
}
