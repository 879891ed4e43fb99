package track

import (
	"errors"
	"fmt"
	"sort"

	"wayside.ai/internal/protocol"
)

var ErrEmpty = errors.New("track: empty block table")

// Graph is the read-only block topology plus its derived routing indexes.
// It is safe for concurrent readers once EnsureRouting (or New) has returned.
type Graph struct {
	blocks   map[BlockID]Block
	ids      []BlockID
	preds    map[BlockID][]BlockID
	routing  Routing
	degraded bool
}

// New validates a block table and derives routing with the default approach depth.
func New(blocks []Block) (*Graph, error) {
	if len(blocks) == 0 {
		return nil, ErrEmpty
	}
	g := &Graph{
		blocks: make(map[BlockID]Block, len(blocks)),
		preds:  map[BlockID][]BlockID{},
	}
	for _, b := range blocks {
		if b.ID < 0 {
			return nil, fmt.Errorf("track: block id %d: must be >= 0", b.ID)
		}
		if _, dup := g.blocks[b.ID]; dup {
			return nil, fmt.Errorf("track: duplicate block id %d", b.ID)
		}
		if !(b.Length > 0) {
			return nil, fmt.Errorf("track: block %d: length must be > 0", b.ID)
		}
		if !(b.SpeedLimit > 0) {
			return nil, fmt.Errorf("track: block %d: speed_limit must be > 0", b.ID)
		}
		g.blocks[b.ID] = b
		g.ids = append(g.ids, b.ID)
	}
	sort.Ints(g.ids)
	for _, id := range g.ids {
		b := g.blocks[id]
		for _, n := range []BlockID{b.ForwardNext, b.ReverseNext, b.BranchNext} {
			if n == None {
				continue
			}
			if _, ok := g.blocks[n]; !ok {
				return nil, fmt.Errorf("track: block %d: neighbour %d not in table", id, n)
			}
			if !containsID(g.preds[n], id) {
				g.preds[n] = append(g.preds[n], id)
			}
		}
	}
	for id := range g.preds {
		sort.Ints(g.preds[id])
	}
	g.routing = Derive(g, DefaultApproachDepth)
	return g, nil
}

func (g *Graph) Block(id BlockID) (Block, bool) {
	b, ok := g.blocks[id]
	return b, ok
}

func (g *Graph) Has(id BlockID) bool {
	_, ok := g.blocks[id]
	return ok
}

// IDs returns every block id in ascending order.
func (g *Graph) IDs() []BlockID { return append([]BlockID(nil), g.ids...) }

func (g *Graph) Len() int { return len(g.ids) }

// Degraded reports whether the graph is a synthetic fallback topology.
func (g *Graph) Degraded() bool { return g.degraded }

// Predecessors returns blocks whose forward, reverse or branch pointer reaches id.
func (g *Graph) Predecessors(id BlockID) []BlockID {
	return append([]BlockID(nil), g.preds[id]...)
}

func (g *Graph) Route(id BlockID) (SwitchRoute, bool) {
	r, ok := g.routing.Switches[id]
	return r, ok
}

// SwitchRoutes returns a copy of the switch routing map.
func (g *Graph) SwitchRoutes() map[BlockID]SwitchRoute {
	out := make(map[BlockID]SwitchRoute, len(g.routing.Switches))
	for k, v := range g.routing.Switches {
		out[k] = v
	}
	return out
}

// SwitchIDs returns switch blocks in ascending order.
func (g *Graph) SwitchIDs() []BlockID { return sortedKeys(g.routing.Switches) }

// GateApproaches returns a copy of the gate approach map.
func (g *Graph) GateApproaches() map[BlockID][]BlockID {
	out := make(map[BlockID][]BlockID, len(g.routing.Gates))
	for k, v := range g.routing.Gates {
		out[k] = append([]BlockID(nil), v...)
	}
	return out
}

func (g *Graph) Approaches(gate BlockID) []BlockID {
	return append([]BlockID(nil), g.routing.Gates[gate]...)
}

// GateIDs returns gate blocks in ascending order.
func (g *Graph) GateIDs() []BlockID { return sortedKeys(g.routing.Gates) }

// SwitchApproach is the set a switch must see clear before moving: its
// predecessors and both route targets.
func (g *Graph) SwitchApproach(id BlockID) []BlockID {
	set := map[BlockID]bool{}
	for _, p := range g.preds[id] {
		set[p] = true
	}
	if r, ok := g.routing.Switches[id]; ok {
		set[r.Position0] = true
		set[r.Position1] = true
	}
	delete(set, id)
	delete(set, None)
	out := make([]BlockID, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// SignalBlocks returns blocks carrying a signal. Tables without signal flags
// get one at every switch block and switch route target.
func (g *Graph) SignalBlocks() []BlockID {
	var out []BlockID
	for _, id := range g.ids {
		if g.blocks[id].Signal {
			out = append(out, id)
		}
	}
	if len(out) > 0 {
		return out
	}
	set := map[BlockID]bool{}
	for id, r := range g.routing.Switches {
		set[id] = true
		set[r.Position0] = true
		set[r.Position1] = true
	}
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// SwitchPositions reports the commanded position of switch blocks; missing
// entries read as position 0.
type SwitchPositions map[BlockID]int

// Next returns the block entered after leaving from in direction dir and the
// direction of travel inside it. Switch routing takes precedence over the plain
// pointer when the plain pointer leads into the switch's routed side. The
// direction flips when the entered block is oriented against the travel
// direction (its pointer back to from is on the wrong side).
func (g *Graph) Next(from BlockID, dir protocol.Direction, sw SwitchPositions) (BlockID, protocol.Direction, bool) {
	b, ok := g.blocks[from]
	if !ok {
		return None, dir, false
	}
	next := b.NextIn(dir)
	if r, isSwitch := g.routing.Switches[from]; isSwitch && r.Has(next) {
		next = r.Target(sw[from])
	}
	if next == None {
		return None, dir, false
	}
	nb, ok := g.blocks[next]
	if !ok {
		return None, dir, false
	}
	newDir := dir
	back := nb.NextIn(dir.Opposite())
	if back != from && nb.NextIn(dir) == from {
		newDir = dir.Opposite()
	}
	return next, newDir, true
}

// DistanceToNextStation is the distance from offset within from to the far
// boundary of the next station block ahead. The current block never counts.
func (g *Graph) DistanceToNextStation(from BlockID, offset float64, dir protocol.Direction, sw SwitchPositions) (float64, BlockID, bool) {
	b, ok := g.blocks[from]
	if !ok {
		return 0, None, false
	}
	dist := b.Length - clamp(offset, 0, b.Length)
	cur, curDir := from, dir
	for steps := 0; steps < 2*len(g.ids)+1; steps++ {
		nxt, nd, ok := g.Next(cur, curDir, sw)
		if !ok {
			return 0, None, false
		}
		nb := g.blocks[nxt]
		dist += nb.Length
		if nb.IsStation {
			return dist, nxt, true
		}
		cur, curDir = nxt, nd
	}
	return 0, None, false
}

// RunLength is how far a train starting at the beginning of from can travel in
// dir before running out of track, capped at limit.
func (g *Graph) RunLength(from BlockID, dir protocol.Direction, sw SwitchPositions, limit float64) float64 {
	b, ok := g.blocks[from]
	if !ok {
		return 0
	}
	dist := b.Length
	cur, curDir := from, dir
	for steps := 0; dist < limit && steps < 2*len(g.ids)+1; steps++ {
		nxt, nd, ok := g.Next(cur, curDir, sw)
		if !ok {
			break
		}
		dist += g.blocks[nxt].Length
		cur, curDir = nxt, nd
	}
	if dist > limit {
		return limit
	}
	return dist
}

// PathStep is one entry of a default path.
type PathStep struct {
	Block     BlockID            `json:"block"`
	Direction protocol.Direction `json:"direction"`
}

// DefaultPath walks from start with every switch at position 0 until the track
// ends or a (block, direction) pair repeats.
func (g *Graph) DefaultPath(start BlockID, dir protocol.Direction) []PathStep {
	if !g.Has(start) {
		return nil
	}
	type key struct {
		b BlockID
		d protocol.Direction
	}
	seen := map[key]bool{}
	var out []PathStep
	cur, curDir := start, dir
	for {
		k := key{cur, curDir}
		if seen[k] {
			return out
		}
		seen[k] = true
		out = append(out, PathStep{Block: cur, Direction: curDir})
		nxt, nd, ok := g.Next(cur, curDir, nil)
		if !ok {
			return out
		}
		cur, curDir = nxt, nd
	}
}

// YardID returns the lowest yard block, or the lowest block id if none is flagged.
func (g *Graph) YardID() BlockID {
	for _, id := range g.ids {
		if g.blocks[id].Yard {
			return id
		}
	}
	return g.ids[0]
}

// StationByName returns the lowest station block carrying name.
func (g *Graph) StationByName(name string) (BlockID, bool) {
	for _, id := range g.ids {
		b := g.blocks[id]
		if b.IsStation && b.StationName == name {
			return id, true
		}
	}
	return None, false
}

func containsID(s []BlockID, id BlockID) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[BlockID]V) []BlockID {
	out := make([]BlockID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
