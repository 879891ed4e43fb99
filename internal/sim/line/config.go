package line

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"wayside.ai/internal/sim/plc"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/wayside"
)

type Config struct {
	Line        string         `yaml:"line"`
	TrackFile   string         `yaml:"track_file"`
	RoutingFile string         `yaml:"routing_file,omitempty"`
	Fallback    track.Fallback `yaml:"fallback,omitempty"`

	Flips          []wayside.Flip        `yaml:"flips,omitempty"`
	NormalSwitches map[track.BlockID]int `yaml:"normal_switches,omitempty"`

	Controllers []ControllerSpec `yaml:"controllers"`
}

// ControllerSpec describes one partition. Block lists are comma-separated ids
// or inclusive ranges, e.g. "0-12,20".
type ControllerSpec struct {
	ID      string `yaml:"id"`
	Managed string `yaml:"managed"`
	Visible string `yaml:"visible,omitempty"`
	Module  string `yaml:"module"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	cfg.Controllers = nil
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("line.yaml: %w", err)
	}
	cfg.Normalize()
	cfg.Resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("line.yaml: %w", err)
	}
	return cfg, nil
}

// Resolve makes relative track and routing paths relative to dir.
func (c *Config) Resolve(dir string) {
	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.TrackFile = join(c.TrackFile)
	c.RoutingFile = join(c.RoutingFile)
}

// defaults is a single controller over the synthetic fallback line.
func defaults() Config {
	fb := track.DefaultFallback()
	return Config{
		Line:     "DEFAULT",
		Fallback: fb,
		Controllers: []ControllerSpec{
			{ID: "W1", Managed: fmt.Sprintf("0-%d", fb.Blocks-1), Module: "blockclear"},
		},
	}
}

// ForGraph keeps the line name and fallback of c but replaces the partition
// with one controller managing every block of g. Flips and normal switch
// positions are dropped since they refer to the configured topology.
func (c Config) ForGraph(g *track.Graph) Config {
	return Config{
		Line:     c.Line,
		Fallback: c.Fallback,
		Controllers: []ControllerSpec{
			{ID: "W1", Managed: FormatBlocks(g.IDs()), Module: "blockclear"},
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Line = strings.TrimSpace(c.Line)
	if c.Line == "" {
		c.Line = "DEFAULT"
	}
	d := track.DefaultFallback()
	if c.Fallback.Blocks <= 0 {
		c.Fallback.Blocks = d.Blocks
	}
	if c.Fallback.Length <= 0 {
		c.Fallback.Length = d.Length
	}
	if c.Fallback.SpeedLimit <= 0 {
		c.Fallback.SpeedLimit = d.SpeedLimit
	}
	for i := range c.Controllers {
		c.Controllers[i].ID = strings.TrimSpace(c.Controllers[i].ID)
		c.Controllers[i].Module = strings.ToLower(strings.TrimSpace(c.Controllers[i].Module))
		if c.Controllers[i].Module == "" {
			c.Controllers[i].Module = "blockclear"
		}
	}
}

// Validate checks the configuration on its own; ValidateGraph checks it
// against a loaded topology.
func (c Config) Validate() error {
	c.Normalize()
	if len(c.Controllers) == 0 {
		return fmt.Errorf("controllers must not be empty")
	}
	modules := map[string]bool{}
	for _, n := range plc.Names() {
		modules[n] = true
	}
	seen := map[string]bool{}
	owner := map[track.BlockID]string{}
	for _, cs := range c.Controllers {
		if cs.ID == "" {
			return fmt.Errorf("controller id must not be empty")
		}
		if seen[cs.ID] {
			return fmt.Errorf("duplicate controller id: %s", cs.ID)
		}
		seen[cs.ID] = true
		if !modules[cs.Module] {
			return fmt.Errorf("controller %s: unknown module %q (have %s)", cs.ID, cs.Module, strings.Join(plc.Names(), ", "))
		}
		managed, err := ParseBlocks(cs.Managed)
		if err != nil {
			return fmt.Errorf("controller %s managed: %w", cs.ID, err)
		}
		if len(managed) == 0 {
			return fmt.Errorf("controller %s manages no blocks", cs.ID)
		}
		if _, err := ParseBlocks(cs.Visible); err != nil {
			return fmt.Errorf("controller %s visible: %w", cs.ID, err)
		}
		for _, id := range managed {
			if prev, ok := owner[id]; ok {
				return fmt.Errorf("block %d managed by both %s and %s", id, prev, cs.ID)
			}
			owner[id] = cs.ID
		}
	}
	for _, f := range c.Flips {
		if f.From == f.To {
			return fmt.Errorf("flip %d->%d: from and to must differ", f.From, f.To)
		}
	}
	for id, pos := range c.NormalSwitches {
		if pos != 0 && pos != 1 {
			return fmt.Errorf("normal_switches[%d] must be 0 or 1", id)
		}
	}
	return nil
}

// ValidateGraph checks that every referenced block exists in g.
func (c Config) ValidateGraph(g *track.Graph) error {
	for _, cs := range c.Controllers {
		managed, _ := ParseBlocks(cs.Managed)
		visible, _ := ParseBlocks(cs.Visible)
		for _, id := range append(managed, visible...) {
			if !g.Has(id) {
				return fmt.Errorf("controller %s: block %d not in track", cs.ID, id)
			}
		}
	}
	for _, f := range c.Flips {
		if !g.Has(f.From) || !g.Has(f.To) {
			return fmt.Errorf("flip %d->%d: block not in track", f.From, f.To)
		}
	}
	for id := range c.NormalSwitches {
		if _, ok := g.Route(id); !ok {
			return fmt.Errorf("normal_switches[%d]: not a switch", id)
		}
	}
	return nil
}

// Uncovered lists blocks of g that no controller manages.
func (c Config) Uncovered(g *track.Graph) []track.BlockID {
	covered := map[track.BlockID]bool{}
	for _, cs := range c.Controllers {
		ids, _ := ParseBlocks(cs.Managed)
		for _, id := range ids {
			covered[id] = true
		}
	}
	var out []track.BlockID
	for _, id := range g.IDs() {
		if !covered[id] {
			out = append(out, id)
		}
	}
	return out
}

// ControllerConfig resolves the block ranges of cs into a wayside.Config.
func (c Config) ControllerConfig(cs ControllerSpec) (wayside.Config, error) {
	managed, err := ParseBlocks(cs.Managed)
	if err != nil {
		return wayside.Config{}, err
	}
	visible, err := ParseBlocks(cs.Visible)
	if err != nil {
		return wayside.Config{}, err
	}
	normal := map[track.BlockID]int{}
	for k, v := range c.NormalSwitches {
		normal[k] = v
	}
	return wayside.Config{
		ID:           cs.ID,
		Managed:      managed,
		Visible:      visible,
		Module:       cs.Module,
		NormalSwitch: normal,
		Flips:        append([]wayside.Flip(nil), c.Flips...),
	}, nil
}

// ParseBlocks parses "0-4,7,9-10" into sorted unique ids. Empty input is an
// empty list.
func ParseBlocks(s string) ([]track.BlockID, error) {
	set := map[track.BlockID]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = strings.TrimSpace(part[:i]), strings.TrimSpace(part[i+1:])
		}
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad block %q", part)
		}
		b, err := strconv.Atoi(hi)
		if err != nil {
			return nil, fmt.Errorf("bad block %q", part)
		}
		if a < 0 || b < a {
			return nil, fmt.Errorf("bad range %q", part)
		}
		for id := a; id <= b; id++ {
			set[id] = true
		}
	}
	out := make([]track.BlockID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// FormatBlocks is the inverse of ParseBlocks, collapsing runs into ranges.
func FormatBlocks(ids []track.BlockID) string {
	s := append([]track.BlockID(nil), ids...)
	sort.Ints(s)
	var parts []string
	for i := 0; i < len(s); {
		j := i
		for j+1 < len(s) && s[j+1] == s[j]+1 {
			j++
		}
		if j == i {
			parts = append(parts, strconv.Itoa(s[i]))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", s[i], s[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
