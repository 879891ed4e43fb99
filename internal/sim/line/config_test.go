package line

import (
	"path/filepath"
	"strings"
	"testing"

	"wayside.ai/internal/sim/track"
)

func TestLoad_LineYAML(t *testing.T) {
	cfg, err := Load("../../../configs/line.yaml")
	if err != nil {
		t.Fatalf("load line.yaml: %v", err)
	}
	if cfg.Line != "BLUE" || len(cfg.Controllers) != 2 {
		t.Fatalf("unexpected config: line=%s controllers=%d", cfg.Line, len(cfg.Controllers))
	}
	if want := filepath.Join("../../../configs", "track", "blue_line.csv"); cfg.TrackFile != want {
		t.Fatalf("track_file = %q, want %q", cfg.TrackFile, want)
	}
	g, err := track.Load(cfg.TrackFile)
	if err != nil {
		t.Fatalf("load track: %v", err)
	}
	if err := cfg.ValidateGraph(g); err != nil {
		t.Fatalf("validate graph: %v", err)
	}
	if u := cfg.Uncovered(g); len(u) != 0 {
		t.Fatalf("uncovered blocks: %v", u)
	}
	if _, ok := g.Route(5); !ok {
		t.Fatalf("block 5 should be a switch")
	}
}

func TestLoad_EmptyPathUsesSyntheticPartition(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	g := track.Synthetic(cfg.Fallback)
	if err := cfg.ValidateGraph(g); err != nil {
		t.Fatalf("default partition should fit the synthetic line: %v", err)
	}
	if u := cfg.Uncovered(g); len(u) != 0 {
		t.Fatalf("uncovered blocks: %v", u)
	}
}

func TestForGraph_ReplacesPartitionForDegradedTopology(t *testing.T) {
	cfg, err := Load("../../../configs/line.yaml")
	if err != nil {
		t.Fatalf("load line.yaml: %v", err)
	}
	g := track.Synthetic(track.Fallback{Blocks: 6})
	if err := cfg.ValidateGraph(g); err == nil {
		t.Fatalf("configured partition should not fit a 6-block line")
	}
	fb := cfg.ForGraph(g)
	if fb.Line != "BLUE" || len(fb.Controllers) != 1 || fb.Controllers[0].Managed != "0-5" {
		t.Fatalf("unexpected fallback config: %+v", fb)
	}
	if err := fb.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := fb.ValidateGraph(g); err != nil {
		t.Fatalf("validate graph: %v", err)
	}
}

func TestParseBlocks(t *testing.T) {
	cases := []struct {
		in   string
		want string
		err  bool
	}{
		{in: "", want: ""},
		{in: "3", want: "3"},
		{in: "0-4", want: "0-4"},
		{in: " 7 , 0-2,1", want: "0-2,7"},
		{in: "9-10,11", want: "9-11"},
		{in: "4-2", err: true},
		{in: "a", err: true},
		{in: "-1", err: true},
	}
	for _, tc := range cases {
		got, err := ParseBlocks(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("ParseBlocks(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseBlocks(%q): %v", tc.in, err)
		}
		if s := FormatBlocks(got); s != tc.want {
			t.Fatalf("ParseBlocks(%q) = %s, want %s", tc.in, s, tc.want)
		}
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]Config{
		"overlap": {Controllers: []ControllerSpec{
			{ID: "A", Managed: "0-4"},
			{ID: "B", Managed: "4-8"},
		}},
		"duplicate": {Controllers: []ControllerSpec{
			{ID: "A", Managed: "0-4"},
			{ID: "A", Managed: "5-8"},
		}},
		"module": {Controllers: []ControllerSpec{{ID: "A", Managed: "0-4", Module: "ladder"}}},
		"empty":  {Controllers: []ControllerSpec{{ID: "A", Managed: ""}}},
		"none":   {},
		"switch": {
			Controllers:    []ControllerSpec{{ID: "A", Managed: "0-4"}},
			NormalSwitches: map[track.BlockID]int{3: 2},
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidateGraph_MissingBlock(t *testing.T) {
	g := track.Synthetic(track.Fallback{Blocks: 5, Length: 100, SpeedLimit: 20})
	cfg := Config{Controllers: []ControllerSpec{{ID: "A", Managed: "0-4", Visible: "0-5"}}}
	err := cfg.ValidateGraph(g)
	if err == nil || !strings.Contains(err.Error(), "block 5") {
		t.Fatalf("ValidateGraph = %v, want missing block 5", err)
	}
}
