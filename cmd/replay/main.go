package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	persistlog "wayside.ai/internal/persistence/log"
	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/vital"
	"wayside.ai/internal/sim/wayside"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst (optional; prints a summary)")
		cyclesDir  = flag.String("cycles", "", "dir containing cycles-*.jsonl.zst (optional)")
		configDir  = flag.String("configs", "./configs", "config directory")
		linePath   = flag.String("line", "", "path to line.yaml (default: <configs>/line.yaml)")
		fromCycle  = flag.Uint64("from_cycle", 0, "start verifying from cycle (inclusive, optional)")
		toCycle    = flag.Uint64("to_cycle", 0, "stop at cycle (inclusive, optional)")
		strictGaps = flag.Bool("strict_gaps", false, "fail when cycle numbers are not consecutive")
	)
	flag.Parse()

	if *snapPath == "" && *cyclesDir == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot or -cycles")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		trains := 0
		for _, c := range snap.Controllers {
			trains += len(c.Trains)
		}
		fmt.Printf("snapshot v%d line=%s sim_ms=%d controllers=%d trains=%d owners=%d multiplier=%.2f\n",
			snap.Header.Version, snap.Header.Line, snap.Header.SimUnixMs, len(snap.Controllers), trains, len(snap.Owners), snap.TickMultiplier)
	}

	if *cyclesDir == "" {
		return
	}

	lp := strings.TrimSpace(*linePath)
	if lp == "" {
		lp = filepath.Join(*configDir, "line.yaml")
	}
	cfg, err := line.Load(lp)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "load line:", err)
		os.Exit(1)
	}
	if os.IsNotExist(err) {
		cfg, _ = line.Load("")
	}
	g := track.LoadOrFallback(cfg.TrackFile, cfg.Fallback, log.New(io.Discard, "", 0))

	entries, err := persistlog.ReadAll[wayside.CycleLogEntry](*cyclesDir, "cycles")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read cycles:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no cycle files found in", *cyclesDir)
		os.Exit(1)
	}

	res := verify(g, entries, *fromCycle, *toCycle)
	for _, f := range res.Findings {
		fmt.Println(f)
	}
	if len(res.Findings) > 0 || (*strictGaps && res.Gaps > 0) {
		fmt.Fprintf(os.Stderr, "replay failed: checked=%d findings=%d gaps=%d\n", res.Checked, len(res.Findings), res.Gaps)
		os.Exit(1)
	}
	fmt.Printf("replay ok: checked=%d cycles gaps=%d\n", res.Checked, res.Gaps)
}

type result struct {
	Checked  uint64
	Gaps     int
	Findings []string
}

// verify re-runs the vital checks over each logged cycle: the committed
// outputs must pass against the occupancy and closures they were decided on.
func verify(g *track.Graph, entries []wayside.CycleLogEntry, fromCycle, toCycle uint64) result {
	var res result
	v := vital.New(g)
	last := map[string]uint64{}
	for _, e := range entries {
		if e.Cycle < fromCycle {
			continue
		}
		if toCycle != 0 && e.Cycle > toCycle {
			continue
		}
		if prev, ok := last[e.Controller]; ok && e.Cycle != prev+1 {
			res.Gaps++
		}
		last[e.Controller] = e.Cycle

		snap := vital.Snapshot{Occupied: blockSet(e.Occupied), Closed: blockSet(e.Closed)}
		prev := vital.NewState()
		for id, p := range e.PrevSwitches {
			prev.Switches[id] = p
		}
		for _, r := range v.Check(prev, e.Committed, snap) {
			res.Findings = append(res.Findings, fmt.Sprintf("controller=%s cycle=%d %s block=%d proposed=%s code=%s reason=%s",
				e.Controller, e.Cycle, r.Kind, r.Block, r.Proposed, r.Code, r.Reason))
		}
		res.Checked++
	}
	return res
}

func blockSet(ids []track.BlockID) map[track.BlockID]bool {
	out := make(map[track.BlockID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}
