package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	persistlog "wayside.ai/internal/persistence/log"
	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/wayside"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "rejections":
			rejectionsCmd(os.Args[2:])
			return
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "maintenance":
			maintenanceCmd(os.Args[2:])
			return
		case "multiplier":
			multiplierCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	lineID := fs.String("line", "", "line id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "lines")
	if *lineID != "" {
		base = filepath.Join(base, *lineID, "controllers")
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// rejectionsCmd prints logged vital rejections for a controller, optionally
// restricted to a block set and a sim-time window.
func rejectionsCmd(args []string) {
	fs := flag.NewFlagSet("rejections", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	lineID := fs.String("line", "", "line id")
	ctrl := fs.String("controller", "", "controller id")
	blocks := fs.String("blocks", "", "block filter, e.g. 0-12,20 (optional)")
	since := fs.String("since", "", "sim time lower bound, RFC3339 (optional)")
	until := fs.String("until", "", "sim time upper bound, RFC3339 (optional)")
	source := fs.String("source", "", "EVALUATOR or MANUAL (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*lineID) == "" || strings.TrimSpace(*ctrl) == "" {
		fmt.Fprintln(os.Stderr, "missing -line or -controller")
		os.Exit(2)
	}
	f, err := parseFilter(*blocks, *since, *until, *source)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad filter:", err)
		os.Exit(2)
	}

	dir := filepath.Join(*dataDir, "lines", *lineID, "controllers", *ctrl, "rejections")
	recs, err := persistlog.ReadAll[wayside.RejectionEntry](dir, "rejections")
	if err != nil {
		fmt.Fprintln(os.Stderr, "read rejections:", err)
		os.Exit(1)
	}
	out := f.apply(recs)
	for _, r := range out {
		printJSON(r)
	}
	fmt.Fprintf(os.Stderr, "rejections: matched=%d of %d\n", len(out), len(recs))
}

type rejectionFilter struct {
	blocks  map[track.BlockID]bool
	sinceMs int64
	untilMs int64
	source  string
}

func parseFilter(blocks, since, until, source string) (rejectionFilter, error) {
	var f rejectionFilter
	if strings.TrimSpace(blocks) != "" {
		ids, err := line.ParseBlocks(blocks)
		if err != nil {
			return f, err
		}
		f.blocks = map[track.BlockID]bool{}
		for _, id := range ids {
			f.blocks[id] = true
		}
	}
	parse := func(s string) (int64, error) {
		if strings.TrimSpace(s) == "" {
			return 0, nil
		}
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return 0, err
		}
		return t.UnixMilli(), nil
	}
	var err error
	if f.sinceMs, err = parse(since); err != nil {
		return f, err
	}
	if f.untilMs, err = parse(until); err != nil {
		return f, err
	}
	f.source = strings.ToUpper(strings.TrimSpace(source))
	return f, nil
}

// apply returns matching entries newest first; ties keep reverse read order.
func (f rejectionFilter) apply(recs []wayside.RejectionEntry) []wayside.RejectionEntry {
	type seqRec struct {
		seq int
		r   wayside.RejectionEntry
	}
	var out []seqRec
	for i, r := range recs {
		if f.blocks != nil && !f.blocks[r.Block] {
			continue
		}
		if f.sinceMs != 0 && r.SimUnixMs < f.sinceMs {
			continue
		}
		if f.untilMs != 0 && r.SimUnixMs > f.untilMs {
			continue
		}
		if f.source != "" && r.Source != f.source {
			continue
		}
		out = append(out, seqRec{seq: i, r: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].r.SimUnixMs != out[j].r.SimUnixMs {
			return out[i].r.SimUnixMs > out[j].r.SimUnixMs
		}
		return out[i].seq > out[j].seq
	})
	res := make([]wayside.RejectionEntry, 0, len(out))
	for _, r := range out {
		res = append(res, r.r)
	}
	return res
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	lineID := fs.String("line", "", "line id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		if strings.TrimSpace(*lineID) == "" {
			fmt.Fprintln(os.Stderr, "missing -line or -snapshot")
			os.Exit(2)
		}
		var err error
		path, err = snapshot.Latest(filepath.Join(*dataDir, "lines", *lineID, "snapshots"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest snapshot:", err)
			os.Exit(1)
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	printJSON(summarize(path, snap))
}

type controllerSummary struct {
	Controller       string   `json:"controller"`
	ProgressionCycle uint64   `json:"progression_cycle"`
	SignalCycle      uint64   `json:"signal_cycle"`
	Maintenance      bool     `json:"maintenance"`
	Trains           []string `json:"trains"`
	Switches         int      `json:"switches"`
	Staged           int      `json:"staged"`
}

type snapshotSummary struct {
	Path        string              `json:"path"`
	Line        string              `json:"line"`
	SimTime     time.Time           `json:"sim_time"`
	Multiplier  float64             `json:"multiplier"`
	Owners      map[string]string   `json:"owners,omitempty"`
	Controllers []controllerSummary `json:"controllers"`
}

func summarize(path string, snap snapshot.LineSnapshotV1) snapshotSummary {
	s := snapshotSummary{
		Path:       path,
		Line:       snap.Header.Line,
		SimTime:    time.UnixMilli(snap.Header.SimUnixMs).UTC(),
		Multiplier: snap.TickMultiplier,
		Owners:     snap.Owners,
	}
	for _, c := range snap.Controllers {
		cs := controllerSummary{
			Controller:       c.Controller,
			ProgressionCycle: c.ProgressionCycle,
			SignalCycle:      c.SignalCycle,
			Maintenance:      c.Maintenance,
			Trains:           []string{},
			Switches:         len(c.Committed.Switches),
			Staged:           len(c.Staged),
		}
		for _, t := range c.Trains {
			cs.Trains = append(cs.Trains, t.Name)
		}
		sort.Strings(cs.Trains)
		s.Controllers = append(s.Controllers, cs)
	}
	return s
}
