package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"wayside.ai/internal/persistence/indexdb"
	persistlog "wayside.ai/internal/persistence/log"
	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/sim/wayside"
	"wayside.ai/internal/transport/bus"
	"wayside.ai/internal/transport/feedhttp"
	"wayside.ai/internal/transport/filefeed"
	"wayside.ai/internal/transport/observer"
	"wayside.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		linePath   = flag.String("line", "", "path to line.yaml (default: <configs>/line.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		feedDir    = flag.String("feed_dir", "", "exchange documents through this shared directory instead of the in-process hub")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite read-model index")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	lp := strings.TrimSpace(*linePath)
	if lp == "" {
		lp = filepath.Join(*configDir, "line.yaml")
	}
	cfg, err := line.Load(lp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load line: %v", err)
		}
		logger.Printf("line config not found (%s); using the synthetic line", lp)
		cfg, _ = line.Load("")
	}

	g := track.LoadOrFallback(cfg.TrackFile, cfg.Fallback, logger)
	if _, err := track.EnsureRouting(g, cfg.RoutingFile, tune.Tracker.ApproachDepth, logger); err != nil {
		logger.Printf("routing: %v", err)
	}
	if err := cfg.ValidateGraph(g); err != nil {
		if !g.Degraded() {
			logger.Fatalf("line config does not match track: %v", err)
		}
		logger.Printf("degraded: line partition does not fit the synthetic track (%v); one controller manages every block", err)
		cfg = cfg.ForGraph(g)
	}

	lineDir := filepath.Join(*dataDir, "lines", cfg.Line)
	_ = os.MkdirAll(lineDir, 0o755)

	// Optional: read-model index backend (does not affect control decisions).
	idx, err := openRuntimeIndex(lineDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertConfigs(map[string]any{"line": cfg, "tuning": tune}); err != nil {
			logger.Printf("index backend: upsert configs: %v", err)
		}
	}

	var (
		hub *bus.Hub
		bp  line.Backplane
	)
	if fd := strings.TrimSpace(*feedDir); fd != "" {
		dir, err := filefeed.Open(fd, logger)
		if err != nil {
			logger.Fatalf("open feed dir: %v", err)
		}
		bp = dir
		logger.Printf("exchanging documents through %s", fd)
	} else {
		hub = bus.NewHub()
		bp = hub
	}

	opts := line.Options{
		Tuning:      tune,
		Logger:      logger,
		StateFile:   filepath.Join(lineDir, "line_state.json"),
		SnapshotDir: filepath.Join(lineDir, "snapshots"),
	}
	if idx != nil {
		opts.OnSnapshot = idx.RecordSnapshot
	}
	mgr, err := line.NewManager(cfg, g, bp, opts)
	if err != nil {
		logger.Fatalf("line: %v", err)
	}
	defer mgr.Close()

	for _, id := range mgr.IDs() {
		ctrlDir := filepath.Join(lineDir, "controllers", id)
		cycleLog := persistlog.NewCycleLogger(ctrlDir)
		rejLog := persistlog.NewRejectionLogger(ctrlDir)
		handoffLog := persistlog.NewHandoffLogger(ctrlDir)
		legLog := persistlog.NewLegLogger(ctrlDir)
		defer cycleLog.Close()
		defer rejLog.Close()
		defer handoffLog.Close()
		defer legLog.Close()
		l := line.Loggers{Cycle: cycleLog, Rejection: rejLog, Handoff: handoffLog, Leg: legLog}
		if idx != nil {
			l = line.Loggers{
				Cycle:     multiCycleLogger{a: cycleLog, b: idx},
				Rejection: multiRejectionLogger{a: rejLog, b: idx},
				Handoff:   multiHandoffLogger{a: handoffLog, b: idx},
				Leg:       multiLegLogger{a: legLog, b: idx},
			}
		}
		if err := mgr.AttachLoggers(id, l); err != nil {
			logger.Fatalf("attach loggers: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad, err = snapshot.Latest(opts.SnapshotDir)
		if err != nil {
			logger.Printf("find latest snapshot: %v", err)
		}
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatalf("read snapshot: %v", err)
		}
		if err := mgr.Restore(ctx, snap); err != nil {
			logger.Fatalf("restore snapshot: %v", err)
		}
		logger.Printf("resumed from snapshot=%s sim=%s", filepath.Base(snapshotToLoad), time.UnixMilli(snap.Header.SimUnixMs).UTC().Format(time.RFC3339))
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := mgr.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("line stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, mgr, idx)
	})

	enableAdminHTTP := envBool("WAYSIDE_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("WAYSIDE_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Line           string               `json:"line"`
				SimTime        time.Time            `json:"sim_time"`
				Multiplier     float64              `json:"multiplier"`
				Residency      map[string]string    `json:"residency"`
				HandoffMetrics []line.HandoffMetric `json:"handoff_metrics"`
			}{
				Line:           cfg.Line,
				SimTime:        mgr.Clock().Now(),
				Multiplier:     mgr.Clock().Multiplier(),
				Residency:      mgr.Residency(),
				HandoffMetrics: mgr.HandoffMetrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			path, err := mgr.WriteSnapshot()
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
		})
	} else {
		logger.Printf("admin endpoints disabled (WAYSIDE_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WAYSIDE_ENABLE_PPROF_HTTP=false)")
	}
	observer.NewServer(mgr, logger).Register(mux)
	if hub != nil {
		feedhttp.NewServer(hub, mgr.IDs(), logger).Register(mux)
		mux.HandleFunc("/v1/ws", ws.NewServer(hub, mgr.IDs(), logger).Handler())
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s line=%s controllers=%s", *addr, cfg.Line, strings.Join(mgr.IDs(), ","))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
		cancel()
	}
	<-runDone

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := mgr.FlushState(flushCtx); err != nil {
		logger.Printf("flush line state: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func writeMetrics(rw http.ResponseWriter, mgr *line.Manager, idx runtimeIndex) {
	lineID := mgr.Config().Line
	views := mgr.Views()

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP wayside_progression_cycle Progression cycles completed.\n")
	fmt.Fprintf(rw, "# TYPE wayside_progression_cycle counter\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_progression_cycle{line=%q,controller=%q} %d\n", lineID, v.Controller, v.ProgressionCycle)
	}
	fmt.Fprintf(rw, "# HELP wayside_signal_cycle Signal cycles completed.\n")
	fmt.Fprintf(rw, "# TYPE wayside_signal_cycle counter\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_signal_cycle{line=%q,controller=%q} %d\n", lineID, v.Controller, v.SignalCycle)
	}
	fmt.Fprintf(rw, "# HELP wayside_trains Trains owned by the controller.\n")
	fmt.Fprintf(rw, "# TYPE wayside_trains gauge\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_trains{line=%q,controller=%q} %d\n", lineID, v.Controller, len(v.Trains))
	}
	fmt.Fprintf(rw, "# HELP wayside_degraded 1 while the controller runs in degraded mode.\n")
	fmt.Fprintf(rw, "# TYPE wayside_degraded gauge\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_degraded{line=%q,controller=%q} %d\n", lineID, v.Controller, boolInt(v.Status != "OK"))
	}
	fmt.Fprintf(rw, "# HELP wayside_maintenance 1 while the controller is in maintenance mode.\n")
	fmt.Fprintf(rw, "# TYPE wayside_maintenance gauge\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_maintenance{line=%q,controller=%q} %d\n", lineID, v.Controller, boolInt(v.Maintenance))
	}
	fmt.Fprintf(rw, "# HELP wayside_vital_rejections_total Proposals refused by the vital validator.\n")
	fmt.Fprintf(rw, "# TYPE wayside_vital_rejections_total counter\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_vital_rejections_total{line=%q,controller=%q} %d\n", lineID, v.Controller, v.Rejections)
	}
	fmt.Fprintf(rw, "# HELP wayside_invariant_violations_total Runtime invariant violations clamped.\n")
	fmt.Fprintf(rw, "# TYPE wayside_invariant_violations_total counter\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_invariant_violations_total{line=%q,controller=%q} %d\n", lineID, v.Controller, v.InvariantViolations)
	}
	fmt.Fprintf(rw, "# HELP wayside_handoffs_total Handoff packets sent and received.\n")
	fmt.Fprintf(rw, "# TYPE wayside_handoffs_total counter\n")
	for _, v := range views {
		fmt.Fprintf(rw, "wayside_handoffs_total{line=%q,controller=%q,dir=%q} %d\n", lineID, v.Controller, "out", v.HandoffsOut)
		fmt.Fprintf(rw, "wayside_handoffs_total{line=%q,controller=%q,dir=%q} %d\n", lineID, v.Controller, "in", v.HandoffsIn)
	}
	fmt.Fprintf(rw, "# HELP wayside_line_handoffs_total Handoff outcomes between controller pairs.\n")
	fmt.Fprintf(rw, "# TYPE wayside_line_handoffs_total counter\n")
	for _, hm := range mgr.HandoffMetrics() {
		fmt.Fprintf(rw, "wayside_line_handoffs_total{line=%q,from=%q,to=%q,result=%q} %d\n", lineID, hm.From, hm.To, hm.Result, hm.Count)
	}
	fmt.Fprintf(rw, "# HELP wayside_sim_multiplier Simulated seconds per wall second.\n")
	fmt.Fprintf(rw, "# TYPE wayside_sim_multiplier gauge\n")
	fmt.Fprintf(rw, "wayside_sim_multiplier{line=%q} %.3f\n", lineID, mgr.Clock().Multiplier())

	if idx != nil {
		writeIndexMetrics(rw, lineID, idx.Stats())
	}
}

func writeIndexMetrics(rw http.ResponseWriter, lineID string, s indexdb.Stats) {
	fmt.Fprintf(rw, "# HELP wayside_index_queue_depth Pending index writes.\n")
	fmt.Fprintf(rw, "# TYPE wayside_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "wayside_index_queue_depth{line=%q} %d\n", lineID, s.QueueDepth)
	fmt.Fprintf(rw, "# HELP wayside_index_queue_capacity Index write queue capacity.\n")
	fmt.Fprintf(rw, "# TYPE wayside_index_queue_capacity gauge\n")
	fmt.Fprintf(rw, "wayside_index_queue_capacity{line=%q} %d\n", lineID, s.QueueCapacity)
	fmt.Fprintf(rw, "# HELP wayside_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE wayside_index_dropped_total counter\n")
	fmt.Fprintf(rw, "wayside_index_dropped_total{line=%q,kind=%q} %d\n", lineID, "cycle", s.DropCycleTotal)
	fmt.Fprintf(rw, "wayside_index_dropped_total{line=%q,kind=%q} %d\n", lineID, "rejection", s.DropRejectionTotal)
	fmt.Fprintf(rw, "wayside_index_dropped_total{line=%q,kind=%q} %d\n", lineID, "handoff", s.DropHandoffTotal)
	fmt.Fprintf(rw, "wayside_index_dropped_total{line=%q,kind=%q} %d\n", lineID, "leg", s.DropLegTotal)
	fmt.Fprintf(rw, "wayside_index_dropped_total{line=%q,kind=%q} %d\n", lineID, "snapshot", s.DropSnapshotTotal)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

type multiCycleLogger struct {
	a wayside.CycleLogger
	b wayside.CycleLogger
}

func (m multiCycleLogger) WriteCycle(entry wayside.CycleLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteCycle(entry)
	}
	if m.b != nil {
		_ = m.b.WriteCycle(entry)
	}
	return nil
}

type multiRejectionLogger struct {
	a wayside.RejectionLogger
	b wayside.RejectionLogger
}

func (m multiRejectionLogger) WriteRejection(entry wayside.RejectionEntry) error {
	if m.a != nil {
		_ = m.a.WriteRejection(entry)
	}
	if m.b != nil {
		_ = m.b.WriteRejection(entry)
	}
	return nil
}

type multiHandoffLogger struct {
	a wayside.HandoffLogger
	b wayside.HandoffLogger
}

func (m multiHandoffLogger) WriteHandoff(entry wayside.HandoffEntry) error {
	if m.a != nil {
		_ = m.a.WriteHandoff(entry)
	}
	if m.b != nil {
		_ = m.b.WriteHandoff(entry)
	}
	return nil
}

type multiLegLogger struct {
	a wayside.LegLogger
	b wayside.LegLogger
}

func (m multiLegLogger) WriteLeg(entry wayside.LegEntry) error {
	if m.a != nil {
		_ = m.a.WriteLeg(entry)
	}
	if m.b != nil {
		_ = m.b.WriteLeg(entry)
	}
	return nil
}
