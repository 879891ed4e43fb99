// Package line runs every wayside controller of one railway line on a shared
// transport and simulated clock.
package line

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"wayside.ai/internal/persistence/snapshot"
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/sim/wayside"
)

// Backplane is everything a controller talks to outside itself. bus.Hub and
// filefeed.Dir both implement it.
type Backplane interface {
	wayside.FeedSource
	wayside.TelemetrySource
	wayside.OccupancySource
	wayside.CommandSink
	wayside.ReportSink
	wayside.HandoffExchange
	wayside.OwnershipRegistry
}

// Loggers are the optional per-controller event logs.
type Loggers struct {
	Cycle     wayside.CycleLogger
	Rejection wayside.RejectionLogger
	Handoff   wayside.HandoffLogger
	Leg       wayside.LegLogger
}

type Options struct {
	Tuning tuning.Tuning
	Clock  *clock.Sim
	Logger *log.Logger

	// StateFile holds handoff metrics and train residency across restarts.
	StateFile string
	// SnapshotDir enables periodic line snapshots.
	SnapshotDir string
	OnSnapshot  func(path string, snap snapshot.LineSnapshotV1)
}

const stateVersion = 1

type persistedState struct {
	Version        int                      `json:"version"`
	Residency      map[string]string        `json:"residency"`
	HandoffMetrics []persistedHandoffMetric `json:"handoff_metrics,omitempty"`
}

type persistedHandoffMetric struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result"`
	Count  uint64 `json:"count"`
}

type handoffMetricKey struct {
	From   string
	To     string
	Result string
}

// HandoffMetric counts handoff events between two controllers. To is empty
// for failed publishes.
type HandoffMetric struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result"`
	Count  uint64 `json:"count"`
}

type Manager struct {
	cfg    Config
	graph  *track.Graph
	bp     Backplane
	clk    *clock.Sim
	tuning tuning.Tuning
	logger *log.Logger

	ids   []string
	ctrls map[string]*wayside.Controller

	snapshotDir string
	onSnapshot  func(path string, snap snapshot.LineSnapshotV1)

	mu           sync.RWMutex
	loggers      map[string]Loggers
	residency    map[string]string
	handoffTotal map[handoffMetricKey]uint64

	stateFile       string
	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

// NewManager builds one controller per ControllerSpec over g.
func NewManager(cfg Config, g *track.Graph, bp Backplane, opts Options) (*Manager, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if bp == nil {
		return nil, fmt.Errorf("nil backplane")
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateGraph(g); err != nil {
		return nil, err
	}
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[line] ", log.LstdFlags|log.Lmicroseconds)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSim(clock.Real{}, opts.Tuning.SimMultiplier)
	}

	m := &Manager{
		cfg:             cfg,
		graph:           g,
		bp:              bp,
		clk:             clk,
		tuning:          opts.Tuning,
		logger:          logger,
		ctrls:           map[string]*wayside.Controller{},
		snapshotDir:     opts.SnapshotDir,
		onSnapshot:      opts.OnSnapshot,
		loggers:         map[string]Loggers{},
		residency:       map[string]string{},
		handoffTotal:    map[handoffMetricKey]uint64{},
		stateFile:       opts.StateFile,
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	if uncovered := cfg.Uncovered(g); len(uncovered) > 0 {
		logger.Printf("warning: blocks %s are managed by no controller", FormatBlocks(uncovered))
	}
	for _, cs := range cfg.Controllers {
		wc, err := cfg.ControllerConfig(cs)
		if err != nil {
			return nil, fmt.Errorf("controller %s: %w", cs.ID, err)
		}
		wc.Tuning = opts.Tuning
		c, err := wayside.New(wc, wayside.Deps{
			Graph:     g,
			Clock:     clk,
			Feed:      bp,
			Telemetry: bp,
			Occupancy: bp,
			Commands:  bp,
			Reports:   bp,
			Exchange:  bp,
			Owners:    bp,
			Logger:    log.New(logger.Writer(), "[wayside "+cs.ID+"] ", logger.Flags()),
		})
		if err != nil {
			return nil, err
		}
		c.SetHandoffLogger(handoffTee{m: m, id: cs.ID})
		c.SetLegLogger(legTee{m: m, id: cs.ID})
		m.ids = append(m.ids, cs.ID)
		m.ctrls[cs.ID] = c
	}
	sort.Strings(m.ids)
	m.loadState()
	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Graph() *track.Graph { return m.graph }

func (m *Manager) Clock() *clock.Sim { return m.clk }

func (m *Manager) IDs() []string { return append([]string(nil), m.ids...) }

func (m *Manager) Controller(id string) *wayside.Controller { return m.ctrls[id] }

// AttachLoggers sets the event logs of controller id. Handoff and leg entries
// also feed the manager's metrics.
func (m *Manager) AttachLoggers(id string, l Loggers) error {
	c := m.ctrls[id]
	if c == nil {
		return fmt.Errorf("unknown controller %s", id)
	}
	m.mu.Lock()
	m.loggers[id] = l
	m.mu.Unlock()
	if l.Cycle != nil {
		c.SetCycleLogger(l.Cycle)
	}
	if l.Rejection != nil {
		c.SetRejectionLogger(l.Rejection)
	}
	return nil
}

// Views returns the latest view of every controller, ordered by id.
func (m *Manager) Views() []*wayside.View {
	out := make([]*wayside.View, 0, len(m.ids))
	for _, id := range m.ids {
		out = append(out, m.ctrls[id].View())
	}
	return out
}

func (m *Manager) View(id string) (*wayside.View, bool) {
	c := m.ctrls[id]
	if c == nil {
		return nil, false
	}
	return c.View(), true
}

func (m *Manager) SetMaintenance(id string, on bool) error {
	c := m.ctrls[id]
	if c == nil {
		return fmt.Errorf("unknown controller %s", id)
	}
	c.SetMaintenance(on)
	return nil
}

// RequestSwitch routes a manual switch request to its controller.
func (m *Manager) RequestSwitch(req protocol.SwitchRequestMsg) protocol.SwitchResponse {
	c := m.ctrls[req.Controller]
	if c == nil {
		return protocol.SwitchResponse{Code: protocol.ErrControllerNotFound, Reason: fmt.Sprintf("unknown controller %q", req.Controller)}
	}
	return c.RequestSwitch(req)
}

// SetMultiplier changes the simulation rate. Running cycle and snapshot
// tickers switch to the new wall interval immediately.
func (m *Manager) SetMultiplier(mult float64) {
	m.clk.SetMultiplier(mult)
	m.logger.Printf("sim multiplier=%.2f", m.clk.Multiplier())
}

// Step runs one ingest, signal and progression cycle on every controller in
// id order.
func (m *Manager) Step(ctx context.Context) {
	for _, id := range m.ids {
		m.ctrls[id].StepIngest(ctx)
	}
	for _, id := range m.ids {
		m.ctrls[id].StepSignals(ctx)
	}
	for _, id := range m.ids {
		m.ctrls[id].StepProgression(ctx)
	}
}

// Run drives every controller until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, id := range m.ids {
		c := m.ctrls[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Run(ctx)
		}()
	}
	if m.snapshotDir != "" && m.tuning.SnapshotEveryCycles > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.snapshotLoop(ctx)
		}()
	}
	wg.Wait()
	if m.snapshotDir != "" {
		if _, err := m.WriteSnapshot(); err != nil {
			m.logger.Printf("final snapshot: %v", err)
		}
	}
	return ctx.Err()
}

func (m *Manager) snapshotLoop(ctx context.Context) {
	period := m.tuning.ProgressionPeriod() * time.Duration(m.tuning.SnapshotEveryCycles)
	tk := m.clk.NewTicker(period)
	defer tk.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C():
			if _, err := m.WriteSnapshot(); err != nil {
				m.logger.Printf("snapshot: %v", err)
			}
		}
	}
}

// Snapshot captures every controller.
func (m *Manager) Snapshot() snapshot.LineSnapshotV1 {
	snap := snapshot.LineSnapshotV1{
		Header:         snapshot.Header{Line: m.cfg.Line, SimUnixMs: m.clk.Now().UnixMilli()},
		TickMultiplier: m.clk.Multiplier(),
		Owners:         map[string]string{},
	}
	for _, id := range m.ids {
		cs := m.ctrls[id].ExportSnapshot()
		for _, t := range cs.Trains {
			snap.Owners[t.Name] = id
		}
		snap.Controllers = append(snap.Controllers, cs)
	}
	snap.Normalize()
	return snap
}

// WriteSnapshot writes Snapshot() into the snapshot directory.
func (m *Manager) WriteSnapshot() (string, error) {
	if m.snapshotDir == "" {
		return "", fmt.Errorf("snapshots disabled")
	}
	snap := m.Snapshot()
	path := filepath.Join(m.snapshotDir, snapshot.FileName(snap.Header.SimUnixMs))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if m.onSnapshot != nil {
		m.onSnapshot(path, snap)
	}
	return path, nil
}

// Restore imports a line snapshot and re-registers train ownership. Controllers
// missing from the snapshot keep their state; snapshots of unknown
// controllers are skipped.
func (m *Manager) Restore(ctx context.Context, snap snapshot.LineSnapshotV1) error {
	if snap.Header.Line != "" && snap.Header.Line != m.cfg.Line {
		return fmt.Errorf("snapshot is for line %q, not %q", snap.Header.Line, m.cfg.Line)
	}
	if snap.TickMultiplier > 0 {
		m.clk.SetMultiplier(snap.TickMultiplier)
	}
	for _, cs := range snap.Controllers {
		c := m.ctrls[cs.Controller]
		if c == nil {
			m.logger.Printf("snapshot: skipping unknown controller %s", cs.Controller)
			continue
		}
		if err := c.ImportSnapshot(cs); err != nil {
			return err
		}
		for _, name := range c.Trains() {
			if err := m.bp.Claim(ctx, name, cs.Controller); err != nil {
				m.logger.Printf("snapshot: train %s ownership for %s: %v", name, cs.Controller, err)
				continue
			}
			m.updateResidency(name, cs.Controller)
		}
	}
	return nil
}

// Residency returns the last known controller of every train.
func (m *Manager) Residency() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.residency))
	for k, v := range m.residency {
		out[k] = v
	}
	return out
}

func (m *Manager) HandoffMetrics() []HandoffMetric {
	m.mu.RLock()
	out := make([]HandoffMetric, 0, len(m.handoffTotal))
	for k, n := range m.handoffTotal {
		out = append(out, HandoffMetric{From: k.From, To: k.To, Result: k.Result, Count: n})
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Result < out[j].Result
	})
	return out
}

type handoffTee struct {
	m  *Manager
	id string
}

func (h handoffTee) WriteHandoff(e wayside.HandoffEntry) error {
	h.m.recordHandoff(e)
	h.m.mu.RLock()
	next := h.m.loggers[h.id].Handoff
	h.m.mu.RUnlock()
	if next == nil {
		return nil
	}
	return next.WriteHandoff(e)
}

type legTee struct {
	m  *Manager
	id string
}

func (l legTee) WriteLeg(e wayside.LegEntry) error {
	switch e.Reason {
	case wayside.LegClaim, wayside.LegReactivate:
		l.m.updateResidency(e.Train, e.Controller)
	case wayside.LegTerminated, wayside.LegEndOfLine, wayside.LegRemoved:
		l.m.clearResidency(e.Train, e.Controller)
	}
	l.m.mu.RLock()
	next := l.m.loggers[l.id].Leg
	l.m.mu.RUnlock()
	if next == nil {
		return nil
	}
	return next.WriteLeg(e)
}

func (m *Manager) recordHandoff(e wayside.HandoffEntry) {
	var k handoffMetricKey
	switch e.Event {
	case "IN":
		k = handoffMetricKey{From: e.Packet.From, To: e.Controller, Result: "ok"}
	case "FAILED":
		k = handoffMetricKey{From: e.Controller, Result: "publish_failed"}
	default:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffTotal[k]++
	if e.Event == "IN" {
		m.residency[e.Packet.Train] = e.Controller
	}
	m.schedulePersistLocked()
}

func (m *Manager) updateResidency(train, controller string) {
	if train == "" || controller == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.residency[train] = controller
	m.schedulePersistLocked()
}

func (m *Manager) clearResidency(train, controller string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.residency[train] == controller {
		delete(m.residency, train)
		m.schedulePersistLocked()
	}
}

func (m *Manager) loadState() {
	if m.stateFile == "" {
		return
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		m.logger.Printf("state %s unreadable: %v", m.stateFile, err)
		return
	}
	for k, v := range st.Residency {
		if k != "" && v != "" {
			m.residency[k] = v
		}
	}
	for _, hm := range st.HandoffMetrics {
		if hm.From == "" || hm.Result == "" || hm.Count == 0 {
			continue
		}
		m.handoffTotal[handoffMetricKey{From: hm.From, To: hm.To, Result: hm.Result}] = hm.Count
	}
}

func (m *Manager) schedulePersistLocked() {
	if m.stateFile == "" || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			stopTimer()
			timer = time.NewTimer(m.persistDebounce)
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			timer = nil
			m.persistNow()
		}
	}
}

// Close flushes pending state. Controllers stop with their Run context.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.persistStop)
		m.persistWG.Wait()
	})
}

// FlushState writes the state file now.
func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) persistNow() {
	if m.stateFile == "" {
		return
	}
	st := persistedState{Version: stateVersion, Residency: m.Residency()}
	for _, hm := range m.HandoffMetrics() {
		st.HandoffMetrics = append(st.HandoffMetrics, persistedHandoffMetric(hm))
	}
	b, _ := json.MarshalIndent(st, "", "  ")
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		m.logger.Printf("persist state: %v", err)
		return
	}
	tmp := m.stateFile + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		m.logger.Printf("persist state: %v", err)
		return
	}
	if err := os.Rename(tmp, m.stateFile); err != nil {
		m.logger.Printf("persist state: %v", err)
	}
}
