// Package wayside is one wayside controller: it owns a partition of blocks,
// tracks the trains inside it, drives its signals, switches and gates through
// the vital validator, and hands trains to its neighbours.
//
// Three cycles share one lock: progression (train motion and commands),
// signals (rule module plus validation) and ingest (CTC feed, telemetry and
// occupancy). All external I/O happens outside the lock with bounded retries;
// a failed read keeps the last good value and marks the controller degraded.
package wayside

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/plc"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/sim/vital"
)

// Clock is the simulated clock a controller runs on. *clock.Sim satisfies it;
// NewTicker takes a simulated period.
type Clock interface {
	Now() time.Time
	NewTicker(simPeriod time.Duration) clock.Ticker
}

// Flip reverses a train's direction when it moves from From into To.
type Flip struct {
	From track.BlockID `yaml:"from" json:"from"`
	To   track.BlockID `yaml:"to" json:"to"`
}

// Config describes one partition of the line and how it is evaluated.
type Config struct {
	ID      string
	Managed []track.BlockID
	// Visible is a superset of Managed; trains leaving it are handed off.
	Visible []track.BlockID

	Module       string
	NormalSwitch map[track.BlockID]int
	Flips        []Flip
	// Path is the default path used for separation checks. Nil derives it from
	// the yard in the forward direction.
	Path []track.PathStep

	Tuning tuning.Tuning
}

// Deps wires a controller to its graph and bus endpoints. Nil sinks are
// skipped.
type Deps struct {
	Graph     *track.Graph
	Clock     Clock
	Feed      FeedSource
	Telemetry TelemetrySource
	Occupancy OccupancySource
	Commands  CommandSink
	Reports   ReportSink
	Exchange  HandoffExchange
	Owners    OwnershipRegistry
	Logger    *log.Logger
}

// Controller owns one partition of the line and runs its cycles.
type Controller struct {
	cfg    Config
	graph  *track.Graph
	clk    Clock
	gov    Governor
	eval   *Evaluator
	path   *pathCoords
	logger *log.Logger

	feedSrc  FeedSource
	telSrc   TelemetrySource
	occSrc   OccupancySource
	commands CommandSink
	reports  ReportSink
	exchange HandoffExchange
	owners   OwnershipRegistry

	cycleLog     CycleLogger
	rejectionLog RejectionLogger
	handoffLog   HandoffLogger
	legLog       LegLogger

	managed    map[track.BlockID]bool
	visible    map[track.BlockID]bool
	visibleIDs []track.BlockID
	flips      map[Flip]bool

	mu          sync.Mutex
	trains      map[string]*TrainState
	granted     map[string]float64
	seenPackets map[string]bool
	packetOrder []string
	farewells   []protocol.TrainReport

	feed        protocol.CTCFeedMsg
	telemetry   map[string]float64
	extOccupied map[track.BlockID]bool
	closed      map[track.BlockID]bool
	committed   vital.State
	maintenance bool
	staged      map[track.BlockID]int
	degraded    map[string]string

	progCycle  uint64
	sigCycle   uint64
	rejections uint64
	violations uint64
	handOut    uint64
	handIn     uint64

	view atomic.Pointer[View]
}

const maxSeenPackets = 1024

// New validates the partition against the graph and builds a controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	g := deps.Graph
	if g == nil {
		return nil, fmt.Errorf("wayside: nil graph")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("wayside: empty controller id")
	}
	if len(cfg.Managed) == 0 {
		return nil, fmt.Errorf("wayside %s: no managed blocks", cfg.ID)
	}
	if deps.Clock == nil {
		return nil, fmt.Errorf("wayside %s: nil clock", cfg.ID)
	}
	if err := cfg.Tuning.Validate(); err != nil {
		return nil, fmt.Errorf("wayside %s: %w", cfg.ID, err)
	}
	module, err := plc.New(cfg.Module, plc.Options{NormalSwitch: cfg.NormalSwitch})
	if err != nil {
		return nil, fmt.Errorf("wayside %s: %w", cfg.ID, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[wayside "+cfg.ID+"] ", log.LstdFlags|log.Lmicroseconds)
	}

	c := &Controller{
		cfg:         cfg,
		graph:       g,
		clk:         deps.Clock,
		gov:         NewGovernor(cfg.Tuning.Governor),
		eval:        NewEvaluator(cfg.ID, g, module, cfg.Managed),
		logger:      logger,
		feedSrc:     deps.Feed,
		telSrc:      deps.Telemetry,
		occSrc:      deps.Occupancy,
		commands:    deps.Commands,
		reports:     deps.Reports,
		exchange:    deps.Exchange,
		owners:      deps.Owners,
		managed:     map[track.BlockID]bool{},
		visible:     map[track.BlockID]bool{},
		flips:       map[Flip]bool{},
		trains:      map[string]*TrainState{},
		granted:     map[string]float64{},
		seenPackets: map[string]bool{},
		telemetry:   map[string]float64{},
		extOccupied: map[track.BlockID]bool{},
		closed:      map[track.BlockID]bool{},
		committed:   vital.NewState(),
		staged:      map[track.BlockID]int{},
		degraded:    map[string]string{},
	}
	for _, id := range cfg.Managed {
		if !g.Has(id) {
			return nil, fmt.Errorf("wayside %s: managed block %d not in graph", cfg.ID, id)
		}
		c.managed[id] = true
		c.visible[id] = true
	}
	for _, id := range cfg.Visible {
		if !g.Has(id) {
			return nil, fmt.Errorf("wayside %s: visible block %d not in graph", cfg.ID, id)
		}
		c.visible[id] = true
	}
	for id := range c.visible {
		c.visibleIDs = append(c.visibleIDs, id)
	}
	sort.Ints(c.visibleIDs)
	for _, f := range cfg.Flips {
		c.flips[f] = true
	}
	for _, id := range g.SwitchIDs() {
		if c.managed[id] {
			c.committed.Switches[id] = cfg.NormalSwitch[id]
		}
	}
	steps := cfg.Path
	if steps == nil {
		steps = g.DefaultPath(g.YardID(), protocol.Forward)
	}
	c.path = newPathCoords(g, steps)
	if g.Degraded() {
		c.degraded["topology"] = "synthetic fallback topology in use"
	}
	c.mu.Lock()
	c.publishViewLocked()
	c.mu.Unlock()
	return c, nil
}

func (c *Controller) ID() string { return c.cfg.ID }

func (c *Controller) Graph() *track.Graph { return c.graph }

func (c *Controller) SetCycleLogger(l CycleLogger)         { c.cycleLog = l }
func (c *Controller) SetRejectionLogger(l RejectionLogger) { c.rejectionLog = l }
func (c *Controller) SetHandoffLogger(l HandoffLogger)     { c.handoffLog = l }
func (c *Controller) SetLegLogger(l LegLogger)             { c.legLog = l }

// View returns the most recently published snapshot. It never blocks on the
// controller lock.
func (c *Controller) View() *View { return c.view.Load() }

// Run drives the three cycles until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	t := c.cfg.Tuning
	c.logger.Printf("running module=%s managed=%d visible=%d", c.eval.ModuleName(), len(c.managed), len(c.visible))
	c.StepIngest(ctx)

	var wg sync.WaitGroup
	loop := func(period time.Duration, step func(context.Context)) {
		defer wg.Done()
		tk := c.clk.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tk.C():
				step(ctx)
			}
		}
	}
	wg.Add(3)
	go loop(t.ProgressionPeriod(), c.StepProgression)
	go loop(t.SignalPeriod(), c.StepSignals)
	go loop(t.IngestPeriod(), c.StepIngest)
	wg.Wait()
	c.logger.Printf("stopped")
	return ctx.Err()
}

func (c *Controller) markDegradedLocked(source, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.degraded[source] != msg {
		c.logger.Printf("degraded: %s: %s", source, msg)
	}
	c.degraded[source] = msg
}

func (c *Controller) clearDegradedLocked(source string) {
	if _, ok := c.degraded[source]; ok {
		c.logger.Printf("recovered: %s", source)
		delete(c.degraded, source)
	}
}

// snapshotLocked is the occupancy picture for validation: external occupancy
// plus owned train positions, restricted to visible blocks.
func (c *Controller) snapshotLocked() vital.Snapshot {
	snap := vital.Snapshot{Occupied: map[track.BlockID]bool{}, Closed: map[track.BlockID]bool{}}
	for id := range c.extOccupied {
		if c.visible[id] {
			snap.Occupied[id] = true
		}
	}
	for _, t := range c.trains {
		if t.Phase != PhaseHandoffPending && c.visible[t.Position] {
			snap.Occupied[t.Position] = true
		}
	}
	for id := range c.closed {
		snap.Closed[id] = true
	}
	return snap
}

// refreshView republishes the view so degraded-state changes made after the
// cycle's main section are visible.
func (c *Controller) refreshView() {
	c.mu.Lock()
	c.publishViewLocked()
	c.mu.Unlock()
}

func (c *Controller) simMs() int64 { return c.clk.Now().UnixMilli() }

func (c *Controller) logLegLocked(t *TrainState, reason string) {
	c.logger.Printf("train %s leg %d %s at block %d authority=%.1f", t.Name, t.Legs, reason, t.Position, t.AuthorityRemaining)
	if c.legLog == nil {
		return
	}
	_ = c.legLog.WriteLeg(LegEntry{
		Controller: c.cfg.ID,
		Train:      t.Name,
		Leg:        t.Legs,
		Reason:     reason,
		Position:   t.Position,
		Authority:  t.AuthorityRemaining,
		SimUnixMs:  c.simMs(),
	})
}

func (c *Controller) logHandoff(event string, pkt protocol.HandoffPacket, err error) {
	if c.handoffLog == nil {
		return
	}
	e := HandoffEntry{Controller: c.cfg.ID, Event: event, SimUnixMs: c.simMs(), Packet: pkt}
	if err != nil {
		e.Error = err.Error()
	}
	_ = c.handoffLog.WriteHandoff(e)
}

func sortedNames(m map[string]*TrainState) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
