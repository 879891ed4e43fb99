package wayside

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/transport/bus"
)

type rig struct {
	t     *testing.T
	g     *track.Graph
	hub   *bus.Hub
	base  *clock.Mock
	clk   *clock.Sim
	ctrls []*Controller
}

func testTuning() tuning.Tuning {
	tu := tuning.Defaults()
	tu.Retry.BackoffMs = 0
	return tu
}

func newRig(t *testing.T, g *track.Graph) *rig {
	t.Helper()
	base := clock.NewMock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	return &rig{t: t, g: g, hub: bus.NewHub(), base: base, clk: clock.NewSim(base, 1)}
}

func (r *rig) add(id string, managed, visible []track.BlockID) *Controller {
	r.t.Helper()
	cfg := Config{ID: id, Managed: managed, Visible: visible, Module: "blockclear", Tuning: testTuning()}
	c, err := New(cfg, Deps{
		Graph:     r.g,
		Clock:     r.clk,
		Feed:      r.hub,
		Telemetry: r.hub,
		Occupancy: r.hub,
		Commands:  r.hub,
		Reports:   r.hub,
		Exchange:  r.hub,
		Owners:    r.hub,
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		r.t.Fatalf("New(%s): %v", id, err)
	}
	r.ctrls = append(r.ctrls, c)
	return c
}

// tick advances one progression period and runs ingest, signals and
// progression on every controller in order.
func (r *rig) tick() {
	ctx := context.Background()
	r.base.Advance(time.Second)
	for _, c := range r.ctrls {
		c.StepIngest(ctx)
	}
	for _, c := range r.ctrls {
		c.StepSignals(ctx)
	}
	for _, c := range r.ctrls {
		c.StepProgression(ctx)
	}
}

func (r *rig) owners(train string) []string {
	var out []string
	for _, c := range r.ctrls {
		if _, ok := c.View().Train(train); ok {
			out = append(out, c.ID())
		}
	}
	return out
}

func feed(trains ...protocol.CTCTrain) protocol.CTCFeedMsg {
	return protocol.CTCFeedMsg{Type: protocol.TypeCTCFeed, ProtocolVersion: protocol.Version, Trains: trains}
}

func blockRange(from, to int) []track.BlockID {
	var out []track.BlockID
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

type handoffRecorder struct {
	mu      sync.Mutex
	entries []HandoffEntry
}

func (h *handoffRecorder) WriteHandoff(e HandoffEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *handoffRecorder) find(event string) (HandoffEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		if e.Event == event {
			return e, true
		}
	}
	return HandoffEntry{}, false
}

type legRecorder struct {
	mu      sync.Mutex
	entries []LegEntry
}

func (l *legRecorder) WriteLeg(e LegEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *legRecorder) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		out = append(out, e.Reason)
	}
	return out
}
