// Package clock provides the simulation clock passed into every controller cycle.
//
// Sim wraps a wall Clock and runs simulated time at a multiple of it. Cycle periods
// and dwell intervals are expressed in simulated time; Sim converts them into wall
// intervals for tickers. Tests drive a Mock base clock by hand.
package clock

import (
	"sync"
	"time"
)

const (
	MinMultiplier = 0.1
	MaxMultiplier = 50
)

// Clock is the subset of time operations the controller needs.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks at an interval.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	// Reset changes the interval; the next tick is one interval from now.
	Reset(d time.Duration)
}

// Real implements Clock with the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
func (r *realTicker) Reset(d time.Duration) { r.t.Reset(d) }

// Mock is a manually advanced clock for tests.
type Mock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*MockTicker
}

func NewMock(t time.Time) *Mock { return &Mock{now: t} }

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward and fires due tickers (at most once per call each).
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := append([]*MockTicker(nil), m.tickers...)
	m.mu.Unlock()
	for _, t := range tickers {
		t.fireIfDue(now)
	}
}

func (m *Mock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MockTicker{clk: m, ch: make(chan time.Time, 1), interval: d, next: m.now.Add(d)}
	m.tickers = append(m.tickers, t)
	return t
}

type MockTicker struct {
	clk      *Mock
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *MockTicker) C() <-chan time.Time { return t.ch }

func (t *MockTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *MockTicker) Reset(d time.Duration) {
	now := t.clk.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
	t.next = now.Add(d)
}

func (t *MockTicker) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.interval)
}

// Sim runs simulated time at Multiplier() times the base clock.
type Sim struct {
	base Clock

	mu         sync.Mutex
	anchorWall time.Time
	anchorSim  time.Time
	mult       float64
	tickers    map[*simTicker]struct{}
}

// simTicker is a base ticker whose wall interval follows the multiplier.
type simTicker struct {
	Ticker
	sim       *Sim
	simPeriod time.Duration
}

func (t *simTicker) Stop() {
	t.sim.mu.Lock()
	delete(t.sim.tickers, t)
	t.sim.mu.Unlock()
	t.Ticker.Stop()
}

// Reset takes a simulated period.
func (t *simTicker) Reset(simPeriod time.Duration) {
	t.sim.mu.Lock()
	t.simPeriod = simPeriod
	wall := wallInterval(simPeriod, t.sim.mult)
	t.sim.mu.Unlock()
	t.Ticker.Reset(wall)
}

func NewSim(base Clock, multiplier float64) *Sim {
	if base == nil {
		base = Real{}
	}
	now := base.Now()
	return &Sim{base: base, anchorWall: now, anchorSim: now, mult: clampMultiplier(multiplier), tickers: map[*simTicker]struct{}{}}
}

// Now returns the current simulated time.
func (s *Sim) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked()
}

func (s *Sim) nowLocked() time.Time {
	elapsed := s.base.Now().Sub(s.anchorWall)
	return s.anchorSim.Add(time.Duration(float64(elapsed) * s.mult))
}

func (s *Sim) Multiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mult
}

// SetMultiplier changes the rate going forward; simulated time stays continuous.
// Running tickers are reset to the new wall interval before it returns.
func (s *Sim) SetMultiplier(m float64) {
	s.mu.Lock()
	s.anchorSim = s.nowLocked()
	s.anchorWall = s.base.Now()
	s.mult = clampMultiplier(m)
	type reset struct {
		t    Ticker
		wall time.Duration
	}
	resets := make([]reset, 0, len(s.tickers))
	for t := range s.tickers {
		resets = append(resets, reset{t: t.Ticker, wall: wallInterval(t.simPeriod, s.mult)})
	}
	s.mu.Unlock()
	for _, r := range resets {
		r.t.Reset(r.wall)
	}
}

// WallInterval converts a simulated period into the wall interval a ticker should use.
func (s *Sim) WallInterval(simPeriod time.Duration) time.Duration {
	return wallInterval(simPeriod, s.Multiplier())
}

func wallInterval(simPeriod time.Duration, mult float64) time.Duration {
	d := time.Duration(float64(simPeriod) / mult)
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

// NewTicker ticks once per simulated period, at whatever multiplier is current.
func (s *Sim) NewTicker(simPeriod time.Duration) Ticker {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &simTicker{Ticker: s.base.NewTicker(wallInterval(simPeriod, s.mult)), sim: s, simPeriod: simPeriod}
	s.tickers[t] = struct{}{}
	return t
}

func clampMultiplier(m float64) float64 {
	if m <= 0 {
		return 1
	}
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}
