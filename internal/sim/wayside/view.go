package wayside

import (
	"fmt"
	"sort"
	"time"

	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/vital"
)

func (c *Controller) publishViewLocked() {
	v := &View{
		Controller:          c.cfg.ID,
		ProgressionCycle:    c.progCycle,
		SignalCycle:         c.sigCycle,
		SimTime:             c.clk.Now(),
		Status:              "OK",
		Maintenance:         c.maintenance,
		Outputs:             c.committed.Clone(),
		Rejections:          c.rejections,
		InvariantViolations: c.violations,
		HandoffsOut:         c.handOut,
		HandoffsIn:          c.handIn,
	}
	if len(c.degraded) > 0 {
		v.Status = "DEGRADED"
		for src, msg := range c.degraded {
			v.Degraded = append(v.Degraded, src+": "+msg)
		}
		sort.Strings(v.Degraded)
	}
	snap := c.snapshotLocked()
	at := map[track.BlockID]string{}
	for _, name := range sortedNames(c.trains) {
		t := c.trains[name]
		v.Trains = append(v.Trains, *t.clone())
		if _, taken := at[t.Position]; !taken {
			at[t.Position] = name
		}
	}
	for _, id := range c.visibleIDs {
		b, _ := c.graph.Block(id)
		bv := BlockView{
			ID:         id,
			Managed:    c.managed[id],
			Occupied:   snap.Occupied[id],
			Closed:     snap.Closed[id],
			SpeedLimit: b.SpeedLimit,
			Signal:     c.committed.Signals[id],
			Gate:       c.committed.Gates[id],
			Train:      at[id],
		}
		if pos, ok := c.committed.Switches[id]; ok {
			p := pos
			bv.Switch = &p
		}
		v.Blocks = append(v.Blocks, bv)
	}
	c.view.Store(v)
}

// Snapshot is the restorable state of a controller.
type Snapshot struct {
	Controller       string                `json:"controller"`
	ProgressionCycle uint64                `json:"progression_cycle"`
	SignalCycle      uint64                `json:"signal_cycle"`
	SimUnixMs        int64                 `json:"sim_unix_ms"`
	Trains           []TrainState          `json:"trains"`
	Granted          map[string]float64    `json:"granted,omitempty"`
	Committed        vital.State           `json:"committed"`
	Maintenance      bool                  `json:"maintenance"`
	Staged           map[track.BlockID]int `json:"staged,omitempty"`
}

func (c *Controller) ExportSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Controller:       c.cfg.ID,
		ProgressionCycle: c.progCycle,
		SignalCycle:      c.sigCycle,
		SimUnixMs:        c.simMs(),
		Granted:          map[string]float64{},
		Committed:        c.committed.Clone(),
		Maintenance:      c.maintenance,
		Staged:           map[track.BlockID]int{},
	}
	for _, name := range sortedNames(c.trains) {
		s.Trains = append(s.Trains, *c.trains[name].clone())
	}
	for k, v := range c.granted {
		s.Granted[k] = v
	}
	for k, v := range c.staged {
		s.Staged[k] = v
	}
	return s
}

// ImportSnapshot replaces the controller state. Trains outside the visible
// partition are dropped; ownership is not re-registered here.
func (c *Controller) ImportSnapshot(s Snapshot) error {
	if s.Controller != c.cfg.ID {
		return fmt.Errorf("snapshot controller %q does not match %q", s.Controller, c.cfg.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progCycle = s.ProgressionCycle
	c.sigCycle = s.SignalCycle
	c.trains = map[string]*TrainState{}
	for i := range s.Trains {
		t := s.Trains[i]
		if !c.visible[t.Position] {
			c.logger.Printf("snapshot: dropping train %s outside partition at block %d", t.Name, t.Position)
			continue
		}
		if t.Phase == PhaseDwelling && t.DwellStartedAt.IsZero() {
			t.DwellStartedAt = time.UnixMilli(s.SimUnixMs)
		}
		c.trains[t.Name] = t.clone()
	}
	c.granted = map[string]float64{}
	for k, v := range s.Granted {
		c.granted[k] = v
	}
	c.committed = vital.NewState()
	for id, v := range s.Committed.Switches {
		if c.managed[id] {
			c.committed.Switches[id] = v
		}
	}
	for _, id := range c.graph.SwitchIDs() {
		if _, ok := c.committed.Switches[id]; !ok && c.managed[id] {
			c.committed.Switches[id] = c.cfg.NormalSwitch[id]
		}
	}
	for id, v := range s.Committed.Signals {
		if c.managed[id] {
			c.committed.Signals[id] = v
		}
	}
	for id, v := range s.Committed.Gates {
		if c.managed[id] {
			c.committed.Gates[id] = v
		}
	}
	c.maintenance = s.Maintenance
	c.staged = map[track.BlockID]int{}
	if s.Maintenance {
		for k, v := range s.Staged {
			c.staged[k] = v
		}
	}
	c.publishViewLocked()
	return nil
}

// Trains returns the names of owned trains.
func (c *Controller) Trains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedNames(c.trains)
}
