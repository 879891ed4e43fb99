package wayside

import (
	"context"
	"sort"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/vital"
)

const (
	sourceEvaluator = "EVALUATOR"
	sourceManual    = "MANUAL"
)

// StepSignals evaluates the rule module against the current occupancy,
// validates the proposal and publishes the committed outputs.
func (c *Controller) StepSignals(ctx context.Context) {
	c.mu.Lock()
	c.sigCycle++
	snap := c.snapshotLocked()
	prev := c.committed.Clone()
	staged := c.staged
	if !c.maintenance {
		staged = nil
	}
	next, rejections, manualRejected := c.eval.Evaluate(snap, prev, staged)
	c.committed = next
	c.rejections += uint64(len(rejections))

	manual := map[track.BlockID]bool{}
	for _, id := range manualRejected {
		manual[id] = true
		delete(c.staged, id)
	}
	now := c.simMs()
	for _, r := range rejections {
		source := sourceEvaluator
		if r.Kind == vital.KindSwitch && manual[r.Block] {
			source = sourceManual
		}
		c.logger.Printf("vital: rejected %s %d %s -> %s: %s", r.Kind, r.Block, r.Proposed, r.Applied, r.Reason)
		if c.rejectionLog != nil {
			_ = c.rejectionLog.WriteRejection(RejectionEntry{
				Controller: c.cfg.ID,
				Cycle:      c.sigCycle,
				SimUnixMs:  now,
				Source:     source,
				Rejection:  r,
			})
		}
	}
	if c.cycleLog != nil {
		_ = c.cycleLog.WriteCycle(CycleLogEntry{
			Controller:   c.cfg.ID,
			Cycle:        c.sigCycle,
			SimUnixMs:    now,
			Occupied:     setIDs(snap.Occupied),
			Closed:       setIDs(snap.Closed),
			PrevSwitches: prev.Switches,
			Committed:    next.Clone(),
			Rejections:   rejections,
		})
	}
	msg := protocol.WaysideOutputsMsg{
		Type:            protocol.TypeWaysideOutputs,
		ProtocolVersion: c.cfg.Tuning.ProtocolVersion,
		Controller:      c.cfg.ID,
		Cycle:           c.sigCycle,
		Switches:        map[int]int{},
		Signals:         map[int]protocol.Aspect{},
		Gates:           map[int]protocol.GateState{},
	}
	for id, v := range next.Switches {
		msg.Switches[id] = v
	}
	for id, v := range next.Signals {
		msg.Signals[id] = v
	}
	for id, v := range next.Gates {
		msg.Gates[id] = v
	}
	c.publishViewLocked()
	c.mu.Unlock()

	if c.commands != nil {
		err := c.retry(ctx, func(ctx context.Context) error { return c.commands.PublishOutputs(ctx, msg) })
		c.noteSink("outputs", err)
	}
	c.refreshView()
}

// Committed returns a copy of the last committed outputs.
func (c *Controller) Committed() vital.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed.Clone()
}

func setIDs(m map[track.BlockID]bool) []track.BlockID {
	out := make([]track.BlockID, 0, len(m))
	for id, ok := range m {
		if ok {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}
