package wayside

import (
	"fmt"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/vital"
)

// SetMaintenance toggles maintenance mode. Leaving it drops staged requests.
func (c *Controller) SetMaintenance(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maintenance == on {
		return
	}
	c.maintenance = on
	if !on {
		for id := range c.staged {
			delete(c.staged, id)
		}
	}
	c.logger.Printf("maintenance=%v", on)
	c.publishViewLocked()
}

// RequestSwitch stages a manual switch position. It overrides the rule module
// until maintenance ends and is validated again on every signal cycle; a
// staged position the validator refuses is dropped.
func (c *Controller) RequestSwitch(req protocol.SwitchRequestMsg) protocol.SwitchResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.maintenance {
		return protocol.SwitchResponse{Code: protocol.ErrNotMaintenance, Reason: "controller not in maintenance mode"}
	}
	if !c.managed[req.Block] {
		return protocol.SwitchResponse{Code: protocol.ErrNotManaged, Reason: fmt.Sprintf("block %d not managed by %s", req.Block, c.cfg.ID)}
	}
	v := c.eval.Validator()
	code, reason, ok := v.CheckSwitch(req.Block, c.committed.Switches[req.Block], req.Position, c.snapshotLocked())
	if !ok {
		c.rejections++
		r := vital.Rejection{
			Kind:     vital.KindSwitch,
			Block:    req.Block,
			Proposed: fmt.Sprint(req.Position),
			Applied:  fmt.Sprint(c.committed.Switches[req.Block]),
			Code:     code,
			Reason:   reason,
		}
		c.logger.Printf("vital: rejected manual switch %d -> %d by %q: %s", req.Block, req.Position, req.Operator, reason)
		if c.rejectionLog != nil {
			_ = c.rejectionLog.WriteRejection(RejectionEntry{
				Controller: c.cfg.ID,
				Cycle:      c.sigCycle,
				SimUnixMs:  c.simMs(),
				Source:     sourceManual,
				Rejection:  r,
			})
		}
		return protocol.SwitchResponse{Code: code, Reason: reason}
	}
	c.staged[req.Block] = req.Position
	c.logger.Printf("manual switch %d -> %d staged by %q", req.Block, req.Position, req.Operator)
	return protocol.SwitchResponse{OK: true}
}
