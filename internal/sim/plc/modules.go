package plc

import (
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
)

// BlockClear grades signal aspects by clear blocks ahead, lines switches toward
// a train one block beyond a route target and lowers gates when their approach
// is occupied. A switch whose block or approach is occupied is left alone.
type BlockClear struct {
	opts Options
}

func (*BlockClear) Name() string { return "blockclear" }

func (m *BlockClear) Evaluate(in Input) Output {
	out := NewOutput()
	managed := managedSet(in)

	sw := track.SwitchPositions{}
	for k, v := range in.Switches {
		sw[k] = v
	}
	for _, id := range in.Graph.SwitchIDs() {
		if !managed[id] {
			continue
		}
		cur, committed := in.Switches[id]
		if !committed {
			cur = m.opts.normal(id)
		}
		if switchLocked(in, id) {
			// Locked switches keep their committed lie.
			if committed {
				out.Switches[id] = cur
			}
			continue
		}
		r, _ := in.Graph.Route(id)
		far0, far1 := beyondOccupied(in, id, r.Position0), beyondOccupied(in, id, r.Position1)
		pos := cur
		switch {
		case far1 && !far0:
			pos = 1
		case far0 && !far1:
			pos = 0
		case !far0 && !far1:
			pos = m.opts.normal(id)
		}
		if pos != cur && in.Closed[r.Target(pos)] {
			pos = cur
		}
		out.Switches[id] = pos
		sw[id] = pos
	}

	for _, id := range in.Graph.SignalBlocks() {
		if !managed[id] {
			continue
		}
		if in.Closed[id] {
			out.Signals[id] = protocol.Red
			continue
		}
		switch clearAhead(in, id, sw, 3) {
		case 3:
			out.Signals[id] = protocol.SuperGreen
		case 2:
			out.Signals[id] = protocol.Green
		case 1:
			out.Signals[id] = protocol.Yellow
		default:
			out.Signals[id] = protocol.Red
		}
	}

	for _, id := range in.Graph.GateIDs() {
		if managed[id] {
			out.Gates[id] = gateState(in, id)
		}
	}
	return out
}

// Conservative pins switches to their normal position and shows only Green or
// Red.
type Conservative struct {
	opts Options
}

func (*Conservative) Name() string { return "conservative" }

func (m *Conservative) Evaluate(in Input) Output {
	out := NewOutput()
	managed := managedSet(in)

	sw := track.SwitchPositions{}
	for _, id := range in.Graph.SwitchIDs() {
		if managed[id] {
			out.Switches[id] = m.opts.normal(id)
			sw[id] = out.Switches[id]
		}
	}
	for _, id := range in.Graph.SignalBlocks() {
		if !managed[id] {
			continue
		}
		if !in.Closed[id] && clearAhead(in, id, sw, 1) == 1 {
			out.Signals[id] = protocol.Green
		} else {
			out.Signals[id] = protocol.Red
		}
	}
	for _, id := range in.Graph.GateIDs() {
		if managed[id] {
			out.Gates[id] = gateState(in, id)
		}
	}
	return out
}

// switchLocked reports whether the switch block or any block of its approach
// set is occupied.
func switchLocked(in Input, id track.BlockID) bool {
	if in.Occupied[id] {
		return true
	}
	for _, a := range in.Graph.SwitchApproach(id) {
		if in.Occupied[a] {
			return true
		}
	}
	return false
}

// beyondOccupied reports whether a block feeding target from the far side of
// the switch is occupied.
func beyondOccupied(in Input, sw, target track.BlockID) bool {
	for _, p := range in.Graph.Predecessors(target) {
		if p != sw && in.Occupied[p] {
			return true
		}
	}
	return false
}
