// Package vital is the safety gate every switch, signal and gate command passes
// before it is committed. Rejections fail toward the more restrictive state:
// a switch keeps its previous position, a signal drops to Red, a gate goes Down.
package vital

import (
	"fmt"
	"sort"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
)

// Snapshot is the occupancy/closure picture a decision is validated against.
type Snapshot struct {
	Occupied map[track.BlockID]bool
	Closed   map[track.BlockID]bool
}

// State is a full set of wayside outputs.
type State struct {
	Switches map[track.BlockID]int                `json:"switches"`
	Signals  map[track.BlockID]protocol.Aspect    `json:"signals"`
	Gates    map[track.BlockID]protocol.GateState `json:"gates"`
}

func NewState() State {
	return State{
		Switches: map[track.BlockID]int{},
		Signals:  map[track.BlockID]protocol.Aspect{},
		Gates:    map[track.BlockID]protocol.GateState{},
	}
}

func (s State) Clone() State {
	out := NewState()
	for k, v := range s.Switches {
		out.Switches[k] = v
	}
	for k, v := range s.Signals {
		out.Signals[k] = v
	}
	for k, v := range s.Gates {
		out.Gates[k] = v
	}
	return out
}

type Kind string

const (
	KindSwitch Kind = "switch"
	KindSignal Kind = "signal"
	KindGate   Kind = "gate"
)

// Rejection records one proposal the validator refused and what replaced it.
type Rejection struct {
	Kind     Kind          `json:"kind"`
	Block    track.BlockID `json:"block"`
	Proposed string        `json:"proposed"`
	Applied  string        `json:"applied"`
	Code     string        `json:"code"`
	Reason   string        `json:"reason"`
}

type Validator struct {
	g *track.Graph
}

func New(g *track.Graph) *Validator { return &Validator{g: g} }

// CheckSwitch validates moving switch block from position from to position to.
// Holding the current position is always allowed.
func (v *Validator) CheckSwitch(block track.BlockID, from, to int, snap Snapshot) (code, reason string, ok bool) {
	r, isSwitch := v.g.Route(block)
	if !isSwitch {
		return protocol.ErrNotSwitch, fmt.Sprintf("block %d is not a switch", block), false
	}
	if to != 0 && to != 1 {
		return protocol.ErrVitalUnknownState, fmt.Sprintf("position %d", to), false
	}
	if from == to {
		return "", "", true
	}
	if snap.Occupied[block] {
		return protocol.ErrVitalSwitchOccupied, fmt.Sprintf("switch block %d occupied", block), false
	}
	for _, a := range v.g.SwitchApproach(block) {
		if snap.Occupied[a] {
			return protocol.ErrVitalSwitchApproach, fmt.Sprintf("approach block %d occupied", a), false
		}
	}
	if snap.Closed[r.Target(to)] {
		return protocol.ErrVitalRouteClosed, fmt.Sprintf("route target %d closed", r.Target(to)), false
	}
	return "", "", true
}

// CheckSignal validates showing aspect at block given committed switch positions.
// Red is always allowed.
func (v *Validator) CheckSignal(block track.BlockID, aspect protocol.Aspect, switches map[track.BlockID]int, snap Snapshot) (code, reason string, ok bool) {
	switch aspect {
	case protocol.Red:
		return "", "", true
	case protocol.SuperGreen, protocol.Green, protocol.Yellow:
	default:
		return protocol.ErrVitalUnknownState, fmt.Sprintf("aspect %q", aspect), false
	}
	if snap.Closed[block] {
		return protocol.ErrVitalSignalClosed, fmt.Sprintf("signal block %d closed", block), false
	}
	next, _, exists := v.g.Next(block, protocol.Forward, track.SwitchPositions(switches))
	if !exists {
		return protocol.ErrVitalSignalBlocked, fmt.Sprintf("no block beyond %d", block), false
	}
	if snap.Closed[next] {
		return protocol.ErrVitalSignalClosed, fmt.Sprintf("protected block %d closed", next), false
	}
	if snap.Occupied[next] {
		return protocol.ErrVitalSignalBlocked, fmt.Sprintf("protected block %d occupied", next), false
	}
	return "", "", true
}

// CheckGate validates a gate state. Down is always allowed.
func (v *Validator) CheckGate(block track.BlockID, state protocol.GateState, snap Snapshot) (code, reason string, ok bool) {
	switch state {
	case protocol.GateDown:
		return "", "", true
	case protocol.GateUp:
	default:
		return protocol.ErrVitalUnknownState, fmt.Sprintf("gate state %q", state), false
	}
	if snap.Closed[block] {
		return protocol.ErrVitalGateClosed, fmt.Sprintf("gate block %d closed", block), false
	}
	if snap.Occupied[block] {
		return protocol.ErrVitalGateOccupied, fmt.Sprintf("gate block %d occupied", block), false
	}
	for _, a := range v.g.Approaches(block) {
		if snap.Occupied[a] {
			return protocol.ErrVitalGateApproach, fmt.Sprintf("approach block %d occupied", a), false
		}
	}
	return "", "", true
}

// Apply validates proposed against prev and returns the state to commit.
// Switches are decided first, signals against the committed switches, gates
// last. Switches absent from proposed keep their previous position; signals
// and gates exist only where proposed.
func (v *Validator) Apply(prev, proposed State, snap Snapshot) (State, []Rejection) {
	next := NewState()
	var rej []Rejection
	for k, p := range prev.Switches {
		next.Switches[k] = p
	}

	for _, id := range sortedKeys(proposed.Switches) {
		to := proposed.Switches[id]
		from := prev.Switches[id]
		if code, reason, ok := v.CheckSwitch(id, from, to, snap); !ok {
			rej = append(rej, Rejection{Kind: KindSwitch, Block: id, Proposed: fmt.Sprint(to), Applied: fmt.Sprint(from), Code: code, Reason: reason})
			next.Switches[id] = from
			continue
		}
		next.Switches[id] = to
	}

	for _, id := range sortedKeys(proposed.Signals) {
		a := proposed.Signals[id]
		if code, reason, ok := v.CheckSignal(id, a, next.Switches, snap); !ok {
			rej = append(rej, Rejection{Kind: KindSignal, Block: id, Proposed: string(a), Applied: string(protocol.Red), Code: code, Reason: reason})
			a = protocol.Red
		}
		next.Signals[id] = a
	}

	for _, id := range sortedKeys(proposed.Gates) {
		s := proposed.Gates[id]
		if code, reason, ok := v.CheckGate(id, s, snap); !ok {
			rej = append(rej, Rejection{Kind: KindGate, Block: id, Proposed: string(s), Applied: string(protocol.GateDown), Code: code, Reason: reason})
			s = protocol.GateDown
		}
		next.Gates[id] = s
	}
	return next, rej
}

// Check re-evaluates a committed state against the snapshot it was validated
// with and returns every element that would not pass. An empty result means
// committed is safe.
func (v *Validator) Check(prev, committed State, snap Snapshot) []Rejection {
	var out []Rejection
	for _, id := range sortedKeys(committed.Switches) {
		to := committed.Switches[id]
		from := prev.Switches[id]
		if code, reason, ok := v.CheckSwitch(id, from, to, snap); !ok {
			out = append(out, Rejection{Kind: KindSwitch, Block: id, Proposed: fmt.Sprint(to), Code: code, Reason: reason})
		}
	}
	for _, id := range sortedKeys(committed.Signals) {
		if code, reason, ok := v.CheckSignal(id, committed.Signals[id], committed.Switches, snap); !ok {
			out = append(out, Rejection{Kind: KindSignal, Block: id, Proposed: string(committed.Signals[id]), Code: code, Reason: reason})
		}
	}
	for _, id := range sortedKeys(committed.Gates) {
		if code, reason, ok := v.CheckGate(id, committed.Gates[id], snap); !ok {
			out = append(out, Rejection{Kind: KindGate, Block: id, Proposed: string(committed.Gates[id]), Code: code, Reason: reason})
		}
	}
	return out
}

func sortedKeys[V any](m map[track.BlockID]V) []track.BlockID {
	out := make([]track.BlockID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
