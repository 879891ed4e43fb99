package wayside

import (
	"sort"

	"wayside.ai/internal/sim/plc"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/vital"
)

// Evaluator runs the controller's rule module over its partition and passes
// every proposal through the vital validator. It holds no mutable state.
type Evaluator struct {
	controller string
	graph      *track.Graph
	module     plc.Module
	validator  *vital.Validator
	managed    map[track.BlockID]bool
	managedIDs []track.BlockID
}

func NewEvaluator(controller string, g *track.Graph, module plc.Module, managed []track.BlockID) *Evaluator {
	e := &Evaluator{
		controller: controller,
		graph:      g,
		module:     module,
		validator:  vital.New(g),
		managed:    map[track.BlockID]bool{},
	}
	for _, id := range managed {
		if !e.managed[id] {
			e.managed[id] = true
			e.managedIDs = append(e.managedIDs, id)
		}
	}
	sort.Ints(e.managedIDs)
	return e
}

func (e *Evaluator) Validator() *vital.Validator { return e.validator }

func (e *Evaluator) ModuleName() string { return e.module.Name() }

// Propose runs the module and keeps only elements on managed blocks.
func (e *Evaluator) Propose(snap vital.Snapshot, committed vital.State) vital.State {
	in := plc.Input{
		Controller: e.controller,
		Graph:      e.graph,
		Managed:    e.managedIDs,
		Occupied:   snap.Occupied,
		Closed:     snap.Closed,
		Switches:   committed.Switches,
	}
	out := e.module.Evaluate(in)
	p := vital.NewState()
	for id, v := range out.Switches {
		if e.managed[id] {
			p.Switches[id] = v
		}
	}
	for id, v := range out.Signals {
		if e.managed[id] {
			p.Signals[id] = v
		}
	}
	for id, v := range out.Gates {
		if e.managed[id] {
			p.Gates[id] = v
		}
	}
	return p
}

// Evaluate proposes, overlays staged manual switch positions, and validates
// against prev. manualRejected lists staged blocks the validator refused.
func (e *Evaluator) Evaluate(snap vital.Snapshot, prev vital.State, staged map[track.BlockID]int) (next vital.State, rejections []vital.Rejection, manualRejected []track.BlockID) {
	proposed := e.Propose(snap, prev)
	for id, pos := range staged {
		if e.managed[id] {
			proposed.Switches[id] = pos
		}
	}
	next, rejections = e.validator.Apply(prev, proposed, snap)
	for _, r := range rejections {
		if r.Kind != vital.KindSwitch {
			continue
		}
		if _, ok := staged[r.Block]; ok {
			manualRejected = append(manualRejected, r.Block)
		}
	}
	return next, rejections, manualRejected
}
