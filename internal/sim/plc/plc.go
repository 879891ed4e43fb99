// Package plc holds the compiled signal/switch/gate rule modules a controller
// can run. A module sees an occupancy snapshot of its partition and proposes
// states; it never commits anything itself.
package plc

import (
	"fmt"
	"sort"
	"strings"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
)

type Input struct {
	Controller string
	Graph      *track.Graph
	Managed    []track.BlockID
	Occupied   map[track.BlockID]bool
	Closed     map[track.BlockID]bool
	// Switches holds the positions committed by the previous cycle.
	Switches map[track.BlockID]int
}

type Output struct {
	Signals  map[track.BlockID]protocol.Aspect
	Switches map[track.BlockID]int
	Gates    map[track.BlockID]protocol.GateState
}

func NewOutput() Output {
	return Output{
		Signals:  map[track.BlockID]protocol.Aspect{},
		Switches: map[track.BlockID]int{},
		Gates:    map[track.BlockID]protocol.GateState{},
	}
}

// Module is a rule set. Evaluate must be a pure function of its input.
type Module interface {
	Name() string
	Evaluate(in Input) Output
}

// Options configures a module at construction.
type Options struct {
	// NormalSwitch is the rest position per switch block; missing means 0.
	NormalSwitch map[track.BlockID]int
}

type factory func(Options) Module

var registry = map[string]factory{
	"blockclear":   func(o Options) Module { return &BlockClear{opts: o} },
	"conservative": func(o Options) Module { return &Conservative{opts: o} },
}

// New returns the module registered under name.
func New(name string, opts Options) (Module, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("plc: unknown module %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return f(opts), nil
}

func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (o Options) normal(id track.BlockID) int {
	if o.NormalSwitch == nil {
		return 0
	}
	return o.NormalSwitch[id]
}

func managedSet(in Input) map[track.BlockID]bool {
	m := make(map[track.BlockID]bool, len(in.Managed))
	for _, id := range in.Managed {
		m[id] = true
	}
	return m
}

// clearAhead counts consecutive clear, open blocks after from, up to limit.
func clearAhead(in Input, from track.BlockID, sw track.SwitchPositions, limit int) int {
	n := 0
	cur, dir := from, protocol.Forward
	for n < limit {
		nxt, nd, ok := in.Graph.Next(cur, dir, sw)
		if !ok || in.Occupied[nxt] || in.Closed[nxt] {
			return n
		}
		n++
		cur, dir = nxt, nd
	}
	return n
}

func gateState(in Input, gate track.BlockID) protocol.GateState {
	if in.Occupied[gate] {
		return protocol.GateDown
	}
	for _, a := range in.Graph.Approaches(gate) {
		if in.Occupied[a] {
			return protocol.GateDown
		}
	}
	return protocol.GateUp
}
