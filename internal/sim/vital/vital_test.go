package vital_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/vital"
)

func occupied(ids ...int) map[track.BlockID]bool {
	m := map[track.BlockID]bool{}
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestCheckSwitch(t *testing.T) {
	v := vital.New(tracktest.BranchLine(t))

	cases := []struct {
		name string
		snap vital.Snapshot
		from int
		to   int
		code string
	}{
		{name: "clear", from: 0, to: 1},
		{name: "hold while occupied", snap: vital.Snapshot{Occupied: occupied(3)}, from: 1, to: 1},
		{name: "switch occupied", snap: vital.Snapshot{Occupied: occupied(3)}, to: 1, code: protocol.ErrVitalSwitchOccupied},
		{name: "approach occupied", snap: vital.Snapshot{Occupied: occupied(2)}, to: 1, code: protocol.ErrVitalSwitchApproach},
		{name: "route target occupied", snap: vital.Snapshot{Occupied: occupied(10)}, to: 1, code: protocol.ErrVitalSwitchApproach},
		{name: "route into closure", snap: vital.Snapshot{Closed: occupied(10)}, to: 1, code: protocol.ErrVitalRouteClosed},
		{name: "closure on other leg", snap: vital.Snapshot{Closed: occupied(4)}, to: 1},
		{name: "bad position", to: 2, code: protocol.ErrVitalUnknownState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _, ok := v.CheckSwitch(3, tc.from, tc.to, tc.snap)
			assert.Equal(t, tc.code == "", ok)
			assert.Equal(t, tc.code, code)
		})
	}

	code, _, ok := v.CheckSwitch(4, 0, 1, vital.Snapshot{})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrNotSwitch, code)
}

func TestCheckSignalAndGate(t *testing.T) {
	v := vital.New(tracktest.BranchLine(t))

	_, _, ok := v.CheckSignal(3, protocol.Green, map[int]int{3: 0}, vital.Snapshot{Occupied: occupied(10)})
	assert.True(t, ok, "occupancy on the unrouted leg does not block")
	code, _, ok := v.CheckSignal(3, protocol.Green, map[int]int{3: 1}, vital.Snapshot{Occupied: occupied(10)})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrVitalSignalBlocked, code)
	code, _, ok = v.CheckSignal(4, protocol.Yellow, nil, vital.Snapshot{Closed: occupied(5)})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrVitalSignalClosed, code)
	code, _, ok = v.CheckSignal(6, protocol.Green, nil, vital.Snapshot{})
	assert.False(t, ok, "end of line has nothing to protect")
	assert.Equal(t, protocol.ErrVitalSignalBlocked, code)
	_, _, ok = v.CheckSignal(6, protocol.Red, nil, vital.Snapshot{Occupied: occupied(6)})
	assert.True(t, ok)

	code, _, ok = v.CheckGate(2, protocol.GateUp, vital.Snapshot{Occupied: occupied(1)})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrVitalGateApproach, code)
	code, _, ok = v.CheckGate(2, protocol.GateUp, vital.Snapshot{Closed: occupied(2)})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrVitalGateClosed, code)
	_, _, ok = v.CheckGate(2, protocol.GateUp, vital.Snapshot{Occupied: occupied(6)})
	assert.True(t, ok)
	code, _, ok = v.CheckGate(2, protocol.GateState("HALF"), vital.Snapshot{})
	assert.False(t, ok)
	assert.Equal(t, protocol.ErrVitalUnknownState, code)
}

func TestApply_FailsTowardRestrictive(t *testing.T) {
	v := vital.New(tracktest.BranchLine(t))
	prev := vital.NewState()
	prev.Switches[3] = 0

	proposed := vital.NewState()
	proposed.Switches[3] = 1
	proposed.Signals[3] = protocol.Green
	proposed.Signals[1] = protocol.SuperGreen
	proposed.Gates[2] = protocol.GateUp

	snap := vital.Snapshot{Occupied: occupied(3, 4)}
	got, rej := v.Apply(prev, proposed, snap)

	assert.Equal(t, 0, got.Switches[3], "switch keeps previous position")
	assert.Equal(t, protocol.Red, got.Signals[3], "protected block 4 is occupied")
	assert.Equal(t, protocol.SuperGreen, got.Signals[1])
	assert.Equal(t, protocol.GateDown, got.Gates[2])
	require.Len(t, rej, 3)
	assert.Equal(t, vital.KindSwitch, rej[0].Kind)
	assert.Equal(t, vital.KindSignal, rej[1].Kind)
	assert.Equal(t, vital.KindGate, rej[2].Kind)
	for _, r := range rej {
		assert.True(t, protocol.IsKnownCode(r.Code))
	}
	assert.Empty(t, v.Check(prev, got, snap))
}

func TestApply_SignalsUseCommittedSwitch(t *testing.T) {
	v := vital.New(tracktest.BranchLine(t))
	prev := vital.NewState()
	proposed := vital.NewState()
	proposed.Switches[3] = 1
	proposed.Signals[3] = protocol.Green

	// Switch move is refused (approach 4 occupied), so the signal is checked
	// against position 0 where block 4 is occupied.
	got, _ := v.Apply(prev, proposed, vital.Snapshot{Occupied: occupied(4)})
	assert.Equal(t, 0, got.Switches[3])
	assert.Equal(t, protocol.Red, got.Signals[3])
}

// Every committed element is re-checked here from raw block data, without the
// validator, over random occupancy, closures and proposals.
func TestApply_PropertyCommittedStateIsSafe(t *testing.T) {
	g := tracktest.BranchLine(t)
	v := vital.New(g)
	ids := g.IDs()
	rng := rand.New(rand.NewSource(7))
	aspects := []protocol.Aspect{protocol.SuperGreen, protocol.Green, protocol.Yellow, protocol.Red}
	gates := []protocol.GateState{protocol.GateUp, protocol.GateDown}

	preds := map[int][]int{}
	for _, id := range ids {
		b, _ := g.Block(id)
		for _, n := range []int{b.ForwardNext, b.ReverseNext, b.BranchNext} {
			if n != track.None {
				preds[n] = append(preds[n], id)
			}
		}
	}

	for iter := 0; iter < 2000; iter++ {
		snap := vital.Snapshot{Occupied: map[int]bool{}, Closed: map[int]bool{}}
		for _, id := range ids {
			if rng.Intn(4) == 0 {
				snap.Occupied[id] = true
			}
			if rng.Intn(8) == 0 {
				snap.Closed[id] = true
			}
		}
		prev := vital.NewState()
		prev.Switches[3] = rng.Intn(2)
		proposed := vital.NewState()
		proposed.Switches[3] = rng.Intn(2)
		for _, id := range ids {
			if rng.Intn(2) == 0 {
				proposed.Signals[id] = aspects[rng.Intn(len(aspects))]
			}
		}
		proposed.Gates[2] = gates[rng.Intn(2)]

		got, _ := v.Apply(prev, proposed, snap)

		pos := got.Switches[3]
		if pos != prev.Switches[3] {
			require.Equal(t, proposed.Switches[3], pos)
			require.False(t, snap.Occupied[3], "iter %d: moved occupied switch", iter)
			for _, n := range append(preds[3], 4, 10) {
				require.False(t, snap.Occupied[n], "iter %d: moved with approach %d occupied", iter, n)
			}
			target := 4
			if pos == 1 {
				target = 10
			}
			require.False(t, snap.Closed[target], "iter %d: routed into closure", iter)
		}

		for id, a := range got.Signals {
			if a == protocol.Red {
				continue
			}
			b, _ := g.Block(id)
			next := b.ForwardNext
			if id == 3 && pos == 1 {
				next = 10
			}
			require.NotEqual(t, track.None, next, "iter %d: proceed aspect at end of line %d", iter, id)
			require.False(t, snap.Closed[id] || snap.Closed[next], "iter %d: proceed aspect into closure at %d", iter, id)
			require.False(t, snap.Occupied[next], "iter %d: proceed aspect into occupied %d", iter, next)
		}

		if got.Gates[2] == protocol.GateUp {
			require.False(t, snap.Occupied[2] || snap.Closed[2], "iter %d: gate up on occupied/closed block", iter)
			for _, a := range []int{0, 1, 3, 4, 10} {
				require.False(t, snap.Occupied[a], "iter %d: gate up with approach %d occupied", iter, a)
			}
		}
		require.Empty(t, v.Check(prev, got, snap))
	}
}
