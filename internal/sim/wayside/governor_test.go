package wayside

import (
	"testing"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/tuning"
)

func TestGovernor_AuthorityCurve(t *testing.T) {
	g := NewGovernor(tuning.Defaults().Governor)
	cases := []struct {
		authority, cruise, want float64
	}{
		{500, 20, 20},
		{150, 20, 20},
		{150, 8, 8},
		{95, 20, 15},
		{40, 20, 10},
		{22.5, 20, 5.5},
		{5.0001, 20, 1},
		{5, 20, 0},
		{0, 20, 0},
		{300, 0, 0},
	}
	for _, tc := range cases {
		got := g.AuthorityTarget(tc.authority, tc.cruise)
		if diff := got - tc.want; diff > 1e-3 || diff < -1e-3 {
			t.Fatalf("AuthorityTarget(%v, %v) = %v, want %v", tc.authority, tc.cruise, got, tc.want)
		}
	}
}

func TestGovernor_SeparationCap(t *testing.T) {
	g := NewGovernor(tuning.Defaults().Governor)
	if v, ok := g.SeparationCap(200); !ok || v != 0 {
		t.Fatalf("gap 200: got %v %v, want 0 true", v, ok)
	}
	if v, ok := g.SeparationCap(399); !ok || v != 5 {
		t.Fatalf("gap 399: got %v %v, want 5 true", v, ok)
	}
	if _, ok := g.SeparationCap(400); ok {
		t.Fatalf("gap 400 should not cap")
	}
	if got := g.Target(1000, 20, 20, 150, true); got != 0 {
		t.Fatalf("Target near train = %v, want 0", got)
	}
	if got := g.Target(1000, 20, 20, 1000, true); got != 20 {
		t.Fatalf("Target far train = %v, want 20", got)
	}
}

func TestGovernor_RampIsAsymmetricAndCapped(t *testing.T) {
	g := NewGovernor(tuning.Defaults().Governor)
	if got := g.Ramp(0, 20, 1, 20); got != 1 {
		t.Fatalf("accel: got %v, want 1", got)
	}
	if got := g.Ramp(10, 0, 1, 20); got != 7.5 {
		t.Fatalf("decel: got %v, want 7.5", got)
	}
	if got := g.Ramp(1, 0, 1, 20); got != 0 {
		t.Fatalf("decel to zero: got %v, want 0", got)
	}
	if got := g.Ramp(18, 20, 1, 12); got != 12 {
		t.Fatalf("block cap: got %v, want 12", got)
	}
}

func TestPathCoords_GapAhead(t *testing.T) {
	g := tracktest.Linear(t, 20, 100, 20)
	pc := newPathCoords(g, g.DefaultPath(g.YardID(), protocol.Forward))

	me := pathPos{name: "A", index: 10, coord: pc.coord(10, 0, true)}
	others := []pathPos{
		me,
		{name: "B", index: 12, coord: pc.coord(12, 0, true)},
		{name: "C", index: 8, coord: pc.coord(8, 0, true)},
		{name: "D", index: 19, coord: pc.coord(19, 0, true)},
	}
	gap, ok := pc.gapAhead(me, true, others, 5)
	if !ok || gap != 200 {
		t.Fatalf("gapAhead = %v %v, want 200 true", gap, ok)
	}

	// Travelling against the path from the far end of block 10, C is ahead.
	back := pathPos{name: "A", index: 10, coord: pc.coord(10, 0, false)}
	gap, ok = pc.gapAhead(back, false, others, 5)
	if !ok || gap != 300 {
		t.Fatalf("reverse gapAhead = %v %v, want 300 true", gap, ok)
	}

	// D is beyond the lookahead window.
	if _, ok := pc.gapAhead(pathPos{name: "A", index: 13, coord: 1300}, true, others[3:], 5); ok {
		t.Fatalf("train 6 positions ahead should be ignored")
	}
}

func TestScenario_StationaryTrainAheadHoldsFollower(t *testing.T) {
	g := tracktest.Stations(t, 20, 100, 20, map[int]string{10: "S10"})
	r := newRig(t, g)
	c := r.add("W1", blockRange(0, 19), nil)

	a := protocol.CTCTrain{Name: "A", Active: true, SuggestedSpeed: 20, SuggestedAuthority: 800, Position: 10}
	b := protocol.CTCTrain{Name: "B", Active: true, Position: 12}
	r.hub.SetFeed(feed(a, b))

	for i := 0; i < 5; i++ {
		r.tick()
		st, ok := c.View().Train("A")
		if !ok {
			t.Fatalf("tick %d: A not claimed", i)
		}
		if st.CommandedSpeed != 0 || st.Position != 10 || st.BlockOffset != 0 {
			t.Fatalf("tick %d: A moved inside critical distance: %+v", i, st)
		}
		if st.Phase != PhaseActive {
			t.Fatalf("tick %d: phase = %s, want ACTIVE", i, st.Phase)
		}
	}
	if _, ok := c.View().Train("B"); ok {
		t.Fatalf("B is not at a leg start and must not be claimed")
	}

	b.Position = 13
	r.hub.SetFeed(feed(a, b))
	for i := 0; i < 3; i++ {
		r.tick()
	}
	st, _ := c.View().Train("A")
	if st.CommandedSpeed <= 0 || st.CommandedSpeed > 5 {
		t.Fatalf("warning band: commanded = %v, want (0, 5]", st.CommandedSpeed)
	}
	if st.BlockOffset <= 0 {
		t.Fatalf("A should have started moving, offset = %v", st.BlockOffset)
	}
}
