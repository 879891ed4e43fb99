package wayside

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/transport/bus"
)

func TestHandoff_ConservesAuthority(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	a := r.add("A", blockRange(0, 4), nil)
	b := r.add("B", blockRange(5, 9), nil)
	outA, inB := &handoffRecorder{}, &handoffRecorder{}
	a.SetHandoffLogger(outA)
	b.SetHandoffLogger(inB)
	r.hub.SetFeed(feed(protocol.CTCTrain{Name: "T1", Active: true, SuggestedSpeed: 20, SuggestedAuthority: 800, Position: 0}))

	for i := 0; i < 200; i++ {
		r.tick()
		owners := r.owners("T1")
		require.LessOrEqual(t, len(owners), 1, "tick %d: owned by %v", i, owners)
		if len(owners) == 1 && owners[0] == "B" {
			break
		}
	}
	require.Equal(t, []string{"B"}, r.owners("T1"))

	out, ok := outA.find("OUT")
	require.True(t, ok)
	in, ok := inB.find("IN")
	require.True(t, ok)
	require.Equal(t, out.Packet.PacketID, in.Packet.PacketID)
	require.Equal(t, 5, out.Packet.Position)
	require.Equal(t, 4, out.Packet.PrevPosition)
	require.InDelta(t, 800, out.Packet.AuthorityRemaining+out.Packet.CumulativeDistanceInLeg, 1e-6)

	// B charged the compensation and the sum is unchanged by it or by travel.
	st, _ := b.View().Train("T1")
	require.InDelta(t, out.Packet.AuthorityRemaining+out.Packet.CumulativeDistanceInLeg, st.AuthorityRemaining+st.CumulativeInLeg, 1e-6)
	require.Equal(t, 800.0, st.AuthorityLegStart)
	require.Equal(t, 800.0, st.LastGranted)
	require.Equal(t, uint64(1), a.View().HandoffsOut)
	require.Equal(t, uint64(1), b.View().HandoffsIn)

	owner, ok, err := r.hub.Owner(context.Background(), "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", owner)
}

func TestHandoff_CompensationAppliedOnInstall(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	b := r.add("B", blockRange(5, 9), nil)
	pkt := protocol.HandoffPacket{
		Type:                    protocol.TypeHandoff,
		PacketID:                "p-1",
		Train:                   "T1",
		From:                    "A",
		Position:                5,
		PrevPosition:            4,
		Direction:               protocol.Forward,
		BlockOffset:             3,
		CommandedSpeed:          12,
		AuthorityRemaining:      300,
		AuthorityLegStart:       800,
		CumulativeDistanceInLeg: 500,
		LastGrantedAuthority:    800,
	}
	b.mu.Lock()
	b.installHandoffLocked(pkt)
	b.mu.Unlock()

	st, ok := b.View().Train("T1")
	require.True(t, ok)
	require.Equal(t, 280.0, st.AuthorityRemaining)
	require.Equal(t, 520.0, st.CumulativeInLeg)
	require.Equal(t, 3.0, st.BlockOffset)
	require.Equal(t, 12.0, st.CommandedSpeed)

	// Less authority than the compensation leaves the train with none.
	pkt.PacketID, pkt.Train, pkt.AuthorityRemaining, pkt.CumulativeDistanceInLeg = "p-2", "T2", 8, 792
	b.mu.Lock()
	b.installHandoffLocked(pkt)
	b.mu.Unlock()
	st, _ = b.View().Train("T2")
	require.Zero(t, st.AuthorityRemaining)
	require.Equal(t, 800.0, st.CumulativeInLeg)
}

func TestHandoff_PublishFailureHoldsTrainUntilRetrySucceeds(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	a := r.add("A", blockRange(0, 4), nil)
	b := r.add("B", blockRange(5, 9), nil)
	r.hub.SetFeed(feed(protocol.CTCTrain{Name: "T1", Active: true, SuggestedSpeed: 20, SuggestedAuthority: 800, Position: 0}))
	// Enough failures to exhaust one emit's retry budget.
	r.hub.Inject(bus.OpPublish, testTuning().Retry.Attempts, nil)

	sawPending := false
	for i := 0; i < 200; i++ {
		r.tick()
		require.LessOrEqual(t, len(r.owners("T1")), 1)
		if st, ok := a.View().Train("T1"); ok && st.Phase == PhaseHandoffPending {
			sawPending = true
			require.Zero(t, st.CommandedSpeed)
			require.Equal(t, "DEGRADED", a.View().Status)
			_, atB := b.View().Train("T1")
			require.False(t, atB)
			cmds, _ := r.hub.Commands("A")
			for _, c := range cmds.Commands {
				require.NotEqual(t, "T1", c.Train, "pending trains get no command")
			}
		}
		if _, ok := b.View().Train("T1"); ok {
			break
		}
	}
	require.True(t, sawPending)
	require.Equal(t, []string{"B"}, r.owners("T1"))
	require.Equal(t, "OK", a.View().Status)
}

func TestHandoff_DuplicatePacketIgnored(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	b := r.add("B", blockRange(5, 9), nil)
	ctx := context.Background()
	pkt := protocol.HandoffPacket{
		Type: protocol.TypeHandoff, PacketID: "dup", Train: "T1", From: "A",
		Position: 5, PrevPosition: 4, Direction: protocol.Forward,
		AuthorityRemaining: 300, AuthorityLegStart: 300,
	}
	require.NoError(t, r.hub.Publish(ctx, pkt))
	b.StepProgression(ctx)
	require.Equal(t, []string{"T1"}, b.Trains())

	// The train leaves B by feed removal; a replay of the same packet must not
	// bring it back.
	r.hub.SetFeed(feed(protocol.CTCTrain{Name: "T1", Active: false, Position: 5}))
	b.StepIngest(ctx)
	require.Empty(t, b.Trains())
	require.NoError(t, r.hub.Publish(ctx, pkt))
	b.StepProgression(ctx)
	require.Empty(t, b.Trains())
	require.Equal(t, uint64(1), b.View().HandoffsIn)
}

func TestHandoff_TakeRetriedOnTransientFailure(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	b := r.add("B", blockRange(5, 9), nil)
	ctx := context.Background()
	pkt := protocol.HandoffPacket{
		Type: protocol.TypeHandoff, PacketID: "p-take", Train: "T1", From: "A",
		Position: 5, PrevPosition: 4, Direction: protocol.Forward,
		AuthorityRemaining: 300, AuthorityLegStart: 300,
	}
	require.NoError(t, r.hub.Publish(ctx, pkt))
	r.hub.Inject(bus.OpTake, testTuning().Retry.Attempts-1, nil)

	b.StepProgression(ctx)
	require.Equal(t, []string{"T1"}, b.Trains())
	require.Equal(t, "OK", b.View().Status)
	require.Equal(t, uint64(1), b.View().HandoffsIn)
	pending, err := r.hub.Pending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)

	// A take that keeps failing leaves the packet in transit and degrades.
	pkt.PacketID, pkt.Train = "p-take-2", "T2"
	require.NoError(t, r.hub.Publish(ctx, pkt))
	r.hub.Inject(bus.OpTake, -1, nil)
	b.StepProgression(ctx)
	require.NotContains(t, b.Trains(), "T2")
	require.Equal(t, "DEGRADED", b.View().Status)
	r.hub.Inject(bus.OpTake, 0, nil)
	b.StepProgression(ctx)
	require.Contains(t, b.Trains(), "T2")
	require.Equal(t, "OK", b.View().Status)
}

func TestHandoff_IgnoresPacketsForOtherPartitions(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	b := r.add("B", blockRange(5, 9), nil)
	ctx := context.Background()
	// Block 3 belongs to some other partition.
	require.NoError(t, r.hub.Publish(ctx, protocol.HandoffPacket{
		Type: protocol.TypeHandoff, PacketID: "p", Train: "T9", From: "X",
		Position: 3, PrevPosition: 4, Direction: protocol.Reverse, AuthorityRemaining: 100,
	}))
	b.StepProgression(ctx)
	require.Empty(t, b.Trains())
	pending, err := r.hub.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestHandoff_VisibleOverlapDefersHandoff(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	r := newRig(t, g)
	a := r.add("A", blockRange(0, 4), blockRange(0, 5))
	b := r.add("B", blockRange(5, 9), nil)
	outA := &handoffRecorder{}
	a.SetHandoffLogger(outA)
	r.hub.SetFeed(feed(protocol.CTCTrain{Name: "T1", Active: true, SuggestedSpeed: 20, SuggestedAuthority: 800, Position: 0}))

	sawAtFive := false
	for i := 0; i < 200; i++ {
		r.tick()
		if st, ok := a.View().Train("T1"); ok && st.Position == 5 {
			sawAtFive = true
			_, atB := b.View().Train("T1")
			require.False(t, atB)
		}
		if _, ok := b.View().Train("T1"); ok {
			break
		}
	}
	require.True(t, sawAtFive, "A keeps the train while it is inside A's visible blocks")
	require.Equal(t, []string{"B"}, r.owners("T1"))
	out, ok := outA.find("OUT")
	require.True(t, ok)
	require.Equal(t, 6, out.Packet.Position)
	require.Equal(t, 5, out.Packet.PrevPosition)
}
