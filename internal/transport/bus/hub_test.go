package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
)

func TestIngest_InvalidDocumentShadowsPrevious(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	typ, err := h.Ingest([]byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":[3,4]}`))
	require.NoError(t, err)
	require.Equal(t, protocol.TypeOccupancy, typ)
	occ, err := h.LatestOccupancy(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{3, 4}, occ.Occupied)

	_, err = h.Ingest([]byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":"3"}`))
	require.ErrorIs(t, err, protocol.ErrInvalid)
	_, err = h.LatestOccupancy(ctx)
	require.ErrorIs(t, err, protocol.ErrInvalid)

	// Other inputs are unaffected.
	_, err = h.LatestFeed(ctx)
	require.NoError(t, err)

	require.NoError(t, h.IngestOccupancy([]byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":[]}`)))
	occ, err = h.LatestOccupancy(ctx)
	require.NoError(t, err)
	require.Empty(t, occ.Occupied)
}

func TestIngest_RoutesByType(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	typ, err := h.Ingest([]byte(`{"type":"CTC_FEED","protocol_version":"1.0","seq":2,"trains":[{"name":"T1","active":true,"suggested_speed":10,"suggested_authority":500,"position":0},{"name":"T2","active":"yes"}]}`))
	require.NoError(t, err)
	require.Equal(t, protocol.TypeCTCFeed, typ)
	feed, err := h.LatestFeed(ctx)
	require.NoError(t, err)
	require.Len(t, feed.Trains, 2)
	require.False(t, feed.Trains[0].Malformed)
	require.True(t, feed.Trains[1].Malformed)

	_, err = h.Ingest([]byte(`{"type":"TELEMETRY","protocol_version":"1.0","trains":[{"name":"T1","actual_velocity":4.5}]}`))
	require.NoError(t, err)
	tel, err := h.LatestTelemetry(ctx)
	require.NoError(t, err)
	require.Equal(t, 4.5, tel.Trains[0].ActualVelocity)

	_, err = h.Ingest([]byte(`{"type":"HANDOFF"}`))
	require.ErrorIs(t, err, protocol.ErrInvalid)
	_, err = h.Ingest([]byte(`not json`))
	require.ErrorIs(t, err, protocol.ErrInvalid)
}

func TestOwnership_PublishTakeClaim(t *testing.T) {
	h := NewHub()
	ctx := context.Background()

	require.NoError(t, h.Claim(ctx, "T1", "A"))
	require.NoError(t, h.Claim(ctx, "T1", "A"))
	require.ErrorIs(t, h.Claim(ctx, "T1", "B"), protocol.ErrTrainOwned)

	pkt := protocol.HandoffPacket{PacketID: "p1", Train: "T1", From: "A"}
	require.ErrorIs(t, h.Publish(ctx, protocol.HandoffPacket{PacketID: "p0", Train: "T1", From: "B"}), protocol.ErrNotOwner)
	require.NoError(t, h.Publish(ctx, pkt))
	require.NoError(t, h.Publish(ctx, pkt))
	require.ErrorIs(t, h.Claim(ctx, "T1", "A"), protocol.ErrInTransit)
	_, owned, err := h.Owner(ctx, "T1")
	require.NoError(t, err)
	require.False(t, owned)

	pending, err := h.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got, err := h.Take(ctx, "p1", "B")
	require.NoError(t, err)
	require.Equal(t, "T1", got.Train)
	_, err = h.Take(ctx, "p1", "C")
	require.ErrorIs(t, err, protocol.ErrPacketGone)

	owner, owned, err := h.Owner(ctx, "T1")
	require.NoError(t, err)
	require.True(t, owned)
	require.Equal(t, "B", owner)
	require.ErrorIs(t, h.Release(ctx, "T1", "A"), protocol.ErrNotOwner)
	require.NoError(t, h.Release(ctx, "T1", "B"))
}

func TestInject_CountsDown(t *testing.T) {
	h := NewHub()
	ctx := context.Background()
	boom := errors.New("boom")
	h.Inject(OpFeed, 2, boom)

	_, err := h.LatestFeed(ctx)
	require.ErrorIs(t, err, boom)
	_, err = h.LatestFeed(ctx)
	require.ErrorIs(t, err, boom)
	_, err = h.LatestFeed(ctx)
	require.NoError(t, err)

	h.Inject(OpClaim, -1, nil)
	require.Error(t, h.Claim(ctx, "T1", "A"))
	require.Error(t, h.Claim(ctx, "T1", "A"))
	h.Inject(OpClaim, 0, nil)
	require.NoError(t, h.Claim(ctx, "T1", "A"))
}
