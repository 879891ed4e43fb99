package filefeed

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/tuning"
)

func openDir(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	return d
}

func TestInputs_MissingIsEmptyAndMalformedIsInvalid(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()

	feed, err := d.LatestFeed(ctx)
	require.NoError(t, err)
	require.Empty(t, feed.Trains)

	require.NoError(t, d.PutInput("occupancy", []byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":[1,2]}`)))
	occ, err := d.LatestOccupancy(ctx)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, occ.Occupied)

	require.NoError(t, d.PutInput("telemetry", []byte(`{"type":"TELEMETRY"`)))
	_, err = d.LatestTelemetry(ctx)
	require.ErrorIs(t, err, protocol.ErrInvalid)

	require.Error(t, d.PutInput("commands", []byte(`{}`)))
}

func TestOutputs_AtomicReplace(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()
	require.NoError(t, d.PublishCommands(ctx, protocol.TrainCommandsMsg{Controller: "W1", Cycle: 1}))
	require.NoError(t, d.PublishCommands(ctx, protocol.TrainCommandsMsg{Controller: "W1", Cycle: 2}))

	var got protocol.TrainCommandsMsg
	require.NoError(t, d.ReadOutput("W1", "commands", &got))
	require.Equal(t, uint64(2), got.Cycle)

	entries, err := os.ReadDir(filepath.Join(d.Root(), "outputs", "W1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")

	require.Error(t, d.PublishReport(ctx, protocol.CTCReportMsg{}))
}

func TestOwnershipAndExactlyOnceTake(t *testing.T) {
	d := openDir(t)
	ctx := context.Background()

	require.NoError(t, d.Claim(ctx, "T1", "A"))
	require.NoError(t, d.Claim(ctx, "T1", "A"))
	require.ErrorIs(t, d.Claim(ctx, "T1", "B"), protocol.ErrTrainOwned)

	pkt := protocol.HandoffPacket{
		PacketID: "p-1", Train: "T1", From: "A", Position: 5, PrevPosition: 4,
		Direction: protocol.Forward, AuthorityRemaining: 300, AuthorityLegStart: 800,
		CumulativeDistanceInLeg: 500, IssuedUnixMs: 10,
	}
	require.ErrorIs(t, d.Publish(ctx, protocol.HandoffPacket{PacketID: "p-0", Train: "T1", From: "B", Direction: protocol.Forward}), protocol.ErrNotOwner)
	require.NoError(t, d.Publish(ctx, pkt))
	require.NoError(t, d.Publish(ctx, pkt))
	require.ErrorIs(t, d.Claim(ctx, "T1", "A"), protocol.ErrInTransit)

	pending, err := d.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, 300.0, pending[0].AuthorityRemaining)

	got, err := d.Take(ctx, "p-1", "B")
	require.NoError(t, err)
	require.Equal(t, "T1", got.Train)
	_, err = d.Take(ctx, "p-1", "C")
	require.ErrorIs(t, err, protocol.ErrPacketGone)

	owner, ok, err := d.Owner(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "B", owner)
	require.ErrorIs(t, d.Release(ctx, "T1", "A"), protocol.ErrNotOwner)
	require.NoError(t, d.Release(ctx, "T1", "B"))
	_, ok, err = d.Owner(ctx, "T1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPending_SkipsMalformedPackets(t *testing.T) {
	d := openDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.Root(), "handoff", "junk.json"), []byte(`{"type":"HANDOFF"}`), 0o644))
	pending, err := d.Pending(context.Background())
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestLineOverDirectory(t *testing.T) {
	d := openDir(t)
	g := tracktest.Linear(t, 10, 100, 20)
	cfg := line.Config{Line: "FILE", Controllers: []line.ControllerSpec{
		{ID: "A", Managed: "0-4", Module: "blockclear"},
		{ID: "B", Managed: "5-9", Module: "blockclear"},
	}}
	base := clock.NewMock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	tun := tuning.Defaults()
	tun.Retry.BackoffMs = 0
	m, err := line.NewManager(cfg, g, d, line.Options{Tuning: tun, Clock: clock.NewSim(base, 1), Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	require.NoError(t, d.PutInput("feed", []byte(`{"type":"CTC_FEED","protocol_version":"1.0","trains":[{"name":"T1","active":true,"suggested_speed":20,"suggested_authority":800,"position":0}]}`)))
	ctx := context.Background()
	reached := false
	for i := 0; i < 300 && !reached; i++ {
		base.Advance(time.Second)
		m.Step(ctx)
		owner, ok, err := d.Owner(ctx, "T1")
		require.NoError(t, err)
		reached = ok && owner == "B"
	}
	require.True(t, reached, "train never handed to B")

	var cmds protocol.TrainCommandsMsg
	require.NoError(t, d.ReadOutput("B", "commands", &cmds))
	require.Equal(t, "B", cmds.Controller)
}
