package snapshot

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/vital"
	"wayside.ai/internal/sim/wayside"
)

func sampleController(id string) wayside.Snapshot {
	st := vital.NewState()
	st.Switches[3] = 1
	st.Signals[2] = protocol.Yellow
	st.Gates[2] = protocol.GateDown
	return wayside.Snapshot{
		Controller:       id,
		ProgressionCycle: 42,
		SignalCycle:      21,
		SimUnixMs:        1_700_000_000_000,
		Trains: []wayside.TrainState{{
			Name:               "T1",
			Position:           4,
			PrevPosition:       3,
			Direction:          protocol.Forward,
			BlockOffset:        12.5,
			AuthorityRemaining: 300,
			AuthorityLegStart:  500,
			CumulativeInLeg:    200,
			LastGranted:        500,
			Active:             true,
			Phase:              wayside.PhaseDwelling,
			DwellStartedAt:     time.UnixMilli(1_700_000_000_000).UTC(),
		}},
		Granted:     map[string]float64{"T1": 500},
		Committed:   st,
		Maintenance: true,
		Staged:      map[int]int{3: 1},
	}
}

func TestWriteReadSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := LineSnapshotV1{
		Header:         Header{Line: "demo", SimUnixMs: 1_700_000_000_000},
		TickMultiplier: 2,
		Controllers:    []wayside.Snapshot{sampleController("W2"), sampleController("W1")},
		Owners:         map[string]string{"T1": "W1"},
	}
	path := filepath.Join(dir, FileName(in.Header.SimUnixMs))
	require.NoError(t, WriteSnapshot(path, in))

	h, err := ReadHeader(path)
	require.NoError(t, err)
	require.Equal(t, Header{Version: Version, Line: "demo", SimUnixMs: 1_700_000_000_000, Controllers: 2}, h)

	out, err := ReadSnapshot(path)
	require.NoError(t, err)
	in.Normalize()
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
	w1, ok := out.Controller("W1")
	require.True(t, ok)
	require.Equal(t, 1, w1.Staged[3])
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	got, err := Latest(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Empty(t, got)

	for _, ms := range []int64{2000, 10000, 900} {
		require.NoError(t, WriteSnapshot(filepath.Join(dir, FileName(ms)), LineSnapshotV1{Header: Header{Line: "x", SimUnixMs: ms}}))
	}
	got, err = Latest(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, FileName(10000)), got)
}
