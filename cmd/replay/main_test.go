package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	persistlog "wayside.ai/internal/persistence/log"
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/vital"
	"wayside.ai/internal/sim/wayside"
)

func cycle(n uint64, occupied []int, signals map[int]protocol.Aspect) wayside.CycleLogEntry {
	st := vital.NewState()
	for id, a := range signals {
		st.Signals[id] = a
	}
	return wayside.CycleLogEntry{Controller: "W1", Cycle: n, SimUnixMs: int64(n) * 500, Occupied: occupied, Committed: st}
}

func TestVerify_FlagsUnsafeCommittedSignal(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	entries := []wayside.CycleLogEntry{
		cycle(1, []int{3}, map[int]protocol.Aspect{2: protocol.Red, 5: protocol.Green}),
		cycle(2, []int{3}, map[int]protocol.Aspect{2: protocol.Green}),
		cycle(4, nil, map[int]protocol.Aspect{2: protocol.Green}),
	}

	res := verify(g, entries, 0, 0)
	require.Equal(t, uint64(3), res.Checked)
	require.Equal(t, 1, res.Gaps)
	require.Len(t, res.Findings, 1)
	require.Contains(t, res.Findings[0], "cycle=2")
	require.Contains(t, res.Findings[0], protocol.ErrVitalSignalBlocked)

	res = verify(g, entries, 3, 0)
	require.Equal(t, uint64(1), res.Checked)
	require.Empty(t, res.Findings)
}

func TestVerify_ReadsRotatedCycleLogs(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewCycleLogger(dir)
	require.NoError(t, l.WriteCycle(cycle(1, nil, map[int]protocol.Aspect{1: protocol.Green})))
	require.NoError(t, l.WriteCycle(cycle(2, []int{2}, map[int]protocol.Aspect{1: protocol.Red})))
	require.NoError(t, l.Close())

	entries, err := persistlog.ReadAll[wayside.CycleLogEntry](filepath.Join(dir, "cycles"), "cycles")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	res := verify(tracktest.Linear(t, 5, 100, 20), entries, 0, 0)
	require.Equal(t, uint64(2), res.Checked)
	require.Empty(t, res.Findings)
}
