package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/sim/vital"
	"wayside.ai/internal/sim/wayside"
)

func rej(block int, simMs int64, source string) wayside.RejectionEntry {
	return wayside.RejectionEntry{Controller: "W1", SimUnixMs: simMs, Source: source,
		Rejection: vital.Rejection{Kind: vital.KindSignal, Block: block}}
}

func TestRejectionFilter(t *testing.T) {
	recs := []wayside.RejectionEntry{
		rej(3, 1000, "EVALUATOR"),
		rej(4, 2000, "MANUAL"),
		rej(12, 2000, "EVALUATOR"),
		rej(3, 2000, "EVALUATOR"),
	}

	f, err := parseFilter("0-5", "", "", "")
	require.NoError(t, err)
	got := f.apply(recs)
	require.Len(t, got, 3)
	// Newest first; same sim time in reverse log order.
	assert.Equal(t, 3, got[0].Block)
	assert.Equal(t, 4, got[1].Block)
	assert.Equal(t, int64(1000), got[2].SimUnixMs)

	f, err = parseFilter("", "1970-01-01T00:00:01.5Z", "", "evaluator")
	require.NoError(t, err)
	got = f.apply(recs)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, "EVALUATOR", r.Source)
		assert.Equal(t, int64(2000), r.SimUnixMs)
	}

	_, err = parseFilter("x-y", "", "", "")
	require.Error(t, err)
	_, err = parseFilter("", "yesterday", "", "")
	require.Error(t, err)
}

func TestFilters(t *testing.T) {
	where, args := filters(map[string]any{"controller": "W1", "train": "", "block": 7})
	assert.Equal(t, " WHERE controller=? AND block=?", where)
	assert.Equal(t, []any{"W1", 7}, args)

	where, args = filters(map[string]any{"controller": " "})
	assert.Empty(t, where)
	assert.Empty(t, args)
}
