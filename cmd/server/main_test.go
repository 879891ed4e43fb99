package main

import (
	"io"
	"log"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/sim/wayside"
	"wayside.ai/internal/transport/bus"
)

func TestWriteMetrics(t *testing.T) {
	g := tracktest.Linear(t, 10, 100, 20)
	cfg := line.Config{Line: "M", Controllers: []line.ControllerSpec{
		{ID: "A", Managed: "0-4", Module: "blockclear"},
		{ID: "B", Managed: "5-9", Module: "conservative"},
	}}
	base := clock.NewMock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	m, err := line.NewManager(cfg, g, bus.NewHub(), line.Options{Tuning: tuning.Defaults(), Clock: clock.NewSim(base, 2), Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	rec := httptest.NewRecorder()
	writeMetrics(rec, m, nil)
	body := rec.Body.String()
	assert.Contains(t, body, `wayside_progression_cycle{line="M",controller="A"} 0`)
	assert.Contains(t, body, `wayside_trains{line="M",controller="B"} 0`)
	assert.Contains(t, body, `wayside_handoffs_total{line="M",controller="A",dir="out"} 0`)
	assert.Contains(t, body, `wayside_sim_multiplier{line="M"} 2.000`)
	assert.NotContains(t, body, "wayside_index_queue_depth")
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:5000"))
	assert.True(t, isLoopbackRemote("[::1]:5000"))
	assert.False(t, isLoopbackRemote("10.0.0.2:5000"))
	assert.False(t, isLoopbackRemote("not-an-addr"))
}

func TestEnvBool(t *testing.T) {
	t.Setenv("WAYSIDE_TEST_FLAG", "off")
	assert.False(t, envBool("WAYSIDE_TEST_FLAG", true))
	t.Setenv("WAYSIDE_TEST_FLAG", "")
	assert.True(t, envBool("WAYSIDE_TEST_FLAG", true))
	t.Setenv("DEPLOY_ENV", "production")
	assert.False(t, defaultEnableAdminHTTP())
}

type countingCycleLogger struct{ n int }

func (c *countingCycleLogger) WriteCycle(wayside.CycleLogEntry) error {
	c.n++
	return nil
}

func TestMultiCycleLogger_WritesBoth(t *testing.T) {
	a, b := &countingCycleLogger{}, &countingCycleLogger{}
	require.NoError(t, multiCycleLogger{a: a, b: b}.WriteCycle(wayside.CycleLogEntry{}))
	require.NoError(t, multiCycleLogger{a: a}.WriteCycle(wayside.CycleLogEntry{}))
	assert.Equal(t, 2, a.n)
	assert.Equal(t, 1, b.n)
}
