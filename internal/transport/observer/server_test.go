package observer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/observerproto"
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/clock"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/track/tracktest"
	"wayside.ai/internal/sim/tuning"
	"wayside.ai/internal/transport/bus"
)

func newTestServer(t *testing.T) (*line.Manager, *clock.Mock, *httptest.Server) {
	t.Helper()
	g := tracktest.BranchLine(t)
	cfg := line.Config{
		Line: "BRANCH",
		Controllers: []line.ControllerSpec{
			{ID: "W1", Managed: "0-4", Module: "blockclear"},
			{ID: "W2", Managed: "5-6,10-11", Module: "blockclear"},
		},
	}
	base := clock.NewMock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	tun := tuning.Defaults()
	tun.Retry.BackoffMs = 0
	m, err := line.NewManager(cfg, g, bus.NewHub(), line.Options{
		Tuning: tun,
		Clock:  clock.NewSim(base, 1),
		Logger: log.New(io.Discard, "", 0),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	mux := http.NewServeMux()
	NewServer(m, log.New(io.Discard, "", 0)).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return m, base, srv
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, v any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestBootstrap(t *testing.T) {
	_, _, srv := newTestServer(t)
	var boot observerproto.BootstrapResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/observer/v1/bootstrap", &boot))
	require.Equal(t, observerproto.Version, boot.ProtocolVersion)
	require.Equal(t, "BRANCH", boot.Line)
	require.Len(t, boot.Controllers, 2)
	require.Equal(t, 1.0, boot.Multiplier)

	owners := map[int]string{}
	for _, b := range boot.Blocks {
		owners[b.ID] = b.Owner
		if b.ID == 3 {
			require.True(t, b.Switch)
			require.Equal(t, 10, b.BranchNext)
		}
	}
	require.Equal(t, "W1", owners[0])
	require.Equal(t, "W2", owners[11])
}

func TestLoopbackGuard(t *testing.T) {
	m, _, _ := newTestServer(t)
	s := NewServer(m, nil)
	req := httptest.NewRequest(http.MethodGet, "/observer/v1/views", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	rec := httptest.NewRecorder()
	s.ViewsHandler()(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.True(t, isLoopbackRemote("127.0.0.1:80"))
	require.True(t, isLoopbackRemote("[::1]:80"))
	require.False(t, isLoopbackRemote("192.168.0.1:80"))
}

func TestViews_FilterAndUnknownController(t *testing.T) {
	_, _, srv := newTestServer(t)
	var all observerproto.ViewsMsg
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/observer/v1/views", &all))
	require.Len(t, all.Views, 2)

	var one observerproto.ViewsMsg
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/observer/v1/views?controller=W2", &one))
	require.Len(t, one.Views, 1)
	require.Equal(t, "W2", one.Views[0].Controller)

	var e observerproto.ErrorResponse
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/observer/v1/views?controller=W9", &e))
	require.Equal(t, protocol.ErrControllerNotFound, e.Code)
}

func TestMaintenanceAndSwitchRequest(t *testing.T) {
	m, _, srv := newTestServer(t)
	req := protocol.SwitchRequestMsg{Type: protocol.TypeSwitchRequest, ProtocolVersion: protocol.Version, Controller: "W1", Block: 3, Position: 1, Operator: "ops"}

	var refused protocol.SwitchResponse
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/observer/v1/switch", req, &refused))
	require.False(t, refused.OK)
	require.Equal(t, protocol.ErrNotMaintenance, refused.Code)

	var view map[string]any
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/observer/v1/maintenance", observerproto.MaintenanceRequest{Controller: "W1", On: true}, &view))
	require.Equal(t, true, view["maintenance"])

	var accepted protocol.SwitchResponse
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/observer/v1/switch", req, &accepted))
	require.True(t, accepted.OK, "%+v", accepted)

	m.Step(context.Background())
	v, _ := m.View("W1")
	require.Equal(t, 1, v.Outputs.Switches[3])

	var e observerproto.ErrorResponse
	bad := map[string]any{"type": protocol.TypeSwitchRequest, "controller": "W1", "block": 3, "position": 2}
	require.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/observer/v1/switch", bad, &e))
	require.Equal(t, protocol.ErrSchema, e.Code)

	req.Controller = "W9"
	require.Equal(t, http.StatusNotFound, postJSON(t, srv.URL+"/observer/v1/switch", req, &e))
	require.Equal(t, protocol.ErrControllerNotFound, e.Code)
	require.Equal(t, http.StatusNotFound, postJSON(t, srv.URL+"/observer/v1/maintenance", observerproto.MaintenanceRequest{Controller: "W9", On: true}, &e))
}

func TestMultiplier(t *testing.T) {
	m, _, srv := newTestServer(t)
	var got observerproto.MultiplierRequest
	require.Equal(t, http.StatusOK, postJSON(t, srv.URL+"/observer/v1/multiplier", observerproto.MultiplierRequest{Multiplier: 8}, &got))
	require.Equal(t, 8.0, got.Multiplier)
	require.Equal(t, 8.0, m.Clock().Multiplier())

	var e observerproto.ErrorResponse
	require.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/observer/v1/multiplier", observerproto.MultiplierRequest{Multiplier: -1}, &e))
}

func TestWS_SubscribeStreamsChangedViews(t *testing.T) {
	m, base, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Controllers:     []string{"W1", "NOPE"},
		IntervalMs:      20,
	}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var welcome observerproto.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, observerproto.TypeWelcome, welcome.Type)
	require.NotEmpty(t, welcome.SessionID)

	var first observerproto.ViewsMsg
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, uint64(1), first.Seq)
	require.Len(t, first.Views, 1)
	require.Equal(t, "W1", first.Views[0].Controller)

	base.Advance(time.Second)
	m.Step(context.Background())

	// Intermediate publishes of the step may arrive first.
	seq := first.Seq
	for {
		var next observerproto.ViewsMsg
		require.NoError(t, conn.ReadJSON(&next))
		require.Equal(t, seq+1, next.Seq)
		seq = next.Seq
		if next.Views[0].ProgressionCycle > first.Views[0].ProgressionCycle {
			break
		}
	}
}

func TestWS_RejectsMissingSubscribe(t *testing.T) {
	_, _, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "HELLO"}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}
