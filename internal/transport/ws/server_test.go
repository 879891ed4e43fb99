package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/transport/bus"
)

func dial(t *testing.T, hub *bus.Hub, hello any) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(hub, []string{"W1"}, nil).Handler())
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.WriteJSON(hello))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestHandshakeAndRoleStream(t *testing.T) {
	hub := bus.NewHub()
	ctx := context.Background()
	require.NoError(t, hub.PublishReport(ctx, protocol.CTCReportMsg{Type: protocol.TypeCTCReport, Controller: "W1",
		Reports: []protocol.TrainReport{{Train: "T1", Position: 2, State: protocol.Moving, Active: true}}}))
	require.NoError(t, hub.PublishCommands(ctx, protocol.TrainCommandsMsg{Type: protocol.TypeTrainCommands, Controller: "W1"}))

	conn := dial(t, hub, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Name: "ctc", Role: protocol.RoleCTC})

	var welcome protocol.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	require.Equal(t, []string{"W1"}, welcome.Controllers)

	// The CTC role only receives reports.
	var report protocol.CTCReportMsg
	require.NoError(t, conn.ReadJSON(&report))
	require.Equal(t, protocol.TypeCTCReport, report.Type)
	require.Equal(t, 2, report.Reports[0].Position)

	require.NoError(t, hub.PublishReport(ctx, protocol.CTCReportMsg{Type: protocol.TypeCTCReport, Controller: "W1",
		Reports: []protocol.TrainReport{{Train: "T1", Position: 3, State: protocol.Moving, Active: true}}}))
	require.NoError(t, conn.ReadJSON(&report))
	require.Equal(t, 3, report.Reports[0].Position)
}

func TestInputDocumentsReachHub(t *testing.T) {
	hub := bus.NewHub()
	conn := dial(t, hub, protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Role: protocol.RoleTrack})
	var welcome protocol.WelcomeMsg
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":"x"}`)))
	var e protocol.ErrorMsg
	require.NoError(t, conn.ReadJSON(&e))
	require.Equal(t, protocol.TypeError, e.Type)
	require.Equal(t, protocol.ErrSchema, e.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"OCCUPANCY","protocol_version":"1.0","occupied":[5]}`)))
	require.Eventually(t, func() bool {
		occ, err := hub.LatestOccupancy(context.Background())
		return err == nil && len(occ.Occupied) == 1 && occ.Occupied[0] == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsBadHello(t *testing.T) {
	cases := []any{
		map[string]string{"type": "OCCUPANCY"},
		protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1"},
		protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Role: "driver"},
	}
	for _, hello := range cases {
		conn := dial(t, bus.NewHub(), hello)
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	}
}
