// Package observer is the read-mostly operator interface: a bootstrap
// document, view snapshots, a websocket stream of controller views and the
// maintenance controls (mode toggle, manual switch requests, sim multiplier).
// Every endpoint is restricted to loopback clients.
package observer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wayside.ai/internal/observerproto"
	"wayside.ai/internal/protocol"
	"wayside.ai/internal/sim/line"
	"wayside.ai/internal/sim/wayside"
)

const maxBodyBytes = 64 * 1024

type Server struct {
	line *line.Manager
	log  *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(m *line.Manager, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		line: m,
		log:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only anyway
		},
	}
}

// Register mounts every observer endpoint under /observer/v1/.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/observer/v1/bootstrap", s.BootstrapHandler())
	mux.HandleFunc("/observer/v1/views", s.ViewsHandler())
	mux.HandleFunc("/observer/v1/ws", s.WSHandler())
	mux.HandleFunc("/observer/v1/switch", s.SwitchHandler())
	mux.HandleFunc("/observer/v1/maintenance", s.MaintenanceHandler())
	mux.HandleFunc("/observer/v1/multiplier", s.MultiplierHandler())
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(rw, http.StatusOK, s.bootstrap())
	}
}

func (s *Server) bootstrap() observerproto.BootstrapResponse {
	cfg := s.line.Config()
	g := s.line.Graph()
	clk := s.line.Clock()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		Line:            cfg.Line,
		SimUnixMs:       clk.Now().UnixMilli(),
		Multiplier:      clk.Multiplier(),
		Degraded:        g.Degraded(),
	}
	owner := map[int]string{}
	for _, cs := range cfg.Controllers {
		resp.Controllers = append(resp.Controllers, observerproto.ControllerInfo{
			ID:      cs.ID,
			Module:  cs.Module,
			Managed: cs.Managed,
			Visible: cs.Visible,
		})
		ids, _ := line.ParseBlocks(cs.Managed)
		for _, id := range ids {
			owner[id] = cs.ID
		}
	}
	for _, id := range g.IDs() {
		b, _ := g.Block(id)
		bi := observerproto.BlockInfo{
			ID:          id,
			Length:      b.Length,
			SpeedLimit:  b.SpeedLimit,
			ForwardNext: b.ForwardNext,
			ReverseNext: b.ReverseNext,
			Station:     b.StationName,
			Yard:        b.Yard,
			Switch:      b.Switch,
			Gate:        b.Gate,
			Signal:      b.Signal,
			Owner:       owner[id],
		}
		if b.Switch && b.BranchNext >= 0 {
			bi.BranchNext = b.BranchNext
		}
		resp.Blocks = append(resp.Blocks, bi)
	}
	return resp
}

// ViewsHandler serves the latest views; ?controller=W1 narrows to one.
func (s *Server) ViewsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var filter []string
		if id := strings.TrimSpace(r.URL.Query().Get("controller")); id != "" {
			if _, ok := s.line.View(id); !ok {
				writeError(rw, http.StatusNotFound, protocol.ErrControllerNotFound, "unknown controller "+id)
				return
			}
			filter = []string{id}
		}
		writeJSON(rw, http.StatusOK, observerproto.ViewsMsg{
			Type:            observerproto.TypeViews,
			ProtocolVersion: observerproto.Version,
			SimUnixMs:       s.line.Clock().Now().UnixMilli(),
			Views:           s.views(filter),
		})
	}
}

func (s *Server) views(filter []string) []*wayside.View {
	if len(filter) == 0 {
		return s.line.Views()
	}
	out := make([]*wayside.View, 0, len(filter))
	for _, id := range filter {
		if v, ok := s.line.View(id); ok {
			out = append(out, v)
		}
	}
	return out
}

// SwitchHandler accepts a SWITCH_REQUEST document. The response status is 200
// whenever the request reached a controller, even if it was refused.
func (s *Server) SwitchHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		req, err := protocol.DecodeSwitchRequest(body)
		if err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrSchema, err.Error())
			return
		}
		resp := s.line.RequestSwitch(req)
		if resp.Code == protocol.ErrControllerNotFound {
			writeError(rw, http.StatusNotFound, resp.Code, resp.Reason)
			return
		}
		s.log.Printf("switch request controller=%s block=%d position=%d operator=%q ok=%v code=%s",
			req.Controller, req.Block, req.Position, req.Operator, resp.OK, resp.Code)
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) MaintenanceHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		var req observerproto.MaintenanceRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		if err := s.line.SetMaintenance(req.Controller, req.On); err != nil {
			writeError(rw, http.StatusNotFound, protocol.ErrControllerNotFound, err.Error())
			return
		}
		s.log.Printf("maintenance controller=%s on=%v", req.Controller, req.On)
		v, _ := s.line.View(req.Controller)
		writeJSON(rw, http.StatusOK, v)
	}
}

func (s *Server) MultiplierHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			var req observerproto.MultiplierRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
				writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, err.Error())
				return
			}
			if req.Multiplier <= 0 {
				writeError(rw, http.StatusBadRequest, protocol.ErrProtoBadRequest, "multiplier must be positive")
				return
			}
			s.line.SetMultiplier(req.Multiplier)
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(rw, http.StatusOK, observerproto.MultiplierRequest{Multiplier: s.line.Clock().Multiplier()})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := s.parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := uuid.NewString()
		if err := writeWS(conn, observerproto.WelcomeMsg{Type: observerproto.TypeWelcome, ProtocolVersion: observerproto.Version, SessionID: sid}); err != nil {
			return
		}
		s.log.Printf("observer %s subscribed controllers=%v interval=%dms", sid, sub.Controllers, sub.IntervalMs)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		subs := make(chan observerproto.SubscribeMsg, 1)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			err := s.stream(ctx, conn, sub, subs)
			if err != nil && ctx.Err() == nil {
				// Unblock the reader.
				_ = conn.Close()
			}
			writeErr <- err
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := s.parseSubscribe(msg)
			if !ok {
				continue
			}
			select {
			case subs <- next:
			default:
				// A pending update is still queued; the client may resend.
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Printf("observer %s closed", sid)
	}
}

// stream polls the controller views and sends a VIEWS message whenever one of
// the subscribed controllers has published a new view since the last send.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub observerproto.SubscribeMsg, subs <-chan observerproto.SubscribeMsg) error {
	tk := time.NewTicker(time.Duration(sub.IntervalMs) * time.Millisecond)
	defer tk.Stop()
	last := map[string]*wayside.View{}
	var seq uint64

	send := func() error {
		views := s.views(sub.Controllers)
		changed := false
		for _, v := range views {
			if last[v.Controller] != v {
				changed = true
			}
			last[v.Controller] = v
		}
		if !changed {
			return nil
		}
		seq++
		return writeWS(conn, observerproto.ViewsMsg{
			Type:            observerproto.TypeViews,
			ProtocolVersion: observerproto.Version,
			Seq:             seq,
			SimUnixMs:       s.line.Clock().Now().UnixMilli(),
			Views:           views,
		})
	}
	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-subs:
			if next.IntervalMs != sub.IntervalMs {
				tk.Reset(time.Duration(next.IntervalMs) * time.Millisecond)
			}
			sub = next
			last = map[string]*wayside.View{}
			if err := send(); err != nil {
				return err
			}
		case <-tk.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

func (s *Server) parseSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	s.normalizeSubscribe(&sub)
	return sub, true
}

func (s *Server) normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.IntervalMs <= 0 {
		sub.IntervalMs = 200
	}
	if sub.IntervalMs < 20 {
		sub.IntervalMs = 20
	}
	if sub.IntervalMs > 10_000 {
		sub.IntervalMs = 10_000
	}
	known := make([]string, 0, len(sub.Controllers))
	for _, id := range sub.Controllers {
		id = strings.TrimSpace(id)
		if _, ok := s.line.View(id); ok {
			known = append(known, id)
		}
	}
	sub.Controllers = known
}

func writeWS(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, reason string) {
	writeJSON(rw, status, observerproto.ErrorResponse{Code: code, Reason: reason})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
