// Package ws is the websocket transport for collaborators (CTC, train model,
// track model). A client says HELLO, then streams input documents; the server
// pushes the controller outputs for its role whenever they change.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/transport/bus"
)

const pushInterval = 100 * time.Millisecond

type Server struct {
	hub         *bus.Hub
	controllers []string
	log         *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *bus.Hub, controllers []string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		hub:         hub,
		controllers: append([]string(nil), controllers...),
		log:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, sid, ok := s.handshake(conn)
		if !ok {
			return
		}
		s.log.Printf("collaborator %s (%s role=%q) connected", sid, hello.Name, hello.Role)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Replies to input documents go through the writer so it stays the only
		// goroutine writing data frames.
		replies := make(chan any, 8)

		// Writer goroutine.
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := s.push(ctx, conn, hello.Role, replies); err != nil && ctx.Err() == nil {
				_ = conn.Close()
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			typ, err := s.hub.Ingest(msg)
			if err == nil {
				continue
			}
			s.log.Printf("collaborator %s: rejected %s document: %v", sid, typ, err)
			code := protocol.ErrInternal
			if errors.Is(err, protocol.ErrInvalid) {
				code = protocol.ErrSchema
			}
			select {
			case replies <- protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: code, Reason: err.Error()}:
			default:
			}
		}

		cancel()
		<-done
		s.log.Printf("collaborator %s disconnected", sid)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (protocol.HelloMsg, string, bool) {
	var hello protocol.HelloMsg
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return hello, "", false
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return hello, "", false
	}
	if err := json.Unmarshal(msg, &hello); err != nil {
		return hello, "", false
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return hello, "", false
	}
	switch hello.Role {
	case "", protocol.RoleCTC, protocol.RoleTrain, protocol.RoleTrack:
	default:
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unknown role"), time.Now().Add(time.Second))
		return hello, "", false
	}
	if hello.Name == "" {
		hello.Name = "collaborator"
	}

	sid := uuid.NewString()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sid,
		Controllers:     s.controllers,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return hello, "", false
	}
	return hello, sid, true
}

// push sends every outgoing message for role whose encoding differs from the
// last one sent, plus any queued replies.
func (s *Server) push(ctx context.Context, conn *websocket.Conn, role string, replies <-chan any) error {
	tk := time.NewTicker(pushInterval)
	defer tk.Stop()
	last := map[string][]byte{}

	flush := func() error {
		for _, m := range s.outgoing(role) {
			b, err := json.Marshal(m.msg)
			if err != nil {
				return err
			}
			if bytes.Equal(last[m.key], b) {
				continue
			}
			if err := writeRaw(conn, b); err != nil {
				return err
			}
			last[m.key] = b
		}
		return nil
	}
	if err := flush(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-replies:
			if err := writeJSON(conn, v); err != nil {
				return err
			}
		case <-tk.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

type keyed struct {
	key string
	msg any
}

func (s *Server) outgoing(role string) []keyed {
	var out []keyed
	for _, id := range s.controllers {
		if role == "" || role == protocol.RoleTrain {
			if m, ok := s.hub.Commands(id); ok {
				out = append(out, keyed{key: protocol.TypeTrainCommands + "/" + id, msg: m})
			}
		}
		if role == "" || role == protocol.RoleTrack {
			if m, ok := s.hub.Outputs(id); ok {
				out = append(out, keyed{key: protocol.TypeWaysideOutputs + "/" + id, msg: m})
			}
		}
		if role == "" || role == protocol.RoleCTC {
			if m, ok := s.hub.Report(id); ok {
				out = append(out, keyed{key: protocol.TypeCTCReport + "/" + id, msg: m})
			}
		}
	}
	return out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeRaw(conn, b)
}

func writeRaw(conn *websocket.Conn, b []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
