// Package feedhttp lets the CTC, train model and track model exchange
// documents with an in-process line over plain HTTP. Inputs are validated
// against the JSON schemas before they reach the hub; a rejected document is
// still recorded so the controllers see the input as malformed.
package feedhttp

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"wayside.ai/internal/protocol"
	"wayside.ai/internal/transport/bus"
)

const maxDocBytes = 1 << 20

type Server struct {
	hub         *bus.Hub
	controllers []string
	log         *log.Logger
}

type AcceptedResponse struct {
	OK   bool   `json:"ok"`
	Type string `json:"type"`
}

type ErrorResponse struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func NewServer(hub *bus.Hub, controllers []string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{hub: hub, controllers: append([]string(nil), controllers...), log: logger}
}

func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/feed/v1/ctc", s.ingestHandler(protocol.TypeCTCFeed, s.hub.IngestFeed))
	mux.HandleFunc("/feed/v1/telemetry", s.ingestHandler(protocol.TypeTelemetry, s.hub.IngestTelemetry))
	mux.HandleFunc("/feed/v1/occupancy", s.ingestHandler(protocol.TypeOccupancy, s.hub.IngestOccupancy))
	mux.HandleFunc("/feed/v1/documents", s.DocumentsHandler())
	mux.HandleFunc("/feed/v1/commands", s.CommandsHandler())
	mux.HandleFunc("/feed/v1/outputs", s.OutputsHandler())
	mux.HandleFunc("/feed/v1/reports", s.ReportsHandler())
}

func (s *Server) ingestHandler(typ string, ingest func([]byte) error) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, ok := readBody(rw, r)
		if !ok {
			return
		}
		if err := ingest(body); err != nil {
			s.reject(rw, typ, err)
			return
		}
		writeJSON(rw, http.StatusAccepted, AcceptedResponse{OK: true, Type: typ})
	}
}

// DocumentsHandler accepts any input document and routes it by type.
func (s *Server) DocumentsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		body, ok := readBody(rw, r)
		if !ok {
			return
		}
		typ, err := s.hub.Ingest(body)
		if err != nil {
			s.reject(rw, typ, err)
			return
		}
		writeJSON(rw, http.StatusAccepted, AcceptedResponse{OK: true, Type: typ})
	}
}

func (s *Server) reject(rw http.ResponseWriter, typ string, err error) {
	s.log.Printf("feed: rejected %s document: %v", typ, err)
	code := protocol.ErrInternal
	if errors.Is(err, protocol.ErrInvalid) {
		code = protocol.ErrSchema
	}
	writeJSON(rw, http.StatusBadRequest, ErrorResponse{Code: code, Reason: err.Error()})
}

func (s *Server) CommandsHandler() http.HandlerFunc {
	return s.perController(func(id string) (any, bool) { return s.hub.Commands(id) })
}

func (s *Server) OutputsHandler() http.HandlerFunc {
	return s.perController(func(id string) (any, bool) { return s.hub.Outputs(id) })
}

func (s *Server) ReportsHandler() http.HandlerFunc {
	return s.perController(func(id string) (any, bool) { return s.hub.Report(id) })
}

// perController serves the latest message of every controller that has
// published one, or of ?controller= only.
func (s *Server) perController(get func(id string) (any, bool)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		ids := s.controllers
		if id := strings.TrimSpace(r.URL.Query().Get("controller")); id != "" {
			if !contains(s.controllers, id) {
				writeJSON(rw, http.StatusNotFound, ErrorResponse{Code: protocol.ErrControllerNotFound, Reason: "unknown controller " + id})
				return
			}
			ids = []string{id}
		}
		out := make([]any, 0, len(ids))
		for _, id := range ids {
			if m, ok := get(id); ok {
				out = append(out, m)
			}
		}
		writeJSON(rw, http.StatusOK, out)
	}
}

func readBody(rw http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxDocBytes+1))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, ErrorResponse{Code: protocol.ErrProtoBadRequest, Reason: err.Error()})
		return nil, false
	}
	if len(body) > maxDocBytes {
		writeJSON(rw, http.StatusRequestEntityTooLarge, ErrorResponse{Code: protocol.ErrProtoBadRequest, Reason: "document too large"})
		return nil, false
	}
	return body, true
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
