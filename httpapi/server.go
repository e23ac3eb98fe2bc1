// Package httpapi exposes the lock manager over HTTP: JSON endpoints for
// acquire/renew/release/query, a heartbeat batch endpoint, a websocket/SSE
// event stream, and Prometheus metrics. Conflicts and rejections are 200
// responses with typed bodies; only malformed input (400) and storage
// trouble (503) are HTTP errors.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/editlock-io/editlock/bus"
	"github.com/editlock-io/editlock/client"
	"github.com/editlock-io/editlock/lease"
	"github.com/editlock-io/editlock/lock"
)

type acquireRequest struct {
	RecordID    string `json:"recordId"`
	HolderID    string `json:"holderId"`
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName"`
}

type acquireResponse struct {
	Granted   bool         `json:"granted"`
	Lease     *lease.Lease `json:"lease,omitempty"`
	HeldBy    string       `json:"heldBy,omitempty"`
	ExpiresAt time.Time    `json:"expiresAt,omitzero"`
}

type renewRequest struct {
	RecordID  string `json:"recordId"`
	HolderID  string `json:"holderId"`
	SessionID string `json:"sessionId"`
}

type renewResponse struct {
	Renewed bool `json:"renewed"`
}

type releaseResponse struct {
	Released bool `json:"released"`
}

type heartbeatRequest struct {
	HolderID  string   `json:"holderId"`
	SessionID string   `json:"sessionId"`
	RecordIDs []string `json:"recordIds"`
}

type heartbeatResponse struct {
	Renewed map[string]bool `json:"renewed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the lock HTTP API.
type Server struct {
	svc  client.Service
	bus  bus.Bus
	auth func(*http.Request) error
	reg  *prometheus.Registry
	log  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthorizer guards the event stream. A non-nil error from the
// authorizer refuses the stream with 401, which channel clients treat as
// terminal.
func WithAuthorizer(fn func(*http.Request) error) ServerOption {
	return func(s *Server) { s.auth = fn }
}

// WithRegistry serves the given Prometheus registry on /metrics.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.reg = reg }
}

// WithServerLogger sets the structured logger. Defaults to slog.Default().
func WithServerLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// NewServer returns a Server over the given lock service and event bus.
func NewServer(svc client.Service, b bus.Bus, opts ...ServerOption) *Server {
	s := &Server{svc: svc, bus: b, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/locks/renew", s.handleRenew)
	mux.HandleFunc("POST /v1/locks/release", s.handleRelease)
	mux.HandleFunc("POST /v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/locks/{record}", s.handleGet)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	if s.reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Acquire(r.Context(), req.RecordID, lock.Holder{
		ID:          req.HolderID,
		SessionID:   req.SessionID,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{
		Granted:   res.Granted,
		Lease:     res.Lease,
		HeldBy:    res.HeldBy,
		ExpiresAt: res.ExpiresAt,
	})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decode(w, r, &req) {
		return
	}
	renewed, err := s.svc.Renew(r.Context(), req.RecordID, lock.Holder{
		ID:        req.HolderID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renewResponse{Renewed: renewed})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if !decode(w, r, &req) {
		return
	}
	released, err := s.svc.Release(r.Context(), req.RecordID, lock.Holder{
		ID:        req.HolderID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: released})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	renewed, err := s.svc.RenewAll(r.Context(), req.RecordIDs, lock.Holder{
		ID:        req.HolderID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Renewed: renewed})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	record := r.PathValue("record")
	info, err := s.svc.IsLocked(r.Context(), record)
	if err != nil {
		s.fail(w, err)
		return
	}
	// info may be nil; the body is then a JSON null.
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	opts := bus.HandlerOptions{
		Authorize: s.auth,
		Key: func(r *http.Request) string {
			record := r.URL.Query().Get("record")
			if record == "" {
				return ""
			}
			return lock.EventKey(record)
		},
	}
	if r.URL.Query().Get("sse") != "" {
		bus.SSEHandler(s.bus, opts)(w, r)
		return
	}
	bus.WebSocketHandler(s.bus, opts)(w, r)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case isInputError(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		// Fail closed: storage trouble never grants or drops a lease.
		s.log.Error("lock operation failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	}
}

func isInputError(err error) bool {
	for _, target := range []error{lease.ErrInvalidRecordID, lease.ErrInvalidHolder, lease.ErrInvalidDuration} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
