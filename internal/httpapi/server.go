// Package httpapi serves the health, metrics and CRM WebSocket endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers and health checks the server exposes. Nil entries are
// skipped.
type Deps struct {
	Database    Pinger
	AMIUp       func() bool
	ActiveCalls func() int
	Metrics     http.Handler
	WebSocket   http.Handler
}

// Server routes HTTP requests.
type Server struct {
	router *chi.Mux
	deps   Deps
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{router: chi.NewRouter(), deps: deps}

	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	if deps.WebSocket != nil {
		r.Handle("/ws", deps.WebSocket)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type health struct {
	Status         string `json:"status"`
	Database       string `json:"database,omitempty"`
	AMI            string `json:"ami,omitempty"`
	ActiveSessions *int   `json:"active_sessions,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := health{Status: "ok"}
	code := http.StatusOK

	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.Ping(ctx); err != nil {
			slog.Warn("health check: database unreachable", "error", err)
			h.Database = "unreachable"
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			h.Database = "ok"
		}
	}
	if s.deps.AMIUp != nil {
		if s.deps.AMIUp() {
			h.AMI = "connected"
		} else {
			h.AMI = "disconnected"
			h.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.ActiveCalls != nil {
		n := s.deps.ActiveCalls()
		h.ActiveSessions = &n
	}

	writeJSON(w, code, h)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}
