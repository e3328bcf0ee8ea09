package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func getHealth(t *testing.T, s *Server) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return rec.Code, body
}

func TestHealthOK(t *testing.T) {
	s := NewServer(Deps{
		Database:    pinger{},
		AMIUp:       func() bool { return true },
		ActiveCalls: func() int { return 3 },
	})
	code, body := getHealth(t, s)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if body["status"] != "ok" || body["database"] != "ok" || body["ami"] != "connected" {
		t.Errorf("unexpected body %v", body)
	}
	if body["active_sessions"] != float64(3) {
		t.Errorf("expected active_sessions=3, got %v", body["active_sessions"])
	}
}

func TestHealthDegraded(t *testing.T) {
	tests := []struct {
		name string
		deps Deps
		key  string
		want string
	}{
		{"database down", Deps{Database: pinger{err: errors.New("refused")}}, "database", "unreachable"},
		{"ami down", Deps{AMIUp: func() bool { return false }}, "ami", "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := getHealth(t, NewServer(tt.deps))
			if code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", code)
			}
			if body["status"] != "degraded" || body[tt.key] != tt.want {
				t.Errorf("unexpected body %v", body)
			}
		})
	}
}

func TestHealthWithoutProbes(t *testing.T) {
	code, body := getHealth(t, NewServer(Deps{}))
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected %d %v", code, body)
	}
	if _, ok := body["active_sessions"]; ok {
		t.Error("active_sessions should be omitted without a provider")
	}
}

func TestMountedHandlers(t *testing.T) {
	mark := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(name))
		})
	}
	s := NewServer(Deps{Metrics: mark("metrics"), WebSocket: mark("ws")})

	for path, want := range map[string]string{"/metrics": "metrics", "/ws": "ws"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Body.String() != want {
			t.Errorf("GET %s: expected %q, got %q", path, want, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	NewServer(Deps{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics handler, got %d", rec.Code)
	}
}
