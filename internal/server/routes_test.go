package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/plexward/plexward-go/internal/config"
	"github.com/plexward/plexward-go/internal/redemption"
)

type stubRedeemer struct {
	result redemption.Result
}

func (s *stubRedeemer) Redeem(ctx context.Context, code, credential string) redemption.Result {
	return s.result
}

func newTestServer(t *testing.T, result redemption.Result) *Server {
	t.Helper()
	srv, err := New(config.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), &Deps{
		Redeemer: &stubRedeemer{result: result},
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func TestNewRequiresRedeemer(t *testing.T) {
	_, err := New(config.DefaultConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), &Deps{})
	if err == nil {
		t.Fatal("expected error for missing redeemer")
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, redemption.Result{Success: true})
	router := srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestRedeemRoute(t *testing.T) {
	srv := newTestServer(t, redemption.Result{Success: true})
	router := srv.setupRoutes()

	req := httptest.NewRequest(http.MethodPost, "/api/invites/redeem",
		strings.NewReader(`{"code":"WELCOME-1","token":"user-token"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRedeemRouteMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, redemption.Result{Success: true})
	router := srv.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/invites/redeem", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestRedeemRouteRateLimit(t *testing.T) {
	srv := newTestServer(t, redemption.Result{Success: true})
	router := srv.setupRoutes()

	limited := false
	for i := 0; i < 20; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/invites/redeem",
			strings.NewReader(`{"code":"WELCOME-1","token":"user-token"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.2.3:4567"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected rate limit to trigger within 20 requests")
	}
}
