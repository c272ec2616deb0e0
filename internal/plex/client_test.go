package plex

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plexward/plexward-go/internal/store"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveIdentity(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/user" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Plex-Token"); got != "user-token" {
			t.Errorf("unexpected token header: %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":       42,
			"uuid":     "abc-123",
			"username": "friend",
			"email":    "friend@example.com",
		})
	}))

	identity, err := client.ResolveIdentity(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if identity.ID != 42 || identity.Email != "friend@example.com" || identity.Username != "friend" {
		t.Errorf("unexpected identity: %+v", identity)
	}
}

func TestResolveIdentitySurfacesRemoteError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"code": 1001, "message": "Invalid authentication token"}},
		})
	}))

	_, err := client.ResolveIdentity(context.Background(), "bad-token")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Invalid authentication token" {
		t.Errorf("expected remote message verbatim, got %q", err.Error())
	}
}

func TestGrantReturnsHandle(t *testing.T) {
	var gotBody grantRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/servers/machine-1/shared_servers" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Plex-Token"); got != "server-token" {
			t.Errorf("unexpected token header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"shared_server": map[string]any{"id": 777, "invite_id": 555},
		})
	}))

	server := &store.MediaServer{MachineID: "machine-1", Token: "server-token"}
	handle, err := client.Grant(context.Background(), server, "friend@example.com", GrantOptions{
		LibrarySectionIDs: []string{"1", "3"},
		AllowSync:         true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != "555" {
		t.Errorf("expected handle 555, got %q", handle)
	}
	if gotBody.SharedServer.InvitedEmail != "friend@example.com" {
		t.Errorf("unexpected invited email: %q", gotBody.SharedServer.InvitedEmail)
	}
	if len(gotBody.SharedServer.LibrarySectionIDs) != 2 {
		t.Errorf("unexpected section ids: %v", gotBody.SharedServer.LibrarySectionIDs)
	}
	if gotBody.SharingSettings.AllowSync != "1" {
		t.Errorf("unexpected allowSync: %q", gotBody.SharingSettings.AllowSync)
	}
}

func TestGrantWithoutHandle(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"shared_server": map[string]any{}})
	}))

	server := &store.MediaServer{MachineID: "machine-1", Token: "server-token"}
	handle, err := client.Grant(context.Background(), server, "friend@example.com", GrantOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != "" {
		t.Errorf("expected empty handle, got %q", handle)
	}
}

func TestGrantSurfacesRemoteError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("Server unavailable"))
	}))

	server := &store.MediaServer{MachineID: "machine-1", Token: "server-token"}
	_, err := client.Grant(context.Background(), server, "friend@example.com", GrantOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Server unavailable" {
		t.Errorf("expected remote body verbatim, got %q", err.Error())
	}
}

func TestConfirm(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/shared_servers/555/accept" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Plex-Token"); got != "user-token" {
			t.Errorf("unexpected token header: %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := client.Confirm(context.Background(), "user-token", "555"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfirmFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"errors": []map[string]any{{"message": "Invite not found"}},
		})
	}))

	err := client.Confirm(context.Background(), "user-token", "999")
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "Invite not found" {
		t.Errorf("expected remote message verbatim, got %q", err.Error())
	}
}
