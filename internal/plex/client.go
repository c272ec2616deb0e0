// Package plex implements the remote grant client against the plex.tv
// API: resolve the redeeming account, share the media server with it,
// and accept the resulting invite on the account's behalf.
package plex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plexward/plexward-go/internal/store"
)

// DefaultBaseURL is the plex.tv API origin.
const DefaultBaseURL = "https://plex.tv"

const maxResponseBytes = 1 << 20

// Identity is the remote account resolved from a credential token.
// Fetched fresh on every redemption attempt; never cached.
type Identity struct {
	ID       int64  `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Thumb    string `json:"thumb"`
}

// GrantOptions scopes what the invite shares with the account.
type GrantOptions struct {
	// LibrarySectionIDs limits sharing to specific libraries.
	// Empty shares all libraries.
	LibrarySectionIDs []string

	// AllowSync grants offline download permission.
	AllowSync bool
}

// Client performs grant operations against the plex.tv API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	// propagationDelay is slept after grant and confirm calls to let
	// the remote system's eventual-consistency window close before
	// usage is recorded. Not a retry, just a wait.
	propagationDelay time.Duration
}

// Config holds client construction settings.
type Config struct {
	// BaseURL overrides the plex.tv origin (tests point this at a stub).
	BaseURL string

	// Timeout bounds each remote call.
	Timeout time.Duration

	// PropagationDelay is the wait after grant and confirm calls.
	PropagationDelay time.Duration
}

// NewClient builds a plex client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:       &http.Client{Timeout: cfg.Timeout},
		logger:           logger,
		propagationDelay: cfg.PropagationDelay,
	}
}

// apiError is the plex.tv error envelope.
type apiError struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// remoteError extracts the remote error message from a failed response
// so callers can surface it verbatim.
func remoteError(body []byte, status int) error {
	var envelope apiError
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Errors) > 0 && envelope.Errors[0].Message != "" {
		return fmt.Errorf("%s", envelope.Errors[0].Message)
	}
	if msg := strings.TrimSpace(string(body)); msg != "" && len(msg) < 200 && !strings.HasPrefix(msg, "<") {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("plex request failed with status %d", status)
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// ResolveIdentity fetches the account behind a credential token.
// Called before the invite is consumed so a bad credential never burns
// a use.
func (c *Client) ResolveIdentity(ctx context.Context, credential string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v2/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Plex-Token", credential)

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, remoteError(body, status)
	}

	var identity Identity
	if err := json.Unmarshal(body, &identity); err != nil {
		return nil, fmt.Errorf("failed to parse account response: %w", err)
	}
	if identity.Email == "" {
		return nil, fmt.Errorf("account response missing email")
	}
	return &identity, nil
}

// grantRequest is the shared_servers invite payload.
type grantRequest struct {
	SharedServer struct {
		InvitedEmail      string   `json:"invited_email"`
		LibrarySectionIDs []string `json:"library_section_ids"`
	} `json:"shared_server"`
	SharingSettings struct {
		AllowSync string `json:"allowSync"`
	} `json:"sharing_settings"`
}

// grantResponse carries the opaque invite handle, when the remote
// system returns one.
type grantResponse struct {
	SharedServer struct {
		ID       int64 `json:"id"`
		InviteID int64 `json:"invite_id"`
	} `json:"shared_server"`
}

// Grant shares the media server with the given account email.
// Returns an opaque grant handle; an empty handle with a nil error
// means the remote system accepted the grant but did not return a
// confirmable invite reference.
func (c *Client) Grant(ctx context.Context, server *store.MediaServer, email string, opts GrantOptions) (string, error) {
	var payload grantRequest
	payload.SharedServer.InvitedEmail = email
	payload.SharedServer.LibrarySectionIDs = opts.LibrarySectionIDs
	if payload.SharedServer.LibrarySectionIDs == nil {
		payload.SharedServer.LibrarySectionIDs = []string{}
	}
	if opts.AllowSync {
		payload.SharingSettings.AllowSync = "1"
	} else {
		payload.SharingSettings.AllowSync = "0"
	}

	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/servers/%s/shared_servers", c.baseURL, server.MachineID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Plex-Token", server.Token)

	body, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", remoteError(body, status)
	}

	var resp grantResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Warn("unparseable grant response, proceeding without handle", "error", err)
		c.waitPropagation(ctx)
		return "", nil
	}

	handle := ""
	switch {
	case resp.SharedServer.InviteID != 0:
		handle = strconv.FormatInt(resp.SharedServer.InviteID, 10)
	case resp.SharedServer.ID != 0:
		handle = strconv.FormatInt(resp.SharedServer.ID, 10)
	}

	c.waitPropagation(ctx)
	return handle, nil
}

// Confirm accepts a pending shared-server invite on behalf of the
// redeeming account, identified by its credential token.
func (c *Client) Confirm(ctx context.Context, credential, handle string) error {
	url := fmt.Sprintf("%s/api/v2/shared_servers/%s/accept", c.baseURL, handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Plex-Token", credential)

	body, status, err := c.do(req)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return remoteError(body, status)
	}

	c.waitPropagation(ctx)
	return nil
}

// waitPropagation sleeps for the configured propagation delay, bounded
// by the context deadline.
func (c *Client) waitPropagation(ctx context.Context) {
	if c.propagationDelay <= 0 {
		return
	}
	timer := time.NewTimer(c.propagationDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
