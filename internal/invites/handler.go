// Package invites exposes the invite redemption HTTP endpoint.
// Invite creation, listing, and deletion belong to the admin surface
// and are not served here.
package invites

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/plexward/plexward-go/internal/redemption"
)

// Redeemer is the redemption entry point the handler depends on.
type Redeemer interface {
	Redeem(ctx context.Context, code, credential string) redemption.Result
}

// Handler handles invite redemption requests.
type Handler struct {
	redeemer Redeemer
	logger   *slog.Logger
}

// NewHandler creates a new invites handler.
func NewHandler(redeemer Redeemer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{redeemer: redeemer, logger: logger}
}

// HandleRedeem handles POST /api/invites/redeem.
func (h *Handler) HandleRedeem(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		h.sendError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
		return
	}

	var req RedeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to parse redeem request", "error", err)
		h.sendError(w, http.StatusBadRequest, "invalid_json", "failed to parse request body")
		return
	}
	if req.Code == "" {
		h.sendError(w, http.StatusBadRequest, "missing_field", "code is required")
		return
	}
	if req.Token == "" {
		h.sendError(w, http.StatusBadRequest, "missing_field", "token is required")
		return
	}

	result := h.redeemer.Redeem(r.Context(), req.Code, req.Token)
	if !result.Success {
		h.sendError(w, statusFor(result.Reason), codeFor(result.Reason), result.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RedeemResponse{Success: true})
}

// statusFor maps a redemption failure reason to an HTTP status.
func statusFor(reason redemption.Reason) int {
	switch reason {
	case redemption.ReasonInvalidCode:
		return http.StatusNotFound
	case redemption.ReasonExpired:
		return http.StatusGone
	case redemption.ReasonMaxUses, redemption.ReasonConflict:
		return http.StatusConflict
	case redemption.ReasonRemote:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(reason redemption.Reason) string {
	switch reason {
	case redemption.ReasonInvalidCode:
		return "invalid_code"
	case redemption.ReasonExpired:
		return "invite_expired"
	case redemption.ReasonMaxUses:
		return "max_uses_reached"
	case redemption.ReasonConflict:
		return "redemption_conflict"
	case redemption.ReasonRemote:
		return "remote_failure"
	default:
		return "internal_error"
	}
}

// sendError sends a JSON error response.
func (h *Handler) sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":       code,
		"description": message,
	})
}
