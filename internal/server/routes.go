package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupRoutes builds the router.
func (s *Server) setupRoutes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Redemption burns a scarce resource, so brute-forcing codes gets
	// throttled per client IP.
	r.Use(s.rateLimitMiddleware(map[string]RateLimitConfig{
		"/api/invites/redeem": {RequestsPerMinute: 10, Burst: 5},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Post("/api/invites/redeem", s.invitesHandler.HandleRedeem)

	return r
}

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
