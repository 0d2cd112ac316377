package control

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the control-plane router. Everything except the
// health probe requires a bearer credential.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/auth/token", s.handleToken)
		r.Post("/command", s.handleCommand)
		r.Get("/status", s.handleStatus)
		r.Get("/api/devices", s.handleDevices)
		r.Post("/notify-device", s.handleNotifyDevice)
		r.Post("/pairing/claim", s.handleClaim)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
