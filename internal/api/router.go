package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Health check
	r.Get("/health", s.handleHealth)

	// Device endpoints
	r.Route("/api/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/mode", s.handleSetMode)
			r.Post("/led", s.handleSetLED)
			r.Post("/buzzer", s.handleSetBuzzer)
		})
	})

	return r
}

// handleHealth returns the bridge health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": s.version,
		"devices": s.cache.Count(),
	}
	if s.realtime != nil {
		resp["session"] = map[string]any{
			"state":      s.realtime.State().String(),
			"reconnects": s.realtime.Reconnects(),
			"messages":   s.realtime.MessagesReceived(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
