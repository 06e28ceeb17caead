package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sonoff/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeRead))

			r.Get("/metrics", s.handleMetrics)
			r.Get("/connection", s.handleConnection)
			r.Get("/devices", s.handleListDevices)
			r.Get("/devices/{id}", s.handleGetDevice)
			r.Get("/devices/{id}/history", s.handleGetDeviceHistory)
			r.Get("/commands", s.handleListCommands)
			r.Get("/ws", s.handleWebSocket)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(auth.ScopeControl))

			r.Post("/refresh", s.handleRefresh)
			r.Post("/devices/{id}/command", s.handleDeviceCommand)
			r.Post("/devices/{id}/refresh", s.handleDeviceRefresh)
		})
	})

	return r
}

// handleHealth reports liveness and whether the account can dispatch.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.account.Status()

	status := "healthy"
	if !st.Ready {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"mode":       st.Mode,
		"connection": st.Connection,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
