package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check on /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// WebSocket endpoints (auth via query token, validated in handler)
	r.Route("/ws", func(r chi.Router) {
		r.Get("/device", s.handleDeviceSocket)
		if s.listeners != nil {
			r.Handle("/listen", s.listeners)
		}
	})

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Prometheus exposition (no auth required for basic monitoring)
		if s.metrics != nil {
			r.Handle("/metrics", s.metrics)
		}

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/devices/{id}", func(r chi.Router) {
				r.Post("/requests", s.handleDeviceRequest)
				r.Post("/ping", s.handleDevicePing)
			})
		})
	})

	return r
}

// handleHealth returns the server health status. Any failing component
// turns the status to degraded and the response code to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(s.checks))

	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.HealthCheck(ctx)
		cancel()
		if err != nil {
			components[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":            status,
		"version":           s.version,
		"instance_id":       s.instanceID,
		"uptime_seconds":    int64(time.Since(s.startTime).Seconds()),
		"connected_devices": s.devices.Count(),
		"components":        components,
	})
}
