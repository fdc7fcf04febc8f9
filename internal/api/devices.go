package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homecast-relay/internal/session"
)

// maxRequestTimeout caps the timeout a caller may ask for.
const maxRequestTimeout = 2 * time.Minute

// writeMargin is left between a request timeout and the HTTP write deadline
// so the error reply still reaches the caller.
const writeMargin = time.Second

// deviceRequest is the request body for POST /devices/{id}/requests.
type deviceRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// deviceResponse is the response body for a successful device request.
type deviceResponse struct {
	DeviceID   string          `json:"device_id"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload"`
	DurationMS int64           `json:"duration_ms"`
}

// pingResponse is the response body for POST /devices/{id}/ping.
type pingResponse struct {
	DeviceID  string `json:"device_id"`
	LatencyMS int64  `json:"latency_ms"`
}

// handleDeviceRequest sends an action to a device through the router.
func (s *Server) handleDeviceRequest(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.authorizeDevice(w, r)
	if !ok {
		return
	}

	var req deviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeBadRequest(w, "action is required")
		return
	}
	if req.TimeoutMS < 0 {
		writeBadRequest(w, "timeout_ms must not be negative")
		return
	}
	timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, s.requestTimeoutCap())

	start := time.Now()
	payload, err := s.router.SendRequest(r.Context(), deviceID, req.Action, req.Payload, timeout)
	if err != nil {
		s.logger.Info("device request failed",
			"device_id", deviceID,
			"action", req.Action,
			"error", err,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeRouteError(w, err)
		return
	}

	if payload == nil {
		payload = json.RawMessage("null")
	}
	writeJSON(w, http.StatusOK, deviceResponse{
		DeviceID:   deviceID,
		Action:     req.Action,
		Payload:    payload,
		DurationMS: time.Since(start).Milliseconds(),
	})
}

// handleDevicePing measures the round trip to a device through the router.
func (s *Server) handleDevicePing(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.authorizeDevice(w, r)
	if !ok {
		return
	}

	latency, err := s.router.Ping(r.Context(), deviceID, 0)
	if err != nil {
		writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pingResponse{
		DeviceID:  deviceID,
		LatencyMS: latency.Milliseconds(),
	})
}

// requestTimeoutCap is the longest timeout a caller may ask for. It stays
// below the server write timeout when one is set.
func (s *Server) requestTimeoutCap() time.Duration {
	limit := maxRequestTimeout
	if s.cfg.Timeouts.Write > 0 {
		write := time.Duration(s.cfg.Timeouts.Write) * time.Second
		limit = min(limit, max(write-writeMargin, writeMargin))
	}
	return limit
}

// authorizeDevice checks that the authenticated user owns the device named
// in the path. It writes the error response itself when the check fails.
func (s *Server) authorizeDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	deviceID := chi.URLParam(r, "id")
	userID := userFromContext(r.Context())

	rec, err := s.sessions.Get(r.Context(), deviceID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeNotFound(w, "device not found")
		return "", false
	case err != nil:
		s.logger.Error("session lookup failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "session lookup failed")
		return "", false
	case rec.UserID != userID:
		writeForbidden(w, "device belongs to another user")
		return "", false
	}
	return deviceID, true
}
