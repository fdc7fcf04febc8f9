package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/homecast-relay/internal/router"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// DeviceCode is the device-reported error code for device_error responses.
	DeviceCode string `json:"device_code,omitempty"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeUnauthorized       = "unauthorised"
	ErrCodeForbidden          = "forbidden"
	ErrCodeInternal           = "internal_error"
	ErrCodeDeviceNotConnected = "device_not_connected"
	ErrCodeTimeout            = "timeout"
	ErrCodeRoutingFailure     = "routing_failure"
	ErrCodeDeviceError        = "device_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeForbidden writes a 403 error response.
func writeForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrCodeForbidden, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeRouteError maps a router failure onto its HTTP response.
func writeRouteError(w http.ResponseWriter, err error) {
	var de *router.DeviceError
	switch {
	case errors.As(err, &de):
		writeJSON(w, http.StatusUnprocessableEntity, Error{
			Status:     http.StatusUnprocessableEntity,
			Code:       ErrCodeDeviceError,
			Message:    de.Message,
			DeviceCode: de.Code,
		})
	case errors.Is(err, router.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, ErrCodeDeviceNotConnected, err.Error())
	case errors.Is(err, router.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, err.Error())
	case errors.Is(err, router.ErrRoutingFailure):
		writeError(w, http.StatusBadGateway, ErrCodeRoutingFailure, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
