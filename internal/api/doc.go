// Package api implements the relay's HTTP server.
//
// This package provides:
//   - the device WebSocket endpoint feeding the Device Link
//   - the listener WebSocket endpoint feeding the listener hub
//   - a diagnostic request API that sends actions and pings through the router
//   - health and Prometheus metrics endpoints
//   - the middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// Device sockets authenticate with a device token bound to the device id.
// Listener sockets and the diagnostic API use listener tokens; the API only
// lets a token's subject address devices that user owns.
//
// # Error Mapping
//
// Routing failures map onto HTTP status codes:
//
//	NotConnected    503 device_not_connected
//	Timeout         504 timeout
//	RoutingFailure  502 routing_failure
//	DeviceError     422 device_error
package api
