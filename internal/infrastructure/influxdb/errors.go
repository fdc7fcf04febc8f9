package influxdb

import "errors"

// Errors returned by the metrics client. Match them with errors.Is.
var (
	// ErrNotConnected is returned by writes after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps a failed health check during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps every asynchronous batch failure handed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled is returned by Connect when metrics are switched off.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
