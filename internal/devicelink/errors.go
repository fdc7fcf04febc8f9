package devicelink

import (
	"errors"
	"fmt"
)

// Sentinel errors for Device Link operations.
var (
	// ErrNotConnected means the device has no connection on this instance.
	ErrNotConnected = errors.New("device not connected")

	// ErrTimeout means no response arrived before the deadline.
	ErrTimeout = errors.New("device did not respond in time")

	// ErrDeviceError matches every *DeviceError.
	ErrDeviceError = errors.New("device reported an error")

	// ErrProtocol marks malformed or unrecognised frames. It is only logged.
	ErrProtocol = errors.New("device protocol error")

	// ErrMissingCredential means the token or device id was not supplied.
	ErrMissingCredential = errors.New("missing token or device_id")

	// ErrInvalidCredential means the token was rejected.
	ErrInvalidCredential = errors.New("invalid device credential")
)

// DeviceError is a domain failure reported by the device, such as an
// unreachable accessory.
type DeviceError struct {
	Code    string
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %s: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, ErrDeviceError) match.
func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceError
}
