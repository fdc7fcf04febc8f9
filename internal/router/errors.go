package router

import (
	"errors"

	"github.com/nerrad567/homecast-relay/internal/devicelink"
)

// Failure taxonomy returned by SendRequest and Ping.
var (
	// ErrNotConnected means no live instance holds the device.
	ErrNotConnected = devicelink.ErrNotConnected

	// ErrTimeout means no response arrived within the deadline.
	ErrTimeout = devicelink.ErrTimeout

	// ErrDeviceError matches every *DeviceError.
	ErrDeviceError = devicelink.ErrDeviceError

	// ErrRoutingFailure means the request could not be delivered: the
	// owner's slot or channel is gone, or the bus refused the publish.
	ErrRoutingFailure = errors.New("router: routing failure")
)

// DeviceError is a domain failure reported by the device.
type DeviceError = devicelink.DeviceError

// Route paths reported to observers.
const (
	PathLocal  = "local"
	PathRemote = "remote"
)

// Outcome labels reported to observers.
const (
	OutcomeOK             = "ok"
	OutcomeNotConnected   = "not_connected"
	OutcomeTimeout        = "timeout"
	OutcomeRoutingFailure = "routing_failure"
	OutcomeDeviceError    = "device_error"
	OutcomeError          = "error"
)

// Retry reasons reported to observers.
const (
	ReasonNoSlot         = "no_slot"
	ReasonChannelMissing = "channel_missing"
	ReasonDeviceNotHere  = "device_not_here"
	ReasonTimeout        = "timeout"
)

// Outcome classifies err into an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrNotConnected):
		return OutcomeNotConnected
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrRoutingFailure):
		return OutcomeRoutingFailure
	case errors.Is(err, ErrDeviceError):
		return OutcomeDeviceError
	default:
		return OutcomeError
	}
}

// staleRoute marks a failure caused by stale ownership. The router
// invalidates the owner and may retry; err is what the caller sees when
// retries are exhausted.
type staleRoute struct {
	reason string
	err    error
}

func (e *staleRoute) Error() string { return e.err.Error() }
func (e *staleRoute) Unwrap() error { return e.err }
