package auth

import "errors"

// TokenKind distinguishes device credentials from listener credentials.
type TokenKind string

// Token kinds carried in the knd claim.
const (
	KindDevice   TokenKind = "device"
	KindListener TokenKind = "listener"
)

// Default token lifetimes used when a zero TTL is configured.
const (
	defaultDeviceTTLHours     = 24 * 30
	defaultListenerTTLMinutes = 60
	deviceTokenAudience       = "homecast-device"
	listenerTokenAudience     = "homecast-listener"
)

// Sentinel errors for token operations.
var (
	ErrTokenExpired   = errors.New("token has expired")
	ErrTokenInvalid   = errors.New("invalid token")
	ErrWrongTokenKind = errors.New("token kind not accepted here")
	ErrDeviceMismatch = errors.New("token not issued for this device")
	ErrForbidden      = errors.New("insufficient permissions")
)
