package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no session exists for a device.
var ErrNotFound = errors.New("session: device session not found")

// DefaultStaleAfter is how long a session survives without a heartbeat.
const DefaultStaleAfter = 5 * time.Minute

// Record is the persisted session of one device.
type Record struct {
	DeviceID string
	UserID   string

	// InstanceID is the relay instance holding the device's socket. Empty
	// when ownership was released or invalidated.
	InstanceID string

	Online         bool
	HomeCount      int
	AccessoryCount int
	ConnectedAt    time.Time
	LastHeartbeat  time.Time

	// Stale is set when the record was read and LastHeartbeat was older than
	// the directory's staleness threshold.
	Stale bool
}

// Owner returns the instance currently holding the device, or "" when the
// record does not name a live owner.
func (r *Record) Owner() string {
	if r == nil || !r.Online || r.Stale {
		return ""
	}
	return r.InstanceID
}

// Directory is the cross-instance source of truth for device ownership and
// listener placement. Every relay instance reads and writes the same store.
type Directory interface {
	// Get returns the device's session, or ErrNotFound.
	Get(ctx context.Context, deviceID string) (*Record, error)

	// SetOwner records that instanceID now holds (online) or no longer holds
	// (!online) the device's socket. Going online registers unknown devices.
	// Going offline only clears the owner when it is still instanceID, so a
	// late disconnect cannot undo a newer connection elsewhere.
	SetOwner(ctx context.Context, deviceID, userID, instanceID string, online bool) error

	// InvalidateOwner clears the owner if it is still expectedInstance and
	// reports whether it did.
	InvalidateOwner(ctx context.Context, deviceID, expectedInstance string) (bool, error)

	// Heartbeat refreshes the device's heartbeat and re-asserts instanceID as
	// its owner.
	Heartbeat(ctx context.Context, deviceID, instanceID string) error

	// UpdateStatus caches the device's reported home and accessory counts.
	UpdateStatus(ctx context.Context, deviceID string, homeCount, accessoryCount int) error

	// Listeners returns the distinct instances hosting a live listener for userID.
	Listeners(ctx context.Context, userID string) ([]string, error)

	// AddListener registers a listener session hosted by instanceID.
	AddListener(ctx context.Context, sessionID, userID, instanceID string) error

	// RemoveListener deletes a listener session.
	RemoveListener(ctx context.Context, sessionID string) error

	// HeartbeatInstance refreshes every session held by instanceID.
	HeartbeatInstance(ctx context.Context, instanceID string) error

	// CleanupStale deletes listener sessions and marks device sessions
	// offline when their heartbeat is older than the staleness threshold. It
	// returns how many rows were affected.
	CleanupStale(ctx context.Context) (int64, error)

	// CleanupInstance deletes listener sessions of instanceID and releases
	// ownership of its devices.
	CleanupInstance(ctx context.Context, instanceID string) error
}
