package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/session"
)

// Ping measures the device's round-trip latency. It follows the same
// local-or-remote shape as SendRequest but never retries. A zero timeout
// uses Config.PingTimeout.
func (r *Router) Ping(ctx context.Context, deviceID string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = r.cfg.PingTimeout
	}
	ctx = context.WithoutCancel(ctx)

	if r.link.IsLocal(deviceID) {
		return r.link.Ping(ctx, deviceID, timeout)
	}
	if r.LocalOnly() {
		return 0, ErrNotConnected
	}

	rec, err := r.dir.Get(ctx, deviceID)
	if errors.Is(err, session.ErrNotFound) {
		return 0, ErrNotConnected
	}
	if err != nil {
		return 0, fmt.Errorf("%w: directory lookup: %v", ErrRoutingFailure, err)
	}

	owner := rec.Owner()
	switch owner {
	case "":
		return 0, ErrNotConnected
	case r.cfg.InstanceID:
		return r.link.Ping(ctx, deviceID, timeout)
	}

	target, err := r.targetSlot(ctx, owner)
	if err != nil {
		return 0, err
	}

	id := uuid.NewString()
	s := r.pending.Register(id)
	defer r.pending.Remove(id)

	data, err := bus.Encode(&bus.PingRequest{
		CorrelationID: id,
		SourceSlot:    r.slots.Slot(),
		DeviceID:      deviceID,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: encoding ping: %v", ErrRoutingFailure, err)
	}

	r.logger.Debug("dispatching routed ping", "correlation_id", id, "device_id", deviceID, "slot", target)
	if err := r.publish(ctx, target, data); err != nil {
		return 0, err
	}

	rep, ok := r.await(s, timeout)
	if !ok {
		r.logger.Warn("routed ping timed out", "correlation_id", id, "device_id", deviceID)
		return 0, ErrTimeout
	}
	if rep.ping == nil {
		return 0, fmt.Errorf("%w: unexpected reply to ping", ErrRoutingFailure)
	}
	if rep.ping.Success {
		return time.Duration(rep.ping.LatencyMS) * time.Millisecond, nil
	}

	switch rep.ping.Error {
	case bus.CodeDeviceNotHere:
		return 0, ErrNotConnected
	case bus.CodeDeviceTimeout:
		return 0, ErrTimeout
	default:
		return 0, fmt.Errorf("%w: ping: %s", ErrRoutingFailure, rep.ping.Error)
	}
}
