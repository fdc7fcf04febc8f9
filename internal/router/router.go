package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/pending"
	"github.com/nerrad567/homecast-relay/internal/session"
	"github.com/nerrad567/homecast-relay/internal/slot"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultPingTimeout      = 10 * time.Second
	DefaultRemoteSubTimeout = 30 * time.Second
	DefaultMaxRetries       = 1
)

// Logger defines the logging interface used by the Router.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// LocalLink is the Device Link of this instance.
type LocalLink interface {
	IsLocal(deviceID string) bool
	SendLocal(ctx context.Context, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
	Ping(ctx context.Context, deviceID string, timeout time.Duration) (time.Duration, error)
}

// Slots gives the router this instance's slot and resolves other
// instances' slots. *slot.Manager satisfies it.
type Slots interface {
	Slot() string
	ChannelFor(slotName string) string
	SlotForInstance(ctx context.Context, instanceID string) (string, error)
	ForgetSlot(ctx context.Context, slotName string)
}

// BatchHandler receives broadcast batches published to this instance.
type BatchHandler interface {
	ReceiveBatch(ctx context.Context, batch *bus.Batch)
}

// Observer receives routing telemetry.
type Observer interface {
	ObserveRoute(path, outcome string, d time.Duration)
	ObserveRetry(reason string)
}

// Config configures a Router.
type Config struct {
	InstanceID string

	// RequestTimeout applies when SendRequest is called with zero timeout.
	RequestTimeout time.Duration

	// PingTimeout applies when Ping is called with zero timeout.
	PingTimeout time.Duration

	// RemoteSubTimeout bounds the local device call made on behalf of a
	// request routed here by another instance.
	RemoteSubTimeout time.Duration

	// RemotePingTimeout bounds a ping served for another instance. It must
	// stay below PingTimeout so a DEVICE_TIMEOUT reply reaches the sender
	// before the sender gives up. Zero or a value not below PingTimeout
	// selects four fifths of PingTimeout.
	RemotePingTimeout time.Duration

	// MaxRetries is the number of fresh-lookup retries after stale routing.
	// Zero selects DefaultMaxRetries; a negative value disables retries.
	MaxRetries int

	Clock clock.Clock
}

type reply struct {
	resp *bus.Response
	ping *bus.PingResponse
}

// Router routes device requests across instances.
//
// Thread Safety: all methods are safe for concurrent use.
type Router struct {
	cfg    Config
	dir    session.Directory
	link   LocalLink
	bus    bus.Bus
	slots  Slots
	logger Logger

	batches   BatchHandler
	observers []Observer

	pending *pending.Table[reply]

	// lifeMu orders inflight.Add against Close.
	lifeMu   sync.Mutex
	closed   atomic.Bool
	inflight sync.WaitGroup
}

// New creates a Router. With a nil bus or nil slots the router runs in
// local-only mode: devices not attached here are NotConnected.
func New(dir session.Directory, link LocalLink, b bus.Bus, slots Slots, cfg Config) *Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.RemoteSubTimeout <= 0 {
		cfg.RemoteSubTimeout = DefaultRemoteSubTimeout
	}
	if cfg.RemotePingTimeout <= 0 || cfg.RemotePingTimeout >= cfg.PingTimeout {
		cfg.RemotePingTimeout = cfg.PingTimeout * 4 / 5
	}
	switch {
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = DefaultMaxRetries
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Router{
		cfg:     cfg,
		dir:     dir,
		link:    link,
		bus:     b,
		slots:   slots,
		logger:  noopLogger{},
		pending: pending.NewTable[reply](),
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// SetBatchHandler sets the receiver of inbound broadcast batches.
func (r *Router) SetBatchHandler(h BatchHandler) {
	r.batches = h
}

// AddObserver registers a telemetry observer.
func (r *Router) AddObserver(obs Observer) {
	r.observers = append(r.observers, obs)
}

// LocalOnly reports whether the router runs without a bus.
func (r *Router) LocalOnly() bool {
	return r.bus == nil || r.slots == nil
}

// Close stops serving routed requests and waits for those in progress.
func (r *Router) Close() {
	r.lifeMu.Lock()
	r.closed.Store(true)
	r.lifeMu.Unlock()
	r.inflight.Wait()
}

// SendRequest runs action on the device and returns the device's response
// payload. A zero timeout uses Config.RequestTimeout.
//
// Failures match ErrNotConnected, ErrTimeout, ErrRoutingFailure or
// ErrDeviceError. Cancelling ctx does not abandon an in-flight request.
func (r *Router) SendRequest(ctx context.Context, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = r.cfg.RequestTimeout
	}
	ctx = context.WithoutCancel(ctx)

	start := r.cfg.Clock.Now()
	result, path, err := r.route(ctx, deviceID, action, payload, timeout)
	r.observeRoute(path, Outcome(err), r.cfg.Clock.Since(start))
	return result, err
}

func (r *Router) route(ctx context.Context, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, string, error) {
	if r.link.IsLocal(deviceID) {
		result, err := r.link.SendLocal(ctx, deviceID, action, payload, timeout)
		return result, PathLocal, err
	}
	if r.LocalOnly() {
		return nil, PathLocal, ErrNotConnected
	}

	// timedOut is the owner that last failed to answer in time.
	var timedOut string
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		rec, err := r.dir.Get(ctx, deviceID)
		if errors.Is(err, session.ErrNotFound) {
			return nil, PathRemote, ErrNotConnected
		}
		if err != nil {
			return nil, PathRemote, fmt.Errorf("%w: directory lookup: %v", ErrRoutingFailure, err)
		}

		owner := rec.Owner()
		if timedOut != "" && (owner == "" || owner == timedOut) {
			r.logger.Warn("owner still unresponsive after fresh lookup",
				"device_id", deviceID, "instance_id", timedOut)
			return nil, PathRemote, ErrTimeout
		}
		if owner == "" {
			return nil, PathRemote, ErrNotConnected
		}
		if owner == r.cfg.InstanceID {
			result, err := r.link.SendLocal(ctx, deviceID, action, payload, timeout)
			return result, PathLocal, err
		}

		result, err := r.sendRemote(ctx, owner, deviceID, action, payload, timeout)
		var stale *staleRoute
		if !errors.As(err, &stale) {
			return result, PathRemote, err
		}

		lastErr = stale.err
		if stale.reason == ReasonTimeout {
			timedOut = owner
		}
		r.invalidate(ctx, deviceID, owner, stale.reason)
		if attempt < r.cfg.MaxRetries {
			r.observeRetry(stale.reason)
			r.logger.Info("retrying after stale routing",
				"device_id", deviceID, "instance_id", owner, "reason", stale.reason)
		}
	}
	return nil, PathRemote, lastErr
}

// sendRemote publishes one request to owner's slot and waits for the
// response. Stale-routing failures are returned as *staleRoute.
func (r *Router) sendRemote(ctx context.Context, owner, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	target, err := r.targetSlot(ctx, owner)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := r.pending.Register(id)
	defer r.pending.Remove(id)

	log := []any{"correlation_id", id, "device_id", deviceID, "action", action, "slot", target}

	data, err := bus.Encode(&bus.Request{
		CorrelationID: id,
		SourceSlot:    r.slots.Slot(),
		DeviceID:      deviceID,
		Action:        action,
		Payload:       payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrRoutingFailure, err)
	}

	r.logger.Info("dispatching routed request", log...)
	if err := r.publish(ctx, target, data); err != nil {
		return nil, err
	}

	rep, ok := r.await(s, timeout)
	if !ok {
		r.logger.Warn("routed request timed out", append(log, "timeout", timeout)...)
		return nil, &staleRoute{reason: ReasonTimeout, err: ErrTimeout}
	}
	if rep.resp == nil {
		return nil, fmt.Errorf("%w: unexpected reply to request", ErrRoutingFailure)
	}

	resp := rep.resp
	if resp.Error == nil {
		r.logger.Info("routed request resolved", log...)
		if len(resp.Payload) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return resp.Payload, nil
	}

	r.logger.Info("routed request failed", append(log, "code", resp.Error.Code, "message", resp.Error.Message)...)
	switch resp.Error.Code {
	case bus.CodeDeviceNotHere:
		return nil, &staleRoute{
			reason: ReasonDeviceNotHere,
			err:    fmt.Errorf("%w: %s", ErrRoutingFailure, resp.Error.Message),
		}
	case bus.CodeDeviceTimeout:
		return nil, fmt.Errorf("%w: %s", ErrTimeout, resp.Error.Message)
	case bus.CodeNoHandler, bus.CodeError:
		return nil, fmt.Errorf("%w: %s: %s", ErrRoutingFailure, resp.Error.Code, resp.Error.Message)
	default:
		return nil, &DeviceError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
}

// targetSlot resolves owner's slot. An owner without a slot is presumed
// dead.
func (r *Router) targetSlot(ctx context.Context, owner string) (string, error) {
	target, err := r.slots.SlotForInstance(ctx, owner)
	if errors.Is(err, slot.ErrNoSlot) {
		return "", &staleRoute{
			reason: ReasonNoSlot,
			err:    fmt.Errorf("%w: instance %s holds no slot", ErrRoutingFailure, owner),
		}
	}
	if err != nil {
		return "", fmt.Errorf("%w: slot lookup: %v", ErrRoutingFailure, err)
	}
	if r.slots.Slot() == "" {
		return "", fmt.Errorf("%w: no reply slot held", ErrRoutingFailure)
	}
	return target, nil
}

// publish sends data to a slot's channel. A missing channel drops the slot
// and is reported as stale routing.
func (r *Router) publish(ctx context.Context, target string, data []byte) error {
	err := r.bus.Publish(ctx, r.slots.ChannelFor(target), data)
	if err == nil {
		return nil
	}
	if errors.Is(err, bus.ErrChannelNotFound) {
		r.slots.ForgetSlot(ctx, target)
		return &staleRoute{
			reason: ReasonChannelMissing,
			err:    fmt.Errorf("%w: channel for slot %s is gone", ErrRoutingFailure, target),
		}
	}
	return fmt.Errorf("%w: publish: %v", ErrRoutingFailure, err)
}

// await waits for the reply or the timeout. It reports false on timeout.
func (r *Router) await(s *pending.Slot[reply], timeout time.Duration) (reply, bool) {
	timer := r.cfg.Clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-s.Done():
		return s.Value(), true
	case <-timer.C:
		if s.Resolve(reply{}) {
			return reply{}, false
		}
		return s.Value(), true
	}
}

func (r *Router) invalidate(ctx context.Context, deviceID, owner, reason string) {
	cleared, err := r.dir.InvalidateOwner(ctx, deviceID, owner)
	if err != nil {
		r.logger.Warn("invalidating device owner failed", "device_id", deviceID, "instance_id", owner, "error", err)
		return
	}
	if cleared {
		r.logger.Info("invalidated stale device owner", "device_id", deviceID, "instance_id", owner, "reason", reason)
	}
}

func (r *Router) observeRoute(path, outcome string, d time.Duration) {
	for _, obs := range r.observers {
		obs.ObserveRoute(path, outcome, d)
	}
}

func (r *Router) observeRetry(reason string) {
	for _, obs := range r.observers {
		obs.ObserveRetry(reason)
	}
}
