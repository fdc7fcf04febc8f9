package devicelink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/pending"
	"github.com/nerrad567/homecast-relay/internal/session"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultRequestTimeout    = 30 * time.Second
	DefaultPingTimeout       = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxMessageSize    = 1 << 20
	DefaultLargeFrameBytes   = 64 << 10
	DefaultDecodeWorkers     = 4

	writeWait     = 10 * time.Second
	directoryWait = 5 * time.Second
)

// Logger defines the logging interface used by the Link.
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

// Conn is the subset of *websocket.Conn the Link uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Verifier checks a device credential and returns the owning user id.
type Verifier func(token, deviceID string) (userID string, err error)

// EventSink receives state changes reported by devices.
type EventSink interface {
	DeviceEvent(userID string, update bus.Update)
}

// Observer receives connection-count changes, typically for metrics.
type Observer interface {
	DevicesConnected(n int)
}

// Config configures a Link.
type Config struct {
	InstanceID string

	// RequestTimeout bounds SendLocal when the caller passes zero.
	RequestTimeout time.Duration

	// PingTimeout bounds each heartbeat ping.
	PingTimeout time.Duration

	HeartbeatInterval time.Duration

	// MaxMessageSize is the read limit per frame.
	MaxMessageSize int64

	// Frames of at least LargeFrameBytes are decoded under a pool of
	// DecodeWorkers so a burst of large responses cannot monopolise CPU.
	LargeFrameBytes int
	DecodeWorkers   int64

	Clock clock.Clock
}

// Device is one live device connection.
type Device struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn    Conn
	writeMu sync.Mutex

	closeOnce sync.Once

	// listening is the last webClientsListening value sent to the device.
	// Guarded by Link.mu.
	listening *bool
}

func (d *Device) write(data []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return d.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *Device) writeFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return d.write(data)
}

// closeWith sends a close frame and closes the socket. Only the first call
// has any effect.
func (d *Device) closeWith(code int, reason string) {
	d.closeOnce.Do(func() {
		d.writeMu.Lock()
		_ = d.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // Best-effort close frame
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		d.writeMu.Unlock()
		_ = d.conn.Close() //nolint:errcheck // Closing
	})
}

type outcome struct {
	payload json.RawMessage
	err     error
}

type pendingKind int

const (
	pendingRequest pendingKind = iota
	pendingPing
)

type inflight struct {
	dev    *Device
	kind   pendingKind
	action string
	slot   *pending.Slot[outcome]
}

// Link is the per-instance Device Link.
//
// Thread Safety: all methods are safe for concurrent use. The connection
// table and the pending-request table share one mutex.
type Link struct {
	cfg    Config
	dir    session.Directory
	verify Verifier
	logger Logger
	sink   EventSink
	obs    Observer
	decode *semaphore.Weighted

	mu      sync.Mutex
	devices map[string]*Device
	pending map[string]*inflight
}

// New creates a Link that records device ownership in dir and checks
// credentials with verify.
func New(dir session.Directory, verify Verifier, cfg Config) *Link {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.LargeFrameBytes <= 0 {
		cfg.LargeFrameBytes = DefaultLargeFrameBytes
	}
	if cfg.DecodeWorkers <= 0 {
		cfg.DecodeWorkers = DefaultDecodeWorkers
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Link{
		cfg:     cfg,
		dir:     dir,
		verify:  verify,
		logger:  noopLogger{},
		decode:  semaphore.NewWeighted(cfg.DecodeWorkers),
		devices: make(map[string]*Device),
		pending: make(map[string]*inflight),
	}
}

// SetLogger sets the logger for the link.
func (l *Link) SetLogger(logger Logger) {
	l.logger = logger
}

// SetEventSink sets where device events are delivered.
func (l *Link) SetEventSink(sink EventSink) {
	l.sink = sink
}

// SetObserver sets the connection-count observer.
func (l *Link) SetObserver(obs Observer) {
	l.obs = obs
}

// InstanceID returns the instance this link belongs to.
func (l *Link) InstanceID() string {
	return l.cfg.InstanceID
}

// Accept authenticates a newly upgraded connection and registers it. On
// failure the socket is closed with the matching close code and an error
// is returned. The caller runs Serve on the returned Device.
func (l *Link) Accept(ctx context.Context, conn Conn, token, deviceID string) (*Device, error) {
	if token == "" || deviceID == "" {
		rejected := &Device{conn: conn}
		rejected.closeWith(CloseMissingCredential, "Missing token or device_id")
		return nil, ErrMissingCredential
	}

	userID, err := l.verify(token, deviceID)
	if err != nil {
		rejected := &Device{conn: conn}
		rejected.closeWith(CloseInvalidCredential, "Invalid token")
		l.logger.Warn("device authentication failed", "device_id", deviceID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	conn.SetReadLimit(l.cfg.MaxMessageSize)
	dev := &Device{
		ID:          deviceID,
		UserID:      userID,
		ConnectedAt: l.cfg.Clock.Now().UTC(),
		conn:        conn,
	}

	l.mu.Lock()
	old := l.devices[deviceID]
	l.devices[deviceID] = dev
	n := len(l.devices)
	l.mu.Unlock()

	if old != nil {
		l.logger.Info("replacing device connection", "device_id", deviceID)
		old.closeWith(CloseReplaced, "Replaced by new connection")
		l.failPending(old)
	}

	if err := l.dir.SetOwner(ctx, deviceID, userID, l.cfg.InstanceID, true); err != nil {
		l.mu.Lock()
		if l.devices[deviceID] == dev {
			delete(l.devices, deviceID)
		}
		n = len(l.devices)
		l.mu.Unlock()
		dev.closeWith(websocket.CloseInternalServerErr, "Session unavailable")
		l.observe(n)
		return nil, fmt.Errorf("recording device session: %w", err)
	}
	l.observe(n)

	l.logger.Info("device connected", "device_id", deviceID, "user_id", userID)

	listening := false
	if instances, err := l.dir.Listeners(ctx, userID); err != nil {
		l.logger.Warn("listener lookup failed", "user_id", userID, "error", err)
	} else {
		listening = len(instances) > 0
	}
	l.syncListening(dev, listening)

	return dev, nil
}

// Serve runs the device's receive loop until the socket fails or ctx ends,
// then unregisters the connection.
func (l *Link) Serve(ctx context.Context, dev *Device) {
	stop := context.AfterFunc(ctx, func() {
		_ = dev.conn.Close() //nolint:errcheck // Unblock ReadMessage
	})
	defer stop()
	defer l.disconnect(dev)

	for {
		_, data, err := dev.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Debug("device read failed", "device_id", dev.ID, "error", err)
			}
			return
		}

		frame, err := l.decodeFrame(ctx, data)
		if err != nil {
			l.logger.Warn("dropping device frame", "device_id", dev.ID, "error", err)
			continue
		}
		l.handleFrame(ctx, dev, frame)
	}
}

// decodeFrame parses data, bounding concurrent decodes of large frames.
func (l *Link) decodeFrame(ctx context.Context, data []byte) (Frame, error) {
	if len(data) < l.cfg.LargeFrameBytes {
		return decodeFrame(data)
	}
	if err := l.decode.Acquire(ctx, 1); err != nil {
		return Frame{}, err
	}
	defer l.decode.Release(1)
	return decodeFrame(data)
}

func (l *Link) handleFrame(ctx context.Context, dev *Device, f Frame) {
	switch f.Type {
	case FrameResponse:
		l.handleResponse(dev, f)

	case FrameStatus:
		var st StatusPayload
		if err := json.Unmarshal(f.Payload, &st); err != nil {
			l.logger.Warn("invalid status frame", "device_id", dev.ID, "error", err)
			return
		}
		if err := l.dir.UpdateStatus(ctx, dev.ID, st.HomeCount, st.AccessoryCount); err != nil {
			l.logger.Warn("status update failed", "device_id", dev.ID, "error", err)
		}

	case FramePong:
		if err := l.dir.Heartbeat(ctx, dev.ID, l.cfg.InstanceID); err != nil {
			l.logger.Warn("device heartbeat failed", "device_id", dev.ID, "error", err)
		}
		if f.ID != "" {
			l.resolve(f.ID, pendingPing, outcome{})
		}

	case FramePing:
		if err := dev.writeFrame(Frame{ID: f.ID, Type: FramePong}); err != nil {
			l.logger.Debug("pong write failed", "device_id", dev.ID, "error", err)
		}

	case FrameEvent:
		update, err := eventUpdate(dev.ID, f)
		if err != nil {
			l.logger.Warn("dropping device event", "device_id", dev.ID, "error", err)
			return
		}
		if l.sink != nil {
			l.sink.DeviceEvent(dev.UserID, update)
		}

	default:
		l.logger.Warn("unrecognised device frame", "device_id", dev.ID, "type", f.Type, "error", ErrProtocol)
	}
}

func (l *Link) handleResponse(dev *Device, f Frame) {
	if f.ID == "" {
		l.logger.Warn("response without id", "device_id", dev.ID)
		return
	}

	o := outcome{payload: f.Payload}
	if f.Error != nil {
		o = outcome{err: &DeviceError{Code: f.Error.Code, Message: f.Error.Message}}
	} else if len(o.payload) == 0 {
		o.payload = emptyObject
	}

	if !l.resolve(f.ID, pendingRequest, o) {
		l.logger.Warn("response for unknown request", "device_id", dev.ID, "correlation_id", f.ID)
	}
}

// resolve completes the in-flight entry id if it has the given kind. It
// reports false for unknown ids and for entries already resolved.
func (l *Link) resolve(id string, kind pendingKind, o outcome) bool {
	l.mu.Lock()
	p, ok := l.pending[id]
	l.mu.Unlock()
	if !ok || p.kind != kind {
		return false
	}
	return p.slot.Resolve(o)
}

// disconnect unregisters dev. If a newer connection for the same device has
// replaced it, the table and the directory are left alone.
func (l *Link) disconnect(dev *Device) {
	l.mu.Lock()
	current := l.devices[dev.ID] == dev
	if current {
		delete(l.devices, dev.ID)
	}
	n := len(l.devices)
	l.mu.Unlock()

	dev.closeWith(websocket.CloseNormalClosure, "")
	l.failPending(dev)

	if !current {
		return
	}
	l.observe(n)

	ctx, cancel := context.WithTimeout(context.Background(), directoryWait)
	defer cancel()
	if err := l.dir.SetOwner(ctx, dev.ID, dev.UserID, l.cfg.InstanceID, false); err != nil {
		l.logger.Warn("marking device offline failed", "device_id", dev.ID, "error", err)
	}
	l.logger.Info("device disconnected", "device_id", dev.ID)
}

// Disconnect closes the device's connection, if any, and reports whether
// one existed.
func (l *Link) Disconnect(deviceID string) bool {
	l.mu.Lock()
	dev := l.devices[deviceID]
	l.mu.Unlock()
	if dev == nil {
		return false
	}
	l.disconnect(dev)
	return true
}

// failPending resolves every in-flight entry bound to dev with
// ErrNotConnected.
func (l *Link) failPending(dev *Device) {
	l.mu.Lock()
	var failed []*inflight
	for _, p := range l.pending {
		if p.dev == dev {
			failed = append(failed, p)
		}
	}
	l.mu.Unlock()

	for _, p := range failed {
		p.slot.Resolve(outcome{err: ErrNotConnected})
	}
}

func (l *Link) observe(n int) {
	if l.obs != nil {
		l.obs.DevicesConnected(n)
	}
}

// IsLocal reports whether the device is connected to this instance.
func (l *Link) IsLocal(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.devices[deviceID]
	return ok
}

// Count returns the number of connected devices.
func (l *Link) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices)
}

// DevicesForUser returns the ids of userID's devices connected here.
func (l *Link) DevicesForUser(userID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []string
	for id, dev := range l.devices {
		if dev.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids
}

// register adds an in-flight entry for deviceID. It fails with
// ErrNotConnected when the device has no connection here.
func (l *Link) register(deviceID string, kind pendingKind, action string) (string, *inflight, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dev := l.devices[deviceID]
	if dev == nil {
		return "", nil, ErrNotConnected
	}
	id := uuid.NewString()
	p := &inflight{dev: dev, kind: kind, action: action, slot: pending.NewSlot[outcome]()}
	l.pending[id] = p
	return id, p, nil
}

func (l *Link) unregister(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// await waits for p to resolve or for timeout. When the timer and a
// resolution race, whichever reached the slot first wins.
func (l *Link) await(p *inflight, timeout time.Duration) outcome {
	timer := l.cfg.Clock.Timer(timeout)
	defer timer.Stop()

	select {
	case <-p.slot.Done():
	case <-timer.C:
		p.slot.Resolve(outcome{err: ErrTimeout})
	}
	return p.slot.Value()
}

// SendLocal sends a request frame to a device connected to this instance
// and waits for its response. A zero timeout uses Config.RequestTimeout.
//
// The wait is bounded only by timeout. Cancelling ctx does not abandon a
// request already written to the device.
func (l *Link) SendLocal(ctx context.Context, deviceID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = l.cfg.RequestTimeout
	}
	if len(payload) == 0 {
		payload = emptyObject
	}

	id, p, err := l.register(deviceID, pendingRequest, action)
	if err != nil {
		return nil, err
	}
	defer l.unregister(id)

	log := []any{"correlation_id", id, "device_id", deviceID, "action", action}
	l.logger.Debug("sending device request", log...)

	if err := p.dev.writeFrame(Frame{ID: id, Type: FrameRequest, Action: action, Payload: payload}); err != nil {
		l.logger.Warn("device write failed", append(log, "error", err)...)
		l.disconnect(p.dev)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	o := l.await(p, timeout)
	switch {
	case o.err == nil:
		l.logger.Debug("device request completed", log...)
	case errors.Is(o.err, ErrTimeout):
		l.logger.Warn("device request timed out", append(log, "timeout", timeout)...)
	default:
		l.logger.Info("device request failed", append(log, "error", o.err)...)
	}
	return o.payload, o.err
}

// Ping sends a ping frame and waits for the matching pong, returning the
// round-trip latency. A zero timeout uses Config.PingTimeout.
func (l *Link) Ping(ctx context.Context, deviceID string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = l.cfg.PingTimeout
	}

	id, p, err := l.register(deviceID, pendingPing, "")
	if err != nil {
		return 0, err
	}
	defer l.unregister(id)

	start := l.cfg.Clock.Now()
	if err := p.dev.writeFrame(Frame{ID: id, Type: FramePing}); err != nil {
		l.disconnect(p.dev)
		return 0, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	o := l.await(p, timeout)
	if o.err != nil {
		return 0, o.err
	}
	return l.cfg.Clock.Since(start), nil
}
