package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultFlushDelay        = 200 * time.Millisecond
	DefaultMaxBuffer         = 50
	DefaultFanoutConcurrency = 8

	flushTimeout = 5 * time.Second
)

// Batch outcomes reported to observers, one per target instance.
const (
	OutcomeOK             = "ok"
	OutcomeNoSlot         = "no_slot"
	OutcomeChannelMissing = "channel_missing"
	OutcomeError          = "error"
)

// Logger defines the logging interface used by the Buffer.
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

// Directory reports which instances host listeners for a user.
type Directory interface {
	Listeners(ctx context.Context, userID string) ([]string, error)
}

// Slots resolves instances to bus channels. *slot.Manager satisfies it.
type Slots interface {
	ChannelFor(slotName string) string
	SlotForInstance(ctx context.Context, instanceID string) (string, error)
	ForgetSlot(ctx context.Context, slotName string)
}

// LocalDelivery hands updates to the listeners attached to this instance.
type LocalDelivery interface {
	Deliver(userID string, updates []bus.Update)
}

// Observer receives one outcome per batch publish.
type Observer interface {
	ObserveBatch(outcome string)
}

// Config configures a Buffer.
type Config struct {
	InstanceID string

	FlushDelay time.Duration
	MaxBuffer  int

	// FanoutConcurrency bounds concurrent publishes within one flush.
	FanoutConcurrency int

	Clock clock.Clock
}

type userBuffer struct {
	updates []bus.Update
	timer   *clock.Timer
	gen     uint64
}

// Buffer batches state changes per user.
//
// Thread Safety: all methods are safe for concurrent use.
type Buffer struct {
	cfg    Config
	dir    Directory
	bus    bus.Bus
	slots  Slots
	local  LocalDelivery
	logger Logger
	obs    Observer

	mu      sync.Mutex
	users   map[string]*userBuffer
	closed  bool
	flushes sync.WaitGroup
}

// New creates a Buffer. With a nil bus or nil slots only local delivery
// takes place.
func New(dir Directory, b bus.Bus, slots Slots, local LocalDelivery, cfg Config) *Buffer {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = DefaultFlushDelay
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = DefaultMaxBuffer
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = DefaultFanoutConcurrency
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Buffer{
		cfg:    cfg,
		dir:    dir,
		bus:    b,
		slots:  slots,
		local:  local,
		logger: noopLogger{},
		users:  make(map[string]*userBuffer),
	}
}

// SetLogger sets the logger for the buffer.
func (b *Buffer) SetLogger(logger Logger) {
	b.logger = logger
}

// SetObserver sets the batch observer.
func (b *Buffer) SetObserver(obs Observer) {
	b.obs = obs
}

func (b *Buffer) localOnly() bool {
	return b.bus == nil || b.slots == nil
}

// DeviceEvent delivers a device-originated update. It satisfies
// devicelink.EventSink.
func (b *Buffer) DeviceEvent(userID string, update bus.Update) {
	b.AddUpdate(userID, update)
}

// AddUpdate delivers update to local listeners and buffers it for remote
// ones.
func (b *Buffer) AddUpdate(userID string, update bus.Update) {
	if b.local != nil {
		b.local.Deliver(userID, []bus.Update{update})
	}
	if b.localOnly() {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.logger.Debug("buffer closed, update not broadcast", "user_id", userID)
		return
	}
	ub := b.users[userID]
	if ub == nil {
		ub = &userBuffer{}
		b.users[userID] = ub
	}
	ub.updates = append(ub.updates, update)
	if ub.timer != nil {
		ub.timer.Stop()
		ub.timer = nil
	}
	ub.gen++

	if len(ub.updates) >= b.cfg.MaxBuffer {
		b.flushAsyncLocked(userID)
		b.mu.Unlock()
		return
	}

	gen := ub.gen
	ub.timer = b.cfg.Clock.AfterFunc(b.cfg.FlushDelay, func() {
		b.mu.Lock()
		current := b.users[userID]
		if current != nil && current.gen == gen {
			b.flushAsyncLocked(userID)
		}
		b.mu.Unlock()
	})
	b.mu.Unlock()
}

// drainLocked removes and returns userID's buffered updates. b.mu must be
// held.
func (b *Buffer) drainLocked(userID string) []bus.Update {
	ub := b.users[userID]
	if ub == nil {
		return nil
	}
	if ub.timer != nil {
		ub.timer.Stop()
	}
	delete(b.users, userID)
	return ub.updates
}

// flushAsyncLocked drains userID's buffer and publishes it in the
// background. b.mu must be held so the flush is counted before Close waits.
func (b *Buffer) flushAsyncLocked(userID string) {
	updates := b.drainLocked(userID)
	if len(updates) == 0 {
		return
	}
	b.flushes.Add(1)
	go func() {
		defer b.flushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		b.publish(ctx, userID, updates)
	}()
}

// Flush drains userID's buffer now and publishes it.
func (b *Buffer) Flush(ctx context.Context, userID string) {
	b.mu.Lock()
	updates := b.drainLocked(userID)
	b.mu.Unlock()
	b.publish(ctx, userID, updates)
}

// Pending returns the number of buffered updates for userID.
func (b *Buffer) Pending(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ub := b.users[userID]; ub != nil {
		return len(ub.updates)
	}
	return 0
}

// Close flushes every buffer and waits for flushes in progress. Updates
// added afterwards are delivered locally only.
func (b *Buffer) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	drained := make(map[string][]bus.Update, len(b.users))
	for userID := range b.users {
		drained[userID] = b.drainLocked(userID)
	}
	b.mu.Unlock()

	for userID, updates := range drained {
		b.publish(ctx, userID, updates)
	}
	b.flushes.Wait()
}

// publish sends one batch to every other instance hosting a listener for
// userID.
func (b *Buffer) publish(ctx context.Context, userID string, updates []bus.Update) {
	if len(updates) == 0 {
		return
	}

	instances, err := b.dir.Listeners(ctx, userID)
	if err != nil {
		b.logger.Warn("listener lookup failed, dropping batch", "user_id", userID, "updates", len(updates), "error", err)
		return
	}
	var targets []string
	for _, inst := range instances {
		if inst != b.cfg.InstanceID {
			targets = append(targets, inst)
		}
	}
	if len(targets) == 0 {
		b.logger.Debug("no remote listeners for batch", "user_id", userID)
		return
	}

	data, err := bus.Encode(&bus.Batch{UserID: userID, Updates: updates})
	if err != nil {
		b.logger.Error("encoding batch failed", "user_id", userID, "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.FanoutConcurrency)
	for _, inst := range targets {
		g.Go(func() error {
			b.observe(b.publishTo(gctx, inst, userID, data, len(updates)))
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // Workers never fail
}

func (b *Buffer) publishTo(ctx context.Context, instanceID, userID string, data []byte, n int) string {
	slotName, err := b.slots.SlotForInstance(ctx, instanceID)
	if err != nil {
		b.logger.Warn("no slot for listener instance", "instance_id", instanceID, "error", err)
		return OutcomeNoSlot
	}

	err = b.bus.Publish(ctx, b.slots.ChannelFor(slotName), data)
	switch {
	case err == nil:
		b.logger.Debug("broadcast batch published", "user_id", userID, "slot", slotName, "updates", n)
		return OutcomeOK
	case errors.Is(err, bus.ErrChannelNotFound):
		b.slots.ForgetSlot(ctx, slotName)
		return OutcomeChannelMissing
	default:
		b.logger.Warn("broadcast batch publish failed", "user_id", userID, "slot", slotName, "error", err)
		return OutcomeError
	}
}

func (b *Buffer) observe(outcome string) {
	if b.obs != nil {
		b.obs.ObserveBatch(outcome)
	}
}

// ReceiveBatch hands a batch published by another instance to local
// listeners. It satisfies router.BatchHandler.
func (b *Buffer) ReceiveBatch(_ context.Context, batch *bus.Batch) {
	if b.local == nil || len(batch.Updates) == 0 {
		return
	}
	b.logger.Debug("broadcast batch received", "user_id", batch.UserID, "updates", len(batch.Updates))
	b.local.Deliver(batch.UserID, batch.Updates)
}
