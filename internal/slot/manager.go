package slot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// DefaultHeartbeatInterval is how often a held slot is renewed.
const DefaultHeartbeatInterval = time.Minute

// Logger defines the logging interface used by the Manager.
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

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	InstanceID string

	// Prefix is the bus channel prefix ("homecast" -> "homecast-a").
	Prefix string

	// Names is the fixed pool, in first-fit order.
	Names []string

	HeartbeatInterval time.Duration
	Clock             clock.Clock
}

// Manager holds one instance's slot: it acquires a slot on Start, keeps the
// claim alive, delivers the slot channel's messages to a handler, and
// releases the slot on Stop.
type Manager struct {
	pool   Pool
	bus    bus.Bus
	cfg    ManagerConfig
	logger Logger

	mu      sync.RWMutex
	slot    string
	sub     bus.Subscription
	handler bus.Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a slot manager.
func NewManager(pool Pool, b bus.Bus, cfg ManagerConfig) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Manager{pool: pool, bus: b, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Slot returns the held slot name, or "" before Start.
func (m *Manager) Slot() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

// ChannelFor returns the bus channel of a slot.
func (m *Manager) ChannelFor(slotName string) string {
	return bus.ChannelName(m.cfg.Prefix, slotName)
}

// SlotForInstance returns the live slot held by instanceID, or ErrNoSlot.
func (m *Manager) SlotForInstance(ctx context.Context, instanceID string) (string, error) {
	return m.pool.SlotForInstance(ctx, instanceID)
}

// Pool returns the underlying slot pool.
func (m *Manager) Pool() Pool {
	return m.pool
}

// Start acquires a slot, subscribes h to its channel and starts the
// heartbeat loop. The subscription outlives ctx; it ends with Stop.
func (m *Manager) Start(ctx context.Context, h bus.Handler) error {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return errors.New("slot: manager already started")
	}
	m.handler = h
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := m.bind(ctx, runCtx); err != nil {
		cancel()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.heartbeatLoop(runCtx, done)
	return nil
}

// bind acquires a slot, creates its channel and subscribes to it.
// Subscriptions are tied to runCtx.
func (m *Manager) bind(ctx, runCtx context.Context) error {
	slotName, err := m.acquire(ctx)
	if err != nil {
		return err
	}

	channel := m.ChannelFor(slotName)
	if err := m.bus.EnsureChannel(ctx, channel); err != nil {
		m.releaseQuietly(ctx)
		return fmt.Errorf("creating channel %s: %w", channel, err)
	}

	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()

	sub, err := m.bus.Subscribe(runCtx, channel, h)
	if err != nil {
		m.releaseQuietly(ctx)
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}

	m.mu.Lock()
	m.slot = slotName
	m.sub = sub
	m.mu.Unlock()

	m.logger.Info("slot acquired",
		"instance_id", m.cfg.InstanceID,
		"slot", slotName,
		"channel", channel,
	)
	return nil
}

// acquire adopts an orphaned channel when one exists, otherwise claims from
// the pool.
func (m *Manager) acquire(ctx context.Context) (string, error) {
	orphan, err := m.findOrphan(ctx)
	if err != nil {
		m.logger.Warn("orphan scan failed, claiming from pool", "error", err)
	}
	if orphan != "" {
		slotName, err := m.pool.ClaimOrAdopt(ctx, m.cfg.InstanceID, orphan)
		if err == nil {
			m.logger.Info("adopted orphaned channel", "slot", slotName)
			return slotName, nil
		}
		if !errors.Is(err, ErrSlotTaken) {
			return "", fmt.Errorf("adopting orphan %s: %w", orphan, err)
		}
		m.logger.Debug("orphan adopted by another instance", "slot", orphan)
	}

	slotName, err := m.pool.Claim(ctx, m.cfg.InstanceID)
	if err != nil {
		return "", fmt.Errorf("claiming slot: %w", err)
	}
	return slotName, nil
}

// findOrphan returns the first in-pool channel that exists on the bus but
// has no row in the slot table.
func (m *Manager) findOrphan(ctx context.Context) (string, error) {
	channels, err := m.bus.ListChannels(ctx)
	if err != nil {
		return "", fmt.Errorf("listing channels: %w", err)
	}
	tracked, err := m.pool.AllSlotNames(ctx)
	if err != nil {
		return "", fmt.Errorf("listing slots: %w", err)
	}
	known := make(map[string]bool, len(tracked))
	for _, name := range tracked {
		known[name] = true
	}

	for _, ch := range channels {
		slotName, ok := bus.SlotFromChannel(m.cfg.Prefix, ch)
		if !ok || known[slotName] {
			continue
		}
		if !inPool(m.cfg.Names, slotName) {
			m.logger.Debug("ignoring channel outside slot pool", "channel", ch)
			continue
		}
		return slotName, nil
	}
	return "", nil
}

func (m *Manager) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := m.cfg.Clock.Ticker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context) {
	err := m.pool.Heartbeat(ctx, m.cfg.InstanceID)
	switch {
	case err == nil:
		m.logger.Debug("slot heartbeat", "slot", m.Slot())
	case errors.Is(err, ErrNoSlot):
		// Another instance took the slot over while our heartbeats lapsed.
		m.logger.Warn("slot claim lost, reacquiring", "slot", m.Slot())
		m.unsubscribe()
		if err := m.bind(ctx, ctx); err != nil {
			m.logger.Error("reacquiring slot failed", "error", err)
		}
	default:
		m.logger.Warn("slot heartbeat failed", "slot", m.Slot(), "error", err)
	}
}

func (m *Manager) unsubscribe() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.slot = ""
	m.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("unsubscribing slot channel failed", "error", err)
		}
	}
}

func (m *Manager) releaseQuietly(ctx context.Context) {
	if err := m.pool.Release(ctx, m.cfg.InstanceID); err != nil {
		m.logger.Warn("releasing slot failed", "error", err)
	}
}

// Stop ends the heartbeat loop and subscription and releases the slot.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	slotName := m.slot
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	m.unsubscribe()

	if err := m.pool.Release(ctx, m.cfg.InstanceID); err != nil {
		return fmt.Errorf("releasing slot %s: %w", slotName, err)
	}
	m.logger.Info("slot released", "instance_id", m.cfg.InstanceID, "slot", slotName)
	return nil
}

// ForgetSlot drops a slot whose channel was found missing on the bus.
func (m *Manager) ForgetSlot(ctx context.Context, slotName string) {
	m.logger.Warn("cleaning up slot with missing channel", "slot", slotName)
	if err := m.pool.DeleteSlot(ctx, slotName); err != nil {
		m.logger.Error("deleting slot failed", "slot", slotName, "error", err)
	}
}
