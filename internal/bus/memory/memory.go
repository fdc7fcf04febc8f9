// Package memory implements bus.Bus in process.
//
// Several Bus values created from one Hub see the same channels, which lets
// tests and single-node deployments run more than one relay instance in a
// single process. Delivery is asynchronous and ordered per subscription.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// queueSize bounds each subscription's undelivered messages.
const queueSize = 256

// Hub is the shared channel registry.
type Hub struct {
	mu        sync.Mutex
	channels  map[string]*channel
	published map[string]int
	nextID    int
}

type channel struct {
	subs map[int]*subscription
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		channels:  make(map[string]*channel),
		published: make(map[string]int),
	}
}

// Bus returns a bus view over the hub that lists channels carrying prefix.
func (h *Hub) Bus(prefix string) *Bus {
	return &Bus{hub: h, prefix: prefix, own: make(map[int]*subscription)}
}

// PublishCount returns how many messages were accepted for a channel.
func (h *Hub) PublishCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published[name]
}

// HasChannel reports whether the channel exists.
func (h *Hub) HasChannel(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[name]
	return ok
}

// Bus is one instance's view of a Hub.
type Bus struct {
	hub    *Hub
	prefix string

	mu     sync.Mutex
	own    map[int]*subscription
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// EnsureChannel creates the channel if missing.
func (b *Bus) EnsureChannel(_ context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	if _, ok := b.hub.channels[name]; !ok {
		b.hub.channels[name] = &channel{subs: make(map[int]*subscription)}
	}
	return nil
}

// DeleteChannel removes the channel and stops its subscribers.
func (b *Bus) DeleteChannel(_ context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	b.hub.mu.Lock()
	ch, ok := b.hub.channels[name]
	delete(b.hub.channels, name)
	b.hub.mu.Unlock()

	if ok {
		for _, s := range ch.subs {
			s.stop()
		}
	}
	return nil
}

// ListChannels returns the hub's channels carrying this bus's prefix.
func (b *Bus) ListChannels(_ context.Context) ([]string, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()

	var names []string
	for name := range b.hub.channels {
		if strings.HasPrefix(name, b.prefix+"-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Publish queues data for every subscriber of the channel.
func (b *Bus) Publish(ctx context.Context, name string, data []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	b.hub.mu.Lock()
	ch, ok := b.hub.channels[name]
	if !ok {
		b.hub.mu.Unlock()
		return bus.ErrChannelNotFound
	}
	b.hub.published[name]++
	subs := make([]*subscription, 0, len(ch.subs))
	for _, s := range ch.subs {
		subs = append(subs, s)
	}
	b.hub.mu.Unlock()

	msg := append([]byte(nil), data...)
	for _, s := range subs {
		select {
		case s.queue <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers the channel's messages to h on a dedicated goroutine.
func (b *Bus) Subscribe(ctx context.Context, name string, h bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, bus.ErrClosed
	}
	b.mu.Unlock()

	b.hub.mu.Lock()
	ch, ok := b.hub.channels[name]
	if !ok {
		b.hub.mu.Unlock()
		return nil, bus.ErrChannelNotFound
	}
	b.hub.nextID++
	s := &subscription{
		id:    b.hub.nextID,
		name:  name,
		bus:   b,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
	ch.subs[s.id] = s
	b.hub.mu.Unlock()

	b.mu.Lock()
	b.own[s.id] = s
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go s.run(subCtx, cancel, h)
	return s, nil
}

// Close stops every subscription opened through this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.own))
	for _, s := range b.own {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe() //nolint:errcheck // Never fails
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type subscription struct {
	id    int
	name  string
	bus   *Bus
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (s *subscription) run(ctx context.Context, cancel context.CancelFunc, h bus.Handler) {
	defer cancel()
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			_ = s.Unsubscribe() //nolint:errcheck // Never fails
			return
		case msg := <-s.queue:
			h(ctx, msg)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe detaches the subscription from its channel.
func (s *subscription) Unsubscribe() error {
	s.bus.hub.mu.Lock()
	if ch, ok := s.bus.hub.channels[s.name]; ok {
		delete(ch.subs, s.id)
	}
	s.bus.hub.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.own, s.id)
	s.bus.mu.Unlock()

	s.stop()
	return nil
}
