// Package redisbus implements bus.Bus with Redis PUBLISH/SUBSCRIBE.
//
// Redis channels exist implicitly, so the bus keeps a registry set
// ({prefix}:channels) for listing and treats a PUBLISH that reached no
// subscriber as a missing channel: nothing is holding that slot any more.
package redisbus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// redisClient defines the subset of go-redis the bus needs.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// Bus is a Redis-backed bus.Bus.
type Bus struct {
	client redisClient
	prefix string

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates a bus over client. The client is owned by the caller.
func New(client redisClient, prefix string) (*Bus, error) {
	if client == nil {
		return nil, fmt.Errorf("redisbus: client cannot be nil")
	}
	return &Bus{
		client: client,
		prefix: prefix,
		subs:   make(map[*subscription]struct{}),
	}, nil
}

func (b *Bus) registryKey() string {
	return b.prefix + ":channels"
}

// EnsureChannel records the channel in the registry set.
func (b *Bus) EnsureChannel(ctx context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.client.SAdd(ctx, b.registryKey(), name).Err(); err != nil {
		return fmt.Errorf("registering channel %s: %w", name, err)
	}
	return nil
}

// DeleteChannel removes the channel from the registry set.
func (b *Bus) DeleteChannel(ctx context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.client.SRem(ctx, b.registryKey(), name).Err(); err != nil {
		return fmt.Errorf("removing channel %s: %w", name, err)
	}
	return nil
}

// ListChannels returns registered channels that carry the bus prefix.
func (b *Bus) ListChannels(ctx context.Context) ([]string, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	members, err := b.client.SMembers(ctx, b.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	names := make([]string, 0, len(members))
	for _, m := range members {
		if strings.HasPrefix(m, b.prefix+"-") {
			names = append(names, m)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Publish sends data to the channel. Zero receivers yields
// bus.ErrChannelNotFound.
func (b *Bus) Publish(ctx context.Context, name string, data []byte) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	receivers, err := b.client.Publish(ctx, name, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", name, err)
	}
	if receivers == 0 {
		return bus.ErrChannelNotFound
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription, then delivers
// messages to h on a dedicated goroutine.
func (b *Bus) Subscribe(ctx context.Context, name string, h bus.Handler) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}

	ps := b.client.Subscribe(ctx, name)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close() //nolint:errcheck // Error path cleanup
		return nil, fmt.Errorf("subscribing to %s: %w", name, err)
	}

	s := &subscription{bus: b, ps: ps, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			h(ctx, []byte(msg.Payload))
		}
	}()
	return s, nil
}

// Close ends every subscription opened through this bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe() //nolint:errcheck // Best effort on shutdown
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type subscription struct {
	bus  *Bus
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
