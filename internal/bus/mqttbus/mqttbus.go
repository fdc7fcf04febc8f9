// Package mqttbus implements bus.Bus over an MQTT broker.
//
// Slot channels are plain topics ({prefix}/slot/{channel}). MQTT has no
// notion of a topic existing, so each channel is advertised by a retained
// marker on {prefix}/channels/{channel}; the bus keeps the set of advertised
// channels from those markers and reports publishes to anything else as
// bus.ErrChannelNotFound.
package mqttbus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/mqtt"
)

// defaultSettle is how long New waits for retained markers to arrive.
const defaultSettle = 500 * time.Millisecond

// Client is the subset of *mqtt.Client the bus needs.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Options tunes the bus.
type Options struct {
	// Prefix is the channel prefix ("homecast" for "homecast-a").
	Prefix string

	// QoS for slot traffic and markers.
	QoS byte

	// Settle is the wait for retained markers after subscribing. Zero uses
	// the default; negative disables the wait.
	Settle time.Duration
}

// Bus is an MQTT-backed bus.Bus.
type Bus struct {
	client Client
	topics mqtt.Topics
	opts   Options

	mu       sync.RWMutex
	channels map[string]bool
	closed   bool
}

var _ bus.Bus = (*Bus)(nil)

// New subscribes to the channel markers and returns the bus once the
// retained markers have had time to arrive.
func New(ctx context.Context, client Client, topics mqtt.Topics, opts Options) (*Bus, error) {
	b := &Bus{
		client:   client,
		topics:   topics,
		opts:     opts,
		channels: make(map[string]bool),
	}

	if err := client.Subscribe(topics.AllChannelMarkers(), opts.QoS, b.handleMarker); err != nil {
		return nil, err
	}

	settle := opts.Settle
	if settle == 0 {
		settle = defaultSettle
	}
	if settle > 0 {
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return b, nil
}

func (b *Bus) handleMarker(topic string, payload []byte) error {
	channel, ok := b.topics.ChannelFromMarker(topic)
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(payload) == 0 {
		delete(b.channels, channel)
	} else {
		b.channels[channel] = true
	}
	return nil
}

// EnsureChannel advertises the channel with a retained marker.
func (b *Bus) EnsureChannel(_ context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.client.Publish(b.topics.ChannelMarker(name), []byte("1"), b.opts.QoS, true); err != nil {
		return err
	}
	b.mu.Lock()
	b.channels[name] = true
	b.mu.Unlock()
	return nil
}

// DeleteChannel clears the channel's retained marker.
func (b *Bus) DeleteChannel(_ context.Context, name string) error {
	if b.isClosed() {
		return bus.ErrClosed
	}
	if err := b.client.Publish(b.topics.ChannelMarker(name), nil, b.opts.QoS, true); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.channels, name)
	b.mu.Unlock()
	return nil
}

// ListChannels returns advertised channels that carry the bus prefix.
func (b *Bus) ListChannels(_ context.Context) ([]string, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var names []string
	for name := range b.channels {
		if strings.HasPrefix(name, b.opts.Prefix+"-") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Publish sends data to an advertised channel.
func (b *Bus) Publish(_ context.Context, name string, data []byte) error {
	b.mu.RLock()
	closed, known := b.closed, b.channels[name]
	b.mu.RUnlock()

	if closed {
		return bus.ErrClosed
	}
	if !known {
		return bus.ErrChannelNotFound
	}
	return b.client.Publish(b.topics.Slot(name), data, b.opts.QoS, false)
}

// Subscribe delivers the channel's messages to h.
func (b *Bus) Subscribe(ctx context.Context, name string, h bus.Handler) (bus.Subscription, error) {
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	topic := b.topics.Slot(name)
	err := b.client.Subscribe(topic, b.opts.QoS, func(_ string, payload []byte) error {
		h(ctx, payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &subscription{client: b.client, topic: topic}, nil
}

// Close stops tracking markers. The underlying client is owned by the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Unsubscribe(b.topics.AllChannelMarkers())
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

type subscription struct {
	client Client
	topic  string
	once   sync.Once
	err    error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() { s.err = s.client.Unsubscribe(s.topic) })
	return s.err
}
