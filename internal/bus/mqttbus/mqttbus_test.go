package mqttbus

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/mqtt"
)

// MockMQTTClient simulates a broker: retained messages are replayed on
// subscribe, and "+" matches one topic level.
type MockMQTTClient struct {
	mu        sync.Mutex
	retained  map[string][]byte
	handlers  map[string][]mqtt.MessageHandler
	published []string
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		retained: make(map[string][]byte),
		handlers: make(map[string][]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, _ byte, retained bool) error {
	m.mu.Lock()
	m.published = append(m.published, topic)
	if retained {
		if len(payload) == 0 {
			delete(m.retained, topic)
		} else {
			m.retained[topic] = payload
		}
	}
	var targets []mqtt.MessageHandler
	for pattern, hs := range m.handlers {
		if topicMatches(pattern, topic) {
			targets = append(targets, hs...)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		_ = h(topic, payload)
	}
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	replay := make(map[string][]byte)
	for t, p := range m.retained {
		if topicMatches(topic, t) {
			replay[t] = p
		}
	}
	m.mu.Unlock()

	for t, p := range replay {
		_ = handler(t, p)
	}
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	return nil
}

// SimulateRetained stores a retained message without delivering it, as if
// another instance had published it before this client connected.
func (m *MockMQTTClient) SimulateRetained(topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retained[topic] = payload
}

func (m *MockMQTTClient) PublishedTo(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.published {
		if t == topic {
			n++
		}
	}
	return n
}

func topicMatches(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

func newTestBus(t *testing.T, client *MockMQTTClient) *Bus {
	t.Helper()
	b, err := New(context.Background(), client, mqtt.Topics{Prefix: "homecast"},
		Options{Prefix: "homecast", QoS: 1, Settle: -1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus_LearnsRetainedChannels(t *testing.T) {
	client := NewMockMQTTClient()
	client.SimulateRetained("homecast/channels/homecast-c", []byte("1"))
	client.SimulateRetained("homecast/channels/other-a", []byte("1"))

	b := newTestBus(t, client)

	names, err := b.ListChannels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"homecast-c"}, names)
}

func TestBus_EnsurePublishSubscribe(t *testing.T) {
	ctx := context.Background()
	client := NewMockMQTTClient()
	b := newTestBus(t, client)

	assert.ErrorIs(t, b.Publish(ctx, "homecast-a", []byte("x")), bus.ErrChannelNotFound)

	require.NoError(t, b.EnsureChannel(ctx, "homecast-a"))

	got := make(chan string, 1)
	sub, err := b.Subscribe(ctx, "homecast-a", func(_ context.Context, data []byte) {
		got <- string(data)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "homecast-a", []byte(`{"type":"batch"}`)))
	select {
	case msg := <-got:
		assert.Equal(t, `{"type":"batch"}`, msg)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, client.PublishedTo("homecast/slot/homecast-a"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestBus_DeleteFromAnotherInstance(t *testing.T) {
	ctx := context.Background()
	client := NewMockMQTTClient()
	x := newTestBus(t, client)
	y := newTestBus(t, client)

	require.NoError(t, x.EnsureChannel(ctx, "homecast-b"))
	require.NoError(t, y.Publish(ctx, "homecast-b", []byte("hi")))

	require.NoError(t, x.DeleteChannel(ctx, "homecast-b"))
	assert.ErrorIs(t, y.Publish(ctx, "homecast-b", []byte("hi")), bus.ErrChannelNotFound)
}

func TestBus_Closed(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t, NewMockMQTTClient())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.EnsureChannel(ctx, "homecast-a"), bus.ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "homecast-a", nil), bus.ErrClosed)
	_, err := b.ListChannels(ctx)
	assert.ErrorIs(t, err, bus.ErrClosed)
}
