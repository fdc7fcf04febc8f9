package gcpbus

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

const projectID = "test-project"

func newTestBus(t *testing.T) *Bus {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Created with context.Background() so test-context cancellation does not
	// race the client's cleanup.
	client, err := pubsub.NewClient(context.Background(), projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	b, err := New(client, Options{
		ProjectID:   projectID,
		Prefix:      "homecast",
		AckDeadline: 30 * time.Second,
		Retention:   10 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{ProjectID: projectID})
	assert.Error(t, err)
}

func TestBus_EnsureListDelete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b := newTestBus(t)

	require.NoError(t, b.EnsureChannel(ctx, "homecast-b"))
	require.NoError(t, b.EnsureChannel(ctx, "homecast-a"))
	require.NoError(t, b.EnsureChannel(ctx, "homecast-a"), "EnsureChannel must be idempotent")
	require.NoError(t, b.EnsureChannel(ctx, "unrelated-a"))

	names, err := b.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"homecast-a", "homecast-b"}, names)

	require.NoError(t, b.DeleteChannel(ctx, "homecast-a"))
	require.NoError(t, b.DeleteChannel(ctx, "homecast-a"), "deleting a missing channel is not an error")

	names, err = b.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"homecast-b"}, names)
}

func TestBus_PublishMissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b := newTestBus(t)

	err := b.Publish(ctx, "homecast-z", []byte(`{"type":"request"}`))
	assert.ErrorIs(t, err, bus.ErrChannelNotFound)
}

func TestBus_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	b := newTestBus(t)

	require.NoError(t, b.EnsureChannel(ctx, "homecast-a"))

	got := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, "homecast-a", func(_ context.Context, data []byte) {
		got <- data
	})
	require.NoError(t, err)

	payload, err := bus.Encode(&bus.Response{CorrelationID: "c-1"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "homecast-a", payload))

	select {
	case data := <-got:
		msg, err := bus.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, "c-1", msg.(*bus.Response).CorrelationID)
	case <-ctx.Done():
		t.Fatal("message not received")
	}

	assert.NoError(t, sub.Unsubscribe())
}
