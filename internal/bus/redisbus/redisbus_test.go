package redisbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/homecast-relay/internal/bus"
)

// fakeRedis records registry operations and reports a fixed receiver count
// for PUBLISH.
type fakeRedis struct {
	mu        sync.Mutex
	sets      map[string]map[string]bool
	receivers int64
	pubErr    error
	published []string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{sets: make(map[string]map[string]bool)}
}

func (f *fakeRedis) Publish(_ context.Context, channel string, _ interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, channel)
	return redis.NewIntResult(f.receivers, f.pubErr)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub {
	panic("not used in unit tests")
}

func (f *fakeRedis) SAdd(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sets[key] == nil {
		f.sets[key] = make(map[string]bool)
	}
	for _, m := range members {
		f.sets[key][m.(string)] = true
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return redis.NewStringSliceResult(out, nil)
}

func TestNew_NilClient(t *testing.T) {
	_, err := New(nil, "homecast")
	assert.Error(t, err)
}

func TestBus_Registry(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	b, err := New(fake, "homecast")
	require.NoError(t, err)

	require.NoError(t, b.EnsureChannel(ctx, "homecast-b"))
	require.NoError(t, b.EnsureChannel(ctx, "homecast-a"))
	fake.sets["homecast:channels"]["elsewhere-a"] = true

	names, err := b.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"homecast-a", "homecast-b"}, names)

	require.NoError(t, b.DeleteChannel(ctx, "homecast-a"))
	names, err = b.ListChannels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"homecast-b"}, names)
}

func TestBus_PublishReceivers(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	b, err := New(fake, "homecast")
	require.NoError(t, err)

	assert.ErrorIs(t, b.Publish(ctx, "homecast-a", []byte("x")), bus.ErrChannelNotFound)

	fake.receivers = 1
	assert.NoError(t, b.Publish(ctx, "homecast-a", []byte("x")))

	fake.pubErr = errors.New("connection reset")
	err = b.Publish(ctx, "homecast-a", []byte("x"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, bus.ErrChannelNotFound)
}

func TestBus_Closed(t *testing.T) {
	b, err := New(newFakeRedis(), "homecast")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), "homecast-a", nil), bus.ErrClosed)
	_, err = b.Subscribe(context.Background(), "homecast-a", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, bus.ErrClosed)
}
