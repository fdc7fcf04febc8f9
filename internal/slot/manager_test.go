package slot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/homecast-relay/internal/bus/memory"
)

func newTestManager(t *testing.T, pool Pool, hub *memory.Hub, instanceID string, clk clock.Clock) *Manager {
	t.Helper()
	return NewManager(pool, hub.Bus("homecast"), ManagerConfig{
		InstanceID:        instanceID,
		Prefix:            "homecast",
		Names:             []string{"a", "b", "c"},
		HeartbeatInterval: time.Minute,
		Clock:             clk,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManager_StartClaimsAndSubscribes(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b", "c")
	hub := memory.NewHub()
	m := newTestManager(t, pool, hub, "inst-1", mock)
	ctx := context.Background()

	received := make(chan []byte, 1)
	if err := m.Start(ctx, func(_ context.Context, data []byte) { received <- data }); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck // Test cleanup

	if m.Slot() != "a" {
		t.Errorf("Slot() = %q, want a", m.Slot())
	}
	if !hub.HasChannel("homecast-a") {
		t.Fatal("channel homecast-a was not created")
	}

	other := hub.Bus("homecast")
	if err := other.Publish(ctx, m.ChannelFor("a"), []byte("hello")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("received %q, want hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered to slot handler")
	}

	if err := m.Start(ctx, nil); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestManager_AdoptsOrphanedChannel(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b", "c")
	hub := memory.NewHub()
	ctx := context.Background()

	// A crashed instance left homecast-c behind without a slot row.
	if err := hub.Bus("homecast").EnsureChannel(ctx, "homecast-c"); err != nil {
		t.Fatal(err)
	}
	// Channels outside the pool are never adopted.
	if err := hub.Bus("homecast").EnsureChannel(ctx, "homecast-zz"); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, pool, hub, "inst-1", mock)
	if err := m.Start(ctx, func(context.Context, []byte) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck // Test cleanup

	if m.Slot() != "c" {
		t.Errorf("Slot() = %q, want adopted slot c", m.Slot())
	}
}

func TestManager_StaleSlotReclaimedByNewInstance(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b")
	hub := memory.NewHub()
	ctx := context.Background()

	// inst-dead claimed "a" and its channel, then stopped heartbeating.
	if _, err := pool.Claim(ctx, "inst-dead"); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Claim(ctx, "inst-live"); err != nil {
		t.Fatal(err)
	}
	if err := hub.Bus("homecast").EnsureChannel(ctx, "homecast-a"); err != nil {
		t.Fatal(err)
	}

	mock.Add(DefaultStaleAfter + time.Second)
	if err := pool.Heartbeat(ctx, "inst-live"); err != nil {
		t.Fatal(err)
	}

	m := NewManager(pool, hub.Bus("homecast"), ManagerConfig{
		InstanceID: "inst-new",
		Prefix:     "homecast",
		Names:      []string{"a", "b"},
		Clock:      mock,
	})
	if err := m.Start(ctx, func(context.Context, []byte) {}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop(ctx) //nolint:errcheck // Test cleanup

	if m.Slot() != "a" {
		t.Errorf("Slot() = %q, want reclaimed slot a", m.Slot())
	}
	names, _ := pool.AllSlotNames(ctx) //nolint:errcheck // Test read
	if len(names) != 2 {
		t.Errorf("pool grew to %v", names)
	}
}

func TestManager_PoolExhausted(t *testing.T) {
	pool, mock := newTestPool(t, "a")
	hub := memory.NewHub()
	ctx := context.Background()

	if _, err := pool.Claim(ctx, "inst-other"); err != nil {
		t.Fatal(err)
	}

	m := newTestManager(t, pool, hub, "inst-1", mock)
	err := m.Start(ctx, func(context.Context, []byte) {})
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Start() error = %v, want ErrPoolExhausted", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Errorf("Stop() after failed Start error = %v", err)
	}
}

func TestManager_StopReleases(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b")
	hub := memory.NewHub()
	m := newTestManager(t, pool, hub, "inst-1", mock)
	ctx := context.Background()

	if err := m.Start(ctx, func(context.Context, []byte) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if m.Slot() != "" {
		t.Errorf("Slot() after Stop = %q, want empty", m.Slot())
	}
	if _, err := pool.SlotForInstance(ctx, "inst-1"); !errors.Is(err, ErrNoSlot) {
		t.Errorf("SlotForInstance() after Stop error = %v, want ErrNoSlot", err)
	}
}

func TestManager_HeartbeatKeepsClaim(t *testing.T) {
	pool, mock := newTestPool(t, "a")
	hub := memory.NewHub()
	m := newTestManager(t, pool, hub, "inst-1", mock)
	ctx := context.Background()

	if err := m.Start(ctx, func(context.Context, []byte) {}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(ctx) //nolint:errcheck // Test cleanup

	// Advance past the staleness threshold one heartbeat at a time.
	for i := 0; i < 7; i++ {
		mock.Add(time.Minute)
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, func() bool {
		slot, err := pool.SlotForInstance(ctx, "inst-1")
		return err == nil && slot == "a"
	})
}

func TestManager_ReacquiresLostClaim(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b")
	hub := memory.NewHub()
	m := newTestManager(t, pool, hub, "inst-1", mock)
	ctx := context.Background()

	if err := m.Start(ctx, func(context.Context, []byte) {}); err != nil {
		t.Fatal(err)
	}
	defer m.Stop(ctx) //nolint:errcheck // Test cleanup

	// Another instance took "a" over while inst-1 was paused.
	if err := pool.DeleteSlot(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.ClaimOrAdopt(ctx, "inst-2", "a"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		mock.Add(time.Minute)
		return m.Slot() == "b"
	})
}

func TestManager_ForgetSlot(t *testing.T) {
	pool, mock := newTestPool(t, "a", "b")
	hub := memory.NewHub()
	m := newTestManager(t, pool, hub, "inst-1", mock)
	ctx := context.Background()

	if _, err := pool.Claim(ctx, "inst-2"); err != nil {
		t.Fatal(err)
	}
	m.ForgetSlot(ctx, "a")

	names, _ := pool.AllSlotNames(ctx) //nolint:errcheck // Test read
	if len(names) != 0 {
		t.Errorf("AllSlotNames() = %v, want none", names)
	}
}
