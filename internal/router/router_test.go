package router

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/bus/memory"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
	"github.com/nerrad567/homecast-relay/internal/session"
	"github.com/nerrad567/homecast-relay/internal/slot"
	"github.com/nerrad567/homecast-relay/migrations"
)

const testPrefix = "homecast"

var testSlotNames = []string{"a", "b", "c"}

// =============================================================================
// Fakes
// =============================================================================

// MockLink is a scripted LocalLink.
type MockLink struct {
	mu      sync.Mutex
	devices map[string]bool
	calls   []string
	pings   int

	pingTimeouts []time.Duration
	PingErr      error

	// Respond produces the device's answer. Defaults to echoing the action.
	Respond func(deviceID, action string, payload json.RawMessage) (json.RawMessage, error)
	Latency time.Duration
}

func NewMockLink(deviceIDs ...string) *MockLink {
	l := &MockLink{devices: make(map[string]bool)}
	for _, id := range deviceIDs {
		l.devices[id] = true
	}
	return l
}

func (l *MockLink) IsLocal(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.devices[deviceID]
}

func (l *MockLink) SendLocal(_ context.Context, deviceID, action string, payload json.RawMessage, _ time.Duration) (json.RawMessage, error) {
	l.mu.Lock()
	l.calls = append(l.calls, deviceID+":"+action)
	local := l.devices[deviceID]
	respond := l.Respond
	l.mu.Unlock()

	if !local {
		return nil, ErrNotConnected
	}
	if respond != nil {
		return respond(deviceID, action, payload)
	}
	return json.RawMessage(`{"action":"` + action + `"}`), nil
}

func (l *MockLink) Ping(_ context.Context, deviceID string, timeout time.Duration) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pings++
	l.pingTimeouts = append(l.pingTimeouts, timeout)
	if !l.devices[deviceID] {
		return 0, ErrNotConnected
	}
	if l.PingErr != nil {
		return 0, l.PingErr
	}
	return l.Latency, nil
}

func (l *MockLink) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

// SimulateDisconnect drops a device from the local table.
func (l *MockLink) SimulateDisconnect(deviceID string) {
	l.mu.Lock()
	delete(l.devices, deviceID)
	l.mu.Unlock()
}

// stuckDirectory always reports the same owner, as if every invalidation
// were immediately undone.
type stuckDirectory struct {
	session.Directory
	owner string

	mu          sync.Mutex
	invalidated int
}

func (d *stuckDirectory) Get(_ context.Context, deviceID string) (*session.Record, error) {
	return &session.Record{DeviceID: deviceID, UserID: "user-1", InstanceID: d.owner, Online: true}, nil
}

func (d *stuckDirectory) InvalidateOwner(context.Context, string, string) (bool, error) {
	d.mu.Lock()
	d.invalidated++
	d.mu.Unlock()
	return true, nil
}

type routeObservation struct {
	path, outcome string
}

type recordingObserver struct {
	mu      sync.Mutex
	routes  []routeObservation
	retries []string
}

func (o *recordingObserver) ObserveRoute(path, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.routes = append(o.routes, routeObservation{path, outcome})
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRetry(reason string) {
	o.mu.Lock()
	o.retries = append(o.retries, reason)
	o.mu.Unlock()
}

type batchRecorder struct {
	got chan *bus.Batch
}

func (b *batchRecorder) ReceiveBatch(_ context.Context, batch *bus.Batch) {
	b.got <- batch
}

// =============================================================================
// Cluster harness
// =============================================================================

type cluster struct {
	hub  *memory.Hub
	dir  *session.SQLiteDirectory
	pool *slot.SQLitePool
	mock *clock.Mock
}

type node struct {
	id     string
	link   *MockLink
	slots  *slot.Manager
	router *Router
}

func newCluster(t *testing.T) *cluster {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "relay.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.SQLite()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return &cluster{
		hub:  memory.NewHub(),
		dir:  session.NewSQLiteDirectory(db.DB, mock, 5*time.Minute),
		pool: slot.NewSQLitePool(db.DB, testSlotNames, mock, slot.DefaultStaleAfter),
		mock: mock,
	}
}

// start brings up an instance with its own bus client, slot and router.
func (c *cluster) start(t *testing.T, id string, link *MockLink, dir session.Directory) *node {
	t.Helper()
	if dir == nil {
		dir = c.dir
	}
	b := c.hub.Bus(testPrefix)
	mgr := slot.NewManager(c.pool, b, slot.ManagerConfig{
		InstanceID: id,
		Prefix:     testPrefix,
		Names:      testSlotNames,
		Clock:      c.mock,
	})
	rt := New(dir, link, b, mgr, Config{
		InstanceID:     id,
		RequestTimeout: 2 * time.Second,
	})
	if err := mgr.Start(context.Background(), rt.HandleMessage); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	t.Cleanup(func() {
		rt.Close()
		mgr.Stop(context.Background()) //nolint:errcheck // Test cleanup
	})
	return &node{id: id, link: link, slots: mgr, router: rt}
}

func (c *cluster) own(t *testing.T, deviceID, instanceID string) {
	t.Helper()
	if err := c.dir.SetOwner(context.Background(), deviceID, "user-1", instanceID, true); err != nil {
		t.Fatalf("SetOwner() error = %v", err)
	}
}

func (c *cluster) publishes(n *node) int {
	return c.hub.PublishCount(n.slots.ChannelFor(n.slots.Slot()))
}

// =============================================================================
// Fast path
// =============================================================================

func TestSendRequest_LocalFastPathSkipsBus(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink(), nil)
	y := c.start(t, "inst-y", NewMockLink("dev-1"), nil)
	c.own(t, "dev-1", "inst-x") // stale record must be ignored

	got, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if string(got) != `{"action":"homes.list"}` {
		t.Errorf("payload = %s", got)
	}
	if c.publishes(x) != 0 || c.publishes(y) != 0 {
		t.Errorf("bus publishes = %d/%d, want 0", c.publishes(x), c.publishes(y))
	}
	if x.link.CallCount() != 0 {
		t.Errorf("remote link called %d times, want 0", x.link.CallCount())
	}
}

func TestSendRequest_OwnerIsSelfDelegatesLocally(t *testing.T) {
	c := newCluster(t)
	link := NewMockLink()
	y := c.start(t, "inst-y", link, nil)
	c.own(t, "dev-1", "inst-y")

	// The local table lags the directory; the link still gets the call.
	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest() error = %v, want ErrNotConnected from the link", err)
	}
	if link.CallCount() != 1 {
		t.Errorf("link calls = %d, want 1", link.CallCount())
	}
	if c.publishes(y) != 0 {
		t.Errorf("bus publishes = %d, want 0", c.publishes(y))
	}
}

// =============================================================================
// Remote routing
// =============================================================================

func TestSendRequest_RoutesToOwner(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	x.link.Respond = func(_, action string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"echo":` + string(payload) + `}`), nil
	}

	got, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", json.RawMessage(`{"homeId":"h1"}`), 0)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if string(got) != `{"echo":{"homeId":"h1"}}` {
		t.Errorf("payload = %s, want only the inner payload", got)
	}
	if c.publishes(x) != 1 {
		t.Errorf("requests published to owner = %d, want 1", c.publishes(x))
	}
	if c.publishes(y) != 1 {
		t.Errorf("responses published to caller = %d, want 1", c.publishes(y))
	}
	if y.router.pending.Len() != 0 {
		t.Errorf("pending entries = %d after completion, want 0", y.router.pending.Len())
	}
}

func TestSendRequest_RemoteDeviceError(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	x.link.Respond = func(string, string, json.RawMessage) (json.RawMessage, error) {
		return nil, &DeviceError{Code: "ACCESSORY_UNREACHABLE", Message: "Lamp is offline"}
	}

	_, err := y.router.SendRequest(context.Background(), "dev-1", "characteristic.set", nil, 0)
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("SendRequest() error = %v, want *DeviceError", err)
	}
	if de.Code != "ACCESSORY_UNREACHABLE" || de.Message != "Lamp is offline" {
		t.Errorf("DeviceError = %+v", de)
	}
	if x.link.CallCount() != 1 {
		t.Errorf("owner link calls = %d, want 1 (no retry on device errors)", x.link.CallCount())
	}
}

func TestSendRequest_UnknownDevice(t *testing.T) {
	c := newCluster(t)
	y := c.start(t, "inst-y", NewMockLink(), nil)

	_, err := y.router.SendRequest(context.Background(), "ghost", "homes.list", nil, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest() error = %v, want ErrNotConnected", err)
	}
}

func TestSendRequest_OfflineDevice(t *testing.T) {
	c := newCluster(t)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	if err := c.dir.SetOwner(context.Background(), "dev-1", "user-1", "inst-x", false); err != nil {
		t.Fatalf("SetOwner() error = %v", err)
	}

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Stale routing
// =============================================================================

func TestSendRequest_DeadOwnerSameOnRetry(t *testing.T) {
	c := newCluster(t)
	dir := &stuckDirectory{Directory: c.dir, owner: "inst-dead"}
	y := c.start(t, "inst-y", NewMockLink(), dir)
	obs := &recordingObserver{}
	y.router.AddObserver(obs)

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrRoutingFailure) {
		t.Fatalf("SendRequest() error = %v, want ErrRoutingFailure", err)
	}
	if dir.invalidated != 2 {
		t.Errorf("invalidations = %d, want 2 (one per attempt)", dir.invalidated)
	}
	if len(obs.retries) != 1 || obs.retries[0] != ReasonNoSlot {
		t.Errorf("retries = %v, want [%s]", obs.retries, ReasonNoSlot)
	}
	if len(obs.routes) != 1 || obs.routes[0].outcome != OutcomeRoutingFailure {
		t.Errorf("routes = %+v", obs.routes)
	}
}

func TestSendRequest_DeadOwnerInvalidated(t *testing.T) {
	c := newCluster(t)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-dead")

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest() error = %v, want ErrNotConnected after invalidation", err)
	}
	rec, err := c.dir.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Owner() != "" {
		t.Errorf("Owner() = %q, want cleared", rec.Owner())
	}
}

func TestSendRequest_MissingChannelForgetsSlot(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	xChannel := x.slots.ChannelFor(x.slots.Slot())
	if err := c.hub.Bus(testPrefix).DeleteChannel(context.Background(), xChannel); err != nil {
		t.Fatalf("DeleteChannel() error = %v", err)
	}

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SendRequest() error = %v, want ErrNotConnected", err)
	}
	if _, err := c.pool.SlotForInstance(context.Background(), "inst-x"); !errors.Is(err, slot.ErrNoSlot) {
		t.Errorf("SlotForInstance(inst-x) error = %v, want ErrNoSlot", err)
	}
	if x.link.CallCount() != 0 {
		t.Errorf("owner link calls = %d, want 0", x.link.CallCount())
	}
}

func TestHandleMessage_DeviceNotHere(t *testing.T) {
	c := newCluster(t)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-y")

	// A probe channel stands in for the sender's slot. The record must
	// already be invalidated when the reply arrives.
	probe := c.hub.Bus(testPrefix)
	ctx := context.Background()
	if err := probe.EnsureChannel(ctx, "homecast-probe"); err != nil {
		t.Fatalf("EnsureChannel() error = %v", err)
	}
	type observed struct {
		resp  *bus.Response
		owner string
	}
	replies := make(chan observed, 1)
	_, err := probe.Subscribe(ctx, "homecast-probe", func(ctx context.Context, data []byte) {
		msg, err := bus.Decode(data)
		if err != nil {
			return
		}
		rec, _ := c.dir.Get(ctx, "dev-1") //nolint:errcheck // Checked via owner
		replies <- observed{resp: msg.(*bus.Response), owner: rec.Owner()}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	data, _ := bus.Encode(&bus.Request{ //nolint:errcheck // Test data
		CorrelationID: "corr-1",
		SourceSlot:    "probe",
		DeviceID:      "dev-1",
		Action:        "homes.list",
	})
	if err := probe.Publish(ctx, y.slots.ChannelFor(y.slots.Slot()), data); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-replies:
		if got.resp.CorrelationID != "corr-1" {
			t.Errorf("correlation id = %q", got.resp.CorrelationID)
		}
		if got.resp.Error == nil || got.resp.Error.Code != bus.CodeDeviceNotHere {
			t.Fatalf("reply error = %+v, want %s", got.resp.Error, bus.CodeDeviceNotHere)
		}
		if got.owner != "" {
			t.Errorf("owner at reply time = %q, want cleared", got.owner)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply received")
	}
	if y.link.CallCount() != 0 {
		t.Errorf("link calls = %d, want 0", y.link.CallCount())
	}
}

func TestSendRequest_DeviceNotHereRetriesFreshOwner(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink(), nil)
	z := c.start(t, "inst-z", NewMockLink("dev-1"), nil)
	c.own(t, "dev-1", "inst-x")

	// X answers DEVICE_NOT_HERE; by the time the caller invalidates, the
	// device has reconnected to Z.
	moved := &movingDirectory{Directory: c.dir, onInvalidate: func() {
		c.dir.SetOwner(context.Background(), "dev-1", "user-1", "inst-z", true) //nolint:errcheck // Checked by routing outcome
	}}
	y := c.start(t, "inst-y", NewMockLink(), moved)
	obs := &recordingObserver{}
	y.router.AddObserver(obs)

	got, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if string(got) != `{"action":"homes.list"}` {
		t.Errorf("payload = %s", got)
	}
	if x.link.CallCount() != 0 {
		t.Errorf("stale owner link calls = %d, want 0", x.link.CallCount())
	}
	if z.link.CallCount() != 1 {
		t.Errorf("new owner link calls = %d, want 1", z.link.CallCount())
	}
	if len(obs.retries) != 1 || obs.retries[0] != ReasonDeviceNotHere {
		t.Errorf("retries = %v, want [%s]", obs.retries, ReasonDeviceNotHere)
	}
}

// movingDirectory runs onInvalidate once, after the first invalidation
// made by the caller.
type movingDirectory struct {
	session.Directory
	once         sync.Once
	onInvalidate func()
}

func (d *movingDirectory) InvalidateOwner(ctx context.Context, deviceID, expected string) (bool, error) {
	ok, err := d.Directory.InvalidateOwner(ctx, deviceID, expected)
	d.once.Do(d.onInvalidate)
	return ok, err
}

// =============================================================================
// Timeout handling
// =============================================================================

// blockingResponder answers only after release is closed.
func blockingResponder(release <-chan struct{}) func(string, string, json.RawMessage) (json.RawMessage, error) {
	return func(string, string, json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"late":true}`), nil
	}
}

func TestSendRequest_TimeoutNoLiveOwner(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	release := make(chan struct{})
	defer close(release)
	x.link.Respond = blockingResponder(release)

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendRequest() error = %v, want ErrTimeout", err)
	}
	if x.link.CallCount() != 1 {
		t.Errorf("owner link calls = %d, want exactly 1", x.link.CallCount())
	}
	if y.router.pending.Len() != 0 {
		t.Errorf("pending entries = %d after timeout, want 0", y.router.pending.Len())
	}
}

func TestSendRequest_TimeoutSameOwnerNotResent(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	dir := &stuckDirectory{Directory: c.dir, owner: "inst-x"}
	y := c.start(t, "inst-y", NewMockLink(), dir)

	release := make(chan struct{})
	defer close(release)
	x.link.Respond = blockingResponder(release)

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendRequest() error = %v, want ErrTimeout", err)
	}
	if c.publishes(x) != 1 {
		t.Errorf("requests published to slow owner = %d, want 1", c.publishes(x))
	}
	if dir.invalidated != 1 {
		t.Errorf("invalidations = %d, want 1", dir.invalidated)
	}
}

func TestSendRequest_TimeoutResendsToNewOwner(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	z := c.start(t, "inst-z", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	// While X hangs, the device reconnects to Z.
	release := make(chan struct{})
	defer close(release)
	x.link.Respond = func(string, string, json.RawMessage) (json.RawMessage, error) {
		c.dir.SetOwner(context.Background(), "dev-1", "user-1", "inst-z", true) //nolint:errcheck // Checked by routing outcome
		<-release
		return nil, nil
	}

	got, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	if string(got) != `{"action":"homes.list"}` {
		t.Errorf("payload = %s", got)
	}
	if z.link.CallCount() != 1 {
		t.Errorf("new owner link calls = %d, want 1", z.link.CallCount())
	}
}

func TestSendRequest_RemoteDeviceTimeoutNotRetried(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	x.link.Respond = func(string, string, json.RawMessage) (json.RawMessage, error) {
		return nil, ErrTimeout
	}

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SendRequest() error = %v, want ErrTimeout", err)
	}
	if x.link.CallCount() != 1 {
		t.Errorf("owner link calls = %d, want 1", x.link.CallCount())
	}
	rec, err := c.dir.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Owner() != "inst-x" {
		t.Errorf("Owner() = %q, live owner must not be invalidated", rec.Owner())
	}
}

func TestNew_MaxRetries(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultMaxRetries},
		{-1, 0},
		{3, 3},
	}
	for _, tt := range tests {
		r := New(nil, NewMockLink(), nil, nil, Config{MaxRetries: tt.in})
		if r.cfg.MaxRetries != tt.want {
			t.Errorf("MaxRetries(%d) = %d, want %d", tt.in, r.cfg.MaxRetries, tt.want)
		}
	}
}

func TestSendRequest_NoRetriesWhenDisabled(t *testing.T) {
	c := newCluster(t)
	dir := &stuckDirectory{Directory: c.dir, owner: "inst-dead"}
	link := NewMockLink()
	b := c.hub.Bus(testPrefix)
	mgr := slot.NewManager(c.pool, b, slot.ManagerConfig{InstanceID: "inst-y", Prefix: testPrefix, Names: testSlotNames, Clock: c.mock})
	rt := New(dir, link, b, mgr, Config{InstanceID: "inst-y", MaxRetries: -1})
	if err := mgr.Start(context.Background(), rt.HandleMessage); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer mgr.Stop(context.Background()) //nolint:errcheck // Test cleanup

	_, err := rt.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0)
	if !errors.Is(err, ErrRoutingFailure) {
		t.Fatalf("SendRequest() error = %v, want ErrRoutingFailure", err)
	}
	if dir.invalidated != 1 {
		t.Errorf("invalidations = %d, want 1", dir.invalidated)
	}
}

// =============================================================================
// Ping
// =============================================================================

func TestPing_Remote(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")
	x.link.Latency = 15 * time.Millisecond

	got, err := y.router.Ping(context.Background(), "dev-1", time.Second)
	if err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	if got != 15*time.Millisecond {
		t.Errorf("latency = %v, want 15ms", got)
	}
}

func TestPing_RemoteNotHereNoRetry(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink(), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	_, err := y.router.Ping(context.Background(), "dev-1", time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Ping() error = %v, want ErrNotConnected", err)
	}
	if c.publishes(x) != 1 {
		t.Errorf("pings published = %d, want 1", c.publishes(x))
	}
}

func TestPing_RemoteOwnerUsesShorterTimeout(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")
	x.link.PingErr = ErrTimeout

	_, err := y.router.Ping(context.Background(), "dev-1", 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Ping() error = %v, want ErrTimeout", err)
	}

	x.link.mu.Lock()
	defer x.link.mu.Unlock()
	if len(x.link.pingTimeouts) != 1 {
		t.Fatalf("owner pings = %d, want 1", len(x.link.pingTimeouts))
	}
	if got := x.link.pingTimeouts[0]; got != 8*time.Second {
		t.Errorf("owner ping timeout = %v, want 8s", got)
	}
}

func TestNew_RemotePingTimeout(t *testing.T) {
	tests := []struct {
		name       string
		ping, want time.Duration
		remote     time.Duration
	}{
		{"derived from default", 0, 8 * time.Second, 0},
		{"derived from custom", 5 * time.Second, 4 * time.Second, 0},
		{"explicit", 10 * time.Second, 3 * time.Second, 3 * time.Second},
		{"not below ping timeout", 10 * time.Second, 8 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil, NewMockLink(), nil, nil, Config{PingTimeout: tt.ping, RemotePingTimeout: tt.remote})
			if r.cfg.RemotePingTimeout != tt.want {
				t.Errorf("RemotePingTimeout = %v, want %v", r.cfg.RemotePingTimeout, tt.want)
			}
		})
	}
}

func TestPing_DeadOwner(t *testing.T) {
	c := newCluster(t)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-dead")

	_, err := y.router.Ping(context.Background(), "dev-1", time.Second)
	if !errors.Is(err, ErrRoutingFailure) {
		t.Fatalf("Ping() error = %v, want ErrRoutingFailure", err)
	}
}

// =============================================================================
// Local-only mode and dispatch
// =============================================================================

func TestLocalOnly(t *testing.T) {
	c := newCluster(t)
	c.own(t, "dev-2", "inst-x")
	rt := New(c.dir, NewMockLink("dev-1"), nil, nil, Config{InstanceID: "inst-y"})

	if !rt.LocalOnly() {
		t.Fatal("LocalOnly() = false")
	}
	if _, err := rt.SendRequest(context.Background(), "dev-1", "homes.list", nil, 0); err != nil {
		t.Errorf("local SendRequest() error = %v", err)
	}
	if _, err := rt.SendRequest(context.Background(), "dev-2", "homes.list", nil, 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("remote SendRequest() error = %v, want ErrNotConnected", err)
	}
	if _, err := rt.Ping(context.Background(), "dev-2", 0); !errors.Is(err, ErrNotConnected) {
		t.Errorf("remote Ping() error = %v, want ErrNotConnected", err)
	}
}

func TestHandleMessage_Batch(t *testing.T) {
	rt := New(nil, NewMockLink(), nil, nil, Config{InstanceID: "inst-y"})
	rec := &batchRecorder{got: make(chan *bus.Batch, 1)}
	rt.SetBatchHandler(rec)

	data, _ := bus.Encode(&bus.Batch{UserID: "user-1", Updates: []bus.Update{ //nolint:errcheck // Test data
		{Type: bus.UpdateCharacteristic, AccessoryID: "acc-1", CharacteristicType: "power_state", Value: json.RawMessage(`true`)},
	}})
	rt.HandleMessage(context.Background(), data)

	select {
	case b := <-rec.got:
		if b.UserID != "user-1" || len(b.Updates) != 1 {
			t.Errorf("batch = %+v", b)
		}
	case <-time.After(time.Second):
		t.Fatal("batch not delivered")
	}
}

func TestHandleMessage_AfterCloseAnswersNoHandler(t *testing.T) {
	c := newCluster(t)
	x := c.start(t, "inst-x", NewMockLink("dev-1"), nil)
	y := c.start(t, "inst-y", NewMockLink(), nil)
	c.own(t, "dev-1", "inst-x")

	x.router.Close()

	_, err := y.router.SendRequest(context.Background(), "dev-1", "homes.list", nil, time.Second)
	if !errors.Is(err, ErrRoutingFailure) || !strings.Contains(err.Error(), bus.CodeNoHandler) {
		t.Fatalf("SendRequest() error = %v, want NO_HANDLER routing failure", err)
	}
	if _, err := y.router.Ping(context.Background(), "dev-1", time.Second); !errors.Is(err, ErrRoutingFailure) {
		t.Errorf("Ping() error = %v, want ErrRoutingFailure", err)
	}
	if x.link.CallCount() != 0 {
		t.Errorf("closed owner link calls = %d, want 0", x.link.CallCount())
	}
}

func TestClose_ConcurrentWithHandleMessage(t *testing.T) {
	rt := New(nil, NewMockLink("dev-1"), nil, nil, Config{InstanceID: "inst-y"})
	data, _ := bus.Encode(&bus.PingRequest{CorrelationID: "c-1", DeviceID: "dev-1"}) //nolint:errcheck // Test data

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				rt.HandleMessage(context.Background(), data)
			}
		}()
	}
	rt.Close()
	wg.Wait()
	rt.Close()
}

func TestHandleMessage_IgnoresJunk(t *testing.T) {
	rt := New(nil, NewMockLink(), nil, nil, Config{InstanceID: "inst-y"})

	rt.HandleMessage(context.Background(), []byte(`not json`))
	rt.HandleMessage(context.Background(), []byte(`{"type":"telepathy"}`))
	rt.HandleMessage(context.Background(), []byte(`{"type":"response","correlation_id":"nobody"}`))
	rt.Close()
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{ErrNotConnected, OutcomeNotConnected},
		{ErrTimeout, OutcomeTimeout},
		{&DeviceError{Code: "X"}, OutcomeDeviceError},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
	if got := Outcome(&staleRoute{reason: ReasonNoSlot, err: ErrRoutingFailure}); got != OutcomeRoutingFailure {
		t.Errorf("Outcome(stale) = %q", got)
	}
}
