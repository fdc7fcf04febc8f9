package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/homecast-relay/internal/auth"
	"github.com/nerrad567/homecast-relay/internal/devicelink"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/config"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/logging"
	"github.com/nerrad567/homecast-relay/internal/router"
	"github.com/nerrad567/homecast-relay/internal/session"
	"github.com/nerrad567/homecast-relay/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// MockRouter records requests and answers with a configurable result.
type MockRouter struct {
	mu       sync.Mutex
	calls    []string
	timeouts []time.Duration
	Payload  json.RawMessage
	Latency  time.Duration
	Err      error
}

func (m *MockRouter) SendRequest(_ context.Context, deviceID, action string, _ json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls = append(m.calls, deviceID+":"+action)
	m.timeouts = append(m.timeouts, timeout)
	m.mu.Unlock()
	return m.Payload, m.Err
}

func (m *MockRouter) Ping(_ context.Context, deviceID string, _ time.Duration) (time.Duration, error) {
	m.mu.Lock()
	m.calls = append(m.calls, deviceID+":ping")
	m.mu.Unlock()
	return m.Latency, m.Err
}

// MockSessions serves fixed device records.
type MockSessions struct {
	records map[string]*session.Record
	err     error
}

func (m *MockSessions) Get(_ context.Context, deviceID string) (*session.Record, error) {
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.records[deviceID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return rec, nil
}

// MockLink is a DeviceLink that never accepts a connection.
type MockLink struct{}

func (MockLink) Accept(_ context.Context, conn devicelink.Conn, _, _ string) (*devicelink.Device, error) {
	conn.Close() //nolint:errcheck // Rejected
	return nil, devicelink.ErrInvalidCredential
}

func (MockLink) Serve(context.Context, *devicelink.Device) {}

func (MockLink) Count() int { return 2 }

// failingCheck reports a fixed health error.
type failingCheck struct{ err error }

func (c failingCheck) HealthCheck(context.Context) error { return c.err }

func testDeps(rt Requester, link DeviceLink) Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret},
		},
		Logger: logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Router: rt,
		Sessions: &MockSessions{records: map[string]*session.Record{
			"dev-1": {DeviceID: "dev-1", UserID: "user-1", InstanceID: "inst-x", Online: true},
			"dev-2": {DeviceID: "dev-2", UserID: "user-2", InstanceID: "inst-y", Online: true},
		}},
		Devices:    link,
		InstanceID: "inst-x",
		Version:    "test",
	}
}

// testServer creates a Server backed by a MockRouter.
func testServer(t *testing.T) (*Server, *MockRouter) {
	t.Helper()
	rt := &MockRouter{Payload: json.RawMessage(`{"ok":true}`)}
	srv, err := New(testDeps(rt, MockLink{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test cleanup
	return srv, rt
}

func listenerToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateListenerToken(userID, testSecret, 5)
	if err != nil {
		t.Fatalf("GenerateListenerToken: %v", err)
	}
	return token
}

func post(t *testing.T, h http.Handler, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("unmarshal error body %q: %v", w.Body.String(), err)
	}
	return e
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiresDependencies(t *testing.T) {
	base := testDeps(&MockRouter{}, MockLink{})

	tests := []struct {
		name   string
		mutate func(d *Deps)
	}{
		{"logger", func(d *Deps) { d.Logger = nil }},
		{"router", func(d *Deps) { d.Router = nil }},
		{"sessions", func(d *Deps) { d.Sessions = nil }},
		{"devices", func(d *Deps) { d.Devices = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Errorf("New() without %s should fail", tt.name)
			}
		})
	}
}

// ─── Health Endpoint Tests ─────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["connected_devices"] != float64(2) {
		t.Errorf("connected_devices = %v, want 2", resp["connected_devices"])
	}
}

func TestHealth_Degraded(t *testing.T) {
	deps := testDeps(&MockRouter{}, MockLink{})
	deps.Checks = map[string]HealthChecker{"database": failingCheck{errors.New("disk full")}}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("health status = %d, want 503", w.Code)
	}
	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "degraded" || resp.Components["database"] != "disk full" {
		t.Errorf("health = %+v", resp)
	}
}

func TestMetrics_Mounted(t *testing.T) {
	deps := testDeps(&MockRouter{}, MockLink{})
	deps.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("relay_connected_devices 2\n")) //nolint:errcheck // Test handler
	})
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "relay_connected_devices") {
		t.Errorf("metrics = %d %q", w.Code, w.Body.String())
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want %q", got, "http://localhost:3000")
	}
}

// ─── Authentication Tests ──────────────────────────────────────────

func TestDeviceRequest_Auth(t *testing.T) {
	srv, rt := testServer(t)
	router := srv.buildRouter()
	deviceToken, err := auth.GenerateDeviceToken("user-1", "dev-1", testSecret, 1)
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"missing token", "/api/v1/devices/dev-1/requests", "", http.StatusUnauthorized},
		{"garbage token", "/api/v1/devices/dev-1/requests", "not-a-jwt", http.StatusUnauthorized},
		{"device token", "/api/v1/devices/dev-1/requests", deviceToken, http.StatusUnauthorized},
		{"unknown device", "/api/v1/devices/dev-9/requests", listenerToken(t, "user-1"), http.StatusNotFound},
		{"other user's device", "/api/v1/devices/dev-2/requests", listenerToken(t, "user-1"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, tt.path, tt.token, `{"action":"state.get"}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.calls) != 0 {
		t.Errorf("router called %d times for rejected requests", len(rt.calls))
	}
}

// ─── Device Request Tests ──────────────────────────────────────────

func TestDeviceRequest_Success(t *testing.T) {
	srv, rt := testServer(t)

	w := post(t, srv.buildRouter(), "/api/v1/devices/dev-1/requests", listenerToken(t, "user-1"),
		`{"action":"characteristic.set","payload":{"value":1},"timeout_ms":1500}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp deviceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.DeviceID != "dev-1" || resp.Action != "characteristic.set" || string(resp.Payload) != `{"ok":true}` {
		t.Errorf("response = %+v", resp)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.calls) != 1 || rt.calls[0] != "dev-1:characteristic.set" {
		t.Errorf("router calls = %v", rt.calls)
	}
	if rt.timeouts[0] != 1500*time.Millisecond {
		t.Errorf("timeout = %v, want 1.5s", rt.timeouts[0])
	}
}

func TestDeviceRequest_TimeoutClampedBelowWriteDeadline(t *testing.T) {
	tests := []struct {
		name  string
		write int
		want  time.Duration
	}{
		{"write deadline", 10, 9 * time.Second},
		{"no write deadline", 0, maxRequestTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &MockRouter{Payload: json.RawMessage(`{}`)}
			deps := testDeps(rt, MockLink{})
			deps.Config.Timeouts.Write = tt.write
			srv, err := New(deps)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			defer srv.Close() //nolint:errcheck // Test cleanup

			w := post(t, srv.buildRouter(), "/api/v1/devices/dev-1/requests", listenerToken(t, "user-1"),
				`{"action":"characteristic.set","timeout_ms":600000}`)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
			}

			rt.mu.Lock()
			defer rt.mu.Unlock()
			if len(rt.timeouts) != 1 || rt.timeouts[0] != tt.want {
				t.Errorf("timeouts = %v, want [%v]", rt.timeouts, tt.want)
			}
		})
	}
}

func TestDeviceRequest_BadBody(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.buildRouter()
	token := listenerToken(t, "user-1")

	for _, body := range []string{`not json`, `{}`, `{"action":"x","timeout_ms":-1}`} {
		w := post(t, router, "/api/v1/devices/dev-1/requests", token, body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

func TestDeviceRequest_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not connected", router.ErrNotConnected, http.StatusServiceUnavailable, ErrCodeDeviceNotConnected},
		{"timeout", router.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{"routing failure", fmt.Errorf("%w: publish failed", router.ErrRoutingFailure), http.StatusBadGateway, ErrCodeRoutingFailure},
		{"device error", &router.DeviceError{Code: "ACCESSORY_UNREACHABLE", Message: "Lamp is offline"}, http.StatusUnprocessableEntity, ErrCodeDeviceError},
		{"other", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rt := testServer(t)
			rt.Err = tt.err

			w := post(t, srv.buildRouter(), "/api/v1/devices/dev-1/requests", listenerToken(t, "user-1"), `{"action":"state.get"}`)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			e := decodeError(t, w)
			if e.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Code, tt.code)
			}
			if tt.code == ErrCodeDeviceError && e.DeviceCode != "ACCESSORY_UNREACHABLE" {
				t.Errorf("device_code = %q", e.DeviceCode)
			}
		})
	}
}

func TestDevicePing(t *testing.T) {
	srv, rt := testServer(t)
	rt.Latency = 37 * time.Millisecond

	w := post(t, srv.buildRouter(), "/api/v1/devices/dev-1/ping", listenerToken(t, "user-1"), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp pingResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.LatencyMS != 37 {
		t.Errorf("latency_ms = %d, want 37", resp.LatencyMS)
	}
}

// ─── Device Socket Tests ───────────────────────────────────────────

// realLinkServer serves the router over httptest with a real Device Link
// backed by a temp SQLite directory.
func realLinkServer(t *testing.T) (*devicelink.Link, *session.SQLiteDirectory, string) {
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

	dir := session.NewSQLiteDirectory(db.DB, nil, 5*time.Minute)
	verify := func(token, deviceID string) (string, error) {
		claims, err := auth.VerifyDevice(token, testSecret, deviceID)
		if err != nil {
			return "", err
		}
		return claims.UserID(), nil
	}
	link := devicelink.New(dir, verify, devicelink.Config{InstanceID: "inst-x"})

	srv, err := New(testDeps(&MockRouter{}, link))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(func() {
		srv.Close() //nolint:errcheck // Test cleanup
		ts.Close()
	})
	return link, dir, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestDeviceSocket_Connects(t *testing.T) {
	link, dir, url := realLinkServer(t)

	token, err := auth.GenerateDeviceToken("user-1", "dev-1", testSecret, 1)
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/device?token="+token+"&device_id=dev-1", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// The link sends the initial listeners_changed config frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if !bytes.Contains(data, []byte(devicelink.ActionListenersChanged)) {
		t.Errorf("first frame = %s, want listeners_changed", data)
	}

	if !link.IsLocal("dev-1") {
		t.Error("device not registered with the link")
	}
	rec, err := dir.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.InstanceID != "inst-x" || !rec.Online {
		t.Errorf("record = %+v", rec)
	}
}

func TestDeviceSocket_RejectsWrongDevice(t *testing.T) {
	_, _, url := realLinkServer(t)

	token, err := auth.GenerateDeviceToken("user-1", "dev-1", testSecret, 1)
	if err != nil {
		t.Fatalf("GenerateDeviceToken: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url+"/ws/device?token="+token+"&device_id=dev-2", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // Test deadline
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != devicelink.CloseInvalidCredential {
		t.Errorf("ReadMessage() error = %v, want close %d", err, devicelink.CloseInvalidCredential)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func TestServer_HealthCheck(t *testing.T) {
	srv, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() = nil before Start()")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() after Start() = %v", err)
	}
}
