package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/homecast-relay/internal/broadcast"
	"github.com/nerrad567/homecast-relay/internal/devicelink"
	"github.com/nerrad567/homecast-relay/internal/router"
)

// The Recorder must satisfy every observer interface it is wired into.
var (
	_ router.Observer     = (*Recorder)(nil)
	_ devicelink.Observer = (*Recorder)(nil)
	_ broadcast.Observer  = (*Recorder)(nil)
)

func TestRecorder_Route(t *testing.T) {
	r := New("inst-x")

	r.ObserveRoute(router.PathRemote, router.OutcomeOK, 40*time.Millisecond)
	r.ObserveRoute(router.PathRemote, router.OutcomeOK, 60*time.Millisecond)
	r.ObserveRoute(router.PathLocal, router.OutcomeTimeout, time.Second)
	r.ObserveRetry(router.ReasonNoSlot)

	if got := testutil.ToFloat64(r.routeRequests.WithLabelValues(router.PathRemote, router.OutcomeOK)); got != 2 {
		t.Errorf("remote ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.routeRequests.WithLabelValues(router.PathLocal, router.OutcomeTimeout)); got != 1 {
		t.Errorf("local timeout = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.routeRetries.WithLabelValues(router.ReasonNoSlot)); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(r.routeDuration); got != 2 {
		t.Errorf("duration series = %d, want 2", got)
	}
}

func TestRecorder_DevicesAndBatches(t *testing.T) {
	r := New("inst-x")

	r.DevicesConnected(3)
	r.DevicesConnected(2)
	r.ObserveBatch(broadcast.OutcomeOK)
	r.ObserveBatch(broadcast.OutcomeChannelMissing)
	r.ObserveBatch(broadcast.OutcomeOK)

	if got := testutil.ToFloat64(r.devices); got != 2 {
		t.Errorf("connected devices = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.batches.WithLabelValues(broadcast.OutcomeOK)); got != 2 {
		t.Errorf("ok batches = %v, want 2", got)
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := New("inst-x")
	r.ObserveRoute(router.PathLocal, router.OutcomeOK, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body) //nolint:errcheck // In-memory body
	for _, want := range []string{
		`relay_route_requests_total{instance_id="inst-x",outcome="ok",path="local"} 1`,
		"relay_connected_devices",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
