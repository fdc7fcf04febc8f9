// Package metrics exposes relay telemetry as Prometheus collectors.
//
// A Recorder implements the observer interfaces of the router, the Device
// Link and the broadcast buffer, so wiring is a matter of handing the same
// Recorder to each of them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Recorder holds the relay's collectors and the registry they live in.
type Recorder struct {
	registry *prometheus.Registry

	routeRequests *prometheus.CounterVec
	routeDuration *prometheus.HistogramVec
	routeRetries  *prometheus.CounterVec
	devices       prometheus.Gauge
	batches       *prometheus.CounterVec
}

// New creates a Recorder with its own registry. Go runtime and process
// collectors are registered alongside the relay collectors.
func New(instanceID string) *Recorder {
	constLabels := prometheus.Labels{"instance_id": instanceID}

	r := &Recorder{
		registry: prometheus.NewRegistry(),

		routeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "route_requests_total",
			Help:        "Device requests by routing path and outcome.",
			ConstLabels: constLabels,
		}, []string{"path", "outcome"}),
		routeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "route_duration_seconds",
			Help:        "End-to-end device request latency by routing path.",
			ConstLabels: constLabels,
			Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"path"}),
		routeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "route_retries_total",
			Help:        "Routing retries after a stale owner, by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "connected_devices",
			Help:        "Devices currently connected to this instance.",
			ConstLabels: constLabels,
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "broadcast_batches_total",
			Help:        "Broadcast batch publishes by outcome, one per target instance.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.routeRequests,
		r.routeDuration,
		r.routeRetries,
		r.devices,
		r.batches,
	)
	return r
}

// Registry returns the registry holding the relay collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveRoute records one routed request.
func (r *Recorder) ObserveRoute(path, outcome string, d time.Duration) {
	r.routeRequests.WithLabelValues(path, outcome).Inc()
	r.routeDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveRetry records one routing retry.
func (r *Recorder) ObserveRetry(reason string) {
	r.routeRetries.WithLabelValues(reason).Inc()
}

// DevicesConnected records the current local device count.
func (r *Recorder) DevicesConnected(n int) {
	r.devices.Set(float64(n))
}

// ObserveBatch records one batch publish outcome.
func (r *Recorder) ObserveBatch(outcome string) {
	r.batches.WithLabelValues(outcome).Inc()
}
