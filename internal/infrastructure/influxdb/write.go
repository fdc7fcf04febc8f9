package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the relay.
const (
	MeasurementRouteLatency   = "route_latency"
	MeasurementRouteRetry     = "route_retry"
	MeasurementLinkDevices    = "link_devices"
	MeasurementBroadcastBatch = "broadcast_batch"
)

// ObserveRoute records the latency of one routed device request.
// It satisfies router.Observer together with ObserveRetry.
//
// Example:
//
//	client.ObserveRoute("remote", "ok", 42*time.Millisecond)
func (c *Client) ObserveRoute(path, outcome string, d time.Duration) {
	c.write(routePoint(c.instanceID, path, outcome, d, time.Now()))
}

// ObserveRetry records one routing retry after a stale owner.
func (c *Client) ObserveRetry(reason string) {
	c.write(write.NewPoint(
		MeasurementRouteRetry,
		map[string]string{
			"instance_id": c.instanceID,
			"reason":      reason,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	))
}

// DevicesConnected records the number of devices connected to this
// instance. It satisfies devicelink.Observer.
func (c *Client) DevicesConnected(n int) {
	c.write(write.NewPoint(
		MeasurementLinkDevices,
		map[string]string{"instance_id": c.instanceID},
		map[string]interface{}{"count": n},
		time.Now(),
	))
}

// ObserveBatch records one broadcast batch publish outcome. It satisfies
// broadcast.Observer.
func (c *Client) ObserveBatch(outcome string) {
	c.write(write.NewPoint(
		MeasurementBroadcastBatch,
		map[string]string{
			"instance_id": c.instanceID,
			"outcome":     outcome,
		},
		map[string]interface{}{"count": 1},
		time.Now(),
	))
}

// routePoint builds a route_latency point. Latency is stored in
// fractional milliseconds.
func routePoint(instanceID, path, outcome string, d time.Duration, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementRouteLatency,
		map[string]string{
			"instance_id": instanceID,
			"path":        path,
			"outcome":     outcome,
		},
		map[string]interface{}{
			"ms": float64(d) / float64(time.Millisecond),
		},
		ts,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
// The instance_id tag is added unless tags already carry one.
//
// Example:
//
//	client.WritePoint("slot_claims",
//	    map[string]string{"slot": "b"},
//	    map[string]interface{}{"held": true})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	merged := make(map[string]string, len(tags)+1)
	merged["instance_id"] = c.instanceID
	for k, v := range tags {
		merged[k] = v
	}
	c.write(write.NewPoint(measurement, merged, fields, timestamp))
}

func (c *Client) write(point *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(point)
}
