// Package influxdb records relay telemetry in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring. The Client
// implements the observer interfaces of the router, the Device Link and the
// broadcast buffer, so it can be wired next to the Prometheus recorder when
// long-term latency history is wanted.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, instanceID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	rt.AddObserver(client)
//
// # Measurements
//
//   - route_latency: tags instance_id, path, outcome; field ms
//   - route_retry: tags instance_id, reason; field count
//   - link_devices: tag instance_id; field count
//   - broadcast_batch: tags instance_id, outcome; field count
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Write errors are delivered asynchronously through SetOnError.
package influxdb
