// Package bus defines the shared publish/subscribe transport that connects
// relay instances, and the messages exchanged over it.
//
// Each instance holds one slot from a fixed pool and subscribes to that
// slot's channel ("{prefix}-{slot}"). Routed requests, responses, pings and
// broadcast batches are published to the channel of the instance that should
// handle them.
//
// Drivers live in sub-packages:
//
//	memory   - in-process, for tests and single-node development
//	mqttbus  - MQTT broker via the infrastructure/mqtt client
//	redisbus - Redis PUBLISH/SUBSCRIBE
//	gcpbus   - Google Cloud Pub/Sub topics and subscriptions
//
// Every driver reports a missing channel on Publish as ErrChannelNotFound.
package bus
