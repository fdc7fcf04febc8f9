// Package broadcast implements the Broadcast Buffer, which carries
// device-originated state changes to listeners on every instance.
//
// Updates for a user are handed to local listeners at once and buffered
// for remote instances. The buffer is flushed FlushDelay after the last
// update (bursts coalesce) or as soon as it holds MaxBuffer updates. A
// flush publishes one bus.Batch to each other instance hosting a listener
// for the user. Delivery is best-effort: a failed publish to one instance
// is logged and does not affect the others, and nothing is retried.
package broadcast
