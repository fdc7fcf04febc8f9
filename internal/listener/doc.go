// Package listener hosts listener (web client) WebSocket connections.
//
// A listener authenticates with a listener token, is recorded in the
// session directory against this instance, and receives the state changes
// of its user's devices as camelCase JSON frames:
//
//	{"type":"characteristic_update","accessoryId":"…","characteristicType":"…","value":…}
//	{"type":"reachability_update","accessoryId":"…","isReachable":false}
//
// The hub tells the Device Link when a user's listener placement changes so
// devices can start or stop streaming events.
package listener
