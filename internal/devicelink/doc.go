// Package devicelink implements the Device Link: the WebSocket endpoint that
// HomeKit Mac clients hold open to one relay instance.
//
// A Link owns this instance's connection table (one connection per device
// id; a newer connection replaces the older one) and the table of requests
// awaiting a device response. Requests are correlated by frame id:
//
//	server → device  {"id":"…","type":"request","action":"homes.list","payload":{…}}
//	device → server  {"id":"…","type":"response","payload":{…}}
//	device → server  {"id":"…","type":"response","error":{"code":"…","message":"…"}}
//
// Devices also send status (home and accessory counts), pong (heartbeat)
// and event (state changes) frames. Unrecognised frame types are logged and
// dropped so older relays tolerate newer clients.
//
// Connection state is mirrored into the session Directory so that other
// instances can find the device.
package devicelink
