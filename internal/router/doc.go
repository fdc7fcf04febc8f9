// Package router implements the Cross-Instance Router.
//
// SendRequest reaches a device wherever its socket lives. A device attached
// to this instance is served by the local Device Link without touching the
// bus. Otherwise the router reads the owner from the session Directory,
// resolves the owner's slot, publishes a correlated request on that slot's
// channel and waits for the response on its own slot.
//
// Stale routing (the owner holds no slot, its channel is gone, it replies
// DEVICE_NOT_HERE, or it does not answer in time) invalidates the ownership
// record and triggers a bounded number of retries, each starting from a
// fresh directory lookup. A timeout only leads to a second send when the
// fresh lookup names a different live owner.
//
// The router is also the bus subscriber for this instance's slot:
// HandleMessage serves requests routed here by other instances, resolves
// responses to requests sent from here, and hands broadcast batches to the
// Broadcast Buffer.
package router
