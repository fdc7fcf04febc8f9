// Package slot implements the Topic Slot Pool: a fixed set of named bus
// channels shared by every relay instance.
//
// Each instance holds at most one slot and receives routed traffic on that
// slot's channel. A claim stays valid while its holder heartbeats it; once
// the heartbeat lapses past the staleness threshold any other instance may
// take the slot over. The pool never grows past its configured names, so the
// number of bus channels stays bounded no matter how often instances die.
//
// Manager drives one instance's slot lifecycle: adopt an orphaned channel or
// claim a free slot, create and subscribe its channel, heartbeat the claim,
// and release it on shutdown.
package slot
