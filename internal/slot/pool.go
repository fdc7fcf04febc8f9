package slot

import (
	"context"
	"errors"
	"slices"
	"time"
)

// DefaultStaleAfter is how long a claim survives without a heartbeat.
const DefaultStaleAfter = 5 * time.Minute

var (
	// ErrPoolExhausted is returned by Claim when every slot has a live claim.
	ErrPoolExhausted = errors.New("slot: no free slot in pool")

	// ErrNoSlot is returned when an instance holds no live claim.
	ErrNoSlot = errors.New("slot: instance holds no slot")

	// ErrSlotTaken is returned by ClaimOrAdopt when another instance holds a
	// live claim on the requested slot.
	ErrSlotTaken = errors.New("slot: slot claimed by another instance")

	// ErrUnknownSlot is returned when a slot name is not part of the pool.
	ErrUnknownSlot = errors.New("slot: name not in pool")
)

// Pool is the persisted slot table shared by all instances.
type Pool interface {
	// Claim returns the slot held by instanceID, claiming the first free or
	// stale slot when it holds none.
	Claim(ctx context.Context, instanceID string) (string, error)

	// ClaimOrAdopt claims a specific slot for instanceID, creating its row
	// when the slot is not tracked yet. Used to adopt orphaned channels.
	ClaimOrAdopt(ctx context.Context, instanceID, slotName string) (string, error)

	// Heartbeat renews instanceID's claim. Returns ErrNoSlot when the claim
	// was lost to another instance.
	Heartbeat(ctx context.Context, instanceID string) error

	// Release frees instanceID's slot.
	Release(ctx context.Context, instanceID string) error

	// SlotForInstance returns instanceID's live slot, or ErrNoSlot.
	SlotForInstance(ctx context.Context, instanceID string) (string, error)

	// AllSlotNames returns every tracked slot, claimed or not.
	AllSlotNames(ctx context.Context) ([]string, error)

	// DeleteSlot forgets a slot whose channel no longer exists.
	DeleteSlot(ctx context.Context, slotName string) error
}

func inPool(names []string, slotName string) bool {
	return slices.Contains(names, slotName)
}
