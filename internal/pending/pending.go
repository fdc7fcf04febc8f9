// Package pending provides the single-assignment result slot that pairs a
// correlation id with its eventual outcome.
//
// A Slot is written from whichever goroutine receives the answer (a socket
// read loop or a bus subscriber) and read by the goroutine that dispatched
// the request. Only the first Resolve takes effect; later attempts report
// false and change nothing.
package pending

import (
	"sync"
)

// Slot holds one outcome.
type Slot[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
}

// NewSlot returns an unresolved slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Resolve stores v if the slot is still empty and reports whether it did.
func (s *Slot[T]) Resolve(v T) bool {
	resolved := false
	s.once.Do(func() {
		s.val = v
		close(s.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the slot is resolved.
func (s *Slot[T]) Done() <-chan struct{} {
	return s.done
}

// Value returns the stored outcome. Only valid after Done is closed.
func (s *Slot[T]) Value() T {
	<-s.done
	return s.val
}

// Table maps correlation ids to slots.
type Table[T any] struct {
	mu    sync.Mutex
	slots map[string]*Slot[T]
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{slots: make(map[string]*Slot[T])}
}

// Register creates a slot for id, replacing any previous entry.
func (t *Table[T]) Register(id string) *Slot[T] {
	s := NewSlot[T]()
	t.mu.Lock()
	t.slots[id] = s
	t.mu.Unlock()
	return s
}

// Resolve delivers v to id's slot. It returns false when no slot is
// registered (already removed, or never existed) or when the slot was
// already resolved.
func (t *Table[T]) Resolve(id string, v T) bool {
	t.mu.Lock()
	s, ok := t.slots[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return s.Resolve(v)
}

// Has reports whether id is registered.
func (t *Table[T]) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[id]
	return ok
}

// Remove forgets id. Late resolutions for it are dropped.
func (t *Table[T]) Remove(id string) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// Len returns the number of registered ids.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
