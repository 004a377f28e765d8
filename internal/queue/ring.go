// Package queue implements the bounded circular buffers that sit between the
// UDP receive goroutines and the processing cycle. None of the types here are
// safe for concurrent use; the owner serialises access with its own mutex.
package queue

// DefaultCapacity is the slot count used when no capacity is given.
const DefaultCapacity = 4096

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when a push
// arrives while it is full. Push never blocks and never fails.
type Ring[T any] struct {
	buf   []T
	head  int // index of the most recently pushed slot
	tail  int // index of the most recently popped slot
	count int
}

// NewRing returns a ring with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring[T]{
		buf:  make([]T, capacity),
		head: -1,
		tail: -1,
	}
}

// Push stores v, advancing head. It reports whether an unread entry was
// overwritten to make room.
func (r *Ring[T]) Push(v T) (overwrote bool) {
	r.head = (r.head + 1) % len(r.buf)
	r.buf[r.head] = v
	if r.count == len(r.buf) {
		// head has landed on the oldest unread slot; drop it
		r.tail = (r.tail + 1) % len(r.buf)
		return true
	}
	r.count++
	return false
}

// Pop returns the oldest unread entry, or false if the ring is empty.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	r.tail = (r.tail + 1) % len(r.buf)
	r.count--
	return r.buf[r.tail], true
}

// Peek returns the oldest unread entry without consuming it.
func (r *Ring[T]) Peek() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	return r.buf[(r.tail+1)%len(r.buf)], true
}

// IsEmpty reports whether every pushed entry has been popped or cleared.
func (r *Ring[T]) IsEmpty() bool { return r.count == 0 }

// Len returns the number of unread entries.
func (r *Ring[T]) Len() int { return r.count }

// Cap returns the slot count.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Clear discards every unread entry. Slot contents are left in place.
func (r *Ring[T]) Clear() {
	r.head = -1
	r.tail = -1
	r.count = 0
}

// Snapshot copies the unread entries, oldest first, without consuming them.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.count)
	for i := 1; i <= r.count; i++ {
		out = append(out, r.buf[(r.tail+i)%len(r.buf)])
	}
	return out
}
