// Package queue provides the bounded drop-oldest queue shared by the
// diagnostic and delivery pipelines.
package queue

import "sync"

// Ring is a FIFO bounded to a fixed capacity. Pushing past the bound drops
// the oldest entries.
type Ring[T any] struct {
	mu      sync.Mutex
	items   []T
	max     int
	dropped uint64
}

// NewRing creates a queue holding at most max items. max < 1 is treated as 1.
func NewRing[T any](max int) *Ring[T] {
	if max < 1 {
		max = 1
	}
	return &Ring[T]{
		items: make([]T, 0, min(max, 64)),
		max:   max,
	}
}

// Push appends v and returns the queue length plus how many items were
// dropped to make room.
func (r *Ring[T]) Push(v T) (length int, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = append(r.items, v)
	if over := len(r.items) - r.max; over > 0 {
		var zero T
		for i := range over {
			r.items[i] = zero
		}
		r.items = append(r.items[:0], r.items[over:]...)
		r.dropped += uint64(over)
		dropped = over
	}
	return len(r.items), dropped
}

// Drain removes and returns every queued item.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.items
	r.items = make([]T, 0, min(r.max, 64))
	return out
}

// Snapshot returns a copy of the queued items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Len returns the current queue length.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Cap returns the configured bound.
func (r *Ring[T]) Cap() int { return r.max }

// Dropped returns the total number of items discarded on overflow.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear empties the queue without touching the drop counter.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make([]T, 0, min(r.max, 64))
}
