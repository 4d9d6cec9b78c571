package infra

import (
	"sync/atomic"
)

// ringSlot pairs a payload with a sequence stamp used to coordinate
// producers and the consumer without locks.
type ringSlot[T any] struct {
	seq  atomic.Uint64
	data T
}

// Ring is a bounded multi-producer single-consumer ring buffer.
// Publish never blocks: when the buffer is full it returns false and the
// event is counted as dropped. Exactly one goroutine may call Poll.
type Ring[T any] struct {
	slots   []ringSlot[T]
	mask    uint64
	tail    atomic.Uint64 // next write position
	head    uint64        // next read position, consumer-owned
	dropped atomic.Uint64
}

// NewRing creates a ring buffer with at least the given capacity,
// rounded up to a power of two.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 2 {
		capacity = 2
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	r := &Ring[T]{
		slots: make([]ringSlot[T], size),
		mask:  size - 1,
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

// Publish offers v to the buffer. Returns false when the buffer is full;
// the rejection is recorded in the dropped counter.
func (r *Ring[T]) Publish(v T) bool {
	pos := r.tail.Load()
	for {
		slot := &r.slots[pos&r.mask]
		seq := slot.seq.Load()
		switch {
		case seq == pos:
			if r.tail.CompareAndSwap(pos, pos+1) {
				slot.data = v
				slot.seq.Store(pos + 1)
				return true
			}
			pos = r.tail.Load()
		case seq < pos:
			// The consumer has not freed this slot yet: buffer full.
			r.dropped.Add(1)
			return false
		default:
			pos = r.tail.Load()
		}
	}
}

// Poll removes and returns the oldest event, if any.
// Only the single consumer goroutine may call Poll.
func (r *Ring[T]) Poll() (T, bool) {
	var zero T
	slot := &r.slots[r.head&r.mask]
	seq := slot.seq.Load()
	if seq != r.head+1 {
		return zero, false
	}
	v := slot.data
	slot.data = zero
	slot.seq.Store(r.head + uint64(len(r.slots)))
	r.head++
	return v, true
}

// Dropped returns the number of events rejected due to a full buffer.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Len returns the approximate number of buffered events.
func (r *Ring[T]) Len() int {
	n := int(r.tail.Load() - r.head)
	if n < 0 {
		return 0
	}
	return n
}
