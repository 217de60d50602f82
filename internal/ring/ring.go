// Package ring provides a fixed-capacity single-producer single-consumer
// queue. The producer owns head, the consumer owns tail; both are published
// with atomics so neither side takes a lock.
package ring

import "sync/atomic"

// Ring is a bounded SPSC queue. When full, Push drops the value and counts
// it; stored values are never overwritten.
type Ring[T any] struct {
	buf  []T
	mask uint64

	head    atomic.Uint64 // next slot to write, producer only
	tail    atomic.Uint64 // next slot to read, consumer only
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// New creates a ring holding at least capacity values. Capacity is rounded
// up to a power of two.
func New[T any](capacity int) *Ring[T] {
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &Ring[T]{buf: make([]T, n), mask: uint64(n - 1)}
}

// Push appends v. It returns false and counts an overflow when the ring is
// full. Must only be called from the producer goroutine.
func (r *Ring[T]) Push(v T) bool {
	head := r.head.Load()
	if head-r.tail.Load() >= uint64(len(r.buf)) {
		r.dropped.Add(1)
		return false
	}
	r.buf[head&r.mask] = v
	r.head.Store(head + 1)
	r.pushed.Add(1)
	return true
}

// Pop removes the oldest value. Must only be called from the consumer goroutine.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	tail := r.tail.Load()
	if tail == r.head.Load() {
		return zero, false
	}
	v := r.buf[tail&r.mask]
	r.buf[tail&r.mask] = zero
	r.tail.Store(tail + 1)
	return v, true
}

// Drain appends every available value to dst in FIFO order and returns it.
// Values pushed while draining may be left for the next call.
func (r *Ring[T]) Drain(dst []T) []T {
	var zero T
	tail := r.tail.Load()
	head := r.head.Load()
	for ; tail != head; tail++ {
		dst = append(dst, r.buf[tail&r.mask])
		r.buf[tail&r.mask] = zero
	}
	r.tail.Store(tail)
	return dst
}

// Len returns the number of queued values.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns the number of values refused because the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}

// Pushed returns the number of accepted values.
func (r *Ring[T]) Pushed() uint64 {
	return r.pushed.Load()
}
