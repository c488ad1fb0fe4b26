// Package bus implements a bounded multi-producer, multi-consumer
// broadcast channel. Slow receivers are never waited on: when a
// receiver's buffer is full, the oldest buffered item is discarded so
// the receiver resumes at the newest available items, and the receiver
// learns the drop count on its next read.
package bus

import (
	"sync"
	"sync/atomic"
)

// Bus fans every published item out to all current receivers.
type Bus[T any] struct {
	capacity int

	mu        sync.Mutex
	receivers map[*Receiver[T]]struct{}
	closed    bool
}

// New creates a Bus whose receivers buffer up to capacity items.
func New[T any](capacity int) *Bus[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus[T]{
		capacity:  capacity,
		receivers: make(map[*Receiver[T]]struct{}),
	}
}

// Subscribe registers a new receiver. A receiver created after Close
// observes the bus as already closed.
func (b *Bus[T]) Subscribe() *Receiver[T] {
	r := &Receiver[T]{
		bus: b,
		ch:  make(chan T, b.capacity),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(r.ch)
		return r
	}
	b.receivers[r] = struct{}{}
	return r
}

// Publish delivers v to every receiver. Receivers whose buffers are
// full lose their oldest buffered item instead of blocking the caller.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for r := range b.receivers {
		select {
		case r.ch <- v:
			continue
		default:
		}

		// Buffer full: evict the oldest item to make room. The eviction
		// races with the receiver draining its own channel, in which
		// case both reads succeed and nothing is actually lost beyond
		// what the counter reports.
		select {
		case <-r.ch:
			r.lagged.Add(1)
		default:
		}
		select {
		case r.ch <- v:
		default:
			r.lagged.Add(1)
		}
	}
}

// Close shuts the bus down. Every receiver's channel is closed; further
// Publish calls are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for r := range b.receivers {
		close(r.ch)
	}
	b.receivers = nil
}

// Receivers reports the number of subscribed receivers.
func (b *Bus[T]) Receivers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.receivers)
}

// Receiver is a single subscriber's end of the bus.
type Receiver[T any] struct {
	bus    *Bus[T]
	ch     chan T
	lagged atomic.Int64
}

// C returns the receive channel. It is closed when the bus closes.
func (r *Receiver[T]) C() <-chan T {
	return r.ch
}

// Lagged returns the number of items dropped for this receiver since
// the previous call, and resets the counter.
func (r *Receiver[T]) Lagged() int64 {
	return r.lagged.Swap(0)
}

// Close unsubscribes the receiver. Items already buffered remain
// readable; no further items are delivered.
func (r *Receiver[T]) Close() {
	r.bus.mu.Lock()
	defer r.bus.mu.Unlock()
	if r.bus.closed {
		return
	}
	delete(r.bus.receivers, r)
}
