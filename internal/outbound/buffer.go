// Package outbound implements the Outbound Buffer of spec section 4.6:
// a per-client bounded queue of DELIVERED frames between the bus-facing
// delivery path and the socket write loop, with drop-oldest overflow.
package outbound

import (
	"sync"

	"github.com/fleetgate/gateway/internal/domain"
)

// Buffer is a bounded, drop-oldest FIFO of frames awaiting a socket
// write for one client. A single consumer is expected to range over C
// until it is closed by Close.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	out      chan domain.Frame
	closed   bool
	dropped  uint64
}

// New builds a Buffer with the given capacity. No goroutine is started:
// Enqueue writes frames straight into the buffered channel returned by C.
func New(capacity int) *Buffer {
	b := &Buffer{
		capacity: capacity,
		out:      make(chan domain.Frame, capacity),
	}
	return b
}

// Enqueue appends f, dropping the oldest queued frame first if the
// buffer is at capacity. It reports whether a drop occurred (for
// metrics) and always "succeeds" otherwise — drop-oldest guarantees
// Enqueue never blocks and never fails outright.
func (b *Buffer) Enqueue(f domain.Frame) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	select {
	case b.out <- f:
		return false
	default:
	}

	// Channel full: pull the oldest item off to make room, then retry.
	select {
	case <-b.out:
		dropped = true
		b.dropped++
	default:
	}

	select {
	case b.out <- f:
	default:
		// Buffer refilled by the time we retried, which cannot happen
		// with a single producer per session holding b.mu throughout.
	}
	return dropped
}

// C returns the channel the send loop should range over.
func (b *Buffer) C() <-chan domain.Frame {
	return b.out
}

// Close marks the buffer closed so the consumer stops after draining
// whatever remains in the channel. Safe to call more than once.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.out)
}

// DroppedCount returns the number of frames dropped to overflow so far.
func (b *Buffer) DroppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
