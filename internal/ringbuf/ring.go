// Package ringbuf provides the byte ring buffer and wake-up event shared by
// the capture callback (producer) and a drain goroutine (consumer).
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// MaxCapacity bounds a single ring allocation.
const MaxCapacity = 1 << 32

var (
	ErrInvalidCapacity = errors.New("ringbuf: invalid capacity")
	ErrClosed          = errors.New("ringbuf: closed")
)

// RingBuffer is a fixed-capacity single-producer/single-consumer byte ring.
//
// Reservations always hand out one contiguous slice of exactly the requested
// length or nil. Spans crossing the physical end of the storage are stitched
// by copying: the producer writes into a mirror area past the end which is
// folded back to the start on commit, and the consumer gets a scratch copy
// when its span wraps.
//
// The producer owns tail, the consumer owns head; each side only loads the
// other's index. A slice returned by a reserve call stays valid until the
// matching commit.
type RingBuffer struct {
	name     string
	capacity uint64

	// buf holds capacity bytes of storage followed by capacity bytes of
	// producer-only mirror space.
	buf []byte
	// scratch is consumer-only.
	scratch []byte

	_    [64]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte

	closed atomic.Bool
}

// New allocates a ring buffer. Allocation failures are setup errors and are
// reported to the caller.
func New(name string, capacity int) (rb *RingBuffer, err error) {
	if capacity <= 0 || uint64(capacity) > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	defer func() {
		if r := recover(); r != nil {
			rb = nil
			err = fmt.Errorf("ringbuf %q: allocate %d bytes: %v", name, capacity, r)
		}
	}()
	return &RingBuffer{
		name:     name,
		capacity: uint64(capacity),
		buf:      make([]byte, 2*capacity),
		scratch:  make([]byte, capacity),
	}, nil
}

// Name returns the label given at construction.
func (r *RingBuffer) Name() string { return r.name }

// Cap returns the fixed capacity in bytes.
func (r *RingBuffer) Cap() int { return int(r.capacity) }

// Len returns the number of committed, unread bytes.
func (r *RingBuffer) Len() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(tail - head)
}

// Free returns the number of bytes a producer could reserve right now.
func (r *RingBuffer) Free() int {
	return int(r.capacity) - r.Len()
}

// Written returns the total number of bytes ever committed by the producer.
func (r *RingBuffer) Written() uint64 { return r.tail.Load() }

// Read returns the total number of bytes ever committed by the consumer.
func (r *RingBuffer) Read() uint64 { return r.head.Load() }

// WriteReserve returns a writable span of exactly n bytes, or nil when fewer
// than n bytes are free or the buffer is closed.
func (r *RingBuffer) WriteReserve(n int) []byte {
	if n <= 0 || uint64(n) > r.capacity || r.closed.Load() {
		return nil
	}
	tail := r.tail.Load()
	head := r.head.Load()
	if r.capacity-(tail-head) < uint64(n) {
		return nil
	}
	off := tail % r.capacity
	end := off + uint64(n)
	return r.buf[off:end:end]
}

// WriteCommit publishes n bytes previously obtained from WriteReserve.
func (r *RingBuffer) WriteCommit(n int) {
	if n <= 0 {
		return
	}
	tail := r.tail.Load()
	head := r.head.Load()
	if uint64(n) > r.capacity-(tail-head) {
		panic(fmt.Sprintf("ringbuf %q: commit of %d bytes exceeds free space", r.name, n))
	}
	off := tail % r.capacity
	if end := off + uint64(n); end > r.capacity {
		copy(r.buf[:end-r.capacity], r.buf[r.capacity:end])
	}
	r.tail.Store(tail + uint64(n))
}

// ReadReserve returns a readable span of exactly n bytes, or nil when fewer
// than n bytes are available. Data already committed stays readable after
// Close so the consumer can drain it.
func (r *RingBuffer) ReadReserve(n int) []byte {
	if n <= 0 || uint64(n) > r.capacity {
		return nil
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head < uint64(n) {
		return nil
	}
	off := head % r.capacity
	end := off + uint64(n)
	if end <= r.capacity {
		return r.buf[off:end:end]
	}
	first := r.capacity - off
	copy(r.scratch, r.buf[off:r.capacity])
	copy(r.scratch[first:n], r.buf[:uint64(n)-first])
	return r.scratch[:n:n]
}

// ReadCommit releases n bytes previously obtained from ReadReserve.
func (r *RingBuffer) ReadCommit(n int) {
	if n <= 0 {
		return
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if uint64(n) > tail-head {
		panic(fmt.Sprintf("ringbuf %q: read commit of %d bytes exceeds available data", r.name, n))
	}
	r.head.Store(head + uint64(n))
}

// Close stops further write reservations. It must only be called once the
// producer has stopped; the consumer may keep draining.
func (r *RingBuffer) Close() error {
	if r.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

// Closed reports whether Close has been called.
func (r *RingBuffer) Closed() bool { return r.closed.Load() }
