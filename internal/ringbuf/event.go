package ringbuf

import (
	"context"
	"time"
)

// Event is a binary auto-reset wake-up signal. Any number of Signal calls
// before a Wait collapse into one wake-up. Waiters must re-check the ring
// after waking.
type Event struct {
	ch chan struct{}
}

// NewEvent returns an unsignaled event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal sets the event and wakes one waiter. It never blocks.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the event is signaled and resets it.
func (e *Event) Wait() {
	<-e.ch
}

// WaitTimeout waits up to d and reports whether the event was signaled.
func (e *Event) WaitTimeout(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ch:
		return true
	case <-t.C:
		return false
	}
}

// WaitContext waits until the event is signaled or ctx is done.
func (e *Event) WaitContext(ctx context.Context) error {
	select {
	case <-e.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
