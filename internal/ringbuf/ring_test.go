package ringbuf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"
)

func mustNew(t *testing.T, capacity int) *RingBuffer {
	t.Helper()
	rb, err := New("test", capacity)
	if err != nil {
		t.Fatalf("New(%d): %v", capacity, err)
	}
	return rb
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -1} {
		if _, err := New("bad", c); !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("New(%d) err = %v, want ErrInvalidCapacity", c, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	rb := mustNew(t, 64)
	want := []byte("0123456789abcdef")

	w := rb.WriteReserve(len(want))
	if len(w) != len(want) {
		t.Fatalf("WriteReserve len = %d", len(w))
	}
	copy(w, want)
	rb.WriteCommit(len(want))

	r := rb.ReadReserve(len(want))
	if !bytes.Equal(r, want) {
		t.Fatalf("ReadReserve = %q, want %q", r, want)
	}
	rb.ReadCommit(len(want))
	if rb.Len() != 0 {
		t.Fatalf("Len = %d after full read", rb.Len())
	}
}

func TestReserveNeverShort(t *testing.T) {
	rb := mustNew(t, 32)
	if rb.ReadReserve(1) != nil {
		t.Fatal("ReadReserve on empty ring should be nil")
	}
	if rb.WriteReserve(33) != nil {
		t.Fatal("WriteReserve beyond capacity should be nil")
	}
	rb.WriteReserve(20)
	rb.WriteCommit(20)
	if rb.WriteReserve(13) != nil {
		t.Fatal("WriteReserve(13) with 12 free should be nil")
	}
	if got := rb.WriteReserve(12); len(got) != 12 {
		t.Fatalf("WriteReserve(12) len = %d", len(got))
	}
	if rb.ReadReserve(21) != nil {
		t.Fatal("ReadReserve(21) with 20 available should be nil")
	}
}

func TestCapacity1024Scenario(t *testing.T) {
	rb := mustNew(t, 1024)

	if rb.WriteReserve(600) == nil {
		t.Fatal("first reservation failed")
	}
	rb.WriteCommit(600)

	if rb.WriteReserve(600) != nil {
		t.Fatalf("second reservation should fail with %d free", rb.Free())
	}
	if rb.Free() != 424 {
		t.Fatalf("Free = %d, want 424", rb.Free())
	}

	if rb.ReadReserve(600) == nil {
		t.Fatal("read reservation failed")
	}
	rb.ReadCommit(600)

	if rb.WriteReserve(600) == nil {
		t.Fatal("reservation after drain should succeed")
	}
}

func TestWrapIsContiguous(t *testing.T) {
	rb := mustNew(t, 100)

	// Move the indices close to the physical end.
	rb.WriteReserve(90)
	rb.WriteCommit(90)
	rb.ReadReserve(90)
	rb.ReadCommit(90)

	want := make([]byte, 40)
	for i := range want {
		want[i] = byte(i + 1)
	}
	w := rb.WriteReserve(len(want))
	if w == nil {
		t.Fatal("WriteReserve across wrap failed")
	}
	copy(w, want)
	rb.WriteCommit(len(want))

	got := rb.ReadReserve(len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("wrapped read mismatch:\n got %v\nwant %v", got, want)
	}
	rb.ReadCommit(len(want))
}

func TestCommitPastFreePanics(t *testing.T) {
	rb := mustNew(t, 8)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	rb.WriteCommit(9)
}

func TestCloseStopsWritesButAllowsDrain(t *testing.T) {
	rb := mustNew(t, 16)
	copy(rb.WriteReserve(4), "abcd")
	rb.WriteCommit(4)

	if err := rb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !errors.Is(rb.Close(), ErrClosed) {
		t.Fatal("second Close should report ErrClosed")
	}
	if rb.WriteReserve(1) != nil {
		t.Fatal("WriteReserve after Close should be nil")
	}
	if got := rb.ReadReserve(4); string(got) != "abcd" {
		t.Fatalf("drain after close = %q", got)
	}
}

// TestConcurrentChecksum pushes a pseudo-random stream through the ring with
// varying chunk sizes on both sides and compares digests.
func TestConcurrentChecksum(t *testing.T) {
	const (
		capacity = 4096
		total    = 4 << 20
	)
	rb := mustNew(t, capacity)
	dataReady := NewEvent()
	spaceReady := NewEvent()

	src := make([]byte, total)
	rand.New(rand.NewSource(42)).Read(src)
	want := sha256.Sum256(src)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(7))
		for off := 0; off < total; {
			n := 1 + rng.Intn(700)
			if off+n > total {
				n = total - off
			}
			w := rb.WriteReserve(n)
			if w == nil {
				spaceReady.WaitTimeout(time.Millisecond)
				continue
			}
			copy(w, src[off:off+n])
			rb.WriteCommit(n)
			dataReady.Signal()
			off += n
		}
	}()

	h := sha256.New()
	rng := rand.New(rand.NewSource(9))
	for read := 0; read < total; {
		n := 1 + rng.Intn(900)
		if read+n > total {
			n = total - read
		}
		if l := rb.Len(); l < 0 || l > capacity {
			t.Fatalf("Len out of bounds: %d", l)
		}
		r := rb.ReadReserve(n)
		if r == nil {
			dataReady.WaitTimeout(time.Millisecond)
			continue
		}
		h.Write(r)
		rb.ReadCommit(n)
		spaceReady.Signal()
		read += n
	}
	wg.Wait()

	var got [sha256.Size]byte
	copy(got[:], h.Sum(nil))
	if got != want {
		t.Fatal("checksum mismatch: bytes lost or duplicated")
	}
	if rb.Len() != 0 {
		t.Fatalf("Len = %d after draining", rb.Len())
	}
	if rb.Written() != total || rb.Read() != total {
		t.Fatalf("Written=%d Read=%d, want %d", rb.Written(), rb.Read(), total)
	}
}

func TestEventAutoReset(t *testing.T) {
	e := NewEvent()
	e.Signal()
	e.Signal()
	if !e.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("expected signaled event")
	}
	if e.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("event should have auto-reset")
	}
	if e.WaitTimeout(0) {
		t.Fatal("zero timeout poll should report unsignaled")
	}
}

func TestEventWakesWaiter(t *testing.T) {
	e := NewEvent()
	done := make(chan struct{})
	go func() {
		e.Wait()
		close(done)
	}()
	e.Signal()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestEventWaitContext(t *testing.T) {
	e := NewEvent()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.WaitContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("WaitContext err = %v", err)
	}
	e.Signal()
	if err := e.WaitContext(context.Background()); err != nil {
		t.Fatalf("WaitContext after signal: %v", err)
	}
}
