package drain

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
)

func newRing(t *testing.T, capacity int) *ringbuf.RingBuffer {
	t.Helper()
	rb, err := ringbuf.New("test", capacity)
	if err != nil {
		t.Fatalf("ringbuf.New: %v", err)
	}
	return rb
}

func push(t *testing.T, rb *ringbuf.RingBuffer, data []byte) {
	t.Helper()
	buf := rb.WriteReserve(len(data))
	if buf == nil {
		t.Fatalf("no room for %d bytes", len(data))
	}
	copy(buf, data)
	rb.WriteCommit(len(data))
}

func TestNewRequiresRingAndSink(t *testing.T) {
	if _, err := New(Config{Sink: &bytes.Buffer{}}); !errors.Is(err, ErrNoSink) {
		t.Fatalf("err = %v", err)
	}
	w, err := New(Config{Ring: newRing(t, 100), Sink: &bytes.Buffer{}})
	if err != nil {
		t.Fatal(err)
	}
	if w.cfg.ChunkSize != 100 {
		t.Fatalf("chunk size = %d, want clamp to capacity", w.cfg.ChunkSize)
	}
}

func TestRunDrainsFinalPartialChunk(t *testing.T) {
	rb := newRing(t, 1024)
	var sink bytes.Buffer
	var exit atomic.Bool
	exit.Store(true)

	data := bytes.Repeat([]byte{0xAB}, 250)
	push(t, rb, data)

	var progress []int
	w, _ := New(Config{
		Ring:      rb,
		Sink:      &sink,
		ChunkSize: 100,
		ExitFlag:  &exit,
		Progress:  func(n int) { progress = append(progress, n) },
	})
	n, err := w.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != 250 || !bytes.Equal(sink.Bytes(), data) {
		t.Fatalf("wrote %d bytes, sink has %d", n, sink.Len())
	}
	want := []int{100, 100, 50}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress = %v, want %v", progress, want)
		}
	}
	if rb.Len() != 0 {
		t.Fatalf("ring still holds %d bytes", rb.Len())
	}
}

func TestRunExitsOnClosedRing(t *testing.T) {
	rb := newRing(t, 64)
	var sink bytes.Buffer
	w, _ := New(Config{Ring: rb, Sink: &sink, ChunkSize: 16})

	done := make(chan int64)
	go func() {
		n, _ := w.Run()
		done <- n
	}()

	push(t, rb, []byte("hello"))
	rb.Close()

	select {
	case n := <-done:
		if n != 5 || sink.String() != "hello" {
			t.Fatalf("n=%d sink=%q", n, sink.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit")
	}
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, errors.New("disk full")
}

func TestRunKeepsConsumingAfterSinkError(t *testing.T) {
	rb := newRing(t, 64)
	push(t, rb, make([]byte, 48))
	sink := &failingWriter{}
	w, _ := New(Config{Ring: rb, Sink: sink, ChunkSize: 16, Exit: func() bool { return true }})

	_, err := w.Run()
	if err == nil {
		t.Fatal("expected the sink error")
	}
	if sink.calls != 1 {
		t.Fatalf("sink called %d times after failing", sink.calls)
	}
	if rb.Len() != 0 {
		t.Fatalf("ring not drained: %d bytes left", rb.Len())
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func TestRunWithProducer(t *testing.T) {
	rb := newRing(t, 4096)
	ev := ringbuf.NewEvent()
	var stop atomic.Bool
	sink := &lockedBuffer{}

	w, _ := New(Config{Ring: rb, Sink: sink, ChunkSize: 512, ExitFlag: &stop, Event: ev, PollInterval: 5 * time.Millisecond})
	var wg sync.WaitGroup
	wg.Add(1)
	var total int64
	go func() {
		defer wg.Done()
		total, _ = w.Run()
	}()

	var want bytes.Buffer
	for i := 0; i < 2000; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1+i%300)
		for {
			if buf := rb.WriteReserve(len(chunk)); buf != nil {
				copy(buf, chunk)
				rb.WriteCommit(len(chunk))
				ev.Signal()
				break
			}
			time.Sleep(100 * time.Microsecond)
		}
		want.Write(chunk)
	}
	stop.Store(true)
	ev.Signal()
	wg.Wait()

	if total != int64(want.Len()) || !bytes.Equal(sink.b.Bytes(), want.Bytes()) {
		t.Fatalf("drained %d bytes, want %d", total, want.Len())
	}
}
