// Package drain moves bytes from a ring buffer to a sink on a dedicated
// goroutine.
package drain

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
)

const (
	DefaultChunkSize    = 64 * 1024
	DefaultPollInterval = time.Millisecond
)

var ErrNoSink = errors.New("drain: ring and sink are required")

// ExitFunc reports whether the writer should finish once the ring runs dry.
type ExitFunc func() bool

// ProgressFunc is called after each write with the bytes written.
type ProgressFunc func(n int)

// Config configures a Writer. Exit takes precedence over ExitFlag; with
// neither set the writer runs until the ring is closed and empty.
type Config struct {
	Ring         *ringbuf.RingBuffer
	Sink         io.Writer
	ChunkSize    int
	PollInterval time.Duration

	Exit     ExitFunc
	ExitFlag *atomic.Bool
	Progress ProgressFunc

	// Event, when set, replaces the idle sleep with a wait on the producer's
	// signal bounded by PollInterval.
	Event *ringbuf.Event
}

// Writer drains one ring buffer.
type Writer struct {
	cfg     Config
	written atomic.Int64
}

// New validates cfg and fills in defaults. ChunkSize is clamped to the ring
// capacity.
func New(cfg Config) (*Writer, error) {
	if cfg.Ring == nil || cfg.Sink == nil {
		return nil, ErrNoSink
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > cfg.Ring.Cap() {
		cfg.ChunkSize = cfg.Ring.Cap()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Writer{cfg: cfg}, nil
}

// Written returns the bytes handed to the sink so far.
func (w *Writer) Written() int64 { return w.written.Load() }

func (w *Writer) shouldExit() bool {
	if w.cfg.Exit != nil {
		return w.cfg.Exit()
	}
	if w.cfg.ExitFlag != nil {
		return w.cfg.ExitFlag.Load()
	}
	return w.cfg.Ring.Closed()
}

// Run drains full chunks until the ring is empty and the exit condition
// holds, then drains whatever is left, including a final partial chunk. A
// failing sink does not stop the loop: data keeps being consumed so the
// producer never wedges, and the first write error is returned at the end.
func (w *Writer) Run() (int64, error) {
	var firstErr error
	name := w.cfg.Ring.Name()

	write := func(buf []byte) {
		n := 0
		if firstErr == nil {
			written, err := w.cfg.Sink.Write(buf)
			if err != nil {
				firstErr = fmt.Errorf("drain %s: %w", name, err)
				logger.Error("Drain", "%s: sink write failed, discarding further data: %v", name, err)
			}
			n = written
		}
		w.cfg.Ring.ReadCommit(len(buf))
		if n > 0 {
			w.written.Add(int64(n))
			if w.cfg.Progress != nil {
				w.cfg.Progress(n)
			}
		}
	}

	for {
		if buf := w.cfg.Ring.ReadReserve(w.cfg.ChunkSize); buf != nil {
			write(buf)
			continue
		}

		if w.shouldExit() {
			for {
				remaining := w.cfg.Ring.Len()
				if remaining == 0 {
					break
				}
				buf := w.cfg.Ring.ReadReserve(min(remaining, w.cfg.ChunkSize))
				if buf == nil {
					break
				}
				write(buf)
			}
			logger.Debug("Drain", "%s: finished after %d bytes", name, w.written.Load())
			return w.written.Load(), firstErr
		}

		if w.cfg.Event != nil {
			w.cfg.Event.WaitTimeout(w.cfg.PollInterval)
		} else {
			time.Sleep(w.cfg.PollInterval)
		}
	}
}
