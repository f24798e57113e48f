package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AlessandroAU/MISRC/capture-server/internal/drain"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
	"github.com/AlessandroAU/MISRC/capture-server/internal/source"
)

var (
	ErrSessionStarted = errors.New("capture: session already started")
	ErrSessionStopped = errors.New("capture: session stopped")
)

// SessionConfig configures a Session.
type SessionConfig struct {
	CaptureRF     bool
	CaptureAudio  bool
	SyncThreshold uint32
	StallSleep    time.Duration

	RFBufferSize    int
	AudioBufferSize int
	// ChunkSize is the drain writers' read size.
	ChunkSize int

	RFPolicy    Policy
	AudioPolicy Policy

	// RFSink and AudioSink receive the drained streams. A nil sink for an
	// enabled stream discards it.
	RFSink    io.Writer
	AudioSink io.Writer

	Listener Listener
	Metrics  *metrics.Metrics
}

// SessionStatus is reported by the API.
type SessionStatus struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Running   bool          `json:"running"`
	Sync      HandlerStatus `json:"sync"`
	Streams   []StreamStat  `json:"streams"`
}

// StreamStat describes one ring buffer.
type StreamStat struct {
	Name     string `json:"name"`
	Capacity int    `json:"capacity"`
	Used     int    `json:"used"`
	Written  uint64 `json:"bytes_written"`
	Drained  int64  `json:"bytes_drained"`
}

type stream struct {
	out    Output
	writer *drain.Writer
}

// Session owns everything a capture run needs: the handler, one ring buffer
// and drain goroutine per enabled stream, and the stop flag.
//
// Shutdown is two-phase. Stop sets the flag, which makes a stalled producer
// give up, then waits for any in-flight HandleFrame before closing the rings.
// The drain goroutines exit once their ring is closed and empty.
type Session struct {
	id      string
	cfg     SessionConfig
	handler *Handler
	metrics *metrics.Metrics

	rf    *stream
	audio *stream

	stop    atomic.Bool
	frameMu sync.Mutex

	startMu   sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time

	wg     sync.WaitGroup
	errMu  sync.Mutex
	errs   []error
	doneCh chan struct{}
}

// NewSession allocates the ring buffers. Allocation failures are returned.
func NewSession(cfg SessionConfig) (*Session, error) {
	if !cfg.CaptureRF && !cfg.CaptureAudio {
		return nil, errors.New("capture: nothing to capture")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}

	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		metrics: cfg.Metrics,
		doneCh:  make(chan struct{}),
	}

	var err error
	if cfg.CaptureRF {
		if s.rf, err = s.newStream("rf", cfg.RFBufferSize, cfg.RFPolicy, cfg.RFSink, &s.metrics.RFBytesDrained); err != nil {
			return nil, err
		}
	}
	if cfg.CaptureAudio {
		if s.audio, err = s.newStream("audio", cfg.AudioBufferSize, cfg.AudioPolicy, cfg.AudioSink, &s.metrics.AudioBytesDrained); err != nil {
			return nil, err
		}
	}

	hc := HandlerConfig{
		CaptureRF:     cfg.CaptureRF,
		CaptureAudio:  cfg.CaptureAudio,
		SyncThreshold: cfg.SyncThreshold,
		StallSleep:    cfg.StallSleep,
		Stop:          &s.stop,
		Listener:      cfg.Listener,
		Metrics:       cfg.Metrics,
	}
	if s.rf != nil {
		hc.RF = s.rf.out
	}
	if s.audio != nil {
		hc.Audio = s.audio.out
	}
	s.handler = NewHandler(hc)
	return s, nil
}

func (s *Session) newStream(name string, size int, policy Policy, sink io.Writer, drained *atomic.Uint64) (*stream, error) {
	ring, err := ringbuf.New(name, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %s buffer: %w", name, err)
	}
	if sink == nil {
		sink = io.Discard
	}
	ev := ringbuf.NewEvent()
	w, err := drain.New(drain.Config{
		Ring:      ring,
		Sink:      sink,
		ChunkSize: s.cfg.ChunkSize,
		Event:     ev,
		Progress:  func(n int) { drained.Add(uint64(n)) },
	})
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", name, err)
	}
	return &stream{
		out:    Output{Ring: ring, Event: ev, Policy: policy},
		writer: w,
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Handler exposes the session's frame handler.
func (s *Session) Handler() *Handler { return s.handler }

// Start launches the drain goroutines and resets sync state.
func (s *Session) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.stopped {
		return ErrSessionStopped
	}
	if s.started {
		return ErrSessionStarted
	}
	s.started = true
	s.startedAt = time.Now()
	s.handler.Reset()

	for _, st := range s.streams() {
		s.wg.Add(1)
		go func(st *stream) {
			defer s.wg.Done()
			if _, err := st.writer.Run(); err != nil {
				s.errMu.Lock()
				s.errs = append(s.errs, err)
				s.errMu.Unlock()
			}
		}(st)
	}
	logger.Info("Capture", "Session %s started (rf=%v audio=%v)", s.id, s.cfg.CaptureRF, s.cfg.CaptureAudio)
	return nil
}

// HandleFrame is the source callback. It is a no-op once Stop was called.
func (s *Session) HandleFrame(fi source.FrameInfo) {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.stop.Load() {
		return
	}
	s.handler.HandleFrame(fi)
}

// Run starts the session, feeds it from src until src finishes or ctx is
// cancelled, then stops it.
func (s *Session) Run(ctx context.Context, src source.Source) error {
	if err := s.Start(); err != nil {
		return err
	}
	srcErr := src.Run(ctx, s.HandleFrame)
	if srcErr != nil {
		srcErr = fmt.Errorf("source: %w", srcErr)
	}
	return errors.Join(srcErr, s.Stop())
}

// Stop shuts the session down and waits for the drain goroutines to flush
// everything committed so far. It returns the sink errors, if any. Calling
// Stop more than once is safe.
func (s *Session) Stop() error {
	s.startMu.Lock()
	if s.stopped {
		s.startMu.Unlock()
		<-s.doneCh
		return s.err()
	}
	s.stopped = true
	started := s.started
	s.startMu.Unlock()

	s.stop.Store(true)
	s.frameMu.Lock()
	for _, st := range s.streams() {
		st.out.Ring.Close()
		st.out.Event.Signal()
	}
	s.frameMu.Unlock()

	if started {
		s.wg.Wait()
		logger.Info("Capture", "Session %s stopped", s.id)
	}
	close(s.doneCh)
	return s.err()
}

// Done is closed once Stop has finished.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

func (s *Session) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return errors.Join(s.errs...)
}

func (s *Session) streams() []*stream {
	out := make([]*stream, 0, 2)
	if s.rf != nil {
		out = append(out, s.rf)
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// Status returns a snapshot safe to call from any goroutine.
func (s *Session) Status() SessionStatus {
	s.startMu.Lock()
	st := SessionStatus{
		ID:        s.id,
		StartedAt: s.startedAt,
		Running:   s.started && !s.stopped,
	}
	s.startMu.Unlock()

	st.Sync = s.handler.Status()
	for _, str := range s.streams() {
		r := str.out.Ring
		st.Streams = append(st.Streams, StreamStat{
			Name:     r.Name(),
			Capacity: r.Cap(),
			Used:     r.Len(),
			Written:  r.Written(),
			Drained:  str.writer.Written(),
		})
	}
	return st
}
