package recorder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Config controls where and how raw channel data is written.
type Config struct {
	Directory string
	Prefix    string
	Compress  bool // zstd
}

// channelFile is one channel's output. The drain goroutine writes while the
// HTTP side starts and stops recordings, so each channel has its own lock.
type channelFile struct {
	mu       sync.Mutex
	name     string
	filename string
	file     *os.File
	zw       *zstd.Encoder
	w        io.Writer
	bytes    uint64
}

// Recorder records raw channel data to timestamped files. Data arriving
// while no recording is active is discarded.
type Recorder struct {
	mu        sync.RWMutex
	cfg       Config
	recording bool
	startTime time.Time
	channels  map[string]*channelFile
	metrics   *metrics.Metrics
}

// NewRecorder creates a recorder for the named channels.
func NewRecorder(cfg Config, m *metrics.Metrics, channels ...string) *Recorder {
	if cfg.Prefix == "" {
		cfg.Prefix = "recording"
	}
	if m == nil {
		m = metrics.New()
	}
	r := &Recorder{
		cfg:      cfg,
		channels: make(map[string]*channelFile, len(channels)),
		metrics:  m,
	}
	for _, name := range channels {
		r.channels[name] = &channelFile{name: name}
	}
	return r
}

// Sink returns the writer for a channel, for use as a drain sink. Writes
// never fail while idle.
func (r *Recorder) Sink(channel string) io.Writer {
	ch, ok := r.channels[channel]
	if !ok {
		return io.Discard
	}
	return &sink{r: r, ch: ch}
}

type sink struct {
	r  *Recorder
	ch *channelFile
}

func (s *sink) Write(p []byte) (int, error) {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()

	if s.ch.w == nil {
		return len(p), nil
	}
	n, err := s.ch.w.Write(p)
	s.ch.bytes += uint64(n)
	s.r.metrics.RecordingBytes.Add(uint64(n))
	if err != nil {
		return n, fmt.Errorf("record %s: %w", s.ch.name, err)
	}
	return n, nil
}

// Start opens a new file per channel.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return ErrAlreadyRecording
	}
	if err := os.MkdirAll(r.cfg.Directory, 0o755); err != nil {
		return fmt.Errorf("failed to create recording directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	ext := ".raw"
	if r.cfg.Compress {
		ext += ".zst"
	}

	var opened []*channelFile
	for _, ch := range r.channels {
		filename := fmt.Sprintf("%s_%s_%s%s", r.cfg.Prefix, timestamp, ch.name, ext)
		if err := ch.open(filepath.Join(r.cfg.Directory, filename), r.cfg.Compress); err != nil {
			for _, o := range opened {
				_ = o.close()
			}
			return err
		}
		ch.filename = filename
		opened = append(opened, ch)
	}

	r.recording = true
	r.startTime = time.Now()
	r.metrics.RecordingActive.Store(1)
	logger.Info("Recorder", "Recording started (%d channels, compress=%v)", len(r.channels), r.cfg.Compress)
	return nil
}

func (c *channelFile) open(path string, compress bool) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.file = f
	c.w = f
	c.bytes = 0
	if compress {
		zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			f.Close()
			c.file, c.w = nil, nil
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		c.zw = zw
		c.w = zw
	}
	return nil
}

func (c *channelFile) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.zw != nil {
		if err := c.zw.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", c.name, err))
		}
		c.zw = nil
	}
	if c.file != nil {
		if err := c.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("failed to sync %s: %w", c.name, err))
		}
		if err := c.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", c.name, err))
		}
		c.file = nil
	}
	c.w = nil
	return errors.Join(errs...)
}

// Stop closes the current files.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return ErrNotRecording
	}
	r.recording = false
	r.metrics.RecordingActive.Store(0)

	var errs []error
	for _, ch := range r.channels {
		if err := ch.close(); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Info("Recorder", "Recording stopped after %s", time.Since(r.startTime).Round(time.Millisecond))
	return errors.Join(errs...)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// ChannelStatus describes one channel's current file.
type ChannelStatus struct {
	Channel      string `json:"channel"`
	Filename     string `json:"filename"`
	BytesWritten uint64 `json:"bytes_written"`
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording  bool            `json:"recording"`
	Channels   []ChannelStatus `json:"channels"`
	DurationMs int64           `json:"duration_ms"`
	StartTime  time.Time       `json:"start_time"`
}

// GetStatus returns the current recording status
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RecordingStatus{
		Recording: r.recording,
		StartTime: r.startTime,
	}
	if r.recording {
		st.DurationMs = time.Since(r.startTime).Milliseconds()
	}
	for _, ch := range r.channels {
		ch.mu.Lock()
		st.Channels = append(st.Channels, ChannelStatus{
			Channel:      ch.name,
			Filename:     ch.filename,
			BytesWritten: ch.bytes,
		})
		ch.mu.Unlock()
	}
	sort.Slice(st.Channels, func(i, j int) bool { return st.Channels[i].Channel < st.Channels[j].Channel })
	return st
}

// Close stops any active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}
