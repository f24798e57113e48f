// Package capture turns validated frames into ring buffer traffic: sync event
// dispatch, RF/audio alignment, producer backpressure and session lifecycle.
package capture

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
	"github.com/AlessandroAU/MISRC/capture-server/internal/source"
)

// DefaultStallSleep is the producer back-off while a ring buffer is full.
const DefaultStallSleep = 4 * time.Millisecond

// Policy decides what the producer does when a ring buffer has no room.
type Policy int

const (
	// PolicyStall retries until space frees up or the session stops.
	PolicyStall Policy = iota
	// PolicyDrop discards the frame's payload for that stream.
	PolicyDrop
)

func (p Policy) String() string {
	switch p {
	case PolicyStall:
		return "stall"
	case PolicyDrop:
		return "drop"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy parses "stall" or "drop".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "stall":
		return PolicyStall, nil
	case "drop":
		return PolicyDrop, nil
	default:
		return PolicyStall, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Output is one stream's ring buffer and the event that wakes its consumer.
type Output struct {
	Ring   *ringbuf.RingBuffer
	Event  *ringbuf.Event
	Policy Policy
}

func (o *Output) enabled() bool { return o.Ring != nil }

// HandlerConfig configures a Handler. Zero values get defaults.
type HandlerConfig struct {
	CaptureRF     bool
	CaptureAudio  bool
	SyncThreshold uint32
	StallSleep    time.Duration

	RF    Output
	Audio Output

	// Stop is checked on entry and while stalled.
	Stop     *atomic.Bool
	Listener Listener
	Metrics  *metrics.Metrics
}

// HandlerStatus is a snapshot that is safe to read from any goroutine.
type HandlerStatus struct {
	Synced            bool      `json:"synced"`
	AudioAligned      bool      `json:"audio_aligned"`
	LastFrameCounter  uint16    `json:"last_frame_counter"`
	FramesWithoutSync uint32    `json:"frames_without_sync"`
	SampleRates       [2]uint32 `json:"sample_rates"`
}

// Handler is the capture callback. HandleFrame must be called from a single
// goroutine; Status may be called from anywhere.
type Handler struct {
	cfg     HandlerConfig
	parser  *frame.Parser
	gate    AudioGate
	metrics *metrics.Metrics

	lastProgress uint32

	synced       atomic.Bool
	audioAligned atomic.Bool
	lastCounter  atomic.Uint32
	withoutSync  atomic.Uint32
	rates        [frame.NumStreams]atomic.Uint32
}

// NewHandler builds a handler in the unsynced start state.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.SyncThreshold == 0 {
		cfg.SyncThreshold = frame.DefaultSyncThreshold
	}
	if cfg.StallSleep <= 0 {
		cfg.StallSleep = DefaultStallSleep
	}
	if cfg.Stop == nil {
		cfg.Stop = new(atomic.Bool)
	}
	if cfg.Listener == nil {
		cfg.Listener = NopListener{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	h := &Handler{
		cfg:     cfg,
		parser:  frame.NewParser(cfg.SyncThreshold),
		metrics: cfg.Metrics,
	}
	h.gate = AudioGate{
		CaptureRF:    cfg.CaptureRF,
		CaptureAudio: cfg.CaptureAudio,
		OnSynced:     h.onAudioSynced,
	}
	return h
}

// Reset returns to the session start state.
func (h *Handler) Reset() {
	h.parser.Reset()
	h.resetGate()
	h.lastProgress = 0
	h.publish()
}

// Status returns the current sync snapshot.
func (h *Handler) Status() HandlerStatus {
	st := HandlerStatus{
		Synced:            h.synced.Load(),
		AudioAligned:      h.audioAligned.Load(),
		LastFrameCounter:  uint16(h.lastCounter.Load()),
		FramesWithoutSync: h.withoutSync.Load(),
	}
	for i := range h.rates {
		st.SampleRates[i] = h.rates[i].Load()
	}
	return st
}

// HandleFrame validates one frame and forwards its payload.
func (h *Handler) HandleFrame(fi source.FrameInfo) {
	if h.cfg.Stop.Load() {
		return
	}
	h.metrics.FramesReceived.Add(1)
	wasSynced := h.parser.Sync.Synced
	defer h.publish()

	if fi.DeviceError {
		h.metrics.DeviceErrors.Add(1)
		h.parser.Sync.Lose()
		h.dispatch(frame.SyncLost, frame.Metadata{}, wasSynced)
		h.progress()
		return
	}

	meta, err := frame.ExtractMetadata(fi.Buf, fi.Width, fi.Height)
	if err != nil {
		h.metrics.InvalidFrames.Add(1)
		h.parser.Sync.Lose()
		h.dispatch(frame.SyncLost, meta, wasSynced)
		h.progress()
		return
	}

	res := h.parser.Process(fi.Buf, fi.Width, fi.Height, meta)
	h.metrics.FramesProcessed.Add(1)
	h.metrics.IdleErrors.Add(uint64(res.IdleErrors))
	h.metrics.CRCErrors.Add(uint64(res.CRCErrors))
	if meta.Magic == frame.Magic {
		h.trackRates(meta)
	}

	if !h.dispatch(res.Sync, meta, wasSynced) {
		h.progress()
		return
	}

	switch {
	case res.InvalidLine:
		h.metrics.InvalidFrames.Add(1)
		h.progress()
	case res.ReportErrors:
		h.metrics.ErrorFrames.Add(1)
		h.cfg.Listener.Message(logger.WARN, errorSummary(res, meta.FrameCounter))
	case res.Valid:
		h.forward(fi, meta, res)
	default:
		h.progress()
	}
}

// dispatch notifies the listener and reports whether the frame may go on.
func (h *Handler) dispatch(result frame.SyncResult, meta frame.Metadata, wasSynced bool) bool {
	h.cfg.Listener.SyncEvent(result, meta, wasSynced)

	switch result {
	case frame.SyncLost:
		h.metrics.FramesLost.Add(1)
		h.resetGate()
		return false
	case frame.SyncDuplicate:
		h.metrics.FramesDuplicate.Add(1)
		return false
	case frame.SyncMissed:
		h.metrics.FramesMissed.Add(1)
	case frame.SyncAcquired:
		h.metrics.SyncAcquisitions.Add(1)
		h.resetGate()
		if h.cfg.CaptureAudio && !meta.HasStreamID() {
			h.cfg.Listener.Message(logger.CRITICAL, "Input stream carries no stream IDs, cannot capture audio")
		}
	}
	return true
}

func (h *Handler) progress() {
	if h.parser.Sync.Synced {
		h.lastProgress = 0
		return
	}
	n := h.parser.Sync.FramesWithoutSync
	if n == 0 || n == h.lastProgress {
		return
	}
	h.lastProgress = n
	h.cfg.Listener.SyncProgress(n)
}

func (h *Handler) forward(fi source.FrameInfo, meta frame.Metadata, res frame.Result) {
	var rfBuf, audioBuf []byte
	// A gate still waiting for audio rejects every RF line, so nothing is
	// reserved for them.
	if h.cfg.CaptureRF && h.cfg.RF.enabled() && h.gate.MayAdmitRF(res.AudioBytes > 0) {
		rfBuf = h.reserve(&h.cfg.RF, res.RFBytes)
	}
	if h.cfg.CaptureAudio && h.cfg.Audio.enabled() {
		audioBuf = h.reserve(&h.cfg.Audio, res.AudioBytes)
	}
	if h.cfg.Stop.Load() {
		return
	}

	rfN, audioN := frame.CopyPayloads(fi.Buf, fi.Width, fi.Height, meta, rfBuf, audioBuf, h.gate.Filter)

	if rfBuf != nil {
		h.commit(&h.cfg.RF, rfN)
		h.metrics.RFBytesWritten.Add(uint64(rfN))
	}
	if audioBuf != nil {
		h.commit(&h.cfg.Audio, audioN)
		h.metrics.AudioBytesWritten.Add(uint64(audioN))
	}
	h.metrics.FramesForwarded.Add(1)

	var rfUsed, rfCap, audioUsed, audioCap int
	if r := h.cfg.RF.Ring; r != nil {
		rfUsed, rfCap = r.Len(), r.Cap()
	}
	if r := h.cfg.Audio.Ring; r != nil {
		audioUsed, audioCap = r.Len(), r.Cap()
	}
	h.metrics.UpdateBufferUsage(rfUsed, rfCap, audioUsed, audioCap)
}

// reserve gets n bytes from out's ring according to its policy. It returns
// nil when the payload is dropped or the session is stopping.
func (h *Handler) reserve(out *Output, n int) []byte {
	if n <= 0 {
		return nil
	}
	if n > out.Ring.Cap() {
		h.metrics.ProducerDrops.Add(1)
		return nil
	}
	for {
		if b := out.Ring.WriteReserve(n); b != nil {
			return b
		}
		if out.Policy == PolicyDrop || out.Ring.Closed() {
			h.metrics.ProducerDrops.Add(1)
			return nil
		}
		if h.cfg.Stop.Load() {
			return nil
		}
		h.metrics.ProducerStalls.Add(1)
		time.Sleep(h.cfg.StallSleep)
	}
}

func (h *Handler) commit(out *Output, n int) {
	out.Ring.WriteCommit(n)
	if n > 0 && out.Event != nil {
		out.Event.Signal()
	}
}

func (h *Handler) trackRates(meta frame.Metadata) {
	for i, si := range meta.StreamInfo {
		if si.SampleRate != 0 {
			h.rates[i].Store(si.SampleRate)
		}
	}
}

func (h *Handler) onAudioSynced() {
	h.audioAligned.Store(true)
	h.cfg.Listener.AudioSynced(true)
}

func (h *Handler) resetGate() {
	aligned := h.gate.Aligned()
	h.gate.Reset()
	if aligned {
		h.audioAligned.Store(false)
		h.cfg.Listener.AudioSynced(false)
	}
}

func (h *Handler) publish() {
	h.synced.Store(h.parser.Sync.Synced)
	h.lastCounter.Store(uint32(h.parser.Sync.LastFrameCounter))
	h.withoutSync.Store(h.parser.Sync.FramesWithoutSync)
}
