package capture

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
	"github.com/AlessandroAU/MISRC/capture-server/internal/frame/frametest"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
	"github.com/AlessandroAU/MISRC/capture-server/internal/source"
)

const (
	testWidth  = 16
	testHeight = 40
)

type message struct {
	level logger.LogLevel
	text  string
}

type testListener struct {
	events    []frame.SyncResult
	wasSynced []bool
	progress  []uint32
	messages []message
	audio    []bool
}

func (l *testListener) Message(level logger.LogLevel, msg string) {
	l.messages = append(l.messages, message{level, msg})
}

func (l *testListener) SyncProgress(n uint32) { l.progress = append(l.progress, n) }

func (l *testListener) SyncEvent(result frame.SyncResult, _ frame.Metadata, wasSynced bool) {
	if result != frame.SyncOK {
		l.events = append(l.events, result)
		l.wasSynced = append(l.wasSynced, wasSynced)
	}
}

func (l *testListener) AudioSynced(synced bool) { l.audio = append(l.audio, synced) }

func line(stream uint16, start uint16) frametest.Line {
	return frametest.Line{StreamID: stream, Payload: frametest.Ramp(start, 4)}
}

func newRing(t *testing.T, name string, capacity int) Output {
	t.Helper()
	r, err := ringbuf.New(name, capacity)
	if err != nil {
		t.Fatal(err)
	}
	return Output{Ring: r, Event: ringbuf.NewEvent()}
}

func feed(h *Handler, g *frametest.Generator, from, to int, lines []frametest.Line) {
	for c := from; c <= to; c++ {
		buf, _ := g.Next(uint16(c), lines)
		h.HandleFrame(source.FrameInfo{Buf: buf, Width: g.Width, Height: g.Height})
	}
}

func TestHandlerForwardsAfterAcquire(t *testing.T) {
	l := &testListener{}
	m := metrics.New()
	out := newRing(t, "rf", 1024)
	h := NewHandler(HandlerConfig{CaptureRF: true, RF: out, Listener: l, Metrics: m})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCTwoLine)
	lines := []frametest.Line{line(rf, 0), line(rf, 100), line(rf, 200)}

	feed(h, g, 0, 4, lines)
	if out.Ring.Len() != 0 {
		t.Fatalf("ring has %d bytes before the first valid frame", out.Ring.Len())
	}
	if len(l.events) != 1 || l.events[0] != frame.SyncAcquired {
		t.Fatalf("events = %v, want one ACQUIRED", l.events)
	}
	if !h.Status().Synced {
		t.Fatal("handler not synced after threshold frames")
	}

	feed(h, g, 5, 5, lines)
	want := frametest.Bytes(append(append(frametest.Ramp(0, 4), frametest.Ramp(100, 4)...), frametest.Ramp(200, 4)...))
	got := out.Ring.ReadReserve(len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("ring = %v, want %v", got, want)
	}
	if out.Ring.Len() != len(want) {
		t.Fatalf("ring len = %d", out.Ring.Len())
	}
	if m.FramesForwarded.Load() != 1 || m.SyncAcquisitions.Load() != 1 || m.RFBytesWritten.Load() != uint64(len(want)) {
		t.Fatalf("forwarded=%d acquisitions=%d rf bytes=%d",
			m.FramesForwarded.Load(), m.SyncAcquisitions.Load(), m.RFBytesWritten.Load())
	}
	if !out.Event.WaitTimeout(0) {
		t.Fatal("consumer event not signaled")
	}
}

func TestHandlerAlignsAudio(t *testing.T) {
	l := &testListener{}
	rfOut := newRing(t, "rf", 1024)
	audioOut := newRing(t, "audio", 1024)
	h := NewHandler(HandlerConfig{CaptureRF: true, CaptureAudio: true, RF: rfOut, Audio: audioOut, Listener: l})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCOneLine)
	lines := []frametest.Line{line(audio, 0), line(rf, 10), line(rf, 20), line(audio, 30), line(rf, 40)}

	feed(h, g, 0, 5, lines)
	// First valid frame: both audio lines are transition lines.
	if rfOut.Ring.Len() != 3*8 || audioOut.Ring.Len() != 0 {
		t.Fatalf("after frame 5: rf=%d audio=%d", rfOut.Ring.Len(), audioOut.Ring.Len())
	}
	if len(l.audio) != 1 || !l.audio[0] || !h.Status().AudioAligned {
		t.Fatalf("audio notifications = %v", l.audio)
	}

	feed(h, g, 6, 6, lines)
	if rfOut.Ring.Len() != 6*8 || audioOut.Ring.Len() != 2*8 {
		t.Fatalf("after frame 6: rf=%d audio=%d", rfOut.Ring.Len(), audioOut.Ring.Len())
	}
	if got := audioOut.Ring.ReadReserve(8); !bytes.Equal(got, frametest.Bytes(frametest.Ramp(0, 4))) {
		t.Fatalf("first audio bytes = %v", got)
	}

	// A frame without metadata loses sync and resets alignment.
	buf := make([]byte, testWidth*testHeight*2)
	h.HandleFrame(source.FrameInfo{Buf: buf, Width: testWidth, Height: testHeight})
	if h.Status().AudioAligned || len(l.audio) != 2 || l.audio[1] {
		t.Fatalf("audio notifications after loss = %v", l.audio)
	}
}

func TestHandlerDropPolicy(t *testing.T) {
	m := metrics.New()
	out := newRing(t, "rf", 32)
	out.Policy = PolicyDrop
	h := NewHandler(HandlerConfig{CaptureRF: true, RF: out, Metrics: m})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCOneLine)
	lines := []frametest.Line{line(rf, 0), line(rf, 4), line(rf, 8)}

	feed(h, g, 0, 6, lines)
	if out.Ring.Len() != 24 {
		t.Fatalf("ring len = %d, want one frame", out.Ring.Len())
	}
	if m.ProducerDrops.Load() != 1 {
		t.Fatalf("drops = %d", m.ProducerDrops.Load())
	}
}

func TestHandlerStallHonoursStop(t *testing.T) {
	m := metrics.New()
	var stop atomic.Bool
	out := newRing(t, "rf", 32)
	h := NewHandler(HandlerConfig{CaptureRF: true, RF: out, Metrics: m, Stop: &stop, StallSleep: time.Millisecond})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCOneLine)
	lines := []frametest.Line{line(rf, 0), line(rf, 4), line(rf, 8)}
	feed(h, g, 0, 5, lines)

	done := make(chan struct{})
	go func() {
		feed(h, g, 6, 6, lines)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("producer did not stall on a full ring")
	default:
	}
	stop.Store(true)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled producer ignored stop")
	}
	if m.ProducerStalls.Load() == 0 {
		t.Fatal("no stalls counted")
	}
	if out.Ring.Len() != 24 {
		t.Fatalf("ring len = %d", out.Ring.Len())
	}
}

func TestHandlerSkipsRFReservationBeforeAudio(t *testing.T) {
	m := metrics.New()
	rfOut := newRing(t, "rf", 32)
	// A full RF ring stalls any reservation.
	rfOut.Ring.WriteReserve(32)
	rfOut.Ring.WriteCommit(32)
	audioOut := newRing(t, "audio", 1024)
	var stop atomic.Bool
	t.Cleanup(func() { stop.Store(true) })
	h := NewHandler(HandlerConfig{
		CaptureRF: true, CaptureAudio: true,
		RF: rfOut, Audio: audioOut,
		Metrics: m, Stop: &stop, StallSleep: time.Millisecond,
	})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCOneLine)

	done := make(chan struct{})
	go func() {
		feed(h, g, 0, 7, []frametest.Line{line(rf, 0), line(rf, 4)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer stalled for RF lines the gate rejects")
	}
	if m.ProducerStalls.Load() != 0 || m.FramesForwarded.Load() != 3 {
		t.Fatalf("stalls=%d forwarded=%d", m.ProducerStalls.Load(), m.FramesForwarded.Load())
	}
	if rfOut.Ring.Len() != 32 || audioOut.Ring.Len() != 0 {
		t.Fatalf("rf=%d audio=%d", rfOut.Ring.Len(), audioOut.Ring.Len())
	}
}

func TestHandlerDeviceErrorLosesSync(t *testing.T) {
	l := &testListener{}
	var logBuf bytes.Buffer
	listeners := Listeners{l, LogListener{Log: logger.New(logger.INFO, &logBuf, false)}}
	m := metrics.New()
	h := NewHandler(HandlerConfig{CaptureRF: true, RF: newRing(t, "rf", 1024), Listener: listeners, Metrics: m})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCOneLine)
	feed(h, g, 0, 5, []frametest.Line{line(rf, 0)})
	if !h.Status().Synced {
		t.Fatal("handler not synced before the device error")
	}

	h.HandleFrame(source.FrameInfo{DeviceError: true})
	if h.Status().Synced {
		t.Fatal("still synced after device error")
	}
	last := len(l.events) - 1
	if l.events[last] != frame.SyncLost || !l.wasSynced[last] {
		t.Fatalf("last event = %s wasSynced=%v", l.events[last], l.wasSynced[last])
	}
	if !strings.Contains(logBuf.String(), "Lost sync to input stream") {
		t.Fatalf("log output:\n%s", logBuf.String())
	}
	if m.DeviceErrors.Load() != 1 || m.FramesLost.Load() != 1 {
		t.Fatalf("device errors=%d lost=%d", m.DeviceErrors.Load(), m.FramesLost.Load())
	}
}

func TestHandlerShortFrameIsInvalid(t *testing.T) {
	m := metrics.New()
	h := NewHandler(HandlerConfig{CaptureRF: true, Metrics: m})
	h.HandleFrame(source.FrameInfo{Buf: make([]byte, testWidth*4*2), Width: testWidth, Height: 4})
	if m.InvalidFrames.Load() != 1 || m.FramesLost.Load() != 1 {
		t.Fatalf("invalid=%d lost=%d", m.InvalidFrames.Load(), m.FramesLost.Load())
	}
}

func TestHandlerWarnsWithoutStreamIDs(t *testing.T) {
	l := &testListener{}
	h := NewHandler(HandlerConfig{CaptureRF: true, CaptureAudio: true, Listener: l})
	g := frametest.New(testWidth, testHeight, 0, frame.CRCNone)
	feed(h, g, 0, 4, nil)

	var critical int
	for _, msg := range l.messages {
		if msg.level == logger.CRITICAL && strings.Contains(msg.text, "stream IDs") {
			critical++
		}
	}
	if critical != 1 {
		t.Fatalf("critical messages = %+v", l.messages)
	}
}

func TestHandlerProgressOnlyWhenUnsynced(t *testing.T) {
	l := &testListener{}
	h := NewHandler(HandlerConfig{CaptureRF: true, Listener: l})
	buf := make([]byte, testWidth*testHeight*2)
	for i := 0; i < 3; i++ {
		h.HandleFrame(source.FrameInfo{Buf: buf, Width: testWidth, Height: testHeight})
	}
	if len(l.progress) != 3 || l.progress[2] != 3 {
		t.Fatalf("progress = %v", l.progress)
	}
	if h.Status().FramesWithoutSync != 3 {
		t.Fatalf("status = %+v", h.Status())
	}

	h.Reset()
	if h.Status().FramesWithoutSync != 0 {
		t.Fatal("Reset kept the unsynced count")
	}
}

func TestHandlerTracksSampleRates(t *testing.T) {
	h := NewHandler(HandlerConfig{CaptureRF: true})
	g := frametest.New(testWidth, testHeight, frame.FlagStreamIDPresent, frame.CRCNone)
	g.Rates = [frame.NumStreams]uint32{40000000, 78125}
	feed(h, g, 0, 0, nil)
	if got := h.Status().SampleRates; got != [2]uint32{40000000, 78125} {
		t.Fatalf("rates = %v", got)
	}
}

func TestHandlerIgnoresFramesAfterStop(t *testing.T) {
	m := metrics.New()
	var stop atomic.Bool
	stop.Store(true)
	h := NewHandler(HandlerConfig{CaptureRF: true, Metrics: m, Stop: &stop})
	h.HandleFrame(source.FrameInfo{DeviceError: true})
	if m.FramesReceived.Load() != 0 {
		t.Fatal("stopped handler processed a frame")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyStall, "stall": PolicyStall, "DROP": PolicyDrop} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %s, %v", in, got, err)
		}
	}
	if _, err := ParsePolicy("block"); err == nil {
		t.Fatal("expected error")
	}
}
