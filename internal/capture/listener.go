package capture

import (
	"fmt"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
)

// Listener receives capture notifications. All methods are called on the
// producer goroutine and must not block.
type Listener interface {
	Message(level logger.LogLevel, msg string)
	// SyncProgress is called whenever the count of frames received without
	// sync grows.
	SyncProgress(framesWithoutSync uint32)
	SyncEvent(result frame.SyncResult, meta frame.Metadata, wasSynced bool)
	AudioSynced(synced bool)
}

// NopListener ignores everything. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) Message(logger.LogLevel, string) {}
func (NopListener) SyncProgress(uint32) {}
func (NopListener) SyncEvent(frame.SyncResult, frame.Metadata, bool) {}
func (NopListener) AudioSynced(bool) {}

// Listeners fans notifications out in order.
type Listeners []Listener

func (ls Listeners) Message(level logger.LogLevel, msg string) {
	for _, l := range ls {
		l.Message(level, msg)
	}
}

func (ls Listeners) SyncProgress(n uint32) {
	for _, l := range ls {
		l.SyncProgress(n)
	}
}

func (ls Listeners) SyncEvent(result frame.SyncResult, meta frame.Metadata, wasSynced bool) {
	for _, l := range ls {
		l.SyncEvent(result, meta, wasSynced)
	}
}

func (ls Listeners) AudioSynced(synced bool) {
	for _, l := range ls {
		l.AudioSynced(synced)
	}
}

// ProgressInterval and ProgressWarnAt drive LogListener's unsynced reporting.
const (
	ProgressInterval = 5
	ProgressWarnAt   = 500
)

// LogListener writes notifications to a logger.
type LogListener struct {
	Log    *logger.Logger // nil uses the package default
	Module string
}

func (l LogListener) module() string {
	if l.Module == "" {
		return "Capture"
	}
	return l.Module
}

func (l LogListener) log(level logger.LogLevel, format string, args ...interface{}) {
	if l.Log != nil {
		l.Log.Log(level, l.module(), format, args...)
		return
	}
	logger.Log(level, l.module(), format, args...)
}

func (l LogListener) Message(level logger.LogLevel, msg string) {
	l.log(level, "%s", msg)
}

func (l LogListener) SyncProgress(n uint32) {
	if n%ProgressInterval == 0 {
		l.log(logger.INFO, "Received %d frames without sync...", n)
	}
	if n == ProgressWarnAt {
		l.log(logger.WARN, "Received %d corrupted frames, check the connection", n)
	}
}

func (l LogListener) SyncEvent(result frame.SyncResult, meta frame.Metadata, wasSynced bool) {
	switch result {
	case frame.SyncAcquired:
		l.log(logger.INFO, "Sync acquired at frame %d (crc %s, stream id %v)",
			meta.FrameCounter, meta.CRCMode, meta.HasStreamID())
	case frame.SyncLost:
		if wasSynced {
			l.log(logger.WARN, "Lost sync to input stream")
		}
	case frame.SyncMissed:
		l.log(logger.WARN, "Missed frame(s), got counter %d", meta.FrameCounter)
	case frame.SyncDuplicate:
		l.log(logger.DEBUG, "Duplicate frame %d", meta.FrameCounter)
	}
}

func (l LogListener) AudioSynced(synced bool) {
	if synced {
		l.log(logger.INFO, "RF and audio aligned")
	}
}

func errorSummary(res frame.Result, counter uint16) string {
	return fmt.Sprintf("Frame %d discarded: %d CRC errors, %d idle errors", counter, res.CRCErrors, res.IdleErrors)
}
