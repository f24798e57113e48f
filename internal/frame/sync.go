package frame

import "fmt"

// DefaultSyncThreshold is the number of in-order frames that must be
// exceeded before the stream is trusted.
const DefaultSyncThreshold = 4

// SyncResult classifies a frame with respect to frame-counter continuity.
type SyncResult int

const (
	SyncOK SyncResult = iota
	SyncDuplicate
	SyncMissed
	SyncLost
	SyncAcquired
)

func (r SyncResult) String() string {
	switch r {
	case SyncOK:
		return "OK"
	case SyncDuplicate:
		return "DUPLICATE"
	case SyncMissed:
		return "MISSED"
	case SyncLost:
		return "LOST"
	case SyncAcquired:
		return "ACQUIRED"
	default:
		return fmt.Sprintf("SyncResult(%d)", int(r))
	}
}

// SyncState tracks frame-counter continuity for one capture session.
type SyncState struct {
	LastFrameCounter  uint16
	InOrderRun        uint32
	Synced            bool
	FramesWithoutSync uint32
}

// NewSyncState returns a reset state.
func NewSyncState() SyncState {
	var s SyncState
	s.Reset()
	return s
}

// Reset returns to the unsynced start state. The last counter is seeded with
// 0xFFFF so a stream starting at counter 0 is in order from its first frame.
func (s *SyncState) Reset() {
	*s = SyncState{LastFrameCounter: 0xFFFF}
}

// Lose handles a frame whose magic did not match.
func (s *SyncState) Lose() SyncResult {
	s.Synced = false
	s.InOrderRun = 0
	s.FramesWithoutSync++
	return SyncLost
}

// Classify applies the counter rules: DUPLICATE leaves the state alone,
// otherwise the in-order run is advanced or reset (MISSED when it breaks
// while synced) and the counter is recorded.
func (s *SyncState) Classify(counter uint16) SyncResult {
	if counter == s.LastFrameCounter {
		return SyncDuplicate
	}

	res := SyncOK
	if counter == s.LastFrameCounter+1 {
		s.InOrderRun++
	} else {
		s.InOrderRun = 0
		if s.Synced {
			res = SyncMissed
		}
	}
	s.LastFrameCounter = counter
	return res
}

// TryAcquire declares sync once the in-order run exceeds threshold on a frame
// without integrity errors.
func (s *SyncState) TryAcquire(threshold uint32, frameErrors int) bool {
	if s.Synced || s.InOrderRun <= threshold || frameErrors != 0 {
		return false
	}
	s.Synced = true
	s.FramesWithoutSync = 0
	return true
}

// Check runs Classify and TryAcquire for a frame whose error tally is
// already known.
func (s *SyncState) Check(counter uint16, threshold uint32, frameErrors int) SyncResult {
	res := s.Classify(counter)
	if res == SyncDuplicate {
		return res
	}
	if s.TryAcquire(threshold, frameErrors) {
		return SyncAcquired
	}
	return res
}
