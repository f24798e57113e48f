package capture

import "github.com/AlessandroAU/MISRC/capture-server/internal/frame"

// AudioGate aligns the start of the RF and audio streams. Nothing is
// admitted until the first audio line shows up; RF starts with the line
// after it, audio with the line after the second audio line. Both
// transition lines are swallowed.
//
// The gate is producer-only state.
type AudioGate struct {
	CaptureRF    bool
	CaptureAudio bool

	stage1 bool
	stage2 bool

	// OnSynced is called once per sync period when audio becomes aligned.
	OnSynced func()
}

// Admit reports whether a payload line of streamID is forwarded.
func (g *AudioGate) Admit(streamID uint16) bool {
	switch streamID {
	case frame.StreamRF:
		return g.CaptureRF && (!g.CaptureAudio || g.stage1)
	case frame.StreamAudio:
		if !g.CaptureAudio {
			return false
		}
		if g.stage2 {
			return true
		}
		if g.stage1 {
			g.stage2 = true
			if g.OnSynced != nil {
				g.OnSynced()
			}
			return false
		}
		g.stage1 = true
		return false
	default:
		return false
	}
}

// MayAdmitRF reports whether any RF line of a frame can pass the gate.
// frameHasAudio is whether the frame carries audio lines that could open it.
func (g *AudioGate) MayAdmitRF(frameHasAudio bool) bool {
	return g.CaptureRF && (!g.CaptureAudio || g.stage1 || frameHasAudio)
}

// Filter adapts Admit to frame.CopyPayloads.
func (g *AudioGate) Filter(streamID uint16, _ []byte) bool {
	return g.Admit(streamID)
}

// Aligned reports whether audio is being forwarded.
func (g *AudioGate) Aligned() bool { return g.stage2 }

// Reset drops back to waiting for the first audio line.
func (g *AudioGate) Reset() {
	g.stage1 = false
	g.stage2 = false
}
