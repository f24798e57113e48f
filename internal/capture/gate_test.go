package capture

import (
	"testing"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
)

const (
	rf    = frame.StreamRF
	audio = frame.StreamAudio
)

func TestAudioGateAdmit(t *testing.T) {
	tests := []struct {
		name         string
		captureRF    bool
		captureAudio bool
		lines        []uint16
		want         []bool
		syncedAfter  int // index of the line that completes alignment, -1 for never
	}{
		{
			name:        "rf only",
			captureRF:   true,
			lines:       []uint16{rf, audio, rf, audio},
			want:        []bool{true, false, true, false},
			syncedAfter: -1,
		},
		{
			name:         "rf and audio",
			captureRF:    true,
			captureAudio: true,
			lines:        []uint16{rf, audio, rf, audio, rf, audio, rf},
			want:         []bool{false, false, true, false, true, true, true},
			syncedAfter:  3,
		},
		{
			name:         "audio only",
			captureAudio: true,
			lines:        []uint16{rf, audio, rf, audio, audio, rf},
			want:         []bool{false, false, false, false, true, false},
			syncedAfter:  3,
		},
		{
			name:         "unknown stream",
			captureRF:    true,
			captureAudio: true,
			lines:        []uint16{7, audio, 7},
			want:         []bool{false, false, false},
			syncedAfter:  -1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			synced := -1
			idx := 0
			g := AudioGate{CaptureRF: tc.captureRF, CaptureAudio: tc.captureAudio}
			g.OnSynced = func() {
				if synced != -1 {
					t.Fatal("OnSynced called twice")
				}
				synced = idx
			}
			for i, id := range tc.lines {
				idx = i
				if got := g.Admit(id); got != tc.want[i] {
					t.Fatalf("line %d (stream %d): admit=%v, want %v", i, id, got, tc.want[i])
				}
			}
			if synced != tc.syncedAfter {
				t.Fatalf("synced at line %d, want %d", synced, tc.syncedAfter)
			}
			if g.Aligned() != (tc.syncedAfter >= 0) {
				t.Fatalf("Aligned() = %v", g.Aligned())
			}
		})
	}
}

func TestAudioGateReset(t *testing.T) {
	calls := 0
	g := AudioGate{CaptureRF: true, CaptureAudio: true, OnSynced: func() { calls++ }}
	for _, id := range []uint16{audio, audio, rf} {
		g.Admit(id)
	}
	if !g.Aligned() || !g.Admit(rf) {
		t.Fatal("gate should be aligned")
	}

	g.Reset()
	if g.Aligned() || g.Admit(rf) {
		t.Fatal("reset gate admitted rf before audio")
	}
	g.Admit(audio)
	g.Admit(audio)
	if calls != 2 {
		t.Fatalf("OnSynced calls = %d, want one per alignment", calls)
	}
}

func TestAudioGateMayAdmitRF(t *testing.T) {
	g := AudioGate{CaptureRF: true, CaptureAudio: true}
	if g.MayAdmitRF(false) {
		t.Fatal("RF admissible before any audio line")
	}
	if !g.MayAdmitRF(true) {
		t.Fatal("a frame with audio can open the gate")
	}
	g.Admit(audio)
	if !g.MayAdmitRF(false) {
		t.Fatal("RF blocked after the first audio line")
	}

	rfOnly := AudioGate{CaptureRF: true}
	if !rfOnly.MayAdmitRF(false) {
		t.Fatal("RF-only capture is never gated")
	}
	if (&AudioGate{CaptureAudio: true}).MayAdmitRF(true) {
		t.Fatal("RF admissible with RF capture off")
	}
}
