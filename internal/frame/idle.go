package frame

// IdleSpan returns the number of padding words between the payload and the
// trailer fields of a line.
func IdleSpan(payloadLen, width int, hasStreamID, hasCRC bool) int {
	n := width - 1 - payloadLen
	if hasStreamID {
		n--
	}
	if hasCRC {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// IdleState follows the running counter the sender writes into padding
// words. Each idle word must be the previous one plus one.
type IdleState struct {
	counter uint16
}

// Check walks the idle span of line and returns the number of
// discontinuities. The counter follows the observed words, so a corrupted
// word costs at most two anomalies and the check recovers right after it.
func (s *IdleState) Check(line []byte, payloadLen, width int, hasStreamID, hasCRC bool) int {
	span := IdleSpan(payloadLen, width, hasStreamID, hasCRC)
	errs := 0
	for i := payloadLen; i < payloadLen+span; i++ {
		w := word(line, i)
		if w != s.counter+1 {
			errs++
		}
		s.counter = w
	}
	return errs
}

// Reset clears the counter.
func (s *IdleState) Reset() { s.counter = 0 }
