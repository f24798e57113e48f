package frame

// Result describes one processed frame.
type Result struct {
	Sync       SyncResult
	RFBytes    int // payload bytes on the RF stream
	AudioBytes int // payload bytes on the audio stream
	ErrorCount int // CRC + idle anomalies
	CRCErrors  int
	IdleErrors int

	// InvalidLine is set when a line's payload length was out of range and
	// the frame was abandoned.
	InvalidLine bool
	// Valid marks the frame as safe to forward.
	Valid bool
	// ReportErrors is set for synced frames discarded because of errors.
	ReportErrors bool
}

// Parser holds all per-session validation state. It is owned by the
// producer and is not safe for concurrent use.
type Parser struct {
	Sync             SyncState
	CRC              CRCState
	Idle             IdleState
	FramesSinceError uint32
	Threshold        uint32
}

// NewParser returns a parser in the unsynced start state.
func NewParser(threshold uint32) *Parser {
	p := &Parser{Threshold: threshold}
	p.Reset()
	return p
}

// Reset drops all rolling state.
func (p *Parser) Reset() {
	p.Sync.Reset()
	p.CRC.Reset()
	p.Idle.Reset()
	p.FramesSinceError = 0
}

// Process validates and classifies one frame of height lines of width
// words. Lines are always walked, synced or not, so CRC and idle state stay
// warm. Errors only count against a frame once the stream is synced; the
// frame that acquires sync primes the consumers and is never Valid.
func (p *Parser) Process(buf []byte, width, height int, meta Metadata) Result {
	var res Result

	if meta.Magic != Magic {
		res.Sync = p.Sync.Lose()
		return res
	}

	res.Sync = p.Sync.Classify(meta.FrameCounter)
	if res.Sync == SyncDuplicate {
		return res
	}

	if width < 1 || height < 0 || len(buf) < width*height*2 {
		res.InvalidLine = true
		if !p.Sync.Synced {
			p.Sync.FramesWithoutSync++
		}
		return res
	}

	hasStreamID := meta.HasStreamID()
	hasCRC := meta.HasCRC()

	for n := 0; n < height; n++ {
		line := lineAt(buf, width, n)
		parsed := DecodeLine(line, width, hasStreamID, hasCRC)
		if !parsed.Valid {
			res.InvalidLine = true
			if !p.Sync.Synced {
				p.Sync.FramesWithoutSync++
			}
			return res
		}

		idleErrs := p.Idle.Check(line, int(parsed.PayloadLen), width, hasStreamID, hasCRC)
		res.IdleErrors += idleErrs
		res.ErrorCount += idleErrs

		if hasCRC {
			if !p.CRC.CheckAndUpdate(line, parsed.CRC, meta.CRCMode) && p.Sync.Synced {
				res.CRCErrors++
				res.ErrorCount++
			}
		}

		if parsed.PayloadLen == 0 {
			continue
		}
		switch parsed.StreamID {
		case StreamRF:
			res.RFBytes += parsed.PayloadBytes()
		case StreamAudio:
			res.AudioBytes += parsed.PayloadBytes()
		}
	}

	if res.ErrorCount > 0 && p.Sync.Synced {
		res.ReportErrors = true
		p.FramesSinceError = 0
		return res
	}
	p.FramesSinceError++

	if !p.Sync.Synced {
		if p.Sync.TryAcquire(p.Threshold, res.ErrorCount) {
			res.Sync = SyncAcquired
		}
		return res
	}

	res.Valid = true
	return res
}
