package frame

// PayloadFilter decides per line whether its payload is copied. It is called
// for every non-empty valid line in order, whether or not an output buffer
// exists for the stream.
type PayloadFilter func(streamID uint16, payload []byte) bool

// CopyPayloads appends the payload of each admitted line to rfOut or
// audioOut by stream ID and returns the bytes written to each. A nil output
// skips that stream; a line that does not fit in the remaining output space
// is dropped.
func CopyPayloads(buf []byte, width, height int, meta Metadata, rfOut, audioOut []byte, filter PayloadFilter) (rfN, audioN int) {
	if width < 1 || len(buf) < width*height*2 {
		return 0, 0
	}
	hasStreamID := meta.HasStreamID()
	hasCRC := meta.HasCRC()

	for n := 0; n < height; n++ {
		line := lineAt(buf, width, n)
		parsed := DecodeLine(line, width, hasStreamID, hasCRC)
		if !parsed.Valid || parsed.PayloadLen == 0 {
			continue
		}
		payload := line[:parsed.PayloadBytes()]

		if filter != nil && !filter(parsed.StreamID, payload) {
			continue
		}

		switch parsed.StreamID {
		case StreamRF:
			if rfOut != nil && rfN+len(payload) <= len(rfOut) {
				rfN += copy(rfOut[rfN:], payload)
			}
		case StreamAudio:
			if audioOut != nil && audioN+len(payload) <= len(audioOut) {
				audioN += copy(audioOut[audioN:], payload)
			}
		}
	}
	return rfN, audioN
}
