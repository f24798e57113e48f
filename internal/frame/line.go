package frame

const fieldMask = 0x0FFF

// Line holds the trailer fields of one line.
type Line struct {
	PayloadLen uint16 // in 16-bit words
	CRC        uint16
	StreamID   uint16
	Valid      bool
}

// PayloadBytes returns the payload size in bytes.
func (l Line) PayloadBytes() int { return int(l.PayloadLen) * 2 }

// DecodeLine parses the trailer of a line of width 16-bit words. Fields not
// announced by the flags are left zero. Malformed lines come back with
// Valid=false; it is up to the caller what that means for the frame.
func DecodeLine(line []byte, width int, hasStreamID, hasCRC bool) Line {
	var l Line
	if width < 1 || len(line) < width*2 {
		return l
	}
	if (hasCRC && width < 2) || (hasStreamID && width < 3) {
		return l
	}

	l.PayloadLen = word(line, width-1) & fieldMask
	if hasCRC {
		l.CRC = word(line, width-2)
	}
	if hasStreamID {
		l.StreamID = word(line, width-3) & fieldMask
	}
	l.Valid = int(l.PayloadLen) <= width-1
	return l
}

// lineAt returns line n of a frame.
func lineAt(buf []byte, width, n int) []byte {
	stride := width * 2
	return buf[n*stride : (n+1)*stride]
}
