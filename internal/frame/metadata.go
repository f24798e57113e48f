// Package frame decodes capture frames: per-line trailers, integrity checks,
// frame-counter synchronization and payload extraction.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic marks a frame carrying valid metadata.
const Magic uint32 = 0xDA7ACAB1

// FlagStreamIDPresent is set when every line carries a stream ID word.
const FlagStreamIDPresent uint8 = 1 << 0

// Logical streams carried in line payloads.
const (
	StreamRF    uint16 = 0
	StreamAudio uint16 = 1
	NumStreams         = 2
)

// MetadataSize is the encoded metadata length in bytes. Each byte is spread
// over two lines, so frames need at least 2*MetadataSize lines.
const MetadataSize = 4 + 2 + 1 + 1 + 4*NumStreams

var ErrShortFrame = errors.New("frame: too small to carry metadata")

// CRCMode selects which earlier line a line's CRC word refers to.
type CRCMode uint8

const (
	CRCNone CRCMode = iota
	CRCOneLine
	CRCTwoLine
)

func (m CRCMode) String() string {
	switch m {
	case CRCNone:
		return "none"
	case CRCOneLine:
		return "one-line"
	case CRCTwoLine:
		return "two-line"
	default:
		return fmt.Sprintf("crc-mode(%d)", uint8(m))
	}
}

// StreamInfo carries informational per-stream hints. Nothing here is
// validated.
type StreamInfo struct {
	SampleRate uint32
}

// Metadata is the per-frame record sent alongside the line data.
type Metadata struct {
	Magic        uint32
	FrameCounter uint16
	Flags        uint8
	CRCMode      CRCMode
	StreamInfo   [NumStreams]StreamInfo
}

// HasStreamID reports whether lines carry a stream ID word.
func (m Metadata) HasStreamID() bool { return m.Flags&FlagStreamIDPresent != 0 }

// HasCRC reports whether lines carry a CRC word.
func (m Metadata) HasCRC() bool { return m.CRCMode != CRCNone }

// AppendBinary appends the little-endian encoding of m.
func (m Metadata) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, m.Magic)
	b = binary.LittleEndian.AppendUint16(b, m.FrameCounter)
	b = append(b, m.Flags, byte(m.CRCMode))
	for _, si := range m.StreamInfo {
		b = binary.LittleEndian.AppendUint32(b, si.SampleRate)
	}
	return b
}

// ParseMetadata decodes the little-endian metadata layout.
func ParseMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if len(b) < MetadataSize {
		return m, fmt.Errorf("metadata: need %d bytes, have %d", MetadataSize, len(b))
	}
	m.Magic = binary.LittleEndian.Uint32(b[0:4])
	m.FrameCounter = binary.LittleEndian.Uint16(b[4:6])
	m.Flags = b[6]
	m.CRCMode = CRCMode(b[7])
	for i := range m.StreamInfo {
		m.StreamInfo[i].SampleRate = binary.LittleEndian.Uint32(b[8+4*i:])
	}
	return m, nil
}

// ExtractMetadata rebuilds the metadata record from the top nibble of each
// line's last word. Line 2i carries the low nibble of byte i, line 2i+1 the
// high nibble.
func ExtractMetadata(buf []byte, width, height int) (Metadata, error) {
	if width < 1 || height < 2*MetadataSize || len(buf) < width*height*2 {
		return Metadata{}, ErrShortFrame
	}
	var raw [MetadataSize]byte
	stride := width * 2
	for i := range raw {
		lo := word(buf[(2*i)*stride:], width-1) >> 12
		hi := word(buf[(2*i+1)*stride:], width-1) >> 12
		raw[i] = byte(lo) | byte(hi)<<4
	}
	return ParseMetadata(raw[:])
}

func word(line []byte, i int) uint16 {
	return binary.LittleEndian.Uint16(line[2*i:])
}
