// Package frametest builds well-formed capture frames for tests: trailers,
// idle counters, chained CRC words and embedded metadata.
package frametest

import (
	"encoding/binary"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
)

// Line is the content of one line.
type Line struct {
	StreamID uint16
	Payload  []uint16
}

// Generator produces consecutive frames and keeps the sender-side idle
// counter and CRC history so the output validates against a fresh
// frame.Parser.
type Generator struct {
	Width   int
	Height  int
	Flags   uint8
	CRCMode frame.CRCMode
	Rates   [frame.NumStreams]uint32

	idle    uint16
	crcHist [2]uint16
}

// New returns a generator for width×height frames. height must be at least
// 2*frame.MetadataSize.
func New(width, height int, flags uint8, mode frame.CRCMode) *Generator {
	if height < 2*frame.MetadataSize {
		height = 2 * frame.MetadataSize
	}
	return &Generator{Width: width, Height: height, Flags: flags, CRCMode: mode}
}

// Meta returns the metadata record a frame with counter carries.
func (g *Generator) Meta(counter uint16) frame.Metadata {
	m := frame.Metadata{
		Magic:        frame.Magic,
		FrameCounter: counter,
		Flags:        g.Flags,
		CRCMode:      g.CRCMode,
	}
	for i, r := range g.Rates {
		m.StreamInfo[i].SampleRate = r
	}
	return m
}

// Next builds the next frame. lines fills the first len(lines) lines; the
// rest carry no payload.
func (g *Generator) Next(counter uint16, lines []Line) ([]byte, frame.Metadata) {
	meta := g.Meta(counter)
	return g.Build(meta, lines), meta
}

// Build builds a frame with explicit metadata.
func (g *Generator) Build(meta frame.Metadata, lines []Line) []byte {
	w := g.Width
	buf := make([]byte, w*g.Height*2)
	raw := meta.AppendBinary(nil)
	hasStreamID := meta.HasStreamID()
	hasCRC := meta.HasCRC()

	for n := 0; n < g.Height; n++ {
		line := buf[n*w*2 : (n+1)*w*2]
		var l Line
		if n < len(lines) {
			l = lines[n]
		}
		for i, v := range l.Payload {
			put(line, i, v)
		}
		span := frame.IdleSpan(len(l.Payload), w, hasStreamID, hasCRC)
		for i := len(l.Payload); i < len(l.Payload)+span; i++ {
			g.idle++
			put(line, i, g.idle)
		}
		if hasStreamID {
			put(line, w-3, l.StreamID&0x0FFF)
		}

		var nibble uint16
		if n/2 < len(raw) {
			b := raw[n/2]
			if n%2 == 0 {
				nibble = uint16(b & 0x0F)
			} else {
				nibble = uint16(b >> 4)
			}
		}
		put(line, w-1, uint16(len(l.Payload))&0x0FFF|nibble<<12)

		if hasCRC {
			if meta.CRCMode == frame.CRCTwoLine {
				put(line, w-2, g.crcHist[1])
			} else {
				put(line, w-2, g.crcHist[0])
			}
			g.crcHist[1] = g.crcHist[0]
			g.crcHist[0] = frame.CRC16(line)
		}
	}
	return buf
}

// Ramp returns n payload words counting up from start.
func Ramp(start uint16, n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = start + uint16(i)
	}
	return out
}

// Bytes returns the little-endian encoding of words.
func Bytes(words []uint16) []byte {
	out := make([]byte, 2*len(words))
	for i, v := range words {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

func put(line []byte, i int, v uint16) {
	binary.LittleEndian.PutUint16(line[2*i:], v)
}
