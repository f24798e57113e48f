// Package source delivers raw capture frames to the capture callback.
package source

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
)

// Frame header: u16 width, u16 height, u8 flags.
const headerSize = 5

// Header flags
const (
	FlagDeviceError uint8 = 1 << 0
)

// Limits on announced geometry. Anything larger is treated as a broken stream.
const (
	MaxWidth  = 4096
	MaxHeight = 4096
)

var (
	ErrShortFrame = errors.New("source: short frame")
	ErrBadHeader  = errors.New("source: bad frame header")
)

// FrameInfo is one frame as handed over by the capture interface. Buf is
// only valid during the callback.
type FrameInfo struct {
	Buf         []byte
	Width       int // 16-bit words per line
	Height      int // lines
	DeviceError bool
}

// Callback receives frames sequentially on the source goroutine.
type Callback func(FrameInfo)

// Source produces frames until its input ends or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, cb Callback) error
}

// StreamSource reads length-prefixed frames from an io.Reader, typically a
// pipe or socket fed by the device driver bridge.
type StreamSource struct {
	name   string
	r      *bufio.Reader
	buf    []byte
	frames atomic.Uint64
}

// NewStreamSource wraps r.
func NewStreamSource(name string, r io.Reader) *StreamSource {
	return &StreamSource{
		name: name,
		r:    bufio.NewReaderSize(r, 1<<20),
	}
}

// Name returns the label given at construction.
func (s *StreamSource) Name() string { return s.name }

// Frames returns the number of frames delivered so far.
func (s *StreamSource) Frames() uint64 { return s.frames.Load() }

// Run reads frames and calls cb for each one. A clean end of input between
// frames returns nil; a frame cut short returns ErrShortFrame. The frame
// buffer is reused, so cb must not retain it.
func (s *StreamSource) Run(ctx context.Context, cb Callback) error {
	var hdr [headerSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s: header: %w", s.name, ErrShortFrame)
			}
			return fmt.Errorf("%s: read header: %w", s.name, err)
		}

		width := int(binary.LittleEndian.Uint16(hdr[0:2]))
		height := int(binary.LittleEndian.Uint16(hdr[2:4]))
		flags := hdr[4]
		if width == 0 || width > MaxWidth || height > MaxHeight {
			return fmt.Errorf("%s: %w: %dx%d", s.name, ErrBadHeader, width, height)
		}

		size := width * height * 2
		if cap(s.buf) < size {
			s.buf = make([]byte, size)
		}
		buf := s.buf[:size]
		if _, err := io.ReadFull(s.r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%s: frame %d: %w", s.name, s.frames.Load(), ErrShortFrame)
			}
			return fmt.Errorf("%s: read frame: %w", s.name, err)
		}

		s.frames.Add(1)
		cb(FrameInfo{
			Buf:         buf,
			Width:       width,
			Height:      height,
			DeviceError: flags&FlagDeviceError != 0,
		})
	}
}

// WriteFrame encodes fi in the stream format read by StreamSource.
func WriteFrame(w io.Writer, fi FrameInfo) error {
	if fi.Width <= 0 || fi.Width > MaxWidth || fi.Height < 0 || fi.Height > MaxHeight {
		return fmt.Errorf("%w: %dx%d", ErrBadHeader, fi.Width, fi.Height)
	}
	if len(fi.Buf) != fi.Width*fi.Height*2 {
		return fmt.Errorf("%w: have %d bytes for %dx%d", ErrShortFrame, len(fi.Buf), fi.Width, fi.Height)
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(fi.Width))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(fi.Height))
	if fi.DeviceError {
		hdr[4] |= FlagDeviceError
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(fi.Buf)
	return err
}

// Open resolves an input: "-" is stdin, "unix:/path" dials a unix
// socket, anything else is opened as a file or FIFO.
func Open(target string) (io.ReadCloser, error) {
	switch {
	case target == "-":
		return io.NopCloser(os.Stdin), nil
	case strings.HasPrefix(target, "unix:"):
		conn, err := net.Dial("unix", strings.TrimPrefix(target, "unix:"))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}
		return conn, nil
	default:
		f, err := os.Open(target)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		return f, nil
	}
}
