package recorder

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func readChannel(t *testing.T, dir string, st RecordingStatus, channel string) []byte {
	t.Helper()
	for _, ch := range st.Channels {
		if ch.Channel != channel {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, ch.Filename))
		if err != nil {
			t.Fatalf("read %s: %v", ch.Filename, err)
		}
		return data
	}
	t.Fatalf("channel %s not in status", channel)
	return nil
}

func TestRecorderWritesPerChannelFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(Config{Directory: dir}, nil, "rf", "audio")
	rf, audio := r.Sink("rf"), r.Sink("audio")

	// Idle writes are discarded without error.
	if n, err := rf.Write([]byte("ignored")); err != nil || n != 7 {
		t.Fatalf("idle write: n=%d err=%v", n, err)
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start: %v", err)
	}
	rf.Write([]byte("rf-data"))
	audio.Write([]byte("audio"))
	st := r.GetStatus()
	if !st.Recording || len(st.Channels) != 2 || st.Channels[1].BytesWritten != 7 {
		t.Fatalf("status = %+v", st)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := readChannel(t, dir, st, "rf"); string(got) != "rf-data" {
		t.Fatalf("rf file = %q", got)
	}
	if got := readChannel(t, dir, st, "audio"); string(got) != "audio" {
		t.Fatalf("audio file = %q", got)
	}
	if !strings.HasSuffix(st.Channels[0].Filename, "_audio.raw") {
		t.Fatalf("filename = %s", st.Channels[0].Filename)
	}
	if err := r.Stop(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestRecorderCompress(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(Config{Directory: dir, Compress: true}, nil, "rf")
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 10000)
	if _, err := r.Sink("rf").Write(payload); err != nil {
		t.Fatal(err)
	}
	st := r.GetStatus()
	if err := r.Stop(); err != nil {
		t.Fatal(err)
	}

	compressed := readChannel(t, dir, st, "rf")
	if len(compressed) >= len(payload) {
		t.Fatalf("compressed %d >= raw %d", len(compressed), len(payload))
	}
	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("decompressed data differs")
	}
}

func TestRecorderUnknownChannel(t *testing.T) {
	r := NewRecorder(Config{Directory: t.TempDir()}, nil, "rf")
	if r.Sink("video") != io.Discard {
		t.Fatal("unknown channel should discard")
	}
}
