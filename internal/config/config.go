// Package config loads the capture server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AlessandroAU/MISRC/capture-server/internal/capture"
	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/ringbuf"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the full runtime configuration.
type Config struct {
	Capture   CaptureConfig   `yaml:"capture"`
	Recording RecordingConfig `yaml:"recording"`
	Logs      LogsConfig      `yaml:"logs"`
	HTTP      HTTPConfig      `yaml:"http"`
	Preview   PreviewConfig   `yaml:"preview"`
}

type CaptureConfig struct {
	// Input is "-" for stdin, "unix:/path" for a socket, or a file/FIFO path.
	Input           string        `yaml:"input"`
	SyncThreshold   uint32        `yaml:"sync_threshold"`
	CaptureRF       bool          `yaml:"capture_rf"`
	CaptureAudio    bool          `yaml:"capture_audio"`
	RFBufferSize    int           `yaml:"rf_buffer_size"`
	AudioBufferSize int           `yaml:"audio_buffer_size"`
	ReadChunk       int           `yaml:"read_chunk"`
	StallSleep      time.Duration `yaml:"stall_sleep"`
	RFPolicy        string        `yaml:"rf_policy"`
	AudioPolicy     string        `yaml:"audio_policy"`
}

type RecordingConfig struct {
	Directory string `yaml:"directory"`
	Compress  bool   `yaml:"compress"`
	AutoStart bool   `yaml:"auto_start"`
}

type LogsConfig struct {
	Level      string `yaml:"level"`
	Color      bool   `yaml:"color"`
	Directory  string `yaml:"directory"` // empty disables the log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

type HTTPConfig struct {
	Addr       string `yaml:"addr"` // empty disables the API server
	Metrics    bool   `yaml:"metrics"`
	CORSOrigin string `yaml:"cors_origin"`
}

type PreviewConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients"`
	Decimation  int      `yaml:"decimation"`
	ChunkSize   int      `yaml:"chunk_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Capture: CaptureConfig{
			Input:           "-",
			SyncThreshold:   frame.DefaultSyncThreshold,
			CaptureRF:       true,
			CaptureAudio:    false,
			RFBufferSize:    64 << 20,
			AudioBufferSize: 8 << 20,
			ReadChunk:       128 << 10,
			StallSleep:      capture.DefaultStallSleep,
			RFPolicy:        "stall",
			AudioPolicy:     "stall",
		},
		Recording: RecordingConfig{
			Directory: "./recordings",
		},
		Logs: LogsConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
		},
		HTTP: HTTPConfig{
			Addr:    ":8081",
			Metrics: true,
		},
		Preview: PreviewConfig{
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  4,
			Decimation:  64,
			ChunkSize:   16 << 10,
		},
	}
}

// Load decodes the YAML file at path over Default(). Keys missing from the
// file keep their default value. Relative directories are resolved against
// the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}
	cfg.Recording.Directory = resolvePath(cfg.Recording.Directory)
	cfg.Logs.Directory = resolvePath(cfg.Logs.Directory)

	if cfg.Recording.Directory == "" {
		cfg.Recording.Directory = Default().Recording.Directory
	}
	if cfg.Capture.StallSleep == 0 {
		cfg.Capture.StallSleep = capture.DefaultStallSleep
	}
	return cfg, nil
}

// Validate reports every problem found, each wrapped in ErrInvalid.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	cc := c.Capture
	if !cc.CaptureRF && !cc.CaptureAudio {
		bad("capture: nothing to capture, enable capture_rf or capture_audio")
	}
	if cc.Input == "" {
		bad("capture.input is empty")
	}
	checkBuffer := func(name string, size int) {
		if size <= 0 || uint64(size) > ringbuf.MaxCapacity {
			bad("capture.%s %d out of range", name, size)
		} else if cc.ReadChunk > size {
			bad("capture.read_chunk %d exceeds capture.%s %d", cc.ReadChunk, name, size)
		}
	}
	if cc.CaptureRF {
		checkBuffer("rf_buffer_size", cc.RFBufferSize)
	}
	if cc.CaptureAudio {
		checkBuffer("audio_buffer_size", cc.AudioBufferSize)
	}
	if cc.ReadChunk <= 0 {
		bad("capture.read_chunk must be positive")
	}
	if cc.StallSleep < 0 {
		bad("capture.stall_sleep must not be negative")
	}
	if _, err := capture.ParsePolicy(cc.RFPolicy); err != nil {
		bad("capture.rf_policy: %v", err)
	}
	if _, err := capture.ParsePolicy(cc.AudioPolicy); err != nil {
		bad("capture.audio_policy: %v", err)
	}

	if _, err := logger.ParseLevel(c.Logs.Level); err != nil {
		bad("logs.level: %v", err)
	}
	if c.Logs.MaxSizeMB < 0 || c.Logs.MaxAgeDays < 0 || c.Logs.MaxBackups < 0 {
		bad("logs: rotation limits must not be negative")
	}

	if c.Preview.Enabled {
		if c.HTTP.Addr == "" {
			bad("preview needs http.addr for signaling")
		}
		if c.Preview.MaxClients < 0 || c.Preview.Decimation < 0 || c.Preview.ChunkSize < 0 {
			bad("preview: limits must not be negative")
		}
	}
	return errors.Join(errs...)
}
