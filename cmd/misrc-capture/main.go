package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/api"
	"github.com/AlessandroAU/MISRC/capture-server/internal/capture"
	"github.com/AlessandroAU/MISRC/capture-server/internal/config"
	"github.com/AlessandroAU/MISRC/capture-server/internal/events"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
	"github.com/AlessandroAU/MISRC/capture-server/internal/preview"
	"github.com/AlessandroAU/MISRC/capture-server/internal/recorder"
	"github.com/AlessandroAU/MISRC/capture-server/internal/source"
)

var (
	configPath = flag.String("config", "", "YAML config file (defaults are used when empty)")
	input      = flag.String("input", "", "Frame stream: '-' for stdin, unix:/path, or a file/FIFO")
	logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error, critical, silent)")
	logColor   = flag.Bool("log-color", true, "Enable colored log output")
	httpAddr   = flag.String("http", "", "HTTP API address (empty keeps the config value)")
	record     = flag.Bool("record", false, "Start recording immediately")
	statusIntv = flag.Duration("status-interval", 5*time.Second, "Status line interval (0 disables)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	closeLog, err := setupLogging(cfg.Logs)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	if err := run(cfg); err != nil {
		logger.Error("Main", "%v", err)
		closeLog()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies explicitly set flags on top.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Capture.Input = *input
		case "log-level":
			cfg.Logs.Level = *logLevel
		case "log-color":
			cfg.Logs.Color = *logColor
		case "http":
			cfg.HTTP.Addr = *httpAddr
		case "record":
			cfg.Recording.AutoStart = *record
		}
	})
	return cfg, cfg.Validate()
}

func setupLogging(lc config.LogsConfig) (func(), error) {
	level, err := logger.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if lc.Directory != "" {
		rw, err := logger.RotatingWriter(logger.RotationConfig{
			Directory:  lc.Directory,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxAgeDays: lc.MaxAgeDays,
			MaxBackups: lc.MaxBackups,
			Compress:   lc.Compress,
		})
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, rw)
		closeFn = func() { _ = rw.Close() }
	}
	logger.Init(level, out, lc.Color)
	logger.Info("Main", "Log level: %s", level)
	return closeFn, nil
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()

	rec := recorder.NewRecorder(recorder.Config{
		Directory: cfg.Recording.Directory,
		Compress:  cfg.Recording.Compress,
	}, m, "rf", "audio")
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Error("Main", "Failed to close recording: %v", err)
		}
	}()

	var previewSrv *preview.Server
	rfSink := rec.Sink("rf")
	if cfg.Preview.Enabled {
		previewSrv = preview.NewServer(preview.Config{
			STUNServers: cfg.Preview.STUNServers,
			MaxClients:  cfg.Preview.MaxClients,
			Decimation:  cfg.Preview.Decimation,
			ChunkSize:   cfg.Preview.ChunkSize,
		}, m)
		defer previewSrv.Close()
		rfSink = io.MultiWriter(rfSink, previewSrv)
	}

	rfPolicy, err := capture.ParsePolicy(cfg.Capture.RFPolicy)
	if err != nil {
		return err
	}
	audioPolicy, err := capture.ParsePolicy(cfg.Capture.AudioPolicy)
	if err != nil {
		return err
	}

	session, err := capture.NewSession(capture.SessionConfig{
		CaptureRF:       cfg.Capture.CaptureRF,
		CaptureAudio:    cfg.Capture.CaptureAudio,
		SyncThreshold:   cfg.Capture.SyncThreshold,
		StallSleep:      cfg.Capture.StallSleep,
		RFBufferSize:    cfg.Capture.RFBufferSize,
		AudioBufferSize: cfg.Capture.AudioBufferSize,
		ChunkSize:       cfg.Capture.ReadChunk,
		RFPolicy:        rfPolicy,
		AudioPolicy:     audioPolicy,
		RFSink:          rfSink,
		AudioSink:       rec.Sink("audio"),
		Listener:        capture.Listeners{capture.LogListener{}, broadcaster},
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("failed to create capture session: %w", err)
	}
	broadcaster.SetSession(session.ID())

	var apiSrv *api.Server
	if cfg.HTTP.Addr != "" {
		apiCfg := api.Config{
			Session:    session,
			Recorder:   rec,
			Events:     broadcaster,
			CORSOrigin: cfg.HTTP.CORSOrigin,
		}
		if cfg.HTTP.Metrics {
			apiCfg.Metrics = m
		}
		if previewSrv != nil {
			apiCfg.Preview = previewSrv
		}
		apiSrv = api.NewServer(apiCfg)
		go func() {
			if err := apiSrv.ListenAndServe(cfg.HTTP.Addr); err != nil {
				logger.Error("HTTP", "%v", err)
			}
		}()
	}

	if cfg.Recording.AutoStart {
		if err := rec.Start(); err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
	}

	in, err := source.Open(cfg.Capture.Input)
	if err != nil {
		return err
	}
	defer in.Close()
	src := source.NewStreamSource(cfg.Capture.Input, in)

	logger.Info("Main", "Capture starting: input=%s rf=%v audio=%v threshold=%d",
		cfg.Capture.Input, cfg.Capture.CaptureRF, cfg.Capture.CaptureAudio, cfg.Capture.SyncThreshold)
	if err := session.Start(); err != nil {
		return err
	}

	statusDone := make(chan struct{})
	if *statusIntv > 0 {
		go printStatus(session, *statusIntv, newStatusStyles(cfg.Logs.Color), statusDone)
	}

	srcDone := make(chan error, 1)
	go func() { srcDone <- src.Run(ctx, session.HandleFrame) }()

	var runErr error
	select {
	case err := <-srcDone:
		if err != nil {
			runErr = fmt.Errorf("input %s: %w", src.Name(), err)
		} else {
			logger.Info("Main", "Input ended after %d frames", src.Frames())
		}
	case <-ctx.Done():
		logger.Info("Main", "Shutting down...")
		// Unblocks a pending read for sockets and files.
		_ = in.Close()
	}
	close(statusDone)

	if err := session.Stop(); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("drain: %w", err))
	}
	logger.Info("Main", "%s", renderStatus(session.Status(), newStatusStyles(cfg.Logs.Color)))

	// Ends open SSE streams so Shutdown does not wait on them.
	broadcaster.Close()
	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP", "Shutdown: %v", err)
		}
	}
	logger.Info("Main", "Capture stopped")
	return runErr
}

func printStatus(session *capture.Session, every time.Duration, styles statusStyles, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logger.Info("Status", "%s", renderStatus(session.Status(), styles))
		}
	}
}
