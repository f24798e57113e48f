// Package api serves the capture server's HTTP control and status surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/capture"
	"github.com/AlessandroAU/MISRC/capture-server/internal/events"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
	"github.com/AlessandroAU/MISRC/capture-server/internal/preview"
	"github.com/AlessandroAU/MISRC/capture-server/internal/recorder"
)

const (
	defaultKeepAlive = 30 * time.Second
	maxOfferBytes    = 64 << 10
)

// StatusSource reports capture session state.
type StatusSource interface {
	Status() capture.SessionStatus
}

// Recorder controls raw recordings.
type Recorder interface {
	Start() error
	Stop() error
	IsRecording() bool
	GetStatus() recorder.RecordingStatus
}

// Previewer answers WebRTC offers for the live preview.
type Previewer interface {
	HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error)
	ClientCount() int
}

// Config wires the server to the rest of the process. Nil components
// disable their routes.
type Config struct {
	Session  StatusSource
	Recorder Recorder
	Preview  Previewer
	Events   *events.Broadcaster
	Metrics  *metrics.Metrics
	// CORSOrigin is sent as Access-Control-Allow-Origin when set.
	CORSOrigin string
	// KeepAlive is the idle interval between SSE keepalive comments.
	KeepAlive time.Duration
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	started time.Time

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer returns a server; call Handler or ListenAndServe.
func NewServer(cfg Config) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &Server{cfg: cfg, started: time.Now()}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.cors(s.handleStatus))
	mux.HandleFunc("/events", s.cors(s.handleEvents))
	mux.HandleFunc("/recording/start", s.cors(s.handleRecordingStart))
	mux.HandleFunc("/recording/stop", s.cors(s.handleRecordingStop))
	mux.HandleFunc("/recording/status", s.cors(s.handleRecordingStatus))
	mux.HandleFunc("/offer", s.cors(s.handleOffer))
	if s.cfg.Metrics != nil {
		mux.Handle("/metrics", s.cfg.Metrics.Handler())
	}
	return mux
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	logger.Info("HTTP", "Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the listener. Open SSE streams end when their request
// context is cancelled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Session != nil {
		st := s.cfg.Session.Status()
		payload["capturing"] = st.Running
		payload["synced"] = st.Sync.Synced
	}
	if s.cfg.Recorder != nil {
		payload["recording"] = s.cfg.Recorder.IsRecording()
	}
	if s.cfg.Preview != nil {
		payload["preview_clients"] = s.cfg.Preview.ClientCount()
	}
	if s.cfg.Events != nil {
		payload["event_clients"] = s.cfg.Events.ClientCount()
	}
	writeJSON(w, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Session == nil {
		writeJSONWithStatus(w, map[string]any{"error": "no capture session"}, http.StatusServiceUnavailable)
		return
	}
	payload := map[string]any{
		"session":   s.cfg.Session.Status(),
		"timestamp": float64(time.Now().Unix()),
	}
	if s.cfg.Recorder != nil {
		payload["recording"] = s.cfg.Recorder.GetStatus()
	}
	writeJSON(w, payload)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		http.Error(w, "Events unavailable", http.StatusNotFound)
		return
	}
	id, eventCh := s.cfg.Events.Subscribe()
	defer s.cfg.Events.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEvents(r.Context(), w, eventCh, useProtobuf, s.cfg.KeepAlive)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Recorder.Start(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrAlreadyRecording) {
			status = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"status":  s.cfg.Recorder.GetStatus(),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusServiceUnavailable)
		return
	}
	if err := s.cfg.Recorder.Stop(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, recorder.ErrNotRecording) {
			code = http.StatusConflict
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, code)
		return
	}
	writeJSON(w, map[string]any{
		"success": true,
		"status":  s.cfg.Recorder.GetStatus(),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Recorder == nil {
		writeJSONWithStatus(w, map[string]any{"error": "recording not configured"}, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, s.cfg.Recorder.GetStatus())
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Preview == nil {
		writeJSONWithStatus(w, map[string]any{"error": "preview disabled"}, http.StatusNotFound)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answerJSON, err := s.cfg.Preview.HandleOffer(r.Context(), offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		status := http.StatusBadRequest
		if errors.Is(err, preview.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
