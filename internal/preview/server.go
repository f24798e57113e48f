// Package preview streams a decimated copy of a capture channel to browsers
// over WebRTC data channels.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
	"github.com/AlessandroAU/MISRC/capture-server/internal/metrics"
)

const (
	DefaultMaxClients = 4
	DefaultDecimation = 64
	DefaultChunkSize  = 16 * 1024
	DefaultGatherWait = 10 * time.Second
	clientQueueDepth  = 32
)

var ErrMaxClients = errors.New("maximum clients reached")

// Config configures the preview server.
type Config struct {
	STUNServers []string
	MaxClients  int
	// Decimation forwards one of every Decimation writes.
	Decimation int
	// ChunkSize caps each forwarded message.
	ChunkSize int
	// GatherWait bounds ICE candidate gathering for one offer.
	GatherWait time.Duration
}

// Client represents a connected preview client
type Client struct {
	id       string
	peerConn *webrtc.PeerConnection
	send     func([]byte) error
	queue    chan []byte
	closeCh  chan struct{}
	open     atomic.Bool

	chunksSent    atomic.Uint64
	chunksDropped atomic.Uint64
}

// Server manages preview connections and acts as an io.Writer sink.
type Server struct {
	cfg       Config
	clients   map[string]*Client
	pending   int // offers holding a client slot, guarded by clientsMu
	clientsMu sync.RWMutex
	rtcConfig webrtc.Configuration
	api       *webrtc.API
	metrics   *metrics.Metrics

	writes atomic.Uint64
}

// NewServer creates a new preview server
func NewServer(cfg Config, m *metrics.Metrics) *Server {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if cfg.Decimation <= 0 {
		cfg.Decimation = DefaultDecimation
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.GatherWait <= 0 {
		cfg.GatherWait = DefaultGatherWait
	}
	if m == nil {
		m = metrics.New()
	}

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.STUNServers))
	for _, url := range cfg.STUNServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(time.Second * 2)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &Server{
		cfg:       cfg,
		clients:   make(map[string]*Client),
		rtcConfig: webrtc.Configuration{ICEServers: iceServers},
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		metrics:   m,
	}
}

// HandleOffer handles a WebRTC offer and returns an answer. The server opens
// an unordered, unreliable data channel named "rf" on the connection.
// ICE gathering is bounded by ctx and Config.GatherWait.
func (s *Server) HandleOffer(ctx context.Context, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("failed to parse offer: not an SDP offer")
	}

	if err := s.reserveSlot(); err != nil {
		return nil, err
	}
	admitted := false
	defer func() {
		if !admitted {
			s.releaseSlot()
		}
	}()

	peerConn, err := s.api.NewPeerConnection(s.rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := false
	var maxRetransmits uint16
	dc, err := peerConn.CreateDataChannel("rf", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	client := newClient(uuid.NewString(), dc.Send)
	client.peerConn = peerConn
	dc.OnOpen(func() {
		client.open.Store(true)
		logger.Debug("Preview", "Client %s data channel open", client.id)
	})
	dc.OnClose(func() { client.open.Store(false) })

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("Preview", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	gatherCtx, cancel := context.WithTimeout(ctx, s.cfg.GatherWait)
	defer cancel()
	select {
	case <-gatherComplete:
	case <-gatherCtx.Done():
	}
	if err := gatherCtx.Err(); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("ICE gathering: %w", err)
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		peerConn.Close()
		return nil, fmt.Errorf("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	s.clientsMu.Lock()
	s.pending--
	s.clients[client.id] = client
	s.clientsMu.Unlock()
	admitted = true
	s.startClient(client)
	logger.Info("Preview", "Client %s connected", client.id)
	return answerJSON, nil
}

func newClient(id string, send func([]byte) error) *Client {
	return &Client{
		id:      id,
		send:    send,
		queue:   make(chan []byte, clientQueueDepth),
		closeCh: make(chan struct{}),
	}
}

// reserveSlot claims room for one client while its offer is negotiated.
func (s *Server) reserveSlot() error {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if len(s.clients)+s.pending >= s.cfg.MaxClients {
		return fmt.Errorf("%w (%d)", ErrMaxClients, s.cfg.MaxClients)
	}
	s.pending++
	return nil
}

func (s *Server) releaseSlot() {
	s.clientsMu.Lock()
	s.pending--
	s.clientsMu.Unlock()
}

func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.id] = c
	s.clientsMu.Unlock()
	s.startClient(c)
}

func (s *Server) startClient(c *Client) {
	s.metrics.ActiveClients.Add(1)
	s.metrics.TotalClients.Add(1)
	go s.sendChunks(c)
}

// Write forwards a decimated, size-capped copy of p to every client without
// blocking. It never fails, so it can sit behind a drain.Writer or in an
// io.MultiWriter next to a recorder.
func (s *Server) Write(p []byte) (int, error) {
	n := s.writes.Add(1)
	if (n-1)%uint64(s.cfg.Decimation) != 0 {
		return len(p), nil
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if len(s.clients) == 0 {
		return len(p), nil
	}

	chunk := p
	if len(chunk) > s.cfg.ChunkSize {
		chunk = chunk[:s.cfg.ChunkSize]
	}
	chunk = append([]byte(nil), chunk...)

	for _, c := range s.clients {
		select {
		case c.queue <- chunk:
		default:
			c.chunksDropped.Add(1)
			s.metrics.PreviewChunksDropped.Add(1)
		}
	}
	return len(p), nil
}

func (s *Server) sendChunks(c *Client) {
	for {
		select {
		case <-c.closeCh:
			return
		case chunk := <-c.queue:
			if c.peerConn != nil && !c.open.Load() {
				c.chunksDropped.Add(1)
				s.metrics.PreviewChunksDropped.Add(1)
				continue
			}
			if err := c.send(chunk); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn("Preview", "Error sending to client %s: %v", c.id, err)
				}
				go s.RemoveClient(c.id)
				return
			}
			c.chunksSent.Add(1)
			s.metrics.PreviewChunksSent.Add(1)
		}
	}
}

// RemoveClient removes a client by ID
func (s *Server) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	if exists {
		delete(s.clients, clientID)
	}
	s.clientsMu.Unlock()
	if !exists {
		return
	}

	close(client.closeCh)
	if client.peerConn != nil {
		client.peerConn.Close()
	}
	s.metrics.ActiveClients.Add(^uint64(0))
	logger.Info("Preview", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.chunksSent.Load(), client.chunksDropped.Load())
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// ClientStats returns stats for all clients
func (s *Server) ClientStats() map[string]map[string]uint64 {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	stats := make(map[string]map[string]uint64, len(s.clients))
	for id, c := range s.clients {
		stats[id] = map[string]uint64{
			"chunks_sent":    c.chunksSent.Load(),
			"chunks_dropped": c.chunksDropped.Load(),
		}
	}
	return stats
}

// Close closes all client connections
func (s *Server) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
