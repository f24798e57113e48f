package events

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/AlessandroAU/MISRC/capture-server/internal/frame"
	"github.com/AlessandroAU/MISRC/capture-server/internal/logger"
)

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // Protobuf, base64 encoded for SSE
}

// Broadcaster fans capture notifications out to subscribers. It satisfies
// capture.Listener and never blocks the producer: a slow subscriber just
// misses events.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	session string
	closed  bool

	now func() time.Time
}

// NewBroadcaster returns a broadcaster without subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[int]chan *SerializedEvent),
		now:     time.Now,
	}
}

// SetSession tags subsequent events with a capture session ID.
func (b *Broadcaster) SetSession(id string) {
	b.mu.Lock()
	b.session = id
	b.mu.Unlock()
}

// Subscribe adds a new client and returns a channel for receiving events.
func (b *Broadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan *SerializedEvent, 16)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.clients[id] = ch

	logger.Debug("Events", "Client #%d subscribed (total clients: %d)", id, len(b.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.clients[id]; ok {
		close(ch)
		delete(b.clients, id)
		logger.Debug("Events", "Client #%d unsubscribed (remaining clients: %d)", id, len(b.clients))
	}
}

// ClientCount returns the number of subscribers.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close disconnects all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
	b.closed = true
}

// Publish serializes ev and sends it to every subscriber that has room.
// Without subscribers nothing is serialized.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.clients) == 0 {
		return
	}
	ev.Session = b.session
	if ev.TimeNs == 0 {
		ev.TimeNs = b.now().UnixNano()
	}

	jsonData, err := json.Marshal(ev.JSON())
	if err != nil {
		logger.Error("Events", "JSON marshal error: %v", err)
		return
	}
	pbData, err := ev.MarshalProto()
	if err != nil {
		logger.Error("Events", "Protobuf marshal error: %v", err)
		return
	}
	out := &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}

	for _, ch := range b.clients {
		select {
		case ch <- out:
		default:
			// Client too slow, skip this event for this client
		}
	}
}

func (b *Broadcaster) Message(level logger.LogLevel, msg string) {
	b.Publish(Event{Kind: KindMessage, Level: uint32(level), Message: msg})
}

func (b *Broadcaster) SyncProgress(n uint32) {
	b.Publish(Event{Kind: KindProgress, FramesWithoutSync: n})
}

func (b *Broadcaster) SyncEvent(result frame.SyncResult, meta frame.Metadata, wasSynced bool) {
	// OK frames are the steady state and would flood subscribers.
	if result == frame.SyncOK {
		return
	}
	rates := make([]uint32, len(meta.StreamInfo))
	for i, si := range meta.StreamInfo {
		rates[i] = si.SampleRate
	}
	b.Publish(Event{
		Kind:            KindSync,
		Result:          uint32(result),
		ResultName:      result.String(),
		FrameCounter:    uint32(meta.FrameCounter),
		WasSynced:       wasSynced,
		CRCMode:         uint32(meta.CRCMode),
		StreamIDPresent: meta.HasStreamID(),
		SampleRates:     rates,
	})
}

func (b *Broadcaster) AudioSynced(synced bool) {
	b.Publish(Event{Kind: KindAudio, AudioSynced: synced})
}
