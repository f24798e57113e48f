package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all capture counters
type Metrics struct {
	// Frame counters
	FramesReceived   atomic.Uint64
	FramesProcessed  atomic.Uint64
	FramesForwarded  atomic.Uint64
	FramesDuplicate  atomic.Uint64
	FramesMissed     atomic.Uint64
	FramesLost       atomic.Uint64
	SyncAcquisitions atomic.Uint64
	DeviceErrors     atomic.Uint64

	// Integrity counters
	CRCErrors     atomic.Uint64
	IdleErrors    atomic.Uint64
	InvalidFrames atomic.Uint64
	ErrorFrames   atomic.Uint64

	// Ring buffer traffic
	RFBytesWritten    atomic.Uint64
	AudioBytesWritten atomic.Uint64
	RFBytesDrained    atomic.Uint64
	AudioBytesDrained atomic.Uint64
	ProducerStalls    atomic.Uint64
	ProducerDrops     atomic.Uint64

	// Buffer usage
	RFBufferUsage    atomic.Uint64 // Percentage (0-100)
	AudioBufferUsage atomic.Uint64 // Percentage (0-100)

	// Recording state
	RecordingActive atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes  atomic.Uint64

	// Preview clients
	ActiveClients        atomic.Uint64
	TotalClients         atomic.Uint64
	PreviewChunksSent    atomic.Uint64
	PreviewChunksDropped atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own Prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "misrc",
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Frame metrics
	m.gauge("frames_received_total", "Total frames delivered by the capture source", &m.FramesReceived)
	m.gauge("frames_processed_total", "Total frames run through the frame parser", &m.FramesProcessed)
	m.gauge("frames_forwarded_total", "Total frames whose payload was forwarded", &m.FramesForwarded)
	m.gauge("frames_duplicate_total", "Total duplicate frames skipped", &m.FramesDuplicate)
	m.gauge("frames_missed_total", "Total frame counter gaps while synced", &m.FramesMissed)
	m.gauge("frames_lost_total", "Total frames with bad magic or device errors", &m.FramesLost)
	m.gauge("sync_acquisitions_total", "Total times sync was acquired", &m.SyncAcquisitions)
	m.gauge("device_errors_total", "Total frames flagged with a device error", &m.DeviceErrors)

	// Integrity metrics
	m.gauge("crc_errors_total", "Total CRC mismatches while synced", &m.CRCErrors)
	m.gauge("idle_errors_total", "Total idle counter anomalies", &m.IdleErrors)
	m.gauge("invalid_frames_total", "Total frames abandoned on an invalid line", &m.InvalidFrames)
	m.gauge("error_frames_total", "Total synced frames discarded for integrity errors", &m.ErrorFrames)

	// Ring buffer metrics
	m.gauge("rf_bytes_written_total", "Total RF bytes committed to the ring buffer", &m.RFBytesWritten)
	m.gauge("audio_bytes_written_total", "Total audio bytes committed to the ring buffer", &m.AudioBytesWritten)
	m.gauge("rf_bytes_drained_total", "Total RF bytes written to sinks", &m.RFBytesDrained)
	m.gauge("audio_bytes_drained_total", "Total audio bytes written to sinks", &m.AudioBytesDrained)
	m.gauge("producer_stalls_total", "Total producer waits for ring buffer space", &m.ProducerStalls)
	m.gauge("producer_drops_total", "Total payload blocks dropped for lack of ring buffer space", &m.ProducerDrops)
	m.gauge("rf_buffer_usage_percent", "RF ring buffer usage percentage", &m.RFBufferUsage)
	m.gauge("audio_buffer_usage_percent", "Audio ring buffer usage percentage", &m.AudioBufferUsage)

	// Recording metrics
	m.gauge("recording_active", "Recording active (0=inactive, 1=active)", &m.RecordingActive)
	m.gauge("recording_bytes", "Total bytes written to recordings", &m.RecordingBytes)

	// Preview metrics
	m.gauge("preview_active_clients", "Number of active preview clients", &m.ActiveClients)
	m.gauge("preview_total_clients", "Total preview clients connected", &m.TotalClients)
	m.gauge("preview_chunks_sent_total", "Total preview chunks sent", &m.PreviewChunksSent)
	m.gauge("preview_chunks_dropped_total", "Total preview chunks dropped on full client queues", &m.PreviewChunksDropped)
}

// UpdateBufferUsage updates ring buffer usage percentages
func (m *Metrics) UpdateBufferUsage(rfUsed, rfCap, audioUsed, audioCap int) {
	if rfCap > 0 {
		m.RFBufferUsage.Store(uint64(rfUsed) * 100 / uint64(rfCap))
	}
	if audioCap > 0 {
		m.AudioBufferUsage.Store(uint64(audioUsed) * 100 / uint64(audioCap))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
