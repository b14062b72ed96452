package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a valid no-op
// recorder so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Segment metrics
	SegmentsCreated prometheus.Counter
	SegmentsEvicted prometheus.Counter
	SegmentsDropped prometheus.Counter
	SegmentDuration prometheus.Histogram
	SegmentSize     prometheus.Histogram
	SegmentsStored  prometheus.Gauge

	// Sample metrics
	SamplesReceived *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	KeyFrames       prometheus.Counter

	// Client metrics
	ActiveClients  *prometheus.GaugeVec
	ClientsDropped *prometheus.CounterVec
	MessagesSent   *prometheus.CounterVec

	// Upstream pull metrics
	PullReconnects prometheus.Counter
	PullFrameRate  prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// RTMP metrics
	RTMPConnections   prometheus.Counter
	RTMPErrors        prometheus.Counter
	RTMPBytesReceived prometheus.Counter

	// Archive metrics
	ArchiveUploads *prometheus.CounterVec
}

// New creates all metrics on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		// Segment metrics
		SegmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_segments_created_total",
			Help: "Total number of HLS segments published",
		}),
		SegmentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_segments_evicted_total",
			Help: "Total number of segments evicted from the playlist window",
		}),
		SegmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_segments_dropped_total",
			Help: "Total number of empty or missing segments discarded",
		}),
		SegmentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_segment_duration_seconds",
			Help:    "Duration of HLS segments",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		SegmentSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_segment_size_bytes",
			Help:    "Size of HLS segments in bytes",
			Buckets: prometheus.ExponentialBuckets(10240, 2, 10), // 10KB to ~5MB
		}),
		SegmentsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_segments_stored",
			Help: "Number of segments currently in the playlist window",
		}),

		// Sample metrics
		SamplesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_samples_received_total",
				Help: "Total number of encoded samples received",
			},
			[]string{"track"},
		),
		SamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_samples_dropped_total",
				Help: "Total number of encoded samples not written to a segment",
			},
			[]string{"track", "reason"},
		),
		KeyFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_keyframes_total",
			Help: "Total number of video keyframes received",
		}),

		// Client metrics
		ActiveClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "camrelay_active_clients",
				Help: "Number of connected viewers",
			},
			[]string{"surface"}, // surface: mjpeg or ws
		),
		ClientsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_clients_dropped_total",
				Help: "Total number of viewers removed after a failed write",
			},
			[]string{"surface"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_messages_sent_total",
				Help: "Total number of frames or messages delivered to viewers",
			},
			[]string{"surface", "type"},
		),

		// Upstream pull metrics
		PullReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_pull_reconnects_total",
			Help: "Total number of upstream MJPEG reconnect attempts",
		}),
		PullFrameRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_pull_frame_rate",
			Help: "Observed upstream MJPEG frames per second",
		}),

		// HTTP metrics
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "camrelay_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// RTMP metrics
		RTMPConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_connections_total",
			Help: "Total number of RTMP connections",
		}),
		RTMPErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_errors_total",
			Help: "Total number of RTMP errors",
		}),
		RTMPBytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_rtmp_bytes_received_total",
			Help: "Total media payload bytes received via RTMP",
		}),

		// Archive metrics
		ArchiveUploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "camrelay_archive_uploads_total",
				Help: "Total number of segment archive uploads",
			},
			[]string{"result"}, // result: ok, error or dropped
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SegmentsCreated, m.SegmentsEvicted, m.SegmentsDropped,
		m.SegmentDuration, m.SegmentSize, m.SegmentsStored,
		m.SamplesReceived, m.SamplesDropped, m.KeyFrames,
		m.ActiveClients, m.ClientsDropped, m.MessagesSent,
		m.PullReconnects, m.PullFrameRate,
		m.HTTPRequests, m.HTTPDuration,
		m.RTMPConnections, m.RTMPErrors, m.RTMPBytesReceived,
		m.ArchiveUploads,
	)

	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSample records an encoded sample received from the encoder
func (m *Metrics) RecordSample(track string, keyframe bool) {
	if m == nil {
		return
	}
	m.SamplesReceived.WithLabelValues(track).Inc()
	if keyframe {
		m.KeyFrames.Inc()
	}
}

// RecordSampleDropped records a sample that never reached a segment
func (m *Metrics) RecordSampleDropped(track, reason string) {
	if m == nil {
		return
	}
	m.SamplesDropped.WithLabelValues(track, reason).Inc()
}

// RecordSegment records a segment published
func (m *Metrics) RecordSegment(durationSeconds float64, sizeBytes int64) {
	if m == nil {
		return
	}
	m.SegmentsCreated.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSize.Observe(float64(sizeBytes))
	m.SegmentsStored.Inc()
}

// RecordSegmentEvicted records a segment leaving the window
func (m *Metrics) RecordSegmentEvicted() {
	if m == nil {
		return
	}
	m.SegmentsEvicted.Inc()
	m.SegmentsStored.Dec()
}

// RecordSegmentDropped records an empty segment being discarded
func (m *Metrics) RecordSegmentDropped() {
	if m == nil {
		return
	}
	m.SegmentsDropped.Inc()
}

// SetActiveClients sets the viewer gauge for a surface
func (m *Metrics) SetActiveClients(surface string, n int) {
	if m == nil {
		return
	}
	m.ActiveClients.WithLabelValues(surface).Set(float64(n))
}

// RecordClientDropped records a viewer removed after a failed write
func (m *Metrics) RecordClientDropped(surface string) {
	if m == nil {
		return
	}
	m.ClientsDropped.WithLabelValues(surface).Inc()
}

// RecordMessagesSent records n deliveries of one message type
func (m *Metrics) RecordMessagesSent(surface, msgType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesSent.WithLabelValues(surface, msgType).Add(float64(n))
}

// RecordPullReconnect records an upstream reconnect attempt
func (m *Metrics) RecordPullReconnect() {
	if m == nil {
		return
	}
	m.PullReconnects.Inc()
}

// SetPullFrameRate sets the observed upstream frame rate
func (m *Metrics) SetPullFrameRate(fps float64) {
	if m == nil {
		return
	}
	m.PullFrameRate.Set(fps)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCodeToString(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(durationSeconds)
}

// RecordRTMPConnection records an RTMP connection
func (m *Metrics) RecordRTMPConnection() {
	if m == nil {
		return
	}
	m.RTMPConnections.Inc()
}

// RecordRTMPError records an RTMP error
func (m *Metrics) RecordRTMPError() {
	if m == nil {
		return
	}
	m.RTMPErrors.Inc()
}

// RecordRTMPBytes records payload bytes received via RTMP
func (m *Metrics) RecordRTMPBytes(n int) {
	if m == nil {
		return
	}
	m.RTMPBytesReceived.Add(float64(n))
}

// RecordArchiveUpload records the outcome of one archive upload
func (m *Metrics) RecordArchiveUpload(result string) {
	if m == nil {
		return
	}
	m.ArchiveUploads.WithLabelValues(result).Inc()
}

// statusCodeToString converts an HTTP status code to a string
func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
