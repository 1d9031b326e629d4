package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice capture service
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueDrops       prometheus.Counter

	// Ingest metrics
	PacketsIngested prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	DecodeFailures  *prometheus.CounterVec
	DecodedBytes    prometheus.Counter

	// Utterance metrics
	ActiveSpeakers       prometheus.Gauge
	UtterancesStarted    prometheus.Counter
	UtterancesEnded      prometheus.Counter
	UtterancesEmpty      prometheus.Counter
	UtteranceDuration    prometheus.Histogram
	UtteranceSize        prometheus.Histogram
	NotificationFailures *prometheus.CounterVec
	SweepDuration        prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_received_total",
			Help: "Total number of UDP voice frames received",
		}),
		PacketsProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_processed_total",
			Help: "Total number of UDP voice frames parsed and handed to the session engine",
		}),
		ParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_parse_errors_total",
			Help: "Total number of voice frame parsing errors",
		}),
		QueueDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_queue_drops_total",
			Help: "Total number of voice frames dropped because a worker queue was full",
		}),

		PacketsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_ingested_total",
			Help: "Total number of packets accepted by the session engine",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_packets_dropped_total",
			Help: "Total number of packets rejected as malformed by the session engine",
		}, []string{"reason"}),
		DecodeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_decode_failures_total",
			Help: "Total number of voice payloads that produced no PCM",
		}, []string{"result"}),
		DecodedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_decoded_bytes_total",
			Help: "Total number of PCM bytes appended to utterance buffers",
		}),

		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_speakers",
			Help: "Current number of participants with an open utterance",
		}),
		UtterancesStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_started_total",
			Help: "Total number of utterances started",
		}),
		UtterancesEnded: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_ended_total",
			Help: "Total number of utterances finalized with audio",
		}),
		UtterancesEmpty: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_empty_total",
			Help: "Total number of utterances finalized without any decoded audio",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Playback length of finalized utterances",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		UtteranceSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_size_bytes",
			Help:    "Size of finalized WAV containers",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),
		NotificationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_notification_failures_total",
			Help: "Total number of event bridge notifications that failed",
		}, []string{"event"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_sweep_duration_seconds",
			Help:    "Time spent in one silence sweep",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// RecordQueueDrop increments the queue drop counter
func (m *Metrics) RecordQueueDrop() {
	m.QueueDrops.Inc()
}

// RecordPacketIngested increments the accepted packet counter
func (m *Metrics) RecordPacketIngested() {
	m.PacketsIngested.Inc()
}

// RecordPacketDropped records a packet rejected for reason
func (m *Metrics) RecordPacketDropped(reason string) {
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordDecodeFailure records a decode call that produced no samples
func (m *Metrics) RecordDecodeFailure(result string) {
	m.DecodeFailures.WithLabelValues(result).Inc()
}

// RecordDecoded adds appended PCM bytes
func (m *Metrics) RecordDecoded(size int) {
	m.DecodedBytes.Add(float64(size))
}

// SetActiveSpeakers sets the current number of open utterances
func (m *Metrics) SetActiveSpeakers(count int) {
	m.ActiveSpeakers.Set(float64(count))
}

// RecordUtteranceStarted increments the utterances started counter
func (m *Metrics) RecordUtteranceStarted() {
	m.UtterancesStarted.Inc()
}

// RecordUtteranceEnded records a finalized utterance with audio
func (m *Metrics) RecordUtteranceEnded(durationSeconds float64, sizeBytes int) {
	m.UtterancesEnded.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
	m.UtteranceSize.Observe(float64(sizeBytes))
}

// RecordUtteranceEmpty increments the empty utterance counter
func (m *Metrics) RecordUtteranceEmpty() {
	m.UtterancesEmpty.Inc()
}

// RecordNotificationFailure records a failed bridge call for event
func (m *Metrics) RecordNotificationFailure(event string) {
	m.NotificationFailures.WithLabelValues(event).Inc()
}

// RecordSweep observes the duration of one sweep
func (m *Metrics) RecordSweep(durationSeconds float64) {
	m.SweepDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
