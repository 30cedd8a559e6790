// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ai_speech_sentence"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Recording metrics
	RecordingsTotal    prometheus.Counter
	RecordingsActive   prometheus.Gauge
	RecordingsFailed   *prometheus.CounterVec
	RecordingDuration  prometheus.Histogram
	RecordingSentences prometheus.Histogram

	// Segmentation metrics
	SentencesFinalized *prometheus.CounterVec
	PartialsReceived   prometheus.Counter
	PartialsDiscarded  *prometheus.CounterVec

	// Restart metrics
	Restarts *prometheus.CounterVec

	// Enhancement metrics
	EnhanceRequests *prometheus.CounterVec
	EnhanceLatency  *prometheus.HistogramVec

	// Playback metrics
	PlaybackTotal *prometheus.CounterVec

	// History metrics
	HistoryAppends prometheus.Counter
	HistorySize    prometheus.Gauge
	HistoryErrors  *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// RPC metrics
	RPCTotal *prometheus.CounterVec

	// Device bridge metrics
	DeviceConnections prometheus.Gauge
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates all metrics and registers them with reg.
// Tests pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordingsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Total number of recordings started",
		}),
		RecordingsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recordings_active",
			Help:      "Number of currently active recordings",
		}),
		RecordingsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_failed_total",
			Help:      "Recordings that ended without a user stop",
		}, []string{"reason"}),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Duration of recordings in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		RecordingSentences: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_sentences",
			Help:      "Number of sentences per completed recording",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),

		SentencesFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sentences_finalized_total",
			Help:      "Sentences finalized, by trigger",
		}, []string{"reason"}),
		PartialsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_received_total",
			Help:      "Partial results accepted by the segmentation engine",
		}),
		PartialsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partials_discarded_total",
			Help:      "Partial results dropped because no session was listening",
		}, []string{"state"}),

		Restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_restarts_total",
			Help:      "Automatic transport restarts after involuntary stops",
		}, []string{"transport", "outcome"}),

		EnhanceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhance_requests_total",
			Help:      "Text enhancement requests by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),
		EnhanceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enhance_latency_seconds",
			Help:      "Text enhancement latency in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"provider"}),

		PlaybackTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_total",
			Help:      "Playback attempts by tier and outcome",
		}, []string{"tier", "outcome"}),

		HistoryAppends: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_appends_total",
			Help:      "History entries appended",
		}),
		HistorySize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_entries",
			Help:      "Current number of history entries",
		}),
		HistoryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_errors_total",
			Help:      "History persistence errors by operation",
		}, []string{"op"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		RPCTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and code",
		}, []string{"method", "code"}),

		DeviceConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_connections",
			Help:      "Connected device recognizers",
		}),
	}
}

// RecordRecordingStart records a new recording starting.
func (m *Metrics) RecordRecordingStart() {
	m.RecordingsTotal.Inc()
	m.RecordingsActive.Inc()
}

// RecordRecordingEnd records a recording ending.
// failReason is empty for user-requested stops.
func (m *Metrics) RecordRecordingEnd(failReason string, durationSeconds float64, sentences int) {
	m.RecordingsActive.Dec()
	m.RecordingDuration.Observe(durationSeconds)
	m.RecordingSentences.Observe(float64(sentences))
	if failReason != "" {
		m.RecordingsFailed.WithLabelValues(failReason).Inc()
	}
}

// RecordSentence records a finalized sentence.
func (m *Metrics) RecordSentence(reason string) {
	m.SentencesFinalized.WithLabelValues(reason).Inc()
}

// RecordPartial records an accepted partial result.
func (m *Metrics) RecordPartial() {
	m.PartialsReceived.Inc()
}

// RecordPartialDiscarded records a partial result arriving outside a listening session.
func (m *Metrics) RecordPartialDiscarded(state string) {
	m.PartialsDiscarded.WithLabelValues(state).Inc()
}

// RecordRestart records an automatic restart attempt.
func (m *Metrics) RecordRestart(transport, outcome string) {
	m.Restarts.WithLabelValues(transport, outcome).Inc()
}

// RecordEnhance records a text enhancement call.
func (m *Metrics) RecordEnhance(provider, model, outcome string, latencySeconds float64) {
	m.EnhanceRequests.WithLabelValues(provider, model, outcome).Inc()
	m.EnhanceLatency.WithLabelValues(provider).Observe(latencySeconds)
}

// RecordPlayback records a playback attempt on one tier.
func (m *Metrics) RecordPlayback(tier string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PlaybackTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordHistoryAppend records an appended entry and the resulting size.
func (m *Metrics) RecordHistoryAppend(size int) {
	m.HistoryAppends.Inc()
	m.HistorySize.Set(float64(size))
}

// RecordHistorySize records the size after a load or clear.
func (m *Metrics) RecordHistorySize(size int) {
	m.HistorySize.Set(float64(size))
}

// RecordHistoryError records a failed history operation.
func (m *Metrics) RecordHistoryError(op string) {
	m.HistoryErrors.WithLabelValues(op).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordRPC records a completed gRPC call.
func (m *Metrics) RecordRPC(method, code string) {
	m.RPCTotal.WithLabelValues(method, code).Inc()
}
