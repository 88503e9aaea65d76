package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Metrics implements aitutor.Metrics using Prometheus.
type Metrics struct {
	reservationsTotal          *prometheus.CounterVec
	releasesTotal              *prometheus.CounterVec
	dispatchTotal              *prometheus.CounterVec
	providerLatency            *prometheus.HistogramVec
	streamChunks               *prometheus.HistogramVec
	feedbackTotal              *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		reservationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reservations_total",
			Help:      "Total number of quota reservation attempts.",
		}, []string{"feature", "tier", "admitted"}),

		releasesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_releases_total",
			Help:      "Total number of reservations given back after a failed request.",
		}, []string{"feature"}),

		dispatchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of finished requests by terminal state and error code.",
		}, []string{"feature", "state", "code"}),

		providerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of provider calls.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"feature", "streaming"}),

		streamChunks: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_chunks",
			Help:      "Distribution of chunks delivered per stream.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000},
		}, []string{"feature"}),

		feedbackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Total number of feedback submissions.",
		}, []string{"feature", "accepted"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordReservation(feature aitutor.Feature, tier string, admitted bool) {
	m.reservationsTotal.WithLabelValues(string(feature), tier, strconv.FormatBool(admitted)).Inc()
}

func (m *Metrics) RecordRelease(feature aitutor.Feature) {
	m.releasesTotal.WithLabelValues(string(feature)).Inc()
}

func (m *Metrics) RecordDispatch(feature aitutor.Feature, state aitutor.RequestState, code aitutor.ErrorCode) {
	m.dispatchTotal.WithLabelValues(string(feature), string(state), string(code)).Inc()
}

func (m *Metrics) RecordProviderLatency(feature aitutor.Feature, streaming bool, duration time.Duration) {
	m.providerLatency.WithLabelValues(string(feature), strconv.FormatBool(streaming)).Observe(duration.Seconds())
}

func (m *Metrics) RecordStreamChunks(feature aitutor.Feature, chunks int) {
	m.streamChunks.WithLabelValues(string(feature)).Observe(float64(chunks))
}

func (m *Metrics) RecordFeedback(feature aitutor.Feature, accepted bool) {
	m.feedbackTotal.WithLabelValues(string(feature), strconv.FormatBool(accepted)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
