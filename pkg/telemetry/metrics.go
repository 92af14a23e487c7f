// Package telemetry holds the Prometheus metrics for the voice
// gateway and conversation pipeline.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Wire metrics
	EnvelopesTotal  *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec

	// Pipeline metrics
	StageCallsTotal    *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	InterruptionsTotal *prometheus.CounterVec
	StaleResultsTotal  *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all metrics registered
// on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vocalis"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of connected voice sessions",
	})

	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total voice sessions by terminal status",
	}, []string{"status"})

	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Voice session duration in seconds",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	envelopesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "envelopes_total",
		Help:      "Total websocket envelopes by direction and type",
	}, []string{"direction", "type"})

	audioBytesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_total",
		Help:      "Total audio bytes by direction",
	}, []string{"direction"})

	stageCallsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_calls_total",
		Help:      "Pipeline stage invocations by stage and outcome",
	}, []string{"stage", "outcome"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 45},
	}, []string{"stage"})

	retriesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Provider retries by stage",
	}, []string{"stage"})

	interruptionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interruptions_total",
		Help:      "Pipeline interruptions by reason",
	}, []string{"reason"})

	staleResultsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_results_total",
		Help:      "Results discarded because their pipeline run was superseded",
	}, []string{"stage"})

	errorsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors surfaced to clients by code",
	}, []string{"code"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		envelopesTotal,
		audioBytesTotal,
		stageCallsTotal,
		stageDuration,
		retriesTotal,
		interruptionsTotal,
		staleResultsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		EnvelopesTotal:     envelopesTotal,
		AudioBytesTotal:    audioBytesTotal,
		StageCallsTotal:    stageCallsTotal,
		StageDuration:      stageDuration,
		RetriesTotal:       retriesTotal,
		InterruptionsTotal: interruptionsTotal,
		StaleResultsTotal:  staleResultsTotal,
		ErrorsTotal:        errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session opening.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session closing.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordEnvelope records one wire envelope.
func (m *Metrics) RecordEnvelope(direction, envelopeType string) {
	m.EnvelopesTotal.WithLabelValues(direction, envelopeType).Inc()
}

// RecordAudioBytes records audio payload volume.
func (m *Metrics) RecordAudioBytes(direction string, n int) {
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordStage records one pipeline stage invocation.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	m.StageCallsTotal.WithLabelValues(stage, outcome).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordRetry records a provider retry.
func (m *Metrics) RecordRetry(stage string) {
	m.RetriesTotal.WithLabelValues(stage).Inc()
}

// RecordInterruption records a pipeline interruption.
func (m *Metrics) RecordInterruption(reason string) {
	m.InterruptionsTotal.WithLabelValues(reason).Inc()
}

// RecordStaleResult records a discarded result from a superseded run.
func (m *Metrics) RecordStaleResult(stage string) {
	m.StaleResultsTotal.WithLabelValues(stage).Inc()
}

// RecordError records an error surfaced to a client.
func (m *Metrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}
