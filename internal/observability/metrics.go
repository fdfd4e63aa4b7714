package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	GenerationAttempts *prometheus.CounterVec
	GenerationRetries  *prometheus.CounterVec
	BackoffSeconds     prometheus.Histogram
	ActiveCaptures     prometheus.Gauge
	CaptureEvents      *prometheus.CounterVec
	PlaybackEvents     *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec

	gatherer prometheus.Gatherer
	stages   *stageWindow
}

// NewMetrics registers instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry registers instruments on reg; tests use a fresh
// prometheus.NewRegistry() to avoid duplicate registration panics.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GenerationAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_attempts_total",
			Help:      "Remote generation calls by outcome.",
		}, []string{"outcome"}),
		GenerationRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_retries_total",
			Help:      "Generation retries by error kind.",
		}, []string{"kind"}),
		BackoffSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_backoff_seconds",
			Help:      "Backoff sleep durations between generation attempts.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32},
		}),
		ActiveCaptures: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_capture_sessions",
			Help:      "Number of capture sessions currently holding device resources.",
		}),
		CaptureEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_events_total",
			Help:      "Capture session events by type.",
		}, []string{"event"}),
		PlaybackEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_events_total",
			Help:      "Speech playback events by type.",
		}, []string{"event"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		gatherer: gatherer,
		stages:   newStageWindow(256),
	}
}

func (m *Metrics) ObserveGenerationAttempt(outcome string) {
	if m == nil {
		return
	}
	m.GenerationAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry(kind string, sleep time.Duration) {
	if m == nil {
		return
	}
	m.GenerationRetries.WithLabelValues(kind).Inc()
	m.BackoffSeconds.Observe(sleep.Seconds())
	m.stages.ObserveIndicator("generation_retry_" + kind)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) CaptureEvent(event string) {
	if m == nil {
		return
	}
	m.CaptureEvents.WithLabelValues(event).Inc()
	switch event {
	case "recording":
		m.ActiveCaptures.Inc()
	case "released":
		m.ActiveCaptures.Dec()
	}
}

func (m *Metrics) PlaybackEvent(event string) {
	if m == nil {
		return
	}
	m.PlaybackEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, messageType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, messageType).Inc()
}

// StageSnapshot returns rolling latency percentiles per stage.
func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil || m.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
