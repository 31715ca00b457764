// Package telemetry exports Prometheus metrics and builds the
// process logger.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"routegate/internal/config"
	"routegate/internal/domain"
)

// Metrics holds every exported instrument. One instance per process,
// bound to a dedicated registry so tests can run in isolation.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	TokensTotal      *prometheus.CounterVec
	CostTotal        *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
	ModelSuccessRate *prometheus.GaugeVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ActiveSessions   prometheus.Gauge
	SessionEvictions prometheus.Counter
	ActiveAlerts     *prometheus.GaugeVec
	QueueDepth       prometheus.Gauge
}

// NewMetrics registers all instruments against the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_requests_total",
			Help: "Completed requests by model and outcome.",
		}, []string{"model", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "routegate_request_duration_seconds",
			Help:    "End-to-end request latency by model.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"model"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_tokens_total",
			Help: "Tokens consumed by model.",
		}, []string{"model"}),
		CostTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_cost_usd_total",
			Help: "Estimated spend in USD by model.",
		}, []string{"model"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_errors_total",
			Help: "Failed attempts by model and error kind.",
		}, []string{"model", "kind"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_retries_total",
			Help: "Retry attempts by model.",
		}, []string{"model"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "routegate_fallbacks_total",
			Help: "Requests served by a fallback model.",
		}, []string{"model"}),
		ModelSuccessRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routegate_model_success_rate",
			Help: "EMA success rate per model (0-100).",
		}, []string{"model"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "routegate_cache_hits_total",
			Help: "Response cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "routegate_cache_misses_total",
			Help: "Response cache misses.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "routegate_active_sessions",
			Help: "Live conversation sessions.",
		}),
		SessionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "routegate_session_evictions_total",
			Help: "Sessions removed by the TTL sweep.",
		}),
		ActiveAlerts: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routegate_active_alerts",
			Help: "Currently firing alerts by severity.",
		}, []string{"severity"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "routegate_queue_depth",
			Help: "Requests waiting for a worker.",
		}),
	}
}

// ObserveAttempt exports one provider attempt record. Wired as an
// aggregator observer.
func (m *Metrics) ObserveAttempt(pm domain.PerformanceMetric) {
	model := string(pm.Model)
	status := "success"
	if !pm.Success {
		status = "failure"
		if pm.ErrorKind != "" {
			m.ErrorsTotal.WithLabelValues(model, string(pm.ErrorKind)).Inc()
		}
	}
	m.RequestsTotal.WithLabelValues(model, status).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(pm.TotalTime.Seconds())
	if pm.TokensUsed > 0 {
		m.TokensTotal.WithLabelValues(model).Add(float64(pm.TokensUsed))
	}
	if pm.Cost > 0 {
		m.CostTotal.WithLabelValues(model).Add(pm.Cost)
	}
	if pm.RetryCount > 0 {
		m.RetriesTotal.WithLabelValues(model).Add(float64(pm.RetryCount))
	}
	if pm.FallbackUsed && pm.Success {
		m.FallbacksTotal.WithLabelValues(model).Inc()
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ParseLevel maps a config level string to a slog.Level. Unknown
// values fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process slog.Logger from config. The returned
// LevelVar adjusts the level at runtime on config reload.
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler), level
}
