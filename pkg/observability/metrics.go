// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the server. Providers are constructed explicitly and hand
// their hooks to the components that observe through them.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	MetricsPath string // HTTP path for the metrics endpoint (default: /metrics)
	MetricsPort int    // port for the metrics server (default: 9090)

	Namespace        string // Prometheus namespace (default: mcp)
	HistogramBuckets []float64
}

// Metrics owns the server's Prometheus collectors. Each provider carries its
// own registry so that independent instances never collide.
type Metrics struct {
	cfg      MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	messageDuration  *prometheus.HistogramVec
	messageTotal     *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolCallTotal    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	errorTotal       *prometheus.CounterVec
	registeredTools  prometheus.Gauge
}

// NewMetrics creates a metrics provider with its collectors registered.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "mcp"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
	if cfg.HistogramBuckets == nil {
		// Millisecond buckets.
		cfg.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	constLabels := prometheus.Labels{
		"service": cfg.ServiceName,
		"version": cfg.ServiceVersion,
	}

	m := &Metrics{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
	}

	m.messageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Name:        "message_duration_milliseconds",
		Help:        "Duration of processed protocol messages in milliseconds",
		Buckets:     cfg.HistogramBuckets,
		ConstLabels: constLabels,
	}, []string{"type", "status"})

	m.messageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "message_total",
		Help:        "Total number of processed protocol messages",
		ConstLabels: constLabels,
	}, []string{"type", "status"})

	m.toolCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   cfg.Namespace,
		Name:        "tool_call_duration_milliseconds",
		Help:        "Duration of tool executions in milliseconds",
		Buckets:     cfg.HistogramBuckets,
		ConstLabels: constLabels,
	}, []string{"tool", "status"})

	m.toolCallTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "tool_call_total",
		Help:        "Total number of tool executions",
		ConstLabels: constLabels,
	}, []string{"tool", "status"})

	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Name:        "active_sessions",
		Help:        "Number of live sessions",
		ConstLabels: constLabels,
	})

	m.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "sessions_total",
		Help:        "Total number of sessions admitted",
		ConstLabels: constLabels,
	})

	m.errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   cfg.Namespace,
		Name:        "error_total",
		Help:        "Total number of protocol errors by code",
		ConstLabels: constLabels,
	}, []string{"code", "category"})

	m.registeredTools = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   cfg.Namespace,
		Name:        "registered_tools",
		Help:        "Number of tools currently registered",
		ConstLabels: constLabels,
	})

	m.registry.MustRegister(
		m.messageDuration,
		m.messageTotal,
		m.toolCallDuration,
		m.toolCallTotal,
		m.activeSessions,
		m.sessionsTotal,
		m.errorTotal,
		m.registeredTools,
	)
	return m
}

// RecordMessage satisfies the router's metrics hook.
func (m *Metrics) RecordMessage(_ string, msgType string, elapsed time.Duration, success bool) {
	status := statusLabel(success)
	m.messageDuration.WithLabelValues(msgType, status).Observe(float64(elapsed.Milliseconds()))
	m.messageTotal.WithLabelValues(msgType, status).Inc()
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(tool string, elapsed time.Duration, success bool) {
	status := statusLabel(success)
	m.toolCallDuration.WithLabelValues(tool, status).Observe(float64(elapsed.Milliseconds()))
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
}

// SessionOpened bumps the admission counter and the live gauge.
func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionClosed decrements the live gauge.
func (m *Metrics) SessionClosed() {
	m.activeSessions.Dec()
}

// RecordError counts a protocol error by code and category.
func (m *Metrics) RecordError(code int, category string) {
	m.errorTotal.WithLabelValues(fmt.Sprintf("%d", code), category).Inc()
}

// SetRegisteredTools reports the registry size.
func (m *Metrics) SetRegisteredTools(n int) {
	m.registeredTools.Set(float64(n))
}

// Handler exposes the provider's registry for embedding into an existing
// HTTP mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start serves the metrics endpoint on its own listener.
func (m *Metrics) Start(_ context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(m.cfg.MetricsPath, m.Handler())

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", m.cfg.MetricsPort),
		Handler: mux,
	}
	go func() {
		_ = m.server.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
