// Package observability provides the gateway's Prometheus metrics and
// OpenTelemetry tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/health"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Namespace prefixes every metric name (default: mcp_gateway)
	Namespace string

	// HistogramBuckets are latency buckets in seconds
	HistogramBuckets []float64

	// ConstLabels are added to all metrics
	ConstLabels prometheus.Labels

	// ProcessCollectors adds the Go runtime and process collectors
	ProcessCollectors bool
}

// Metrics holds the gateway's collectors on a private registry. It
// satisfies session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   *prometheus.GaugeVec
	sessionsOpened   *prometheus.CounterVec
	sessionsClosed   *prometheus.CounterVec
	sessionLifetime  *prometheus.HistogramVec
	requestDuration  *prometheus.HistogramVec
	requestTotal     *prometheus.CounterVec
	repliesDiscarded *prometheus.CounterVec
	backendHealth    *prometheus.GaugeVec
	catalogTools     prometheus.Gauge
	authDenied       *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	httpInFlight     *prometheus.GaugeVec
}

// NewMetrics creates and registers the gateway collectors.
func NewMetrics(config MetricsConfig) *Metrics {
	if config.Namespace == "" {
		config.Namespace = "mcp_gateway"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	}

	m := &Metrics{registry: prometheus.NewRegistry()}
	ns, cl := config.Namespace, config.ConstLabels

	m.sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "sessions_active",
			Help:        "Number of open client sessions",
			ConstLabels: cl,
		},
		[]string{"backend"},
	)

	m.sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "sessions_opened_total",
			Help:        "Total number of sessions created",
			ConstLabels: cl,
		},
		[]string{"backend"},
	)

	m.sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "sessions_closed_total",
			Help:        "Total number of sessions closed, by reason",
			ConstLabels: cl,
		},
		[]string{"backend", "reason"},
	)

	m.sessionLifetime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "session_lifetime_seconds",
			Help:        "Time from session creation to close",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: cl,
		},
		[]string{"backend"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "request_duration_seconds",
			Help:        "Time from dispatch to completion of client requests",
			Buckets:     config.HistogramBuckets,
			ConstLabels: cl,
		},
		[]string{"backend", "outcome"},
	)

	m.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "requests_total",
			Help:        "Total number of completed client requests",
			ConstLabels: cl,
		},
		[]string{"backend", "outcome"},
	)

	m.repliesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "replies_discarded_total",
			Help:        "Backend replies that matched no pending request",
			ConstLabels: cl,
		},
		[]string{"backend"},
	)

	m.backendHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "backend_health",
			Help:        "Backend health (0=healthy, 1=degraded, 2=unreachable)",
			ConstLabels: cl,
		},
		[]string{"backend"},
	)

	m.catalogTools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "catalog_tools",
			Help:        "Number of tools in the aggregated catalog",
			ConstLabels: cl,
		},
	)

	m.authDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "auth_denied_total",
			Help:        "Requests refused by the gatekeeper",
			ConstLabels: cl,
		},
		[]string{"reason"},
	)

	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Name:        "http_requests_total",
			Help:        "HTTP requests served, by route, method and status code",
			ConstLabels: cl,
		},
		[]string{"route", "method", "code"},
	)

	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Name:        "http_request_duration_seconds",
			Help:        "Time spent serving HTTP requests, including streams",
			Buckets:     config.HistogramBuckets,
			ConstLabels: cl,
		},
		[]string{"route", "method", "code"},
	)

	m.httpInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Name:        "http_requests_in_flight",
			Help:        "HTTP requests currently being served",
			ConstLabels: cl,
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		m.sessionsActive,
		m.sessionsOpened,
		m.sessionsClosed,
		m.sessionLifetime,
		m.requestDuration,
		m.requestTotal,
		m.repliesDiscarded,
		m.backendHealth,
		m.catalogTools,
		m.authDenied,
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
	)
	if config.ProcessCollectors {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened(backend string) {
	m.sessionsOpened.WithLabelValues(backend).Inc()
	m.sessionsActive.WithLabelValues(backend).Inc()
}

// SessionClosed records a closed session.
func (m *Metrics) SessionClosed(backend, reason string, lifetime time.Duration) {
	m.sessionsActive.WithLabelValues(backend).Dec()
	m.sessionsClosed.WithLabelValues(backend, reason).Inc()
	m.sessionLifetime.WithLabelValues(backend).Observe(lifetime.Seconds())
}

// RequestFinished records one completed request.
func (m *Metrics) RequestFinished(backend, outcome string, latency time.Duration) {
	m.requestTotal.WithLabelValues(backend, outcome).Inc()
	m.requestDuration.WithLabelValues(backend, outcome).Observe(latency.Seconds())
}

// ReplyDiscarded records an unmatched backend reply.
func (m *Metrics) ReplyDiscarded(backend string) {
	m.repliesDiscarded.WithLabelValues(backend).Inc()
}

// HealthChanged tracks backend health. Register it with
// health.Monitor.OnChange.
func (m *Metrics) HealthChanged(c health.Change) {
	m.backendHealth.WithLabelValues(c.Backend).Set(float64(c.To))
}

// BackendRemoved drops the per-backend series of a backend no longer
// in the registry.
func (m *Metrics) BackendRemoved(backend string) {
	m.backendHealth.DeleteLabelValues(backend)
}

// CatalogPublished records the size of a new catalog.
func (m *Metrics) CatalogPublished(tools int) {
	m.catalogTools.Set(float64(tools))
}

// AuthDenied records a refused request.
func (m *Metrics) AuthDenied(reason string) {
	m.authDenied.WithLabelValues(reason).Inc()
}
