package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pricewatch"

// Metrics holds the gateway's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	authFailures *prometheus.CounterVec
	admissions   *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_latency_seconds",
				Help:      "Request latency in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "endpoint"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Requests rejected by the API key check",
			},
			[]string{"reason"},
		),
		admissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Rate limiter decisions",
			},
			[]string{"decision"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Result cache lookups by status",
			},
			[]string{"operation", "status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"error_type"},
		),
	}

	m.registry.MustRegister(
		m.requests,
		m.latency,
		m.authFailures,
		m.admissions,
		m.cacheLookups,
		m.errorsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished HTTP request
func (m *Metrics) ObserveRequest(method, endpoint string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// AuthFailed counts a rejected credential
func (m *Metrics) AuthFailed(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}

// Admission counts a limiter decision. Degraded admissions are counted on
// their own so fail-open periods stay visible.
func (m *Metrics) Admission(allowed, degraded bool) {
	decision := "denied"
	switch {
	case degraded:
		decision = "degraded"
	case allowed:
		decision = "allowed"
	}
	m.admissions.WithLabelValues(decision).Inc()
}

// CacheLookup counts how an operation's value was obtained
func (m *Metrics) CacheLookup(operation, status string) {
	m.cacheLookups.WithLabelValues(operation, status).Inc()
}

// Error counts a failure by type
func (m *Metrics) Error(errorType string) {
	m.errorsTotal.WithLabelValues(errorType).Inc()
}
