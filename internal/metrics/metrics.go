// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Buckets for backend wake time; cold starts run into whole seconds.
var wakeBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	BackendDuration  *prometheus.HistogramVec
	BackendResponses *prometheus.CounterVec

	BackendUp           prometheus.Gauge
	BackendRestarts     prometheus.Counter
	BackendWakeDuration prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convex_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convex_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convex_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "convex_gateway_backend_request_duration_seconds",
			Help:    "Backend call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		BackendResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convex_gateway_backend_responses_total",
			Help: "Total backend responses by method and status code.",
		}, []string{"method", "status_code"}),

		BackendUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convex_gateway_backend_up",
			Help: "Whether the supervised backend process is running (1) or stopped (0).",
		}),

		BackendRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convex_gateway_backend_restarts_total",
			Help: "Total backend process starts after the initial one.",
		}),

		BackendWakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "convex_gateway_backend_wake_duration_seconds",
			Help:    "Time from spawn to the backend answering its health check.",
			Buckets: wakeBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.BackendDuration,
		m.BackendResponses,
		m.BackendUp,
		m.BackendRestarts,
		m.BackendWakeDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api", "/healthz", "/proxy/status", "/proxy/requests", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
