// Package metrics provides Prometheus instrumentation for the relay.
// All metric collectors are registered via the Init function and exposed
// through the Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelayRequestsTotal counts relayed requests by upstream, method, and status.
	RelayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests relayed to upstreams",
		},
		[]string{"upstream", "method", "status"},
	)

	// RelayRequestDuration observes relayed request latency in seconds.
	RelayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "Relayed request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	// RelayInFlight tracks concurrent in-flight requests per upstream.
	RelayInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_in_flight_requests",
			Help: "Number of in-flight requests per upstream",
		},
		[]string{"upstream"},
	)

	// RelayConcurrencyRejections counts requests rejected by the per-upstream
	// concurrency cap.
	RelayConcurrencyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_concurrency_rejections_total",
			Help: "Total requests rejected because the upstream concurrency cap was reached",
		},
		[]string{"upstream"},
	)

	// RateLimitHits counts rate limit rejections.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total rate limit rejections",
		},
		[]string{"upstream"},
	)

	// BreakerState reflects the current circuit breaker state per dependency
	// (0=closed, 1=open, 2=half-open).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// BreakerStateChanges counts breaker state transitions.
	BreakerStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"dependency", "from", "to"},
	)

	// BreakerRejections counts calls short-circuited by an open breaker.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_rejections_total",
			Help: "Total calls rejected by an open circuit breaker",
		},
		[]string{"dependency"},
	)

	// WSConnections tracks established upstream WebSocket connections.
	WSConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_ws_connections",
			Help: "Number of established upstream WebSocket connections",
		},
		[]string{"upstream"},
	)

	// WSReconnects counts upstream WebSocket reconnect attempts.
	WSReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_reconnects_total",
			Help: "Total upstream WebSocket reconnect attempts",
		},
		[]string{"upstream"},
	)

	// WSMessages counts WebSocket messages by direction ("in" or "out").
	WSMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_ws_messages_total",
			Help: "Total WebSocket messages exchanged with upstreams",
		},
		[]string{"upstream", "direction"},
	)
)

// Init registers all metric collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(
		RelayRequestsTotal,
		RelayRequestDuration,
		RelayInFlight,
		RelayConcurrencyRejections,
		RateLimitHits,
		BreakerState,
		BreakerStateChanges,
		BreakerRejections,
		WSConnections,
		WSReconnects,
		WSMessages,
	)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
