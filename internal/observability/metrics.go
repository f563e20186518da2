package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (refresh storms).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Stream connections are excluded by route.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Observation endpoint call rate by status label (success, client_error, server_error, error).
	ObservationAPICallsTotal *prometheus.CounterVec

	// Observation endpoint latency. Watch for: p95 near observation_api.timeout.
	ObservationAPIDuration *prometheus.HistogramVec

	// Fetch failures by category (network, timeout, malformed_response, ...).
	ObservationAPIErrorsTotal *prometheus.CounterVec

	// Completed refresh cycles by result (success, error).
	RefreshTotal *prometheus.CounterVec

	// Refresh triggers that joined an already outstanding fetch.
	RefreshCoalescedTotal prometheus.Counter

	// 1 while a fetch is outstanding. Stuck at 1 means a flight never finished.
	DisplayLoading prometheus.Gauge

	// Unix time of the last successful merge into the display state.
	LastSuccessTimestamp prometheus.Gauge

	// Registered change subscribers (stream clients included).
	Subscribers prometheus.Gauge

	// Stream clients dropped for falling behind.
	StreamDroppedTotal prometheus.Counter

	// Rate limit denials on the refresh endpoint.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker transitions and current state (0 closed, 1 open, 2 half_open).
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            prometheus.Gauge
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ObservationAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationApiCallsTotal",
			Help: "Total number of observation endpoint calls",
		},
		[]string{"status"},
	)
	ObservationAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "observationApiDurationSeconds",
			Help:    "Observation endpoint latency in seconds (per call)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	ObservationAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "observationApiErrorsTotal",
			Help: "Observation fetch failures by category",
		},
		[]string{"category"},
	)
	RefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refreshTotal",
			Help: "Completed refresh cycles by result",
		},
		[]string{"result"},
	)
	RefreshCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "refreshCoalescedTotal",
			Help: "Refresh triggers that joined an outstanding fetch",
		},
	)
	DisplayLoading = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "displayLoading",
			Help: "1 while a refresh fetch is outstanding",
		},
	)
	LastSuccessTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lastSuccessTimestampSeconds",
			Help: "Unix time of the last successful observation merge",
		},
	)
	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "displaySubscribers",
			Help: "Registered display state change subscribers",
		},
	)
	StreamDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "streamDroppedTotal",
			Help: "Stream clients disconnected for falling behind",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of refresh requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)
	CircuitBreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half_open",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ObservationAPICallsTotal, ObservationAPIDuration, ObservationAPIErrorsTotal,
		RefreshTotal, RefreshCoalescedTotal, DisplayLoading, LastSuccessTimestamp,
		Subscribers, StreamDroppedTotal,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
	)
}

// RecordRefresh records the end of a refresh cycle.
func RecordRefresh(ok bool, at time.Time) {
	DisplayLoading.Set(0)
	if !ok {
		RefreshTotal.WithLabelValues("error").Inc()
		return
	}
	RefreshTotal.WithLabelValues("success").Inc()
	LastSuccessTimestamp.Set(float64(at.Unix()))
}

// RecordCircuitBreakerTransition records a breaker transition and updates the state gauge.
func RecordCircuitBreakerTransition(from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(from, to).Inc()
	CircuitBreakerState.Set(float64(toValue))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
