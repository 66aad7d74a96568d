// Package telemetry exposes Prometheus metrics for the extraction engine.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_jobs_total",
			Help: "Total number of jobs reaching a terminal status, labeled by status.",
		},
		[]string{"status"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_jobs",
			Help: "Number of jobs currently in processing.",
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_retries_total",
			Help: "Total retry attempts, labeled by failure class.",
		},
		[]string{"kind"},
	)

	breakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
	)

	rateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	poolSessionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_pool_sessions_in_use",
			Help: "Pooled automation sessions currently owned by a task.",
		},
	)

	healthyProxies = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_healthy_proxies",
			Help: "Number of proxies currently considered healthy.",
		},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Processed records, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_webhook_deliveries_total",
			Help: "Webhook delivery attempts, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveJob records a job reaching a terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// SetActiveJobs sets the in-processing job gauge.
func SetActiveJobs(n int) {
	activeJobs.Set(float64(n))
}

// ObserveRetry records one retry attempt for a failure class.
func ObserveRetry(kind string) {
	retriesTotal.WithLabelValues(kind).Inc()
}

// SetBreakerState publishes the circuit breaker state.
func SetBreakerState(state int) {
	breakerState.Set(float64(state))
}

// ObserveRateLimitWait records time spent waiting on the rate limiter.
func ObserveRateLimitWait(d time.Duration) {
	rateLimitWaitSeconds.Observe(d.Seconds())
}

// SetPoolSessionsInUse sets the session pool usage gauge.
func SetPoolSessionsInUse(n int) {
	poolSessionsInUse.Set(float64(n))
}

// SetHealthyProxies sets the healthy proxy gauge.
func SetHealthyProxies(n int) {
	healthyProxies.Set(float64(n))
}

// ObserveRecord counts one processed record by outcome
// (saved, failed, duplicate, warning).
func ObserveRecord(outcome string) {
	recordsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDelivery counts one webhook delivery attempt by outcome
// (delivered, retry, failed).
func ObserveDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
