package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitstats_http_requests_total",
		Help: "Total HTTP requests by route and status code.",
	}, []string{"route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visitstats_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	visitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitstats_visits_total",
		Help: "Visit recording attempts by outcome (recorded, duplicate, rate_limited, failed).",
	}, []string{"outcome"})

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "visitstats_heartbeats_total",
		Help: "Accepted presence heartbeats.",
	})

	onlineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "visitstats_online_sessions",
		Help: "Sessions online at the last count.",
	})

	sweptTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitstats_sweep_deleted_total",
		Help: "Rows or cache entries removed by retention sweeps, by task.",
	}, []string{"task"})

	sweepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "visitstats_sweep_errors_total",
		Help: "Failed retention sweeps by task.",
	}, []string{"task"})
)

func init() {
	prometheus.MustRegister(
		httpRequests,
		httpDuration,
		visitsTotal,
		heartbeatsTotal,
		onlineSessions,
		sweptTotal,
		sweepErrors,
	)
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records an HTTP request for a route pattern.
func ObserveRequest(route string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// CountVisit records the outcome of one recording attempt.
func CountVisit(outcome string) {
	visitsTotal.WithLabelValues(outcome).Inc()
}

func CountHeartbeat() {
	heartbeatsTotal.Inc()
}

// SetOnlineSessions sets the online-sessions gauge.
func SetOnlineSessions(n int64) {
	onlineSessions.Set(float64(n))
}

// CountSwept adds n removed items for a sweep task.
func CountSwept(task string, n int64) {
	sweptTotal.WithLabelValues(task).Add(float64(n))
}

func CountSweepError(task string) {
	sweepErrors.WithLabelValues(task).Inc()
}
