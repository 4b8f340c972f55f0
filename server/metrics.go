package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssod_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssod_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssod_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	propagationDispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssod_propagation_dispatches_total",
			Help: "Cookie directive dispatches by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	propagationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ssod_propagation_dispatch_duration_seconds",
			Help:    "Directive dispatch latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		loginsTotal,
		propagationDispatches,
		propagationDuration,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func observeLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

func observePropagation(kind string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	propagationDispatches.WithLabelValues(kind, outcome).Inc()
	propagationDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// InstrumentMiddleware records request counts and latencies. Requests are
// labeled by the matched route pattern, not the raw URL path, so random
// scanner traffic cannot inflate series cardinality.
func InstrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		// The route pattern is only populated after routing has run.
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := strconv.Itoa(rec.status)
		httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}
