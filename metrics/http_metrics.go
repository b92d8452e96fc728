// Package metrics registers the Prometheus collectors for the service and
// provides the HTTP middleware that feeds them.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestCounter counts all HTTP requests with labels.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	// RequestDurationHistogram records request duration in seconds.
	RequestDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)

	// DecisionCounter counts purchase request decisions by outcome.
	DecisionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "purchase_request_decisions_total",
			Help: "Total number of purchase request decisions by outcome",
		},
		[]string{"service", "decision", "outcome"},
	)

	// StockShortageCounter counts approvals refused for lack of stock.
	StockShortageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stock_shortages_total",
			Help: "Total number of approvals refused due to insufficient stock",
		},
		[]string{"service"},
	)

	// PointsCreditedCounter accumulates loyalty points credited.
	PointsCreditedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_points_credited_total",
			Help: "Total loyalty points credited through approvals",
		},
		[]string{"service"},
	)
)

// HTTPMetrics holds configuration and state for metrics collection.
type HTTPMetrics struct {
	ServiceName string
	initialized bool
}

// NewHTTPMetrics creates a metrics collector for a specific service and
// registers the collectors.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	m := &HTTPMetrics{ServiceName: serviceName}
	m.register()
	return m
}

func (m *HTTPMetrics) register() {
	if !m.initialized {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDurationHistogram)
		prometheus.MustRegister(DecisionCounter)
		prometheus.MustRegister(StockShortageCounter)
		prometheus.MustRegister(PointsCreditedCounter)
		m.initialized = true
	}
}

// Middleware returns a chi middleware that records request count and
// duration per method/path/status.
func (m *HTTPMetrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := strconv.Itoa(ww.Status())
			RequestCounter.WithLabelValues(m.ServiceName, r.Method, r.URL.Path, status).Inc()
			RequestDurationHistogram.WithLabelValues(m.ServiceName, r.Method, r.URL.Path, status).
				Observe(time.Since(start).Seconds())
		})
	}
}

// RecordDecision records a decision outcome ("approve"/"reject" x
// "ok"/"conflict"/"shortage"/"error").
func (m *HTTPMetrics) RecordDecision(decision, outcome string) {
	DecisionCounter.WithLabelValues(m.ServiceName, decision, outcome).Inc()
}

// RecordShortage records a refused approval due to insufficient stock.
func (m *HTTPMetrics) RecordShortage() {
	StockShortageCounter.WithLabelValues(m.ServiceName).Inc()
}

// RecordPointsCredited accumulates credited loyalty points.
func (m *HTTPMetrics) RecordPointsCredited(points int64) {
	if points > 0 {
		PointsCreditedCounter.WithLabelValues(m.ServiceName).Add(float64(points))
	}
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
