package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	paymentsRecorded prometheus.Counter
	paymentsReversed prometheus.Counter
	returnsApplied   prometheus.Counter
	debtCacheHits    *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	paymentsRecorded := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_payments_recorded_total",
		Help: "Payments committed to the ledger.",
	})
	paymentsReversed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_payments_reversed_total",
		Help: "Payments reversed.",
	})
	returnsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_returns_applied_total",
		Help: "Invoice returns applied to the ledger.",
	})
	debtCacheHits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_debt_cache_requests_total",
		Help: "Debt view cache lookups by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, paymentsRecorded, paymentsReversed, returnsApplied, debtCacheHits)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		paymentsRecorded: paymentsRecorded,
		paymentsReversed: paymentsReversed,
		returnsApplied:   returnsApplied,
		debtCacheHits:    debtCacheHits,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// PaymentRecorded increments the recorded payment counter.
func (m *Metrics) PaymentRecorded() {
	if m != nil {
		m.paymentsRecorded.Inc()
	}
}

// PaymentReversed increments the reversed payment counter.
func (m *Metrics) PaymentReversed() {
	if m != nil {
		m.paymentsReversed.Inc()
	}
}

// ReturnApplied increments the applied return counter.
func (m *Metrics) ReturnApplied() {
	if m != nil {
		m.returnsApplied.Inc()
	}
}

// DebtCacheLookup records a cache lookup outcome ("hit" or "miss").
func (m *Metrics) DebtCacheLookup(outcome string) {
	if m != nil {
		m.debtCacheHits.WithLabelValues(outcome).Inc()
	}
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
