package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requestDuration     *prometheus.HistogramVec
	paymentsCreated     *prometheus.CounterVec
	webhookEvents       *prometheus.CounterVec
	checkoutCompletions *prometheus.CounterVec
	overdueMarked       prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rentledger",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	m.paymentsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "payments_created_total",
			Help:      "Payments recorded, by kind (legacy, allocated, checkout).",
		},
		[]string{"kind"},
	)
	m.webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "webhook_events_total",
			Help:      "Stripe webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)
	m.checkoutCompletions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "checkout_completions_total",
			Help:      "Completed checkouts; duplicate=true when no new payment was recorded.",
		},
		[]string{"duplicate"},
	)
	m.overdueMarked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rentledger",
			Name:      "invoices_marked_overdue_total",
			Help:      "Invoices moved to overdue by the sweep.",
		},
	)

	m.registry.MustRegister(
		m.requestDuration,
		m.paymentsCreated,
		m.webhookEvents,
		m.checkoutCompletions,
		m.overdueMarked,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

// The recorders below accept a nil receiver so handlers work without metrics.

func (m *Metrics) paymentCreated(kind string) {
	if m != nil {
		m.paymentsCreated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) webhookEvent(outcome string) {
	if m != nil {
		m.webhookEvents.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) checkoutCompleted(duplicate bool) {
	if m != nil {
		m.checkoutCompletions.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
	}
}

func (m *Metrics) markedOverdue(n int) {
	if m != nil {
		m.overdueMarked.Add(float64(n))
	}
}
