/*
Package metrics exposes Prometheus counters for the registration engine.

PURPOSE:
  Metrics is an engine.Notifier (counts holds expired, invoices finalized,
  refunds and refund failures) and an HTTP middleware (request count and
  latency by route). Handler serves /metrics.

SEE ALSO:
  - engine/events.go: Event types counted here
  - api/server.go: Middleware and /metrics wiring
*/
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/warp/registration-engine/engine"
)

const namespace = "registration"

type Metrics struct {
	registry *prometheus.Registry

	EventsTotal     *prometheus.CounterVec
	RefundedAmount  prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SweepExpired    prometheus.Counter
	SweepFailures   prometheus.Counter
}

var _ engine.Notifier = (*Metrics)(nil)

// New registers every collector on a fresh registry, plus the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by type (hold.expired, invoice.finalized, ...)",
		}, []string{"type"}),
		RefundedAmount: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_amount_total",
			Help:      "Money returned to customers, in currency units",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		SweepExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "expired_total",
			Help:      "Holds moved to expired by the background sweep",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "failures_total",
			Help:      "Sweep runs that returned an error",
		}),
	}
}

// Notify counts e.
func (m *Metrics) Notify(_ context.Context, e engine.Event) error {
	m.EventsTotal.WithLabelValues(string(e.Type)).Inc()
	if e.Type == engine.EventInvoiceRefunded && e.Amount != "" {
		if amt, err := decimal.NewFromString(e.Amount); err == nil {
			m.RefundedAmount.Add(amt.InexactFloat64())
		}
	}
	return nil
}

// Middleware records request count and latency by chi route pattern.
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
		m.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
