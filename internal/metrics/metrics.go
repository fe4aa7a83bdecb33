package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	registry  *prometheus.Registry
	sales     *prometheus.CounterVec
	returns   *prometheus.CounterVec
	discounts *prometheus.CounterVec
	shifts    *prometheus.CounterVec
	backend   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "till",
			Name:      "sales_total",
			Help:      "Completed sales by payment method.",
		}, []string{"method"}),
		returns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "till",
			Name:      "returns_total",
			Help:      "Submitted returns by refund method.",
		}, []string{"method"}),
		discounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "till",
			Name:      "discount_decisions_total",
			Help:      "Discount gate outcomes.",
		}, []string{"outcome"}),
		shifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "till",
			Name:      "shift_events_total",
			Help:      "Shift lifecycle events.",
		}, []string{"event"}),
		backend: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "till",
			Name:      "backend_request_seconds",
			Help:      "Latency of backend calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sales, m.returns, m.discounts, m.shifts, m.backend,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SaleCompleted(method string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(method).Inc()
}

func (m *Metrics) ReturnSubmitted(method string) {
	if m == nil {
		return
	}
	m.returns.WithLabelValues(method).Inc()
}

func (m *Metrics) DiscountDecision(outcome string) {
	if m == nil {
		return
	}
	m.discounts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ShiftEvent(event string) {
	if m == nil {
		return
	}
	m.shifts.WithLabelValues(event).Inc()
}

// ObserveBackend records a backend round trip. Status 0 means no response.
func (m *Metrics) ObserveBackend(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.backend.WithLabelValues(method, route, label).Observe(elapsed.Seconds())
}
