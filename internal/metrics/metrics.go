// Package metrics exposes Prometheus instruments for the lifecycle service.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "neurogrid"

type Metrics struct {
	gatherer prometheus.Gatherer

	operations    *prometheus.CounterVec
	amounts       *prometheus.CounterVec
	reclaims      *prometheus.CounterVec
	activeRentals prometheus.Gauge
	httpDuration  *prometheus.HistogramVec
}

// New registers the instruments on reg. Passing a fresh
// prometheus.NewRegistry keeps tests isolated.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		amounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amount_usd_total",
			Help:      "USD moved, by kind (settled, to_buffer, slashed, refunded, platform_fee, withdrawn).",
		}, []string{"kind"}),
		reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaims_total",
			Help:      "Kill-switch reclaims by reason.",
		}, []string{"reason"}),
		activeRentals: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rentals",
			Help:      "Nodes currently locked by a renter.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(m.operations, m.amounts, m.reclaims, m.activeRentals, m.httpDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Operation counts one lifecycle call. outcome is "ok" or an error class.
func (m *Metrics) Operation(name, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(name, outcome).Inc()
}

// Amount adds a USD amount under kind. Non-positive amounts are ignored.
func (m *Metrics) Amount(kind string, usd decimal.Decimal) {
	if m == nil || !usd.IsPositive() {
		return
	}
	f, _ := usd.Float64()
	m.amounts.WithLabelValues(kind).Add(f)
}

func (m *Metrics) Reclaim(reason string) {
	if m == nil {
		return
	}
	m.reclaims.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetActiveRentals(n int) {
	if m == nil {
		return
	}
	m.activeRentals.Set(float64(n))
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, status).Observe(seconds)
}
