// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal       *prometheus.CounterVec
	CyclesSkipped     *prometheus.CounterVec
	AdmissionRejected *prometheus.CounterVec
	OrdersTotal       *prometheus.CounterVec
	OrderRetries      prometheus.Counter

	OpenPositions  prometheus.Gauge
	CircuitBreaker prometheus.Gauge
	Equity         prometheus.Gauge
	DailyPnL       prometheus.Gauge
	DrawdownPct    prometheus.Gauge

	CycleDuration prometheus.Histogram
}

// New creates the collectors on a private registry so tests can run several
// instances side by side.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "cycles_total",
			Help:      "Evaluation cycles run, per instrument.",
		}, []string{"instrument"}),

		CyclesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "cycles_skipped_total",
			Help:      "Benignly skipped cycles, by reason.",
		}, []string{"reason"}),

		AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "admissions_rejected_total",
			Help:      "Trade admissions rejected, by gate.",
		}, []string{"gate"}),

		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "orders_total",
			Help:      "Order requests by kind and outcome.",
		}, []string{"kind", "outcome"}),

		OrderRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Name:      "order_retries_total",
			Help:      "Order attempts retried after a timeout.",
		}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "open_positions",
			Help:      "Currently open positions.",
		}),

		CircuitBreaker: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "circuit_breaker_tripped",
			Help:      "1 while the circuit breaker halts new entries.",
		}),

		Equity: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "equity",
			Help:      "Ledger equity in account currency.",
		}),

		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "daily_realized_pnl",
			Help:      "Realized profit and loss for the current UTC day.",
		}),

		DrawdownPct: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Name:      "drawdown_percent",
			Help:      "Current drawdown from the equity high-water mark.",
		}),

		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Name:      "cycle_duration_seconds",
			Help:      "Per-instrument evaluation cycle duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
