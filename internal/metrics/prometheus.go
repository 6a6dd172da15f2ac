// Package metrics exports engine activity as Prometheus metrics:
//
//	tradecore_events_total{symbol}              market events stepped
//	tradecore_orders_total{state,side}          order state changes
//	tradecore_risk_rejections_total{rule,retryable}
//	tradecore_faults_total{kind}                recovered and fatal faults
//	tradecore_equity / _cash / _exposure        latest ledger snapshot
//	tradecore_realized_pnl / _unrealized_pnl
//	tradecore_open_positions
//	tradecore_execution_latency_seconds         submit to first fill
//	tradecore_slippage_bps                      first fill vs reference price
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/tradecore/internal/domain"
)

const namespace = "tradecore"

// Sink implements domain.MetricsSink on its own registry, so several engines
// in one process (sweep mode) never collide on registration.
type Sink struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	orders     *prometheus.CounterVec
	rejections *prometheus.CounterVec
	faults     *prometheus.CounterVec

	equity        prometheus.Gauge
	cash          prometheus.Gauge
	exposure      prometheus.Gauge
	realizedPnL   prometheus.Gauge
	unrealizedPnL prometheus.Gauge
	positions     prometheus.Gauge

	latency  prometheus.Histogram
	slippage prometheus.Histogram
}

var _ domain.MetricsSink = (*Sink)(nil)

// New creates a Sink. constLabels (for example the run mode) are attached to
// every series. withRuntime adds the Go and process collectors.
func New(constLabels prometheus.Labels, withRuntime bool) *Sink {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: constLabels,
		})
	}

	s := &Sink{
		reg:        prometheus.NewRegistry(),
		events:     counter("events_total", "Market events stepped by the engine.", "symbol"),
		orders:     counter("orders_total", "Order state changes.", "state", "side"),
		rejections: counter("risk_rejections_total", "Intents refused by risk rules.", "rule", "retryable"),
		faults:     counter("faults_total", "Faults by kind.", "kind"),

		equity:        gauge("equity", "Account equity at the latest snapshot."),
		cash:          gauge("cash", "Account cash at the latest snapshot."),
		exposure:      gauge("exposure", "Sum of absolute position values."),
		realizedPnL:   gauge("realized_pnl", "Realized profit and loss."),
		unrealizedPnL: gauge("unrealized_pnl", "Unrealized profit and loss at mark."),
		positions:     gauge("open_positions", "Number of open positions."),

		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "execution_latency_seconds",
			Help:        "Time from order submission to first fill.",
			ConstLabels: constLabels,
			Buckets:     []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		slippage: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "slippage_bps",
			Help:        "First fill price against the intent's reference price, in basis points (positive is adverse).",
			ConstLabels: constLabels,
			Buckets:     []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50, 100},
		}),
	}

	s.reg.MustRegister(
		s.events, s.orders, s.rejections, s.faults,
		s.equity, s.cash, s.exposure, s.realizedPnL, s.unrealizedPnL, s.positions,
		s.latency, s.slippage,
	)
	if withRuntime {
		s.reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return s
}

// Registry returns the registry the sink's metrics live in.
func (s *Sink) Registry() *prometheus.Registry { return s.reg }

// Handler serves the registry in the Prometheus exposition format.
func (s *Sink) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

func (s *Sink) ObserveEvent(ev domain.MarketEvent) {
	s.events.WithLabelValues(ev.Symbol).Inc()
}

func (s *Sink) ObserveOrder(o domain.Order) {
	s.orders.WithLabelValues(string(o.State), string(o.Side())).Inc()
}

func (s *Sink) ObserveSnapshot(snap domain.AccountSnapshot) {
	s.equity.Set(snap.Equity)
	s.cash.Set(snap.Cash)
	s.exposure.Set(snap.Exposure)
	s.realizedPnL.Set(snap.RealizedPnL)
	s.unrealizedPnL.Set(snap.UnrealizedPnL)
	s.positions.Set(float64(len(snap.Positions)))
}

func (s *Sink) ObserveRejection(rej *domain.RiskRejection) {
	s.rejections.WithLabelValues(string(rej.Rule), strconv.FormatBool(rej.Retryable)).Inc()
}

func (s *Sink) ObserveFault(kind string, _ error) {
	s.faults.WithLabelValues(kind).Inc()
}

func (s *Sink) ObserveExecution(latency time.Duration, slippageBps float64) {
	s.latency.Observe(latency.Seconds())
	s.slippage.Observe(slippageBps)
}
