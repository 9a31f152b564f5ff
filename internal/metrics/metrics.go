// Package metrics exposes Prometheus instrumentation for the rebalance
// engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridian-quant/portfolio-backend/internal/events"
	"github.com/meridian-quant/portfolio-backend/pkg/types"
)

// Metrics holds the collectors published on /metrics. Each instance
// owns its registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal    *prometheus.CounterVec
	CycleDuration  prometheus.Histogram
	OrdersTotal    *prometheus.CounterVec
	SafeguardTrips *prometheus.CounterVec
	PortfolioValue prometheus.Gauge
	RiskAversion   prometheus.Gauge
	RiskLambda     prometheus.Gauge
	ActiveRegime   prometheus.Gauge
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_cycles_total",
				Help: "Total number of rebalance cycles by result",
			},
			[]string{"result"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portfolio_cycle_duration_seconds",
				Help:    "Wall-clock duration of one rebalance cycle",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_orders_total",
				Help: "Total number of submitted orders by side and status",
			},
			[]string{"side", "status"},
		),

		SafeguardTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portfolio_safeguard_trips_total",
				Help: "Total number of safeguard trips by rule",
			},
			[]string{"rule"},
		),

		PortfolioValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolio_value_usd",
				Help: "Latest marked portfolio value in USD",
			},
		),

		RiskAversion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolio_risk_aversion",
				Help: "Current CVaR allocator risk aversion",
			},
		),

		RiskLambda: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolio_risk_lambda",
				Help: "Current selector risk lambda",
			},
		),

		ActiveRegime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "portfolio_active_regime",
				Help: "Current regime (0=low volatility, 1=normal, 2=high volatility)",
			},
		),
	}

	m.registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.OrdersTotal,
		m.SafeguardTrips,
		m.PortfolioValue,
		m.RiskAversion,
		m.RiskLambda,
		m.ActiveRegime,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(result types.CycleResult) {
	m.CyclesTotal.WithLabelValues(cycleResultLabel(result)).Inc()
	m.CycleDuration.Observe(result.Duration.Seconds())
	if result.Regime != "" {
		m.SetRegime(result.Regime)
	}
}

// ObserveTrade records one order outcome.
func (m *Metrics) ObserveTrade(record types.TradeRecord) {
	status := "filled"
	if !record.Success {
		status = "failed"
	}
	m.OrdersTotal.WithLabelValues(string(record.Side), status).Inc()
}

// ObserveSafeguard records one tripped safeguard rule.
func (m *Metrics) ObserveSafeguard(rule string) {
	m.SafeguardTrips.WithLabelValues(rule).Inc()
}

// SetPortfolioValue updates the marked value gauge.
func (m *Metrics) SetPortfolioValue(value float64) {
	m.PortfolioValue.Set(value)
}

// SetRiskParameters updates the tuned optimizer parameter gauges.
func (m *Metrics) SetRiskParameters(lambda, riskAversion float64) {
	m.RiskLambda.Set(lambda)
	m.RiskAversion.Set(riskAversion)
}

// SetRegime updates the active regime gauge.
func (m *Metrics) SetRegime(regime types.Regime) {
	m.ActiveRegime.Set(regimeGaugeValue(regime))
}

// Attach subscribes the collectors to the event bus so every published
// cycle, trade, rebalance, and safeguard event is counted.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventTypeCycle, func(event events.Event) error {
		if e, ok := event.(*events.CycleEvent); ok {
			m.ObserveCycle(e.Result)
		}
		return nil
	})
	bus.Subscribe(events.EventTypeTrade, func(event events.Event) error {
		if e, ok := event.(*events.TradeEvent); ok {
			m.ObserveTrade(e.Trade)
		}
		return nil
	})
	bus.Subscribe(events.EventTypeSafeguard, func(event events.Event) error {
		if e, ok := event.(*events.SafeguardEvent); ok {
			m.ObserveSafeguard(e.Rule)
		}
		return nil
	})
	bus.Subscribe(events.EventTypeRebalance, func(event events.Event) error {
		if e, ok := event.(*events.RebalanceEvent); ok {
			m.SetRiskParameters(e.Record.Lambda, e.Record.RiskAversion)
		}
		return nil
	})
}

func cycleResultLabel(result types.CycleResult) string {
	switch {
	case result.State == types.CycleSkipped:
		return "skipped"
	case result.Success:
		return "success"
	default:
		return "failure"
	}
}

func regimeGaugeValue(regime types.Regime) float64 {
	switch regime {
	case types.RegimeLowVolatility:
		return 0
	case types.RegimeNormal:
		return 1
	case types.RegimeHighVolatility:
		return 2
	default:
		return -1
	}
}
