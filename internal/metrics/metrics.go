// Package metrics exposes engine counters and gauges in Prometheus text
// exposition format, served by the API at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus collectors. A single instance is
// created at startup and shared by every component.
type Metrics struct {
	ReconcileAdopted  prometheus.Counter
	ReconcileExternal prometheus.Counter
	ReconcileFailures prometheus.Counter
	StopRepairs       prometheus.Counter
	ForcedCloses      prometheus.Counter
	EarlyExits        *prometheus.CounterVec
	TrailingUpdates   prometheus.Counter
	PartialExits      prometheus.Counter
	BreakerTrips      prometheus.Counter
	TradesOpened      prometheus.Counter
	TradesClosed      *prometheus.CounterVec

	OpenPositions prometheus.Gauge
	UsedMargin    prometheus.Gauge
	WalletEquity  prometheus.Gauge
	UnrealizedPnL prometheus.Gauge

	TaskTicks *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		ReconcileAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconcile_adopted_total",
			Help: "Positions discovered on the exchange and adopted locally",
		}),
		ReconcileExternal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconcile_external_closes_total",
			Help: "Local positions closed because the exchange no longer reports them",
		}),
		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconcile_failures_total",
			Help: "Reconciliation passes aborted by a failed exchange fetch",
		}),
		StopRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_stop_repairs_total",
			Help: "Protective stops placed on previously unprotected positions",
		}),
		ForcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_forced_closes_total",
			Help: "Positions force-closed after stop placement retries were exhausted",
		}),
		EarlyExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_early_exits_total",
			Help: "Positions closed by the early-exit ladder, by trigger",
		}, []string{"trigger"}),
		TrailingUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_trailing_updates_total",
			Help: "Trailing stop moves pushed to the exchange",
		}),
		PartialExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_partial_exits_total",
			Help: "Partial exit slices executed",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_breaker_trips_total",
			Help: "Circuit breaker trips",
		}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_trades_opened_total",
			Help: "Positions opened by the trading cycle",
		}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_closed_total",
			Help: "Positions closed, by reason",
		}, []string{"reason"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions",
		}),
		UsedMargin: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_used_margin_usd",
			Help: "Margin committed to open positions",
		}),
		WalletEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_wallet_equity_usd",
			Help: "Last synced wallet equity",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_unrealized_pnl_usd",
			Help: "Aggregate unrealized PnL across open positions",
		}),
		TaskTicks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_task_tick_seconds",
			Help:    "Periodic task tick durations",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ReconcileAdopted, m.ReconcileExternal, m.ReconcileFailures,
		m.StopRepairs, m.ForcedCloses, m.EarlyExits, m.TrailingUpdates,
		m.PartialExits, m.BreakerTrips, m.TradesOpened, m.TradesClosed,
		m.OpenPositions, m.UsedMargin, m.WalletEquity, m.UnrealizedPnL,
		m.TaskTicks,
	)
	return m
}

// Registry returns the registry backing the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
