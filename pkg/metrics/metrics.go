// Package metrics exposes the engine's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics collects settlement-path counters and latencies.
type EngineMetrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersExecuted  *prometheus.CounterVec
	OrdersCancelled *prometheus.CounterVec
	ForcedExits     *prometheus.CounterVec

	SettlementDuration prometheus.Histogram

	PoolBalance *prometheus.GaugeVec
	PoolMDD     *prometheus.GaugeVec
}

// NewEngineMetrics registers and returns the engine collectors.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perp",
			Name:      "orders_placed_total",
			Help:      "Orders accepted into the pending queue.",
		}, []string{"pair", "side"}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perp",
			Name:      "orders_executed_total",
			Help:      "Orders settled against the pool.",
		}, []string{"pair", "side"}),
		OrdersCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perp",
			Name:      "orders_cancelled_total",
			Help:      "Orders cancelled, by reason code.",
		}, []string{"pair", "reason"}),
		ForcedExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "perp",
			Name:      "forced_exits_total",
			Help:      "Forced position exits, by event tag.",
		}, []string{"pair", "tag"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "perp",
			Name:      "settlement_duration_seconds",
			Help:      "Wall time of a settlement-affecting call.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		PoolBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "perp",
			Name:      "pool_balance",
			Help:      "LP pool NAV per collateral asset.",
		}, []string{"collateral"}),
		PoolMDD: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "perp",
			Name:      "pool_max_drawdown",
			Help:      "Current drawdown from the share-price watermark.",
		}, []string{"collateral"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.OrdersPlaced, m.OrdersExecuted, m.OrdersCancelled,
			m.ForcedExits, m.SettlementDuration, m.PoolBalance, m.PoolMDD,
		)
	}
	return m
}
