package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersPlaced counts admitted orders by pair and side.
var OrdersPlaced = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gaiadex_orders_placed_total",
		Help: "Total number of orders admitted by the matching engine",
	},
	[]string{"pair", "side"},
)

// OrdersRejected counts orders rejected before or at admission.
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gaiadex_orders_rejected_total",
		Help: "Total number of orders rejected by validation or FOK pre-check",
	},
	[]string{"pair", "reason"},
)

// TradesExecuted counts trades emitted by the matching and AMM engines.
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gaiadex_trades_executed_total",
		Help: "Total number of trades executed",
	},
	[]string{"pair", "source"},
)

// SwapsExecuted counts router swap executions by outcome.
var SwapsExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gaiadex_swaps_executed_total",
		Help: "Total number of multi-pool swap executions",
	},
	[]string{"outcome"},
)

// OrderLatency records latency distribution for order processing.
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "gaiadex_order_processing_latency_seconds",
		Help:    "Latency in seconds to process individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// PairsHalted gauges pairs currently halted after an invariant failure.
var PairsHalted = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "gaiadex_pairs_halted",
		Help: "Number of trading pairs currently halted",
	},
)

// Register registers all engine collectors on the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		OrdersPlaced,
		OrdersRejected,
		TradesExecuted,
		SwapsExecuted,
		OrderLatency,
		PairsHalted,
	)
}
