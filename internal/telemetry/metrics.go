// internal/telemetry/metrics.go
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 核心运行指标。熔断状态是最重要的对外安全信号，
// 其余计数器用于事后对账和告警。
var (
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_breaker_state",
		Help: "Circuit breaker state: 0=ACTIVE 1=TRIPPED 2=EMERGENCY_STOP 3=MANUAL_DISABLE",
	})

	AuthRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_auth_refusals_total",
		Help: "Risk authorization refusals by reason",
	}, []string{"reason"})

	OrdersSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_orders_submitted_total",
		Help: "Orders handed to the broker gateway",
	})

	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trader_orders_rejected_total",
		Help: "Orders terminally rejected by reason",
	}, []string{"reason"})

	SignalsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_signals_queued_total",
		Help: "Signals deferred by the entry timing queue",
	})

	SignalsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_signals_admitted_total",
		Help: "Signals admitted to the execution pipeline",
	})

	SignalsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_signals_expired_total",
		Help: "Signals whose TTL elapsed before admission",
	})

	PositionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_positions_open",
		Help: "Currently open positions",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_realized_pnl_day",
		Help: "Cumulative realized PnL for the current trading day",
	})

	DataQualityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_snapshot_quality_failures_total",
		Help: "Market snapshots discarded by the quality gate",
	})
)
