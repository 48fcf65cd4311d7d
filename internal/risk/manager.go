package risk

import (
	"errors"
	"fmt"
	"math"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"go.uber.org/zap"
)

var (
	ErrBreakerOpen  = errors.New("circuit breaker is not active")
	ErrZeroStopDist = errors.New("stop distance is non-positive")
	ErrZeroQuantity = errors.New("sized quantity is zero")
)

// Manager 把一个已放行的信号转换为授权后的订单数量，或整体拒绝。
// 授权与资金占用在账本的同一个临界区内完成，不做部分缩减。
type Manager struct {
	ledger  *CapitalLedger
	breaker *CircuitBreaker
	cfg     service.RiskConfig
	logger  *zap.Logger
}

// NewManager 初始化风控管理器
func NewManager(ledger *CapitalLedger, breaker *CircuitBreaker, cfg service.RiskConfig, logger *zap.Logger) *Manager {
	return &Manager{ledger: ledger, breaker: breaker, cfg: cfg, logger: logger}
}

// riskFraction 返回当前市场状态对应的风险系数
func (m *Manager) riskFraction(regime model.Regime) float64 {
	if f, ok := m.cfg.RiskFraction[string(regime)]; ok && f > 0 {
		return f
	}
	return m.cfg.DefaultRiskFrac
}

// SizeAndAuthorize 计算授权数量并在账本中占用保证金。
// quantity = floor(available × riskFraction / |entry − stop|)，
// 再向下取整到手数的整数倍；任何一项检查失败则拒绝整笔订单。
func (m *Manager) SizeAndAuthorize(sig model.Signal, regime model.Regime) (int, error) {
	if !m.breaker.Allow() {
		telemetry.AuthRefusals.WithLabelValues("breaker").Inc()
		return 0, ErrBreakerOpen
	}

	stopDist := math.Abs(sig.RefPrice - sig.StopLoss)
	if stopDist <= 0 {
		telemetry.AuthRefusals.WithLabelValues("zero_stop").Inc()
		return 0, ErrZeroStopDist
	}

	available := m.ledger.Available()
	riskCapital := available * m.riskFraction(regime)
	qty := int(math.Floor(riskCapital / stopDist))

	// 对齐到手数
	lot := sig.Instrument.LotSize
	if lot > 1 {
		qty = (qty / lot) * lot
	}
	if qty <= 0 {
		telemetry.AuthRefusals.WithLabelValues("zero_qty").Inc()
		return 0, fmt.Errorf("%w: risk capital %.2f, stop distance %.2f", ErrZeroQuantity, riskCapital, stopDist)
	}

	// 期权买方的保证金即权利金；名义敞口按参考价计
	margin := float64(qty) * sig.RefPrice
	notional := margin

	if err := m.ledger.Reserve(sig.StrategyID, sig.Symbol, margin, notional); err != nil {
		telemetry.AuthRefusals.WithLabelValues(refusalLabel(err)).Inc()
		m.logger.Info("Authorization refused",
			zap.String("signal", sig.ID),
			zap.String("strategy", sig.StrategyID),
			zap.Int("qty", qty),
			zap.Error(err))
		return 0, err
	}

	m.logger.Info("Order authorized",
		zap.String("signal", sig.ID),
		zap.String("strategy", sig.StrategyID),
		zap.String("regime", string(regime)),
		zap.Int("qty", qty),
		zap.Float64("margin", margin))
	return qty, nil
}

// ReleaseOnFailure 在授权之后、成交之前失败 (校验拒绝/重试耗尽) 时回滚占用
func (m *Manager) ReleaseOnFailure(sig model.Signal, qty int) {
	margin := float64(qty) * sig.RefPrice
	m.ledger.Release(sig.StrategyID, sig.Symbol, margin, margin, 0)
}

func refusalLabel(err error) string {
	switch {
	case errors.Is(err, ErrStrategyCap):
		return "strategy_cap"
	case errors.Is(err, ErrSymbolCap):
		return "symbol_cap"
	case errors.Is(err, ErrUtilizationCap):
		return "utilization_cap"
	case errors.Is(err, ErrInsufficientCapital):
		return "capital"
	default:
		return "other"
	}
}
