package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"go.uber.org/zap"
)

// Status 熔断器状态常量
type Status string

const (
	StatusActive        Status = "ACTIVE"
	StatusTripped       Status = "TRIPPED"
	StatusEmergencyStop Status = "EMERGENCY_STOP"
	StatusManualDisable Status = "MANUAL_DISABLE"
)

// TripReason 触发原因常量 (每个触发器有独立原因，留作审计)
type TripReason string

const (
	TripDailyLoss  TripReason = "DAILY_LOSS_LIMIT"
	TripLossStreak TripReason = "CONSECUTIVE_LOSSES"
	TripDrawdown   TripReason = "MAX_DRAWDOWN"
	TripShock      TripReason = "EXTERNAL_SHOCK"
	TripFatal      TripReason = "FATAL_INVARIANT"
	TripManual     TripReason = "MANUAL"
)

var (
	ErrBadToken          = errors.New("invalid override token")
	ErrReasonRequired    = errors.New("reset reason is required")
	ErrIllegalTransition = errors.New("illegal breaker transition")
)

// 合法的状态迁移表。不在表内的迁移一律拒绝。
// TRIPPED/EMERGENCY_STOP 不随交易日边界自动复位，只能显式 Reset。
var allowedTransitions = map[Status][]Status{
	StatusActive:        {StatusTripped, StatusEmergencyStop, StatusManualDisable},
	StatusTripped:       {StatusActive, StatusEmergencyStop},
	StatusEmergencyStop: {StatusActive},
	StatusManualDisable: {StatusActive, StatusEmergencyStop},
}

// CircuitBreaker 是粘性的安全状态机。所有新订单授权前都要咨询它；
// 已实现盈亏事件会更新它。跳闸后只放行平仓监控，不放行新授权。
type CircuitBreaker struct {
	mu sync.Mutex

	status    Status
	reason    TripReason
	trippedAt time.Time

	dayRealized float64 // 当日已实现盈亏 (亏损为负)
	lossStreak  int     // 连续亏损笔数
	peakEquity  float64 // 资金峰值
	maxDrawdown float64 // 观测到的最大回撤比例

	totalCapital float64
	dayKey       string // 当前交易日标识，用于每日计数器复位
	loc          *time.Location

	cfg    service.BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	audit []AuditEntry // 状态迁移审计记录
}

// AuditEntry 记录一次状态迁移及其原因
type AuditEntry struct {
	At     time.Time `json:"at"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	Reason string    `json:"reason"`
}

// BreakerView 对外暴露的只读状态
type BreakerView struct {
	Status      Status       `json:"status"`
	Reason      TripReason   `json:"reason,omitempty"`
	TrippedAt   time.Time    `json:"tripped_at,omitempty"`
	DayRealized float64      `json:"day_realized"`
	LossStreak  int          `json:"loss_streak"`
	PeakEquity  float64      `json:"peak_equity"`
	MaxDrawdown float64      `json:"max_drawdown"`
	Audit       []AuditEntry `json:"audit"`
}

// NewCircuitBreaker 初始化熔断器 (初始状态 ACTIVE)
func NewCircuitBreaker(cfg service.BreakerConfig, totalCapital float64, loc *time.Location, logger *zap.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		status:       StatusActive,
		totalCapital: totalCapital,
		peakEquity:   totalCapital,
		loc:          loc,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
	}
	cb.dayKey = service.TradingDayKey(cb.now(), loc)
	telemetry.BreakerState.Set(0)
	return cb
}

// SetClock 注入时钟 (测试用)
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
	cb.dayKey = service.TradingDayKey(now(), cb.loc)
}

// Allow 只有 ACTIVE 状态才放行新授权
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.status == StatusActive
}

// RecordTrade 接收一笔已实现盈亏，更新每日计数器并检查跳闸条件。
// 持仓监控的每次离场都必须在处理下一个持仓前调用。
func (cb *CircuitBreaker) RecordTrade(realized float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.dayRealized += realized
	if realized < 0 {
		cb.lossStreak++
	} else {
		cb.lossStreak = 0
	}
	telemetry.RealizedPnL.Set(cb.dayRealized)

	if cb.status != StatusActive {
		return // 已跳闸，只累计计数器
	}

	if -cb.dayRealized >= cb.totalCapital*cb.cfg.DailyLossFrac {
		cb.tripLocked(TripDailyLoss, fmt.Sprintf("day realized %.2f breached limit %.2f",
			cb.dayRealized, -cb.totalCapital*cb.cfg.DailyLossFrac))
		return
	}
	if cb.cfg.LossStreak > 0 && cb.lossStreak >= cb.cfg.LossStreak {
		cb.tripLocked(TripLossStreak, fmt.Sprintf("%d consecutive losing trades", cb.lossStreak))
	}
}

// ObserveEquity 更新资金峰值与回撤，超限即跳闸
func (cb *CircuitBreaker) ObserveEquity(equity float64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if equity > cb.peakEquity {
		cb.peakEquity = equity
	}
	if cb.peakEquity > 0 {
		dd := (cb.peakEquity - equity) / cb.peakEquity
		if dd > cb.maxDrawdown {
			cb.maxDrawdown = dd
		}
		if cb.status == StatusActive && dd >= cb.cfg.MaxDrawdownFrac {
			cb.tripLocked(TripDrawdown, fmt.Sprintf("drawdown %.2f%% from peak %.2f", dd*100, cb.peakEquity))
		}
	}
}

// ExternalShock 外部波动/冲击信号越限 (例如数据质量门升级的告警)
func (cb *CircuitBreaker) ExternalShock(detail string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status != StatusActive {
		return
	}
	cb.tripLocked(TripShock, detail)
}

// TripFatal 账本不变量被破坏时的逃生通道：等同 EMERGENCY_STOP
func (cb *CircuitBreaker) TripFatal(detail string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status == StatusEmergencyStop {
		return
	}
	cb.transitionLocked(StatusEmergencyStop, TripFatal, detail)
}

// TripEmergency 人工触发的紧急停止
func (cb *CircuitBreaker) TripEmergency(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.status == StatusEmergencyStop {
		return
	}
	cb.transitionLocked(StatusEmergencyStop, TripManual, reason)
}

// Disable 人工停用 (比 TRIPPED 弱，日常运维开关)
func (cb *CircuitBreaker) Disable(reason string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.transitionLocked(StatusManualDisable, TripManual, reason)
}

// Reset 清除 TRIPPED/MANUAL_DISABLE，必须附带人工说明并记入审计
func (cb *CircuitBreaker) Reset(reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.status == StatusEmergencyStop {
		return fmt.Errorf("%w: EMERGENCY_STOP requires override token", ErrIllegalTransition)
	}
	return cb.transitionLocked(StatusActive, "", "reset: "+reason)
}

// ClearEmergency 解除 EMERGENCY_STOP，需要特权口令加原因
func (cb *CircuitBreaker) ClearEmergency(token, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if token == "" || token != cb.cfg.OverrideToken {
		return ErrBadToken
	}
	return cb.transitionLocked(StatusActive, "", "emergency cleared: "+reason)
}

// RolloverIfNeeded 每个 tick 调用一次；跨过交易日边界时复位每日计数器。
// 跳闸状态本身不随日界复位。
func (cb *CircuitBreaker) RolloverIfNeeded(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	key := service.TradingDayKey(now, cb.loc)
	if key == cb.dayKey {
		return false
	}
	cb.dayKey = key
	cb.dayRealized = 0
	cb.lossStreak = 0
	telemetry.RealizedPnL.Set(0)
	cb.logger.Info("Breaker daily counters reset",
		zap.String("day", key),
		zap.String("status", string(cb.status)))
	return true
}

// State 返回只读状态视图
func (cb *CircuitBreaker) State() BreakerView {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	audit := make([]AuditEntry, len(cb.audit))
	copy(audit, cb.audit)
	return BreakerView{
		Status:      cb.status,
		Reason:      cb.reason,
		TrippedAt:   cb.trippedAt,
		DayRealized: cb.dayRealized,
		LossStreak:  cb.lossStreak,
		PeakEquity:  cb.peakEquity,
		MaxDrawdown: cb.maxDrawdown,
		Audit:       audit,
	}
}

// tripLocked 设置 TRIPPED (调用方必须持锁)
func (cb *CircuitBreaker) tripLocked(reason TripReason, detail string) {
	_ = cb.transitionLocked(StatusTripped, reason, detail)
}

// transitionLocked 执行带守卫的状态迁移 (调用方必须持锁)
func (cb *CircuitBreaker) transitionLocked(to Status, reason TripReason, detail string) error {
	if cb.status == to {
		return nil
	}
	legal := false
	for _, t := range allowedTransitions[cb.status] {
		if t == to {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cb.status, to)
	}

	from := cb.status
	cb.status = to
	cb.reason = reason
	if to != StatusActive {
		cb.trippedAt = cb.now()
	} else {
		cb.trippedAt = time.Time{}
	}
	cb.audit = append(cb.audit, AuditEntry{At: cb.now(), From: from, To: to, Reason: detail})

	switch to {
	case StatusActive:
		telemetry.BreakerState.Set(0)
	case StatusTripped:
		telemetry.BreakerState.Set(1)
	case StatusEmergencyStop:
		telemetry.BreakerState.Set(2)
	case StatusManualDisable:
		telemetry.BreakerState.Set(3)
	}

	cb.logger.Warn("!!! Breaker Transition !!!",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(reason)),
		zap.String("detail", detail))
	return nil
}
