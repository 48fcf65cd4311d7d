package risk

import (
	"errors"
	"fmt"
	"sync"

	"deriv-algo-trader/internal/service"

	"go.uber.org/zap"
)

// 资金账本的拒绝原因 (授权检查失败时返回)
var (
	ErrInsufficientCapital = errors.New("insufficient available capital")
	ErrStrategyCap         = errors.New("strategy allocation cap exceeded")
	ErrSymbolCap           = errors.New("symbol exposure cap exceeded")
	ErrUtilizationCap      = errors.New("total utilization cap exceeded")
)

// CapitalLedger 跟踪总资金/已用保证金/可用保证金，以及
// 按策略和按标的的资金占用。只能通过方法修改，方法内部保证不变量：
// available = total - used 且永不为负。
// 不变量被破坏属于致命错误，通过 onFatal 上抛 (等同 EMERGENCY_STOP)。
type CapitalLedger struct {
	mu sync.Mutex

	total float64
	used  float64

	strategyUsed   map[string]float64 // Key: StrategyID，已占用保证金
	symbolNotional map[string]float64 // Key: Symbol，名义敞口

	cfg     service.RiskConfig
	logger  *zap.Logger
	onFatal func(reason string) // 账本不变量被破坏时的逃生通道
}

// LedgerView 账本的只读快照，供日志和控制面查询
type LedgerView struct {
	Total          float64            `json:"total"`
	Used           float64            `json:"used"`
	Available      float64            `json:"available"`
	StrategyUsed   map[string]float64 `json:"strategy_used"`
	SymbolNotional map[string]float64 `json:"symbol_notional"`
}

// NewCapitalLedger 初始化资金账本
func NewCapitalLedger(cfg service.RiskConfig, logger *zap.Logger, onFatal func(string)) *CapitalLedger {
	if onFatal == nil {
		onFatal = func(string) {}
	}
	return &CapitalLedger{
		total:          cfg.TotalCapital,
		strategyUsed:   make(map[string]float64),
		symbolNotional: make(map[string]float64),
		cfg:            cfg,
		logger:         logger,
		onFatal:        onFatal,
	}
}

// Available 返回当前可用保证金
func (l *CapitalLedger) Available() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total - l.used
}

// Reserve 为一笔授权通过的交易占用保证金和名义敞口。
// 检查与占用在同一个临界区内完成：任何一项上限检查失败则整笔拒绝，
// 不做部分缩减。
func (l *CapitalLedger) Reserve(strategyID, symbol string, margin, notional float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if margin <= 0 || notional <= 0 {
		return fmt.Errorf("%w: non-positive margin %.2f / notional %.2f", ErrInsufficientCapital, margin, notional)
	}
	if l.used+margin > l.total {
		return ErrInsufficientCapital
	}
	if l.used+margin > l.total*l.cfg.UtilizationCapFrac {
		return ErrUtilizationCap
	}
	if l.strategyUsed[strategyID]+margin > l.total*l.cfg.StrategyCapFrac {
		return ErrStrategyCap
	}
	if l.symbolNotional[symbol]+notional > l.total*l.cfg.SymbolCapFrac {
		return ErrSymbolCap
	}

	l.used += margin
	l.strategyUsed[strategyID] += margin
	l.symbolNotional[symbol] += notional
	return nil
}

// Release 在持仓离场时释放保证金和敞口，并把已实现盈亏并入总资金。
// margin/notional 按释放数量占原始数量的比例传入。
func (l *CapitalLedger) Release(strategyID, symbol string, margin, notional, realized float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.used -= margin
	l.strategyUsed[strategyID] -= margin
	l.symbolNotional[symbol] -= notional
	l.total += realized

	// 浮点累计误差的容忍；真正为负说明记账逻辑被破坏
	l.clampSmallNegatives(strategyID, symbol)

	if l.total-l.used < 0 {
		reason := fmt.Sprintf("ledger invariant violated: available=%.2f", l.total-l.used)
		l.logger.Error("FATAL ledger state", zap.Float64("total", l.total), zap.Float64("used", l.used))
		l.onFatal(reason)
	}
}

// 释放顺序与占用顺序不保证一致，允许微小的浮点残差归零
func (l *CapitalLedger) clampSmallNegatives(strategyID, symbol string) {
	const eps = 1e-6
	if l.used < 0 && l.used > -eps {
		l.used = 0
	}
	if v := l.strategyUsed[strategyID]; v < 0 && v > -eps {
		l.strategyUsed[strategyID] = 0
	}
	if v := l.symbolNotional[symbol]; v < 0 && v > -eps {
		l.symbolNotional[symbol] = 0
	}
}

// Reconcile 用外部权益重置总资金 (显式对账操作)
func (l *CapitalLedger) Reconcile(total float64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Info("Ledger reconciled",
		zap.Float64("old_total", l.total),
		zap.Float64("new_total", total),
		zap.String("reason", reason))
	l.total = total
}

// Total 返回当前总资金 (含已实现盈亏)
func (l *CapitalLedger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// SnapshotView 返回账本只读快照
func (l *CapitalLedger) SnapshotView() LedgerView {
	l.mu.Lock()
	defer l.mu.Unlock()

	su := make(map[string]float64, len(l.strategyUsed))
	for k, v := range l.strategyUsed {
		su[k] = v
	}
	sn := make(map[string]float64, len(l.symbolNotional))
	for k, v := range l.symbolNotional {
		sn[k] = v
	}
	return LedgerView{
		Total:          l.total,
		Used:           l.used,
		Available:      l.total - l.used,
		StrategyUsed:   su,
		SymbolNotional: sn,
	}
}
