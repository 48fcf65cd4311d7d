// internal/position/manager.go
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"deriv-algo-trader/internal/execution"
	"deriv-algo-trader/internal/journal"
	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SnapshotFn 按标的拉取最新市场快照
type SnapshotFn func(symbol string) (model.MarketSnapshot, bool)

// RegimeFn 返回当前市场状态 (决定保本推移是否启用)
type RegimeFn func() model.Regime

// Manager 持有全部未平仓持仓并驱动其生命周期：
// 分层止盈 → 追踪止损 → 止损 → 收盘强平。
// 单个持仓的状态迁移严格串行；每次离场在处理下一个持仓前
// 先把已实现盈亏回灌熔断器、把释放的保证金归还账本。
type Manager struct {
	mu   sync.Mutex
	open map[string]*model.Position

	ledger   *risk.CapitalLedger
	breaker  *risk.CircuitBreaker
	costs    *execution.CostModel
	sink     journal.Sink
	regimeFn RegimeFn

	cfg     service.ExitsConfig
	session service.SessionConfig
	loc     *time.Location

	logger *zap.Logger
	now    func() time.Time

	sweptDay string // 已执行收盘强平的交易日，保证每日只扫一次

	pendingJournal []journalEvent // 锁内累积，锁释放后统一写汇报
}

// journalEvent 一次离场待写入汇报的记录。closed 非 nil 表示持仓已全平。
type journalEvent struct {
	trade  model.TradeRecord
	closed *model.Position
}

// NewManager 初始化持仓管理器
func NewManager(
	ledger *risk.CapitalLedger,
	breaker *risk.CircuitBreaker,
	costs *execution.CostModel,
	sink journal.Sink,
	regimeFn RegimeFn,
	cfg service.ExitsConfig,
	session service.SessionConfig,
	loc *time.Location,
	logger *zap.Logger,
) *Manager {
	if regimeFn == nil {
		regimeFn = func() model.Regime { return model.RegimeUnknown }
	}
	return &Manager{
		open:     make(map[string]*model.Position),
		ledger:   ledger,
		breaker:  breaker,
		costs:    costs,
		sink:     sink,
		regimeFn: regimeFn,
		cfg:      cfg,
		session:  session,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// OpenFromFill 在一次成交后建仓。持仓只能由这里创建。
func (m *Manager) OpenFromFill(sig model.Signal, authorizedQty int, fill execution.Fill, entryCosts execution.CostBreakdown) *model.Position {
	tiers := make([]model.ProfitTier, len(sig.Targets))
	copy(tiers, sig.Targets)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Price < tiers[j].Price })
	if sig.Side == model.SideSell {
		// 空头的止盈层按价格降序命中
		sort.Slice(tiers, func(i, j int) bool { return tiers[i].Price > tiers[j].Price })
	}

	pos := &model.Position{
		ID:            uuid.NewString(),
		Instrument:    sig.Instrument,
		StrategyID:    sig.StrategyID,
		Side:          sig.Side,
		EntryPrice:    fill.Price,
		OriginalQty:   fill.Quantity,
		RemainingQty:  fill.Quantity,
		MarkPrice:     fill.Price,
		StopLoss:      sig.StopLoss,
		InitialStop:   sig.StopLoss,
		HighWater:     fill.Price,
		MarginPerUnit: sig.RefPrice, // 账本按授权时的参考价占用，释放按同一基数
		Tiers:         tiers,
		Status:        model.PositionOpen,
		OpenedAt:      fill.Time,
		Costs:         entryCosts.Total(), // 入场腿；出场腿在各次离场时追加
	}
	if fill.Quantity != authorizedQty {
		m.logger.Warn("Fill quantity differs from authorization",
			zap.Int("authorized", authorizedQty),
			zap.Int("filled", fill.Quantity))
	}

	m.mu.Lock()
	m.open[pos.ID] = pos
	m.mu.Unlock()

	telemetry.PositionsOpen.Inc()
	m.logger.Info("Position opened",
		zap.String("position", pos.ID),
		zap.String("instrument", pos.Instrument.Symbol),
		zap.String("strategy", pos.StrategyID),
		zap.Float64("entry", pos.EntryPrice),
		zap.Int("qty", pos.OriginalQty),
		zap.Float64("stop", pos.StopLoss))
	return pos
}

// MonitorTick 对每个未平仓持仓跑一轮离场规则。
// 节奏比元控制器快 (秒级)；紧急停止状态下仍然继续运行，
// 存量持仓必须始终处于保护之下。
func (m *Manager) MonitorTick(snapFn SnapshotFn) {
	now := m.now()

	m.mu.Lock()
	eod := m.eodDue(now)

	for _, pos := range m.open {
		if pos.Status == model.PositionClosed {
			continue
		}

		snap, ok := snapFn(pos.Instrument.Underlying)
		if ok {
			if q, qok := snap.QuoteFor(pos.Instrument.Symbol); qok && q.Last > 0 {
				pos.MarkPrice = q.Last
			}
			if g, gok := snap.Greeks[pos.Instrument.Symbol]; gok {
				pos.Greeks = g
			}
		}

		if eod {
			// 收盘强平无条件优先于其余规则
			m.closePortionLocked(pos, pos.RemainingQty, pos.MarkPrice, "EOD", now, snap)
			continue
		}
		if !ok {
			continue // 本 tick 没有可用快照，不做规则评估
		}

		m.checkTiersLocked(pos, now, snap)
		if pos.Status == model.PositionClosed {
			continue
		}
		m.updateTrailingLocked(pos)
		if m.trailingHit(pos) {
			m.closePortionLocked(pos, pos.RemainingQty, pos.MarkPrice, "TRAILING_STOP", now, snap)
			continue
		}
		if m.stopHit(pos) {
			m.closePortionLocked(pos, pos.RemainingQty, pos.MarkPrice, "STOP_LOSS", now, snap)
		}
	}

	if eod {
		m.sweptDay = service.TradingDayKey(now, m.loc)
	}
	events := m.pendingJournal
	m.pendingJournal = nil
	m.mu.Unlock()

	// 汇报写入可能走网络 (pgx)，必须在锁外进行：慢 journal
	// 不允许阻塞成交回报 (OpenFromFill) 和控制面查询
	m.flushJournal(events)
}

// flushJournal 把累积的离场记录写入汇报 sink。每条记录独立超时，
// sink 不可用时降级为仅日志，核心不中断。
func (m *Manager) flushJournal(events []journalEvent) {
	for _, ev := range events {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.sink.RecordTrade(ctx, ev.trade); err != nil {
			m.logger.Warn("Journal unavailable, trade logged only", zap.Error(err))
		}
		if ev.closed != nil {
			if err := m.sink.RecordClosedPosition(ctx, *ev.closed); err != nil {
				m.logger.Warn("Journal unavailable, close logged only", zap.Error(err))
			}
		}
		cancel()
	}
}

// eodDue 判断是否到达当日收盘强平时刻且尚未执行
func (m *Manager) eodDue(now time.Time) bool {
	dayKey := service.TradingDayKey(now, m.loc)
	if m.sweptDay == dayKey {
		return false
	}
	cutoff, err := service.AtClock(now, m.session.EODCutoff, m.loc)
	if err != nil {
		m.logger.Error("Invalid EOD cutoff config", zap.Error(err))
		return false
	}
	return !now.Before(cutoff)
}

// checkTiersLocked 按升序检查止盈层：每个未命中的层到价后
// 释放原始数量的配置比例；第一层命中后视状态将止损推至保本。
func (m *Manager) checkTiersLocked(pos *model.Position, now time.Time, snap model.MarketSnapshot) {
	for i := range pos.Tiers {
		tier := &pos.Tiers[i]
		if tier.Hit || pos.RemainingQty <= 0 {
			continue
		}
		reached := pos.MarkPrice >= tier.Price
		if pos.Side == model.SideSell {
			reached = pos.MarkPrice <= tier.Price
		}
		if !reached {
			break // 层按命中顺序排列，未到的层后面不用看
		}

		qty := m.tierQty(pos, tier.Fraction)
		if qty <= 0 {
			tier.Hit = true
			continue
		}

		tier.Hit = true
		reason := fmt.Sprintf("TIER_%d", i+1)
		m.closePortionLocked(pos, qty, pos.MarkPrice, reason, now, snap)
		if pos.Status == model.PositionClosed {
			return
		}

		if i == 0 && m.cfg.BreakevenAfterT1 && trendingRegime(m.regimeFn()) {
			m.advanceStopToBreakevenLocked(pos)
		}
	}
}

// tierQty 该层应释放的数量：原始数量 × 比例，对齐手数，封顶剩余
func (m *Manager) tierQty(pos *model.Position, fraction float64) int {
	qty := int(float64(pos.OriginalQty) * fraction)
	if lot := pos.Instrument.LotSize; lot > 1 {
		qty = (qty / lot) * lot
	}
	if qty > pos.RemainingQty {
		qty = pos.RemainingQty
	}
	return qty
}

// advanceStopToBreakevenLocked 把生效止损推到入场价 (只朝有利方向移动)
func (m *Manager) advanceStopToBreakevenLocked(pos *model.Position) {
	if pos.Side == model.SideBuy && pos.StopLoss < pos.EntryPrice {
		pos.StopLoss = pos.EntryPrice
	} else if pos.Side == model.SideSell && pos.StopLoss > pos.EntryPrice {
		pos.StopLoss = pos.EntryPrice
	} else {
		return
	}
	m.logger.Info("Stop advanced to breakeven",
		zap.String("position", pos.ID),
		zap.Float64("stop", pos.StopLoss))
}

// updateTrailingLocked 维护追踪止损：浮盈达到触发比例后启动，
// 此后只朝有利方向收紧，绝不放松。
func (m *Manager) updateTrailingLocked(pos *model.Position) {
	if pos.Favorable(pos.MarkPrice, pos.HighWater) {
		pos.HighWater = pos.MarkPrice
	}

	var profitPct float64
	if pos.EntryPrice > 0 {
		if pos.Side == model.SideBuy {
			profitPct = (pos.HighWater - pos.EntryPrice) / pos.EntryPrice
		} else {
			profitPct = (pos.EntryPrice - pos.HighWater) / pos.EntryPrice
		}
	}

	if pos.TrailingStop == 0 {
		if profitPct < m.cfg.TrailTriggerPct {
			return
		}
		m.logger.Info("Trailing stop armed",
			zap.String("position", pos.ID),
			zap.Float64("high_water", pos.HighWater))
	}

	var candidate float64
	if pos.Side == model.SideBuy {
		candidate = pos.HighWater * (1 - m.cfg.TrailLockPct)
		if candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	} else {
		candidate = pos.HighWater * (1 + m.cfg.TrailLockPct)
		if pos.TrailingStop == 0 || candidate < pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	}
}

func (m *Manager) trailingHit(pos *model.Position) bool {
	if pos.TrailingStop == 0 {
		return false
	}
	if pos.Side == model.SideBuy {
		return pos.MarkPrice <= pos.TrailingStop
	}
	return pos.MarkPrice >= pos.TrailingStop
}

func (m *Manager) stopHit(pos *model.Position) bool {
	if pos.StopLoss == 0 {
		return false
	}
	if pos.Side == model.SideBuy {
		return pos.MarkPrice <= pos.StopLoss
	}
	return pos.MarkPrice >= pos.StopLoss
}

// closePortionLocked 释放 qty 数量：计算带滑点的出场价和两腿成本，
// 净盈亏立即回灌熔断器、保证金归还账本，然后写汇报记录。
func (m *Manager) closePortionLocked(pos *model.Position, qty int, markPrice float64, reason string, now time.Time, snap model.MarketSnapshot) {
	if qty <= 0 || qty > pos.RemainingQty {
		return
	}

	exitSide := model.SideSell
	if pos.Side == model.SideSell {
		exitSide = model.SideBuy
	}

	exitPrice := markPrice
	if markPrice > 0 {
		exitPrice = m.costs.ExecutionPrice(markPrice, exitSide, qty, execution.Conditions(snap, pos.Instrument.Symbol))
	}

	// 成本按本次释放数量分别计算两腿
	frac := float64(qty) / float64(pos.OriginalQty)
	entryLeg := m.costs.TransactionCosts(pos.EntryPrice*float64(qty), pos.Side)
	exitLeg := m.costs.TransactionCosts(exitPrice*float64(qty), exitSide)
	net := m.costs.RoundTripPnL(pos.Side, pos.EntryPrice, exitPrice, qty, entryLeg, exitLeg)

	pos.RemainingQty -= qty
	pos.ReleasedQty += qty
	pos.RealizedPnL += net
	// 入场腿成本已在开仓时计入，这里只追加出场腿
	pos.Costs = pos.Costs.Add(exitLeg.Total())

	// 数量守恒：released + remaining == original，remaining 不允许为负。
	// ReleasedQty 独立累加，两边对不上说明某次离场记账出错
	if pos.RemainingQty < 0 || pos.ReleasedQty+pos.RemainingQty != pos.OriginalQty {
		m.breaker.TripFatal(fmt.Sprintf("position %s quantity conservation violated", pos.ID))
		m.logger.Error("FATAL quantity accounting",
			zap.String("position", pos.ID),
			zap.Int("remaining", pos.RemainingQty),
			zap.Int("original", pos.OriginalQty))
		return
	}

	if pos.RemainingQty == 0 {
		pos.Status = model.PositionClosed
		pos.ClosedAt = now
		pos.CloseReason = reason
	} else {
		pos.Status = model.PositionPartiallyClosed
	}

	// 离场必须在同一 tick 处理下一个持仓前完成账本/熔断回灌，
	// 绝不允许后续评估基于过期的账本快照
	margin := pos.MarginPerUnit * float64(qty)
	m.ledger.Release(pos.StrategyID, pos.Instrument.Underlying, margin, margin, net)
	m.breaker.RecordTrade(net)
	m.breaker.ObserveEquity(m.ledger.Total())

	rec := model.TradeRecord{
		PositionID: pos.ID,
		StrategyID: pos.StrategyID,
		Instrument: pos.Instrument.Symbol,
		Side:       pos.Side,
		EntryTime:  pos.OpenedAt,
		ExitTime:   now,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   qty,
		GrossPnL:   net + mustFloat(entryLeg.Total().Add(exitLeg.Total())),
		Costs:      entryLeg.Total().Add(exitLeg.Total()),
		NetPnL:     net,
		Reason:     reason,
	}
	ev := journalEvent{trade: rec}
	if pos.Status == model.PositionClosed {
		cp := *pos
		ev.closed = &cp
		delete(m.open, pos.ID)
		telemetry.PositionsOpen.Dec()
	}
	m.pendingJournal = append(m.pendingJournal, ev)

	m.logger.Info("Position exit",
		zap.String("position", pos.ID),
		zap.String("reason", reason),
		zap.Int("qty", qty),
		zap.Int("remaining", pos.RemainingQty),
		zap.Float64("exit", exitPrice),
		zap.Float64("net_pnl", net),
		zap.Float64("released_fraction", frac))
}

// OpenPositions 返回未平仓持仓的副本 (控制面查询)
func (m *Manager) OpenPositions() []model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Position, 0, len(m.open))
	for _, p := range m.open {
		out = append(out, *p)
	}
	return out
}

// OpenCount 未平仓持仓数
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func trendingRegime(r model.Regime) bool {
	return r == model.RegimeTrendUp || r == model.RegimeTrendDown
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
