package marketdata

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"go.uber.org/zap"
)

// 快照质量检查的失败原因
var (
	ErrStale      = errors.New("snapshot too old")
	ErrIncomplete = errors.New("snapshot missing required fields")
	ErrCrossed    = errors.New("quote fails bid<=last<=ask sanity")
	ErrBadPrice   = errors.New("non-positive price in snapshot")
	ErrWideSpread = errors.New("spread exceeds sanity bound")
)

// ShockFn 连续质量失败升级时的回调 (接入熔断器的外部冲击触发)
type ShockFn func(detail string)

// Gate 市场数据质量门：任何组件消费快照前先过这里。
// 失败的快照当个 tick 直接作废，不触发任何状态变更；
// 连续失败 N 次升级为告警并上报冲击信号。
type Gate struct {
	cfg     service.MarketConfig
	onShock ShockFn
	logger  *zap.Logger
	now     func() time.Time

	mu         sync.Mutex
	failStreak map[string]int
	alerted    map[string]bool
}

// NewGate 初始化质量门
func NewGate(cfg service.MarketConfig, onShock ShockFn, logger *zap.Logger) *Gate {
	if onShock == nil {
		onShock = func(string) {}
	}
	return &Gate{
		cfg:        cfg,
		onShock:    onShock,
		logger:     logger,
		now:        time.Now,
		failStreak: make(map[string]int),
		alerted:    make(map[string]bool),
	}
}

// SetClock 注入时钟 (测试用)
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// Check 对快照做新鲜度/完整性/合理性检查
func (g *Gate) Check(snap model.MarketSnapshot) error {
	err := g.check(snap)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.failStreak[snap.Symbol] = 0
		g.alerted[snap.Symbol] = false
		return nil
	}

	telemetry.DataQualityFailures.Inc()
	g.failStreak[snap.Symbol]++
	streak := g.failStreak[snap.Symbol]
	g.logger.Warn("Snapshot rejected by quality gate",
		zap.String("symbol", snap.Symbol),
		zap.Int("streak", streak),
		zap.Error(err))

	if g.cfg.ShockFailStreak > 0 && streak >= g.cfg.ShockFailStreak && !g.alerted[snap.Symbol] {
		g.alerted[snap.Symbol] = true
		detail := fmt.Sprintf("market data quality: %d consecutive failures on %s (%v)", streak, snap.Symbol, err)
		g.logger.Error("!!! Data quality shock !!!", zap.String("detail", detail))
		g.onShock(detail)
	}
	return err
}

func (g *Gate) check(snap model.MarketSnapshot) error {
	if snap.Timestamp.IsZero() || snap.Symbol == "" || snap.Spot <= 0 {
		return ErrIncomplete
	}

	age := g.now().Sub(snap.Timestamp)
	if age > time.Duration(g.cfg.FreshnessCritSec)*time.Second {
		return fmt.Errorf("%w: age %s", ErrStale, age)
	}
	if age > time.Duration(g.cfg.FreshnessWarnSec)*time.Second {
		g.logger.Warn("Snapshot aging",
			zap.String("symbol", snap.Symbol),
			zap.Duration("age", age))
	}

	for inst, q := range snap.Quotes {
		if q.Bid <= 0 || q.Ask <= 0 || q.Last <= 0 {
			return fmt.Errorf("%w: %s", ErrBadPrice, inst)
		}
		if q.Last < q.Bid || q.Last > q.Ask {
			return fmt.Errorf("%w: %s bid=%.2f last=%.2f ask=%.2f", ErrCrossed, inst, q.Bid, q.Last, q.Ask)
		}
		if mid := q.Mid(); mid > 0 && q.Spread()/mid > g.cfg.MaxSpreadPct {
			return fmt.Errorf("%w: %s spread=%.2f%%", ErrWideSpread, inst, q.Spread()/mid*100)
		}
	}
	return nil
}

// CheckedSnapshotFn 返回一个带质量门的快照拉取函数，供各循环共用
func (g *Gate) CheckedSnapshotFn(store *Store) func(symbol string) (model.MarketSnapshot, bool) {
	return func(symbol string) (model.MarketSnapshot, bool) {
		snap, ok := store.Snapshot(symbol)
		if !ok {
			return model.MarketSnapshot{}, false
		}
		if err := g.Check(snap); err != nil {
			return model.MarketSnapshot{}, false
		}
		return snap, true
	}
}
