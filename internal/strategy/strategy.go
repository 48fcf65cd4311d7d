package strategy

import (
	"math"
	"sort"
	"sync"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/google/uuid"
)

// Strategy 是策略的统一能力接口：把市场快照映射为零或多个交易提案。
// 实现必须是快照的纯函数 (自身指标状态除外)，不做任何外部调用。
type Strategy interface {
	Name() string
	Evaluate(snap model.MarketSnapshot) []model.Signal
}

// Roster 固定的策略花名册。闭集，按 id 选取；支持运维启停。
type Roster struct {
	mu       sync.RWMutex
	entries  map[string]Strategy
	enabled  map[string]bool
	ordered  []string
}

// NewRoster 初始化花名册
func NewRoster(strategies []Strategy, cfg map[string]service.StrategyConfig) *Roster {
	r := &Roster{
		entries: make(map[string]Strategy),
		enabled: make(map[string]bool),
	}
	for _, s := range strategies {
		r.entries[s.Name()] = s
		on := true
		if c, ok := cfg[s.Name()]; ok {
			on = c.Enabled
		}
		r.enabled[s.Name()] = on
		r.ordered = append(r.ordered, s.Name())
	}
	sort.Strings(r.ordered)
	return r
}

// Get 返回指定策略 (未启用时 ok=false)
func (r *Roster) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	if !ok || !r.enabled[id] {
		return nil, false
	}
	return s, true
}

// EnabledIDs 返回当前启用的策略 id 列表 (字典序)
func (r *Roster) EnabledIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, id := range r.ordered {
		if r.enabled[id] {
			out = append(out, id)
		}
	}
	return out
}

// SetEnabled 运维启停开关 (控制面调用)
func (r *Roster) SetEnabled(id string, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return false
	}
	r.enabled[id] = on
	return true
}

// buildSignal 按统一规则构造一个期权买入信号：
// 止损和分层止盈都基于权利金；目标层价格取入场价乘配置乘数。
func buildSignal(strategyID string, snap model.MarketSnapshot, inst model.Instrument,
	premium float64, stopFrac float64, exits service.ExitsConfig, ttl time.Duration, confidence float64) model.Signal {

	targets := make([]model.ProfitTier, 0, len(exits.TierMultipliers))
	for i, mult := range exits.TierMultipliers {
		frac := 0.0
		if i < len(exits.TierFractions) {
			frac = exits.TierFractions[i]
		}
		targets = append(targets, model.ProfitTier{
			Price:    premium * mult,
			Fraction: frac,
		})
	}

	return model.Signal{
		ID:         uuid.NewString(),
		StrategyID: strategyID,
		Symbol:     snap.Symbol,
		Instrument: inst,
		Side:       model.SideBuy,
		RefPrice:   premium,
		StopLoss:   premium * (1 - stopFrac),
		Targets:    targets,
		Confidence: confidence,
		CreatedAt:  snap.Timestamp,
		TTL:        ttl,
	}
}

// nearestStrike 在工具清单里找行权价离现价最近的指定类型期权，
// 并要求快照里有可用报价。
func nearestStrike(universe []model.Instrument, snap model.MarketSnapshot, kind model.InstrumentKind) (model.Instrument, model.Quote, bool) {
	var best model.Instrument
	var bestQuote model.Quote
	bestDist := math.MaxFloat64
	found := false

	for _, inst := range universe {
		if inst.Kind != kind || inst.Underlying != snap.Symbol {
			continue
		}
		q, ok := snap.QuoteFor(inst.Symbol)
		if !ok || q.Last <= 0 {
			continue
		}
		if d := math.Abs(inst.Strike - snap.Spot); d < bestDist {
			bestDist = d
			best = inst
			bestQuote = q
			found = true
		}
	}
	return best, bestQuote, found
}

// param 读取策略参数，缺省时返回 def
func param(cfg service.StrategyConfig, key string, def float64) float64 {
	if v, ok := cfg.Params[key]; ok {
		return v
	}
	return def
}
