package controller

import (
	"context"
	"math/rand"
	"time"

	"deriv-algo-trader/internal/marketdata"
	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/strategy"
	"deriv-algo-trader/internal/timing"

	"go.uber.org/zap"
)

// AllocationPolicy 在每个 tick 选出一个策略。
// 没有训练好的模型时退化为带状态偏置的 epsilon-greedy：
// 以 epsilon 概率随机探索，否则按状态先验取利用。
type AllocationPolicy struct {
	epsilon float64
	rng     *rand.Rand

	// 状态先验：每种市场状态下的首选策略
	priors map[model.Regime]string

	explorations int // 探索计数器，留作后续训练样本统计
}

// NewAllocationPolicy 初始化分配策略
func NewAllocationPolicy(epsilon float64, seed int64) *AllocationPolicy {
	return &AllocationPolicy{
		epsilon: epsilon,
		rng:     rand.New(rand.NewSource(seed)),
		priors: map[model.Regime]string{
			model.RegimeTrendUp:   "trend_follow",
			model.RegimeTrendDown: "trend_follow",
			model.RegimeHighVol:   "vol_breakout",
			model.RegimeLowVol:    "mean_revert",
		},
	}
}

// Decide 从启用的策略里选出一个，返回是否为探索性选择
func (p *AllocationPolicy) Decide(regime model.Regime, enabled []string) (string, bool) {
	if len(enabled) == 0 {
		return "", false
	}

	if p.rng.Float64() < p.epsilon {
		p.explorations++
		return enabled[p.rng.Intn(len(enabled))], true
	}

	if preferred, ok := p.priors[regime]; ok {
		for _, id := range enabled {
			if id == preferred {
				return preferred, false
			}
		}
	}
	// 先验策略被停用时退回第一个启用的
	return enabled[0], false
}

// Explorations 已进行的探索次数
func (p *AllocationPolicy) Explorations() int {
	return p.explorations
}

// MetaController 元控制器：按固定间隔选择一个策略执行，
// 把产生的信号转交入场时机队列。熔断未放行时整个 tick 跳过。
type MetaController struct {
	roster   *strategy.Roster
	breaker  *risk.CircuitBreaker
	queue    *timing.Queue
	regime   *RegimeClassifier
	policy   *AllocationPolicy
	store    *marketdata.Store
	snapFn   func(symbol string) (model.MarketSnapshot, bool) // 带质量门
	symbols  []string

	cfg    service.ControllerConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewMetaController 初始化元控制器
func NewMetaController(
	roster *strategy.Roster,
	breaker *risk.CircuitBreaker,
	queue *timing.Queue,
	regime *RegimeClassifier,
	policy *AllocationPolicy,
	store *marketdata.Store,
	snapFn func(symbol string) (model.MarketSnapshot, bool),
	symbols []string,
	cfg service.ControllerConfig,
	logger *zap.Logger,
) *MetaController {
	return &MetaController{
		roster:  roster,
		breaker: breaker,
		queue:   queue,
		regime:  regime,
		policy:  policy,
		store:   store,
		snapFn:  snapFn,
		symbols: symbols,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (mc *MetaController) SetClock(now func() time.Time) {
	mc.now = now
}

// RunLoop 控制器主循环
func (mc *MetaController) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(mc.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mc.Tick()
		}
	}
}

// Tick 执行一轮策略选择。每个 tick 开头检查紧急停止，
// 随后处理交易日边界，再做状态分类和策略调用。
func (mc *MetaController) Tick() {
	now := mc.now()

	state := mc.breaker.State()
	if state.Status == risk.StatusEmergencyStop {
		mc.queue.Halt()
		return // 紧急停止：不再产生任何新工作
	}

	if mc.breaker.RolloverIfNeeded(now) {
		mc.store.ResetSession()
	}

	for _, symbol := range mc.symbols {
		snap, ok := mc.snapFn(symbol)
		if !ok {
			continue // 快照缺失或未过质量门，本 tick 跳过该标的
		}

		mc.regime.Update(snap)

		if !mc.breaker.Allow() {
			// 跳闸状态：跳过整个 tick，不产生信号 (存量持仓由监控循环继续保护)
			mc.logger.Debug("Breaker not active, skipping tick",
				zap.String("status", string(state.Status)))
			return
		}

		regime := mc.regime.Current()
		id, exploratory := mc.policy.Decide(regime, mc.roster.EnabledIDs())
		if id == "" {
			continue
		}

		decision := model.AllocationDecision{
			StrategyID:  id,
			DecidedAt:   now,
			Exploratory: exploratory,
			Regime:      regime,
		}
		mc.logger.Info("Allocation decision",
			zap.String("strategy", decision.StrategyID),
			zap.String("regime", string(decision.Regime)),
			zap.Bool("exploratory", decision.Exploratory))

		strat, ok := mc.roster.Get(id)
		if !ok {
			continue
		}

		signals := mc.safeEvaluate(strat, snap)
		for _, sig := range signals {
			mc.logger.Info("!!! NEW TRADING SIGNAL !!!", zap.String("Signal", sig.String()))
			mc.queue.Submit(sig, snap)
		}
	}
}

// safeEvaluate 调用策略并吞掉 panic：策略抛出的异常等价于
// "本 tick 无信号"，绝不允许杀死控制器循环。
func (mc *MetaController) safeEvaluate(strat strategy.Strategy, snap model.MarketSnapshot) (signals []model.Signal) {
	defer func() {
		if r := recover(); r != nil {
			mc.logger.Error("Strategy panicked, treating as no signals",
				zap.String("strategy", strat.Name()),
				zap.Any("panic", r))
			signals = nil
		}
	}()
	return strat.Evaluate(snap)
}
