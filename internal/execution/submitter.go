// internal/execution/submitter.go
package execution

import (
	"context"
	"errors"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FillHandler 成交回调：由持仓管理器在成交后建仓
type FillHandler func(sig model.Signal, qty int, fill Fill, costs CostBreakdown)

// RegimeFn 返回当前市场状态 (驱动风险系数)
type RegimeFn func() model.Regime

// Submitter 把放行的信号走完 去重 → 定量授权 → 校验 → 限流提交 的管线。
// 瞬时错误按指数退避重试，预算耗尽后订单终态 REJECTED，信号作废不回队。
type Submitter struct {
	riskMgr   *risk.Manager
	validator *Validator
	limiter   *Limiter
	gateway   Gateway
	snapFn    SnapshotFn
	regimeFn  RegimeFn
	onFill    FillHandler
	costs     *CostModel

	cfg    service.OrdersConfig
	rlCfg  service.RateLimitConfig
	logger *zap.Logger
	now    func() time.Time

	sleep func(ctx context.Context, d time.Duration) error // 退避等待，测试可替换
}

// NewSubmitter 初始化提交管线
func NewSubmitter(
	riskMgr *risk.Manager,
	validator *Validator,
	limiter *Limiter,
	gateway Gateway,
	costs *CostModel,
	snapFn SnapshotFn,
	regimeFn RegimeFn,
	onFill FillHandler,
	cfg service.OrdersConfig,
	rlCfg service.RateLimitConfig,
	logger *zap.Logger,
) *Submitter {
	return &Submitter{
		riskMgr:   riskMgr,
		validator: validator,
		limiter:   limiter,
		gateway:   gateway,
		costs:     costs,
		snapFn:    snapFn,
		regimeFn:  regimeFn,
		onFill:    onFill,
		cfg:       cfg,
		rlCfg:     rlCfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetClock 注入时钟 (测试用)
func (s *Submitter) SetClock(now func() time.Time) {
	s.now = now
}

// SetSleep 注入退避等待函数 (测试用)
func (s *Submitter) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

// Run 消费放行信号直到 ctx 结束
func (s *Submitter) Run(ctx context.Context, admitted <-chan model.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-admitted:
			if !ok {
				return
			}
			s.Process(ctx, sig)
		}
	}
}

// Process 处理单个放行信号
func (s *Submitter) Process(ctx context.Context, sig model.Signal) {
	// 信号级去重：同一指纹在窗口内只产生一笔订单
	if s.validator.SeenRecently("sig|" + sig.Fingerprint()) {
		s.logger.Info("Duplicate signal suppressed", zap.String("signal", sig.ID))
		return
	}

	qty, err := s.riskMgr.SizeAndAuthorize(sig, s.regimeFn())
	if err != nil {
		// 授权拒绝：本地丢弃，不重试 (下个 tick 条件可能变化，由策略重新提案)
		s.logger.Info("Signal refused by risk manager",
			zap.String("signal", sig.ID), zap.Error(err))
		return
	}

	order := &model.Order{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Quantity:   qty,
		Price:      sig.RefPrice,
		Kind:       model.OrderLimit,
		Status:     model.OrderPending,
		CreatedAt:  s.now(),
	}

	refPrice := sig.RefPrice
	if snap, ok := s.snapFn(sig.Symbol); ok {
		if q, ok := snap.QuoteFor(sig.Instrument.Symbol); ok && q.Last > 0 {
			refPrice = q.Last
		}
	}

	if err := s.validator.Validate(order, refPrice); err != nil {
		order.Status = model.OrderRejected
		order.RejectReason = err.Error()
		telemetry.OrdersRejected.WithLabelValues("validation").Inc()
		s.riskMgr.ReleaseOnFailure(sig, qty)
		s.logger.Warn("Order rejected by validator",
			zap.String("order", order.ID), zap.Error(err))
		return
	}

	s.submitWithRetry(ctx, sig, order, qty)
}

// submitWithRetry 显式的有界重试循环：瞬时错误按指数退避，
// 预算耗尽后以 REJECTED 终结，绝不复活。
func (s *Submitter) submitWithRetry(ctx context.Context, sig model.Signal, order *model.Order, qty int) {
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		order.Attempts = attempt + 1

		if err := s.limiter.AcquireOrder(ctx); err != nil {
			// 等待队列满按瞬时错误处理，在预算内退避重试
			if errors.Is(err, ErrQueueFull) && attempt < s.cfg.MaxRetries {
				if serr := s.sleep(ctx, s.limiter.Backoff(attempt)); serr != nil {
					s.fail(sig, order, qty, "context cancelled during backoff")
					return
				}
				continue
			}
			s.fail(sig, order, qty, "rate limiter: "+err.Error())
			return
		}

		order.Status = model.OrderSubmitted
		order.UpdatedAt = s.now()
		telemetry.OrdersSubmitted.Inc()

		callCtx, cancel := context.WithTimeout(ctx, s.rlCfg.CallTimeout)
		fill, err := s.gateway.SubmitOrder(callCtx, order)
		cancel()

		if err == nil {
			order.Status = model.OrderFilled
			order.UpdatedAt = s.now()
			costs := s.costs.TransactionCosts(fill.Price*float64(fill.Quantity), order.Side)
			s.logger.Info("Order filled",
				zap.String("order", order.ID),
				zap.Float64("price", fill.Price),
				zap.Int("qty", fill.Quantity))
			s.onFill(sig, qty, fill, costs)
			return
		}

		if !IsRetryable(err) {
			order.Status = model.OrderRejected
			order.RejectReason = err.Error()
			telemetry.OrdersRejected.WithLabelValues("terminal").Inc()
			s.riskMgr.ReleaseOnFailure(sig, qty)
			s.logger.Warn("Order terminally rejected by gateway",
				zap.String("order", order.ID), zap.Error(err))
			return
		}

		if attempt == s.cfg.MaxRetries {
			break
		}
		delay := s.limiter.Backoff(attempt)
		s.logger.Info("Transient gateway error, backing off",
			zap.String("order", order.ID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := s.sleep(ctx, delay); err != nil {
			s.fail(sig, order, qty, "context cancelled during backoff")
			return
		}
	}
	s.fail(sig, order, qty, "exhausted retries")
}

func (s *Submitter) fail(sig model.Signal, order *model.Order, qty int, reason string) {
	order.Status = model.OrderRejected
	order.RejectReason = reason
	order.UpdatedAt = s.now()
	telemetry.OrdersRejected.WithLabelValues("retries").Inc()
	s.riskMgr.ReleaseOnFailure(sig, qty)
	s.logger.Warn("Order terminated",
		zap.String("order", order.ID),
		zap.String("reason", reason),
		zap.Int("attempts", order.Attempts))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
