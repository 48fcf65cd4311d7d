package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deriv-algo-trader/internal/model"

	"go.uber.org/zap"
)

// SnapshotFn 按标的拉取最新市场快照
type SnapshotFn func(symbol string) (model.MarketSnapshot, bool)

// SimGateway 模拟券商网关：用成本模型从当前报价合成成交。
// failHook 供测试注入限流/终态错误。
type SimGateway struct {
	costs  *CostModel
	snapFn SnapshotFn
	logger *zap.Logger
	now    func() time.Time

	failHook func(order *model.Order) error // 返回非 nil 则本次提交按该错误失败
}

// NewSimGateway 初始化模拟网关
func NewSimGateway(costs *CostModel, snapFn SnapshotFn, logger *zap.Logger) *SimGateway {
	return &SimGateway{
		costs:  costs,
		snapFn: snapFn,
		logger: logger,
		now:    time.Now,
	}
}

// SetFailHook 注入失败钩子 (测试用)
func (g *SimGateway) SetFailHook(hook func(order *model.Order) error) {
	g.failHook = hook
}

// SetClock 注入时钟 (测试用)
func (g *SimGateway) SetClock(now func() time.Time) {
	g.now = now
}

// SubmitOrder 合成一笔成交：理论价取当前报价，执行价由滑点模型给出
func (g *SimGateway) SubmitOrder(ctx context.Context, order *model.Order) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	if g.failHook != nil {
		if err := g.failHook(order); err != nil {
			return Fill{}, err
		}
	}

	snap, ok := g.snapFn(order.Instrument.Underlying)
	if !ok {
		return Fill{}, NewThrottleError(errors.New("no market snapshot available"))
	}

	theo := order.Price
	if q, ok := snap.QuoteFor(order.Instrument.Symbol); ok && q.Last > 0 {
		theo = q.Last
	}
	if theo <= 0 {
		return Fill{}, NewTerminalError("BAD_PRICE", fmt.Errorf("no usable price for %s", order.Instrument.Symbol))
	}

	execPrice := g.costs.ExecutionPrice(theo, order.Side, order.Quantity,
		Conditions(snap, order.Instrument.Symbol))

	fill := Fill{
		OrderID:  order.ID,
		Price:    execPrice,
		Quantity: order.Quantity,
		Time:     g.now(),
	}
	g.logger.Info("Sim ORDER FILLED",
		zap.String("order", order.ID),
		zap.String("side", order.Side.String()),
		zap.Int("qty", fill.Quantity),
		zap.Float64("theo", theo),
		zap.Float64("exec", execPrice))
	return fill, nil
}

// CancelOrder 模拟撤单 (模拟模式下订单即时成交，撤单恒成功)
func (g *SimGateway) CancelOrder(ctx context.Context, orderID string) error {
	g.logger.Info("Sim order cancelled", zap.String("order", orderID))
	return nil
}

// GetQuote 从快照返回指定工具的报价
func (g *SimGateway) GetQuote(ctx context.Context, instrument model.Instrument) (model.Quote, error) {
	snap, ok := g.snapFn(instrument.Underlying)
	if !ok {
		return model.Quote{}, NewThrottleError(errors.New("no market snapshot available"))
	}
	q, ok := snap.QuoteFor(instrument.Symbol)
	if !ok {
		return model.Quote{}, NewTerminalError("UNKNOWN_INSTRUMENT", fmt.Errorf("no quote for %s", instrument.Symbol))
	}
	return q, nil
}
