package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedGateway 按脚本返回错误序列，nil 表示成交
type scriptedGateway struct {
	script []error
	calls  int
}

func (g *scriptedGateway) SubmitOrder(ctx context.Context, order *model.Order) (Fill, error) {
	idx := g.calls
	g.calls++
	if idx < len(g.script) && g.script[idx] != nil {
		return Fill{}, g.script[idx]
	}
	return Fill{OrderID: order.ID, Price: order.Price, Quantity: order.Quantity, Time: time.Now()}, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (g *scriptedGateway) GetQuote(ctx context.Context, instrument model.Instrument) (model.Quote, error) {
	return model.Quote{}, errors.New("not implemented")
}

type submitterFixture struct {
	submitter *Submitter
	ledger    *risk.CapitalLedger
	gateway   *scriptedGateway
	fills     []Fill
}

func newSubmitterFixture(t *testing.T, script []error) *submitterFixture {
	t.Helper()

	riskCfg := service.RiskConfig{
		TotalCapital:       100000,
		DefaultRiskFrac:    0.01,
		StrategyCapFrac:    0.4,
		SymbolCapFrac:      0.6,
		UtilizationCapFrac: 0.8,
	}
	breaker := risk.NewCircuitBreaker(service.BreakerConfig{DailyLossFrac: 0.05, LossStreak: 10}, riskCfg.TotalCapital, time.UTC, zap.NewNop())
	ledger := risk.NewCapitalLedger(riskCfg, zap.NewNop(), nil)
	riskMgr := risk.NewManager(ledger, breaker, riskCfg, zap.NewNop())

	ordersCfg := service.OrdersConfig{
		MaxOrderQty:  10000,
		PriceBandPct: 0.05,
		MaxNotional:  500000,
		DedupWindow:  5 * time.Second,
		MaxRetries:   2,
	}
	rlCfg := service.RateLimitConfig{
		APIBucket:   100,
		OrderBucket: 100,
		Window:      time.Second,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		CallTimeout: time.Second,
	}

	f := &submitterFixture{
		ledger:  ledger,
		gateway: &scriptedGateway{script: script},
	}

	snapFn := func(symbol string) (model.MarketSnapshot, bool) {
		return model.MarketSnapshot{}, false
	}
	onFill := func(sig model.Signal, qty int, fill Fill, costs CostBreakdown) {
		f.fills = append(f.fills, fill)
	}

	f.submitter = NewSubmitter(riskMgr,
		NewValidator(ordersCfg, zap.NewNop()),
		NewLimiter(rlCfg),
		f.gateway,
		NewCostModel(testCostsConfig()),
		snapFn,
		func() model.Regime { return model.RegimeUnknown },
		onFill,
		ordersCfg, rlCfg, zap.NewNop())
	f.submitter.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })
	return f
}

func submitterSignal(id string) model.Signal {
	return model.Signal{
		ID:         id,
		StrategyID: "trend_follow",
		Symbol:     "NIFTY",
		Instrument: model.Instrument{Symbol: "NIFTY24SEP24500CE", Underlying: "NIFTY", Kind: model.KindCall, LotSize: 1},
		Side:       model.SideBuy,
		RefPrice:   100,
		StopLoss:   90,
		CreatedAt:  time.Now(),
		TTL:        time.Minute,
	}
}

func TestSubmitterHappyPath(t *testing.T) {
	f := newSubmitterFixture(t, nil)

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))

	require.Len(t, f.fills, 1)
	assert.Equal(t, 100, f.fills[0].Quantity)
	assert.Equal(t, 1, f.gateway.calls)
	// 成交后保证金保持占用
	assert.Equal(t, 90000.0, f.ledger.Available())
}

func TestSubmitterDuplicateSignalSuppressed(t *testing.T) {
	f := newSubmitterFixture(t, nil)

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))
	sig := submitterSignal("sig-2") // 不同 ID，相同内容指纹
	f.submitter.Process(context.Background(), sig)

	assert.Len(t, f.fills, 1)
	assert.Equal(t, 1, f.gateway.calls)
}

func TestSubmitterRetriesTransientThenFills(t *testing.T) {
	f := newSubmitterFixture(t, []error{
		NewThrottleError(errors.New("rate limited")),
		NewThrottleError(errors.New("rate limited")),
		nil,
	})

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))

	assert.Len(t, f.fills, 1)
	assert.Equal(t, 3, f.gateway.calls) // 首次 + 2 次重试
}

func TestSubmitterExhaustedRetriesReleasesReservation(t *testing.T) {
	throttle := NewThrottleError(errors.New("rate limited"))
	f := newSubmitterFixture(t, []error{throttle, throttle, throttle, throttle})

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))

	assert.Empty(t, f.fills)
	assert.Equal(t, 3, f.gateway.calls) // MaxRetries=2 → 最多 3 次尝试
	// 重试预算耗尽后授权占用必须回滚
	assert.Equal(t, 100000.0, f.ledger.Available())
}

func TestSubmitterTerminalErrorNoRetry(t *testing.T) {
	f := newSubmitterFixture(t, []error{
		NewTerminalError("REJECTED", errors.New("instrument suspended")),
	})

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))

	assert.Empty(t, f.fills)
	assert.Equal(t, 1, f.gateway.calls)
	assert.Equal(t, 100000.0, f.ledger.Available())
}

func TestSubmitterBreakerBlocksBeforeGateway(t *testing.T) {
	f := newSubmitterFixture(t, nil)

	// 日内亏损越限跳闸
	breaker := risk.NewCircuitBreaker(service.BreakerConfig{DailyLossFrac: 0.05}, 100000, time.UTC, zap.NewNop())
	breaker.RecordTrade(-6000)
	ledger := risk.NewCapitalLedger(service.RiskConfig{TotalCapital: 100000, DefaultRiskFrac: 0.01, StrategyCapFrac: 1, SymbolCapFrac: 1, UtilizationCapFrac: 1}, zap.NewNop(), nil)
	f.submitter.riskMgr = risk.NewManager(ledger, breaker, service.RiskConfig{TotalCapital: 100000, DefaultRiskFrac: 0.01}, zap.NewNop())

	f.submitter.Process(context.Background(), submitterSignal("sig-1"))

	assert.Empty(t, f.fills)
	assert.Zero(t, f.gateway.calls)
}
