package execution

import (
	"testing"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCostsConfig() service.CostsConfig {
	return service.CostsConfig{
		BaseSpreadPct:       0.0015,
		ImpactCoeff:         0.08,
		VolThreshold:        0.25,
		VolSurchargePct:     0.001,
		SessionEdgeMin:      15,
		SessionSurchargePct: 0.001,
		BrokerageRate:       0.0003,
		BrokerageCap:        20,
		ExchangeFeeRate:     0.0000495,
		TransactionTaxRate:  0.000625,
		FeeTaxRate:          0.18,
	}
}

func quietConditions() MarketConditions {
	return MarketConditions{
		Liquidity:       100000,
		Volatility:      0.1,
		MinutesFromOpen: 120,
		MinutesToClose:  120,
	}
}

func TestExecutionPriceDeterministic(t *testing.T) {
	m := NewCostModel(testCostsConfig())
	cond := quietConditions()

	p1 := m.ExecutionPrice(100, model.SideBuy, 100, cond)
	p2 := m.ExecutionPrice(100, model.SideBuy, 100, cond)
	assert.Equal(t, p1, p2)
}

func TestExecutionPriceDirection(t *testing.T) {
	m := NewCostModel(testCostsConfig())
	cond := quietConditions()

	buy := m.ExecutionPrice(100, model.SideBuy, 100, cond)
	sell := m.ExecutionPrice(100, model.SideSell, 100, cond)
	assert.Greater(t, buy, 100.0)
	assert.Less(t, sell, 100.0)
}

func TestExecutionPriceImpactGrowsWithSize(t *testing.T) {
	m := NewCostModel(testCostsConfig())
	cond := quietConditions()

	small := m.ExecutionPrice(100, model.SideBuy, 100, cond)
	large := m.ExecutionPrice(100, model.SideBuy, 10000, cond)
	assert.Greater(t, large, small)
}

func TestExecutionPriceVolSurcharge(t *testing.T) {
	m := NewCostModel(testCostsConfig())

	calm := quietConditions()
	stressed := quietConditions()
	stressed.Volatility = 0.4

	assert.Greater(t,
		m.ExecutionPrice(100, model.SideBuy, 100, stressed),
		m.ExecutionPrice(100, model.SideBuy, 100, calm))
}

func TestExecutionPriceSessionEdges(t *testing.T) {
	m := NewCostModel(testCostsConfig())

	mid := quietConditions()
	nearOpen := quietConditions()
	nearOpen.MinutesFromOpen = 5
	nearClose := quietConditions()
	nearClose.MinutesToClose = 10

	base := m.ExecutionPrice(100, model.SideBuy, 100, mid)
	assert.Greater(t, m.ExecutionPrice(100, model.SideBuy, 100, nearOpen), base)
	assert.Greater(t, m.ExecutionPrice(100, model.SideBuy, 100, nearClose), base)
}

func TestTransactionCostsBrokerageCap(t *testing.T) {
	m := NewCostModel(testCostsConfig())

	// 0.03% × 1000000 = 300，封顶 20
	costs := m.TransactionCosts(1000000, model.SideBuy)
	assert.True(t, costs.Brokerage.Equal(decimal.NewFromInt(20)),
		"got %s", costs.Brokerage)
}

func TestTransactionCostsTaxOnlyOnSell(t *testing.T) {
	m := NewCostModel(testCostsConfig())

	buy := m.TransactionCosts(10000, model.SideBuy)
	sell := m.TransactionCosts(10000, model.SideSell)

	assert.True(t, buy.TransactionTax.IsZero())
	assert.True(t, sell.TransactionTax.GreaterThan(decimal.Zero))
	// 其余分项买卖两侧一致
	assert.True(t, buy.Brokerage.Equal(sell.Brokerage))
	assert.True(t, buy.ExchangeFee.Equal(sell.ExchangeFee))
}

func TestTransactionCostsFeeTaxBase(t *testing.T) {
	m := NewCostModel(testCostsConfig())
	costs := m.TransactionCosts(10000, model.SideBuy)

	expected := costs.Brokerage.Add(costs.ExchangeFee).
		Mul(decimal.NewFromFloat(0.18)).Round(4)
	assert.True(t, costs.FeeTax.Equal(expected),
		"want %s got %s", expected, costs.FeeTax)
}

func TestRoundTripPnL(t *testing.T) {
	m := NewCostModel(testCostsConfig())

	entry := m.TransactionCosts(10000, model.SideBuy)
	exit := m.TransactionCosts(11000, model.SideSell)
	totalCosts, _ := entry.Total().Add(exit.Total()).Float64()

	net := m.RoundTripPnL(model.SideBuy, 100, 110, 100, entry, exit)
	require.InDelta(t, 1000-totalCosts, net, 1e-9)

	// 空头方向相反
	netShort := m.RoundTripPnL(model.SideSell, 100, 110, 100, entry, exit)
	assert.InDelta(t, -1000-totalCosts, netShort, 1e-9)
}

func TestConditionsFromSnapshot(t *testing.T) {
	snap := model.MarketSnapshot{
		Symbol: "NIFTY",
		Spot:   24000,
		Quotes: map[string]model.Quote{
			"NIFTY24SEP24500CE": {Bid: 99, Ask: 101, Last: 100, Volume: 50000},
		},
		Greeks: map[string]model.Greeks{
			"NIFTY24SEP24500CE": {IV: 0.3},
		},
	}

	cond := Conditions(snap, "NIFTY24SEP24500CE")
	assert.Equal(t, 50000.0, cond.Liquidity)
	// 有 IV 时优先于价差比率
	assert.Equal(t, 0.3, cond.Volatility)

	// 报价缺失时退化为零值，不产生 NaN
	cond = Conditions(model.MarketSnapshot{Symbol: "NIFTY"}, "unknown")
	assert.Equal(t, 0.0, cond.Volatility)
	assert.Equal(t, 0.0, cond.Liquidity)
}
