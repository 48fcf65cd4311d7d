// internal/execution/costs.go
package execution

import (
	"math"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/shopspring/decimal"
)

// MarketConditions 是滑点模型的市场侧输入
type MarketConditions struct {
	Liquidity      float64 // 流动性代理 (例如该工具近期成交量)
	Volatility     float64 // 波动率代理 (例如 ATR/价格 或 IV)
	MinutesFromOpen float64 // 距开盘分钟数
	MinutesToClose  float64 // 距收盘分钟数
}

// CostBreakdown 分项交易成本。金额用 decimal 保存，避免对账时的浮点残差。
type CostBreakdown struct {
	Brokerage      decimal.Decimal
	ExchangeFee    decimal.Decimal
	TransactionTax decimal.Decimal
	FeeTax         decimal.Decimal
}

// Total 返回成本合计
func (c CostBreakdown) Total() decimal.Decimal {
	return c.Brokerage.Add(c.ExchangeFee).Add(c.TransactionTax).Add(c.FeeTax)
}

// CostModel 滑点与交易成本模型。
// 所有方法都是输入的纯函数 (无隐藏状态)，模拟成交始终使用它，
// 实盘模式可用作合理性估计。
type CostModel struct {
	cfg service.CostsConfig
}

// NewCostModel 初始化成本模型
func NewCostModel(cfg service.CostsConfig) *CostModel {
	return &CostModel{cfg: cfg}
}

// ExecutionPrice 把理论价格映射为带滑点的执行价格。
// 组成：基础价差成本 + 流动性相关的市场冲击 + 波动率附加费 + 开收盘时段附加费。
// 买入向上滑，卖出向下滑。
func (m *CostModel) ExecutionPrice(theo float64, side model.Side, qty int, cond MarketConditions) float64 {
	slipPct := m.cfg.BaseSpreadPct

	// 市场冲击：数量相对流动性的占比越高冲击越大
	if cond.Liquidity > 0 {
		slipPct += m.cfg.ImpactCoeff * float64(qty) / cond.Liquidity
	}

	// 波动率附加费
	if cond.Volatility > m.cfg.VolThreshold {
		slipPct += m.cfg.VolSurchargePct
	}

	// 开收盘附近流动性差，加收时段附加费
	if cond.MinutesFromOpen >= 0 && cond.MinutesFromOpen <= m.cfg.SessionEdgeMin {
		slipPct += m.cfg.SessionSurchargePct
	} else if cond.MinutesToClose >= 0 && cond.MinutesToClose <= m.cfg.SessionEdgeMin {
		slipPct += m.cfg.SessionSurchargePct
	}

	if side == model.SideBuy {
		return theo * (1 + slipPct)
	}
	return theo * (1 - slipPct)
}

// TransactionCosts 计算分项交易成本。
// 佣金按费率计且有单笔上限；交易税只收卖出一侧；税费基于佣金与交易所费合计。
func (m *CostModel) TransactionCosts(notional float64, side model.Side) CostBreakdown {
	dNotional := decimal.NewFromFloat(notional)

	brokerage := dNotional.Mul(decimal.NewFromFloat(m.cfg.BrokerageRate))
	cap := decimal.NewFromFloat(m.cfg.BrokerageCap)
	if cap.IsPositive() && brokerage.GreaterThan(cap) {
		brokerage = cap
	}

	exchange := dNotional.Mul(decimal.NewFromFloat(m.cfg.ExchangeFeeRate))

	tax := decimal.Zero
	if side == model.SideSell {
		tax = dNotional.Mul(decimal.NewFromFloat(m.cfg.TransactionTaxRate))
	}

	feeTax := brokerage.Add(exchange).Mul(decimal.NewFromFloat(m.cfg.FeeTaxRate))

	return CostBreakdown{
		Brokerage:      brokerage.Round(4),
		ExchangeFee:    exchange.Round(4),
		TransactionTax: tax.Round(4),
		FeeTax:         feeTax.Round(4),
	}
}

// RoundTripPnL 一次完整往返的净盈亏：
// 出场名义 − 入场名义 − 两腿交易成本 (空头权利金方向相反)。
func (m *CostModel) RoundTripPnL(side model.Side, entryPrice, exitPrice float64, qty int,
	entryCosts, exitCosts CostBreakdown) float64 {

	gross := (exitPrice - entryPrice) * float64(qty)
	if side == model.SideSell {
		gross = -gross
	}
	costs, _ := entryCosts.Total().Add(exitCosts.Total()).Float64()
	return gross - costs
}

// Conditions 从市场快照构造模型输入
func Conditions(snap model.MarketSnapshot, instrument string) MarketConditions {
	cond := MarketConditions{
		MinutesFromOpen: snap.MinutesFromOpen(),
		MinutesToClose:  snap.MinutesToClose(),
	}
	if q, ok := snap.QuoteFor(instrument); ok {
		cond.Liquidity = q.Volume
		if mid := q.Mid(); mid > 0 {
			cond.Volatility = q.Spread() / mid // 价差比率作为退化的波动代理
		}
	}
	if g, ok := snap.Greeks[instrument]; ok && g.IV > 0 {
		cond.Volatility = g.IV
	}
	// 防御 NaN 流入定价
	if math.IsNaN(cond.Volatility) {
		cond.Volatility = 0
	}
	return cond
}
