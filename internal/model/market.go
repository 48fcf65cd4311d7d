package model

import "time"

// InstrumentKind 定义了可交易工具的类型
type InstrumentKind string

const (
	KindIndex  InstrumentKind = "INDEX"  // 指数现货 (仅作为参考标的)
	KindFuture InstrumentKind = "FUTURE" // 指数期货
	KindCall   InstrumentKind = "CALL"   // 看涨期权
	KindPut    InstrumentKind = "PUT"    // 看跌期权
)

// Instrument 描述一个具体的可交易工具
type Instrument struct {
	Symbol     string         // 工具代码，例如 "NIFTY24SEP24500CE"
	Underlying string         // 标的代码，例如 "NIFTY"
	Kind       InstrumentKind // 工具类型
	Strike     float64        // 行权价 (INDEX/FUTURE 为 0)
	Expiry     time.Time      // 到期日 (INDEX 为零值)
	LotSize    int            // 最小交易单位 (合约乘数)
}

// IsOption 判断该工具是否为期权
func (i Instrument) IsOption() bool {
	return i.Kind == KindCall || i.Kind == KindPut
}

// Quote 代表单个工具的实时报价
type Quote struct {
	Bid          float64
	Ask          float64
	Last         float64
	Volume       float64
	OpenInterest float64
	Timestamp    time.Time
}

// Spread 返回买卖价差 (Ask - Bid)
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// Mid 返回买卖中间价
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Greeks 期权希腊值与隐含波动率 (由外部数据管道计算后附带在快照上)
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	IV    float64
}

// MarketSnapshot 是核心消费的唯一市场数据视图。
// 由 marketdata 包按 pull 方式提供，所有下游组件 (策略、监控、风控)
// 只读不写。
type MarketSnapshot struct {
	Symbol    string    // 标的代码
	Timestamp time.Time // 快照生成时间 (数据质量检查的依据)
	Spot      float64   // 标的现价
	VWAP      float64   // 短期公允价值锚点 (成交量加权均价)

	Quotes map[string]Quote  // Key: Instrument.Symbol
	Greeks map[string]Greeks // Key: Instrument.Symbol (可选)

	// 会话信息，由采集端填充
	SessionOpen  time.Time // 当日开盘时间
	SessionClose time.Time // 当日收盘时间
}

// QuoteFor 查找指定工具的报价
func (s MarketSnapshot) QuoteFor(symbol string) (Quote, bool) {
	q, ok := s.Quotes[symbol]
	return q, ok
}

// MinutesFromOpen 返回快照时间距开盘的分钟数 (开盘前为负)
func (s MarketSnapshot) MinutesFromOpen() float64 {
	if s.SessionOpen.IsZero() {
		return 0
	}
	return s.Timestamp.Sub(s.SessionOpen).Minutes()
}

// MinutesToClose 返回快照时间距收盘的分钟数 (收盘后为负)
func (s MarketSnapshot) MinutesToClose() float64 {
	if s.SessionClose.IsZero() {
		return 0
	}
	return s.SessionClose.Sub(s.Timestamp).Minutes()
}

// Regime 市场状态常量 (由 controller 的状态分类器产出，驱动策略选择和风险系数)
type Regime string

const (
	RegimeTrendUp   Regime = "TREND_UP"    // 强上涨趋势
	RegimeTrendDown Regime = "TREND_DOWN"  // 强下跌趋势
	RegimeHighVol   Regime = "HIGH_VOL"    // 高波动震荡
	RegimeLowVol    Regime = "LOW_VOL"     // 低波动震荡
	RegimeUnknown   Regime = "INITIALIZING"
)
