package model

import (
	"crypto/sha1"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 定义了交易方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) String() string {
	return string(s)
}

// OrderKind 定义了订单类型
type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
)

// OrderStatus 订单生命周期状态
// PENDING → SUBMITTED → {FILLED | PARTIALLY_FILLED | REJECTED | CANCELLED}
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderCancelled       OrderStatus = "CANCELLED"
)

// PositionStatus 持仓生命周期状态
// OPEN → PARTIALLY_CLOSED → CLOSED (止损/收盘强平可直接 OPEN → CLOSED)
type PositionStatus string

const (
	PositionOpen            PositionStatus = "OPEN"
	PositionPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionClosed          PositionStatus = "CLOSED"
)

// ProfitTier 分层止盈目标：达到 Price 后释放原始数量的 Fraction
type ProfitTier struct {
	Price    float64
	Fraction float64
	Hit      bool
}

// Signal 结构体定义了策略层向执行层发出的交易提案。
// 创建后不可变，最多被消费一次 (指纹去重窗口内重复提交会被丢弃)。
type Signal struct {
	ID         string
	StrategyID string
	Symbol     string       // 标的代码
	Instrument Instrument   // 具体交易工具
	Side       Side         // 期望方向
	RefPrice   float64      // 参考/期望入场价格
	StopLoss   float64      // 止损价格
	Targets    []ProfitTier // 分层止盈目标 (升序)
	Confidence float64      // 信号强度 0~1
	CreatedAt  time.Time
	TTL        time.Duration // 超过 TTL 未成交则信号作废
}

// Fingerprint 返回信号的内容指纹，用于短窗口去重。
// 价格取两位小数参与哈希，避免浮点噪声导致同一信号产生不同指纹。
func (s Signal) Fingerprint() string {
	h := sha1.New()
	fmt.Fprintf(h, "%s|%s|%s|%.2f|%.2f",
		s.StrategyID, s.Instrument.Symbol, s.Side, s.RefPrice, s.StopLoss)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Expired 判断信号是否已超过 TTL
func (s Signal) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > s.TTL
}

func (s Signal) String() string {
	return fmt.Sprintf("SIGNAL [%s | %s %s] @ %.2f | SL: %.2f | Conf: %.2f",
		s.StrategyID, s.Side, s.Instrument.Symbol, s.RefPrice, s.StopLoss, s.Confidence)
}

// Order 代表一次提交尝试
type Order struct {
	ID           string
	SignalID     string
	Instrument   Instrument
	Side         Side
	Quantity     int
	Price        float64
	Kind         OrderKind
	Status       OrderStatus
	RejectReason string
	Attempts     int // 已消耗的提交尝试次数
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Position 代表一个未平仓或已归档的持仓
type Position struct {
	ID         string
	Instrument Instrument
	StrategyID string
	Side       Side // 持仓方向 (BUY = 多头权利金)

	EntryPrice    float64
	MarginPerUnit float64 // 账本按授权参考价占用的单位保证金，释放时按同一基数
	OriginalQty   int
	RemainingQty  int
	ReleasedQty   int // 各次离场独立累加，与 RemainingQty 相互校验
	MarkPrice     float64
	Greeks        Greeks

	StopLoss     float64 // 当前生效的止损价 (分层止盈后可能上移)
	InitialStop  float64 // 开仓时的原始止损价
	TrailingStop float64 // 追踪止损价，0 表示尚未启动
	HighWater    float64 // 开仓以来最有利的标记价格

	Tiers []ProfitTier

	Status      PositionStatus
	OpenedAt    time.Time
	ClosedAt    time.Time
	CloseReason string

	RealizedPnL float64         // 已释放部分的累计净盈亏
	Costs       decimal.Decimal // 累计交易成本 (两腿)
}

// Favorable 判断 price 相对 ref 对该持仓是否更有利
func (p Position) Favorable(price, ref float64) bool {
	if p.Side == SideBuy {
		return price > ref
	}
	return price < ref
}

// TradeRecord 记录一次完整或部分的离场，供持久化汇报使用
type TradeRecord struct {
	PositionID string
	StrategyID string
	Instrument string
	Side       Side
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Quantity   int
	GrossPnL   float64
	Costs      decimal.Decimal
	NetPnL     float64
	Reason     string // 离场原因: "TIER_1", "TRAILING_STOP", "STOP_LOSS", "EOD", ...
}

// AllocationDecision 是元控制器每个 tick 的输出 (仅记录，不做持久化)
type AllocationDecision struct {
	StrategyID  string
	DecidedAt   time.Time
	Exploratory bool // true = 随机探索, false = 策略性选择
	Regime      Regime
}
