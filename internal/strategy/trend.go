// internal/strategy/trend.go
package strategy

import (
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/pkg/ta"
)

// TrendFollow 趋势追随：现价站上 MA 且 RSI 动量确认时买入 CALL，
// 反向条件买入 PUT。
type TrendFollow struct {
	taClient *ta.TACalculator
	universe []model.Instrument
	cfg      service.StrategyConfig
	exits    service.ExitsConfig
	ttl      time.Duration
}

// NewTrendFollow 初始化趋势策略
func NewTrendFollow(taClient *ta.TACalculator, universe []model.Instrument,
	cfg service.StrategyConfig, exits service.ExitsConfig, ttl time.Duration) *TrendFollow {
	return &TrendFollow{taClient: taClient, universe: universe, cfg: cfg, exits: exits, ttl: ttl}
}

func (s *TrendFollow) Name() string {
	return "trend_follow"
}

// Evaluate 生成趋势方向的期权买入提案
func (s *TrendFollow) Evaluate(snap model.MarketSnapshot) []model.Signal {
	data, err := s.taClient.GetTAData("1m")
	if err != nil {
		return nil // 指标未就绪，本 tick 无信号
	}

	rsiThreshold := param(s.cfg, "rsi_threshold", 60)
	stopFrac := param(s.cfg, "stop_frac", 0.3)

	var kind model.InstrumentKind
	var confidence float64
	switch {
	case snap.Spot > data.MA && data.RSI >= rsiThreshold:
		kind = model.KindCall
		confidence = (data.RSI - 50) / 50
	case snap.Spot < data.MA && data.RSI <= 100-rsiThreshold:
		kind = model.KindPut
		confidence = (50 - data.RSI) / 50
	default:
		return nil
	}

	inst, quote, ok := nearestStrike(s.universe, snap, kind)
	if !ok {
		return nil
	}

	sig := buildSignal(s.Name(), snap, inst, quote.Last, stopFrac, s.exits, s.ttl, confidence)
	return []model.Signal{sig}
}
