package strategy

import (
	"math"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/pkg/ta"
)

// MeanRevert 均值回归：现价偏离 VWAP 锚点超过入场阈值且 RSI 超卖/超买时，
// 押注向锚点回归。
type MeanRevert struct {
	taClient *ta.TACalculator
	universe []model.Instrument
	cfg      service.StrategyConfig
	exits    service.ExitsConfig
	ttl      time.Duration
}

// NewMeanRevert 初始化均值回归策略
func NewMeanRevert(taClient *ta.TACalculator, universe []model.Instrument,
	cfg service.StrategyConfig, exits service.ExitsConfig, ttl time.Duration) *MeanRevert {
	return &MeanRevert{taClient: taClient, universe: universe, cfg: cfg, exits: exits, ttl: ttl}
}

func (s *MeanRevert) Name() string {
	return "mean_revert"
}

func (s *MeanRevert) Evaluate(snap model.MarketSnapshot) []model.Signal {
	if snap.VWAP <= 0 {
		return nil
	}
	data, err := s.taClient.GetTAData("1m")
	if err != nil {
		return nil
	}

	entryDev := param(s.cfg, "entry_dev", 0.004) // 偏离 0.4% 起步
	stopFrac := param(s.cfg, "stop_frac", 0.25)

	deviation := (snap.Spot - snap.VWAP) / snap.VWAP

	var kind model.InstrumentKind
	switch {
	case deviation <= -entryDev && data.RSI < 40:
		// 超卖，押注向上回归
		kind = model.KindCall
	case deviation >= entryDev && data.RSI > 60:
		// 超买，押注向下回归
		kind = model.KindPut
	default:
		return nil
	}

	inst, quote, ok := nearestStrike(s.universe, snap, kind)
	if !ok {
		return nil
	}

	confidence := math.Min(math.Abs(deviation)/entryDev/2, 1)
	sig := buildSignal(s.Name(), snap, inst, quote.Last, stopFrac, s.exits, s.ttl, confidence)
	return []model.Signal{sig}
}
