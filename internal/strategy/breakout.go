package strategy

import (
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/pkg/ta"
)

// VolBreakout 波动突破：ATR 抬升且现价突破布林带时顺突破方向买入。
type VolBreakout struct {
	taClient *ta.TACalculator
	universe []model.Instrument
	cfg      service.StrategyConfig
	exits    service.ExitsConfig
	ttl      time.Duration
}

// NewVolBreakout 初始化波动突破策略
func NewVolBreakout(taClient *ta.TACalculator, universe []model.Instrument,
	cfg service.StrategyConfig, exits service.ExitsConfig, ttl time.Duration) *VolBreakout {
	return &VolBreakout{taClient: taClient, universe: universe, cfg: cfg, exits: exits, ttl: ttl}
}

func (s *VolBreakout) Name() string {
	return "vol_breakout"
}

func (s *VolBreakout) Evaluate(snap model.MarketSnapshot) []model.Signal {
	data, err := s.taClient.GetTAData("1m")
	if err != nil {
		return nil
	}
	if snap.Spot <= 0 {
		return nil
	}

	atrFloor := param(s.cfg, "atr_pct_floor", 0.0008) // ATR 占现价比例低于该值视为死水
	stopFrac := param(s.cfg, "stop_frac", 0.35)

	if data.ATR/snap.Spot < atrFloor {
		return nil
	}

	var kind model.InstrumentKind
	switch {
	case snap.Spot > data.BBandsUp:
		kind = model.KindCall
	case snap.Spot < data.BBandsDn:
		kind = model.KindPut
	default:
		return nil
	}

	inst, quote, ok := nearestStrike(s.universe, snap, kind)
	if !ok {
		return nil
	}

	sig := buildSignal(s.Name(), snap, inst, quote.Last, stopFrac, s.exits, s.ttl, 0.6)
	return []model.Signal{sig}
}
