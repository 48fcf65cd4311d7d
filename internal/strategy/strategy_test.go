package strategy

import (
	"testing"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUniverse() []model.Instrument {
	return []model.Instrument{
		{Symbol: "NIFTY24SEP24400PE", Underlying: "NIFTY", Kind: model.KindPut, Strike: 24400, LotSize: 25},
		{Symbol: "NIFTY24SEP24500CE", Underlying: "NIFTY", Kind: model.KindCall, Strike: 24500, LotSize: 25},
		{Symbol: "NIFTY24SEP24600CE", Underlying: "NIFTY", Kind: model.KindCall, Strike: 24600, LotSize: 25},
		{Symbol: "BANKNIFTY24SEP52000CE", Underlying: "BANKNIFTY", Kind: model.KindCall, Strike: 52000, LotSize: 15},
	}
}

func testSnap(spot float64, quotes map[string]model.Quote) model.MarketSnapshot {
	return model.MarketSnapshot{
		Symbol:    "NIFTY",
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Spot:      spot,
		VWAP:      spot,
		Quotes:    quotes,
	}
}

func TestNearestStrikePicksClosestWithQuote(t *testing.T) {
	quotes := map[string]model.Quote{
		"NIFTY24SEP24500CE": {Bid: 99, Ask: 101, Last: 100},
		"NIFTY24SEP24600CE": {Bid: 49, Ask: 51, Last: 50},
	}

	inst, q, ok := nearestStrike(testUniverse(), testSnap(24520, quotes), model.KindCall)
	require.True(t, ok)
	assert.Equal(t, "NIFTY24SEP24500CE", inst.Symbol)
	assert.Equal(t, 100.0, q.Last)

	// 最近的行权价没有报价时跳到下一个
	inst, _, ok = nearestStrike(testUniverse(), testSnap(24520, map[string]model.Quote{
		"NIFTY24SEP24600CE": {Bid: 49, Ask: 51, Last: 50},
	}), model.KindCall)
	require.True(t, ok)
	assert.Equal(t, "NIFTY24SEP24600CE", inst.Symbol)

	// 指定类型没有任何报价
	_, _, ok = nearestStrike(testUniverse(), testSnap(24520, nil), model.KindPut)
	assert.False(t, ok)
}

func TestNearestStrikeIgnoresOtherUnderlyings(t *testing.T) {
	quotes := map[string]model.Quote{
		"BANKNIFTY24SEP52000CE": {Bid: 199, Ask: 201, Last: 200},
	}
	_, _, ok := nearestStrike(testUniverse(), testSnap(24520, quotes), model.KindCall)
	assert.False(t, ok)
}

func TestBuildSignalTiersAndStop(t *testing.T) {
	exits := service.ExitsConfig{
		TierMultipliers: []float64{1.25, 1.5, 2.0},
		TierFractions:   []float64{0.4, 0.3, 0.3},
	}
	snap := testSnap(24500, nil)
	inst := testUniverse()[1]

	sig := buildSignal("trend_follow", snap, inst, 100, 0.3, exits, 10*time.Minute, 0.8)

	assert.Equal(t, "trend_follow", sig.StrategyID)
	assert.Equal(t, model.SideBuy, sig.Side)
	assert.Equal(t, 100.0, sig.RefPrice)
	assert.Equal(t, 70.0, sig.StopLoss)
	require.Len(t, sig.Targets, 3)
	assert.Equal(t, 125.0, sig.Targets[0].Price)
	assert.Equal(t, 0.4, sig.Targets[0].Fraction)
	assert.Equal(t, 200.0, sig.Targets[2].Price)
	assert.Equal(t, snap.Timestamp, sig.CreatedAt)
	assert.NotEmpty(t, sig.ID)
}

func TestParamDefaults(t *testing.T) {
	cfg := service.StrategyConfig{Params: map[string]float64{"rsi_threshold": 65}}
	assert.Equal(t, 65.0, param(cfg, "rsi_threshold", 60))
	assert.Equal(t, 0.3, param(cfg, "stop_frac", 0.3))
	assert.Equal(t, 0.3, param(service.StrategyConfig{}, "stop_frac", 0.3))
}

func TestRosterEnableDisable(t *testing.T) {
	s := &stubNamed{"trend_follow"}
	r := NewRoster([]Strategy{s}, map[string]service.StrategyConfig{
		"trend_follow": {Enabled: true},
	})

	_, ok := r.Get("trend_follow")
	assert.True(t, ok)
	assert.Equal(t, []string{"trend_follow"}, r.EnabledIDs())

	require.True(t, r.SetEnabled("trend_follow", false))
	_, ok = r.Get("trend_follow")
	assert.False(t, ok)
	assert.Empty(t, r.EnabledIDs())

	assert.False(t, r.SetEnabled("unknown", true))
}

type stubNamed struct{ name string }

func (s *stubNamed) Name() string                                   { return s.name }
func (s *stubNamed) Evaluate(model.MarketSnapshot) []model.Signal   { return nil }
