package marketdata

import (
	"testing"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testMarketConfig() service.MarketConfig {
	return service.MarketConfig{
		FreshnessWarnSec: 2,
		FreshnessCritSec: 10,
		MaxSpreadPct:     0.08,
		ShockFailStreak:  3,
	}
}

func goodSnapshot(ts time.Time) model.MarketSnapshot {
	return model.MarketSnapshot{
		Symbol:    "NIFTY",
		Timestamp: ts,
		Spot:      24000,
		VWAP:      24000,
		Quotes: map[string]model.Quote{
			"NIFTY24SEP24500CE": {Bid: 99, Ask: 101, Last: 100, Volume: 1000},
		},
	}
}

func TestGateAcceptsFreshSnapshot(t *testing.T) {
	g := NewGate(testMarketConfig(), nil, zap.NewNop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	assert.NoError(t, g.Check(goodSnapshot(now.Add(-time.Second))))
}

func TestGateRejectsStaleSnapshot(t *testing.T) {
	g := NewGate(testMarketConfig(), nil, zap.NewNop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	err := g.Check(goodSnapshot(now.Add(-11 * time.Second)))
	assert.ErrorIs(t, err, ErrStale)

	// 警告区间 (2s~10s) 仍然放行
	assert.NoError(t, g.Check(goodSnapshot(now.Add(-5 * time.Second))))
}

func TestGateRejectsIncomplete(t *testing.T) {
	g := NewGate(testMarketConfig(), nil, zap.NewNop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	snap := goodSnapshot(now)
	snap.Spot = 0
	assert.ErrorIs(t, g.Check(snap), ErrIncomplete)

	snap = goodSnapshot(now)
	snap.Timestamp = time.Time{}
	assert.ErrorIs(t, g.Check(snap), ErrIncomplete)
}

func TestGateRejectsBadQuotes(t *testing.T) {
	g := NewGate(testMarketConfig(), nil, zap.NewNop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	snap := goodSnapshot(now)
	snap.Quotes["bad"] = model.Quote{Bid: -1, Ask: 101, Last: 100}
	assert.ErrorIs(t, g.Check(snap), ErrBadPrice)

	snap = goodSnapshot(now)
	snap.Quotes["crossed"] = model.Quote{Bid: 99, Ask: 101, Last: 105}
	assert.ErrorIs(t, g.Check(snap), ErrCrossed)

	snap = goodSnapshot(now)
	snap.Quotes["wide"] = model.Quote{Bid: 80, Ask: 120, Last: 100}
	assert.ErrorIs(t, g.Check(snap), ErrWideSpread)
}

func TestGateShockAfterFailStreak(t *testing.T) {
	var shocks []string
	g := NewGate(testMarketConfig(), func(detail string) {
		shocks = append(shocks, detail)
	}, zap.NewNop())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	g.SetClock(func() time.Time { return now })

	stale := goodSnapshot(now.Add(-time.Minute))
	for i := 0; i < 2; i++ {
		require.Error(t, g.Check(stale))
	}
	assert.Empty(t, shocks)

	// 第 3 次连续失败升级为冲击信号，且只上报一次
	require.Error(t, g.Check(stale))
	require.Error(t, g.Check(stale))
	assert.Len(t, shocks, 1)
	assert.Contains(t, shocks[0], "consecutive failures")

	// 一次成功复位计数器，之后可以再次升级
	require.NoError(t, g.Check(goodSnapshot(now)))
	for i := 0; i < 3; i++ {
		g.Check(stale)
	}
	assert.Len(t, shocks, 2)
}

func TestCheckedSnapshotFn(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	store := NewStore(service.SessionConfig{OpenTime: "09:15", CloseTime: "15:30"}, time.UTC, nil)
	g := NewGate(testMarketConfig(), nil, zap.NewNop())
	g.SetClock(func() time.Time { return now })

	snapFn := g.CheckedSnapshotFn(store)

	// 未知标的
	_, ok := snapFn("NIFTY")
	assert.False(t, ok)

	// 新鲜数据通过
	store.ApplySpot("NIFTY", 24000, 100, now)
	_, ok = snapFn("NIFTY")
	assert.True(t, ok)

	// 数据老化后被拦下
	g.SetClock(func() time.Time { return now.Add(time.Minute) })
	_, ok = snapFn("NIFTY")
	assert.False(t, ok)
}
