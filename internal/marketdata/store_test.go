package marketdata

import (
	"testing"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/pkg/ta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() service.SessionConfig {
	return service.SessionConfig{Timezone: "UTC", OpenTime: "09:15", CloseTime: "15:30", EODCutoff: "15:15"}
}

func TestStoreVWAPAccumulation(t *testing.T) {
	s := NewStore(testSession(), time.UTC, nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.ApplySpot("NIFTY", 100, 10, now)
	s.ApplySpot("NIFTY", 110, 30, now.Add(time.Second))

	snap, ok := s.Snapshot("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 110.0, snap.Spot)
	// (100×10 + 110×30) / 40 = 107.5
	assert.InDelta(t, 107.5, snap.VWAP, 1e-9)

	// 会话复位后锚点重新累计
	s.ResetSession()
	s.ApplySpot("NIFTY", 120, 10, now.Add(2*time.Second))
	snap, _ = s.Snapshot("NIFTY")
	assert.InDelta(t, 120, snap.VWAP, 1e-9)
}

func TestStoreZeroVolumeFallsBackToPrice(t *testing.T) {
	s := NewStore(testSession(), time.UTC, nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.ApplySpot("NIFTY", 100, 0, now)
	snap, ok := s.Snapshot("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 100.0, snap.VWAP)
}

func TestStoreBarAggregation(t *testing.T) {
	var bars []ta.Bar
	s := NewStore(testSession(), time.UTC, func(symbol string, bar ta.Bar) {
		bars = append(bars, bar)
	})
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.ApplySpot("NIFTY", 100, 10, base.Add(5*time.Second))
	s.ApplySpot("NIFTY", 105, 10, base.Add(20*time.Second))
	s.ApplySpot("NIFTY", 98, 10, base.Add(40*time.Second))
	require.Empty(t, bars)

	// 跨分钟边界时上一根完成
	s.ApplySpot("NIFTY", 102, 10, base.Add(70*time.Second))
	require.Len(t, bars, 1)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 105.0, bars[0].High)
	assert.Equal(t, 98.0, bars[0].Low)
	assert.Equal(t, 98.0, bars[0].Close)
	assert.Equal(t, 30.0, bars[0].Volume)
}

func TestStoreQuotesAndGreeks(t *testing.T) {
	s := NewStore(testSession(), time.UTC, nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.ApplySpot("NIFTY", 24000, 100, now)
	s.ApplyQuote("NIFTY", "NIFTY24SEP24500CE", model.Quote{Bid: 99, Ask: 101, Last: 100, Timestamp: now.Add(time.Second)})
	s.ApplyGreeks("NIFTY", "NIFTY24SEP24500CE", model.Greeks{Delta: 0.5, IV: 0.2})

	snap, ok := s.Snapshot("NIFTY")
	require.True(t, ok)
	q, ok := snap.QuoteFor("NIFTY24SEP24500CE")
	require.True(t, ok)
	assert.Equal(t, 100.0, q.Last)
	assert.Equal(t, 0.2, snap.Greeks["NIFTY24SEP24500CE"].IV)
	// 报价时间更新快照时间戳
	assert.Equal(t, now.Add(time.Second), snap.Timestamp)
}

func TestStoreSnapshotIsDeepCopy(t *testing.T) {
	s := NewStore(testSession(), time.UTC, nil)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	s.ApplySpot("NIFTY", 24000, 100, now)
	snap, _ := s.Snapshot("NIFTY")
	snap.Quotes["injected"] = model.Quote{Last: 1}

	fresh, _ := s.Snapshot("NIFTY")
	_, ok := fresh.QuoteFor("injected")
	assert.False(t, ok)
}

func TestStoreIgnoresNonPositivePrice(t *testing.T) {
	s := NewStore(testSession(), time.UTC, nil)
	s.ApplySpot("NIFTY", 0, 100, time.Now())
	_, ok := s.Snapshot("NIFTY")
	assert.False(t, ok)
}
