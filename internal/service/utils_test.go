package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("15:15")
	require.NoError(t, err)
	assert.Equal(t, 15, h)
	assert.Equal(t, 15, m)

	_, _, err = ParseClock("25:00")
	assert.Error(t, err)
	_, _, err = ParseClock("garbage")
	assert.Error(t, err)
}

func TestAtClock(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC) // 11:30 IST
	cutoff, err := AtClock(now, "15:15", loc)
	require.NoError(t, err)

	assert.Equal(t, 15, cutoff.In(loc).Hour())
	assert.Equal(t, 15, cutoff.In(loc).Minute())
	assert.True(t, SameTradingDay(now, cutoff, loc))
	assert.True(t, now.Before(cutoff))
}

func TestTradingDayKey(t *testing.T) {
	loc, _ := time.LoadLocation("Asia/Kolkata")

	// UTC 晚间在 IST 已经是次日
	late := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-03", TradingDayKey(late, loc))
	assert.Equal(t, "2026-03-02", TradingDayKey(late, time.UTC))
}

func TestFormatInterval(t *testing.T) {
	assert.Equal(t, "1m", FormatInterval(time.Minute))
	assert.Equal(t, "5m", FormatInterval(5*time.Minute))
	assert.Equal(t, "1h", FormatInterval(time.Hour))
	assert.Equal(t, "30s", FormatInterval(30*time.Second))
}
