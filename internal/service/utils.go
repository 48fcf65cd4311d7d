package service

import (
	"fmt"
	"time"
)

// ParseClock 将 "15:15" 格式的时刻解析为 (hour, minute)
func ParseClock(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid clock format %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("clock out of range: %q", s)
	}
	return h, m, nil
}

// AtClock 返回 now 所在日期上 "HH:MM" 对应的时刻 (取 loc 时区)
func AtClock(now time.Time, clock string, loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc), nil
}

// SameTradingDay 判断两个时刻是否属于同一个交易日 (以 loc 时区的日历日为界)
func SameTradingDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// TradingDayKey 返回时刻所属交易日的标识，例如 "2026-08-31"
func TradingDayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// FormatInterval 将 time.Duration 格式化为标准的 K 线周期字符串，如 "1m", "5m", "1h"
func FormatInterval(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	if d >= time.Second && d%time.Second == 0 {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}
