// internal/marketdata/store.go
package marketdata

import (
	"sync"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/pkg/ta"
)

// BarHandler 每根聚合完成的 1 分钟 K 线回调 (喂给指标计算器)
type BarHandler func(symbol string, bar ta.Bar)

// Store 维护每个标的的最新市场快照。
// Connector 写入，所有下游循环按 pull 方式读取副本。
// 快照内含会话内累计的 VWAP 锚点。
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*model.MarketSnapshot

	// 会话内 VWAP 累计量
	pvSum map[string]float64
	vSum  map[string]float64

	bars  map[string]*barState
	onBar BarHandler

	session service.SessionConfig
	loc     *time.Location
}

type barState struct {
	start                  time.Time
	open, high, low, close float64
	volume                 float64
}

// NewStore 初始化快照存储
func NewStore(session service.SessionConfig, loc *time.Location, onBar BarHandler) *Store {
	return &Store{
		snaps:   make(map[string]*model.MarketSnapshot),
		pvSum:   make(map[string]float64),
		vSum:    make(map[string]float64),
		bars:    make(map[string]*barState),
		onBar:   onBar,
		session: session,
		loc:     loc,
	}
}

// ApplySpot 处理一笔标的现价更新：刷新现价、VWAP 锚点并推进 K 线聚合
func (s *Store) ApplySpot(symbol string, price, volume float64, ts time.Time) {
	if price <= 0 {
		return
	}

	s.mu.Lock()
	snap := s.ensureLocked(symbol)
	snap.Spot = price
	snap.Timestamp = ts

	if volume > 0 {
		s.pvSum[symbol] += price * volume
		s.vSum[symbol] += volume
	}
	if v := s.vSum[symbol]; v > 0 {
		snap.VWAP = s.pvSum[symbol] / v
	} else if snap.VWAP == 0 {
		snap.VWAP = price
	}

	completed, bar := s.aggregateLocked(symbol, price, volume, ts)
	s.mu.Unlock()

	if completed && s.onBar != nil {
		s.onBar(symbol, bar)
	}
}

// ApplyQuote 更新某个工具的报价
func (s *Store) ApplyQuote(symbol, instrument string, q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.ensureLocked(symbol)
	snap.Quotes[instrument] = q
	if q.Timestamp.After(snap.Timestamp) {
		snap.Timestamp = q.Timestamp
	}
}

// ApplyGreeks 更新某个工具的希腊值
func (s *Store) ApplyGreeks(symbol, instrument string, g model.Greeks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.ensureLocked(symbol)
	snap.Greeks[instrument] = g
}

// ResetSession 新交易日开始时清空 VWAP 累计量
func (s *Store) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pvSum = make(map[string]float64)
	s.vSum = make(map[string]float64)
}

// Snapshot 返回指定标的快照的深拷贝
func (s *Store) Snapshot(symbol string) (model.MarketSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[symbol]
	if !ok {
		return model.MarketSnapshot{}, false
	}

	out := *snap
	out.Quotes = make(map[string]model.Quote, len(snap.Quotes))
	for k, v := range snap.Quotes {
		out.Quotes[k] = v
	}
	out.Greeks = make(map[string]model.Greeks, len(snap.Greeks))
	for k, v := range snap.Greeks {
		out.Greeks[k] = v
	}
	return out, true
}

func (s *Store) ensureLocked(symbol string) *model.MarketSnapshot {
	snap, ok := s.snaps[symbol]
	if !ok {
		snap = &model.MarketSnapshot{
			Symbol: symbol,
			Quotes: make(map[string]model.Quote),
			Greeks: make(map[string]model.Greeks),
		}
		s.snaps[symbol] = snap
	}
	if snap.SessionOpen.IsZero() || !service.SameTradingDay(snap.SessionOpen, time.Now(), s.loc) {
		if open, err := service.AtClock(time.Now(), s.session.OpenTime, s.loc); err == nil {
			snap.SessionOpen = open
		}
		if closeT, err := service.AtClock(time.Now(), s.session.CloseTime, s.loc); err == nil {
			snap.SessionClose = closeT
		}
	}
	return snap
}

// aggregateLocked 把现价更新聚合成 1 分钟 K 线，完成一根时返回
func (s *Store) aggregateLocked(symbol string, price, volume float64, ts time.Time) (bool, ta.Bar) {
	start := ts.Truncate(time.Minute)
	st, ok := s.bars[symbol]
	if !ok {
		s.bars[symbol] = &barState{start: start, open: price, high: price, low: price, close: price, volume: volume}
		return false, ta.Bar{}
	}

	if start.After(st.start) {
		done := ta.Bar{Open: st.open, High: st.high, Low: st.low, Close: st.close, Volume: st.volume}
		*st = barState{start: start, open: price, high: price, low: price, close: price, volume: volume}
		return true, done
	}

	st.close = price
	if price > st.high {
		st.high = price
	}
	if price < st.low {
		st.low = price
	}
	st.volume += volume
	return false, ta.Bar{}
}
