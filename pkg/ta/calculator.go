package ta

import (
	"fmt"
	"sync"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// Bar 是指标计算消费的最小 K 线单元
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// TAData 存储计算指标所需的所有历史数据
type TAData struct {
	Symbol string
	Close  []float64
	High   []float64
	Low    []float64
	Volume []float64

	// 存储最新计算出的指标值，方便外部查询
	MA       float64
	RSI      float64
	BBandsUp float64
	BBandsDn float64
	ATR      float64
	VWAP     float64 // 滚动窗口成交量加权均价，入场时机的公允价值锚点
}

// TACalculator 负责管理所有周期的数据和指标计算
type TACalculator struct {
	mu            sync.RWMutex
	HistoryMap    map[string]*TAData // Key: K 线周期 (e.g., "1m", "5m")
	MinHistoryLen int
	Logger        *zap.SugaredLogger
}

// NewTACalculator 初始化技术指标计算器
func NewTACalculator(logger *zap.SugaredLogger) *TACalculator {
	return &TACalculator{
		HistoryMap:    make(map[string]*TAData),
		MinHistoryLen: 30, // 预留安全长度 (MA20 至少需要 20 根)
		Logger:        logger,
	}
}

// UpdateBar 追加一根已完成的 K 线并重新计算指标
func (tc *TACalculator) UpdateBar(symbol, interval string, bar Bar) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	taData, ok := tc.HistoryMap[interval]
	if !ok {
		taData = &TAData{
			Symbol: symbol,
			Close:  make([]float64, 0, 100),
			High:   make([]float64, 0, 100),
			Low:    make([]float64, 0, 100),
			Volume: make([]float64, 0, 100),
		}
		tc.HistoryMap[interval] = taData
		tc.Logger.Debugw("Initialized TA history", "interval", interval)
	}

	taData.Close = append(taData.Close, bar.Close)
	taData.High = append(taData.High, bar.High)
	taData.Low = append(taData.Low, bar.Low)
	taData.Volume = append(taData.Volume, bar.Volume)

	// 保持历史数据长度，最多100根
	maxLen := 100
	if len(taData.Close) > maxLen {
		taData.Close = taData.Close[len(taData.Close)-maxLen:]
		taData.High = taData.High[len(taData.High)-maxLen:]
		taData.Low = taData.Low[len(taData.Low)-maxLen:]
		taData.Volume = taData.Volume[len(taData.Volume)-maxLen:]
	}

	if len(taData.Close) < tc.MinHistoryLen {
		return
	}

	tc.calculate(taData)
}

// calculate 集中计算所有需要的指标
func (tc *TACalculator) calculate(taData *TAData) {
	closePrices := taData.Close

	maResult := talib.Sma(closePrices, 20)
	taData.MA = maResult[len(maResult)-1]

	rsiResult := talib.Rsi(closePrices, 14)
	taData.RSI = rsiResult[len(rsiResult)-1]

	bbandsUp, _, bbandsDn := talib.BBands(closePrices, 20, 2, 2, talib.SMA)
	taData.BBandsUp = bbandsUp[len(bbandsUp)-1]
	taData.BBandsDn = bbandsDn[len(bbandsDn)-1]

	atrResult := talib.Atr(taData.High, taData.Low, closePrices, 14)
	taData.ATR = atrResult[len(atrResult)-1]

	taData.VWAP = rollingVWAP(taData.Close, taData.High, taData.Low, taData.Volume, 20)
}

// rollingVWAP 计算最近 window 根 K 线的成交量加权均价 (典型价 = (H+L+C)/3)。
// 成交量全为零时退化为典型价的简单均值。
func rollingVWAP(closes, highs, lows, volumes []float64, window int) float64 {
	n := len(closes)
	start := n - window
	if start < 0 {
		start = 0
	}

	var pvSum, vSum, tpSum float64
	count := 0
	for i := start; i < n; i++ {
		tp := (highs[i] + lows[i] + closes[i]) / 3
		pvSum += tp * volumes[i]
		vSum += volumes[i]
		tpSum += tp
		count++
	}
	if vSum > 0 {
		return pvSum / vSum
	}
	if count > 0 {
		return tpSum / float64(count)
	}
	return 0
}

// GetTAData 用于策略层查询特定周期的指标
func (tc *TACalculator) GetTAData(interval string) (*TAData, error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	taData, ok := tc.HistoryMap[interval]
	if !ok || len(taData.Close) < tc.MinHistoryLen {
		return nil, fmt.Errorf("TA model not available or history too short for interval %s", interval)
	}
	return taData, nil
}
