// internal/controller/regime.go
package controller

import (
	"sync"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/pkg/ta"

	"go.uber.org/zap"
)

// RegimeClassifier 把指标状态归类为市场状态，驱动策略选择和风险系数。
type RegimeClassifier struct {
	mu      sync.RWMutex
	current model.Regime

	taClient *ta.TACalculator
	logger   *zap.Logger

	// 状态转换阈值
	TrendThreshold  float64 // RSI 超过该值视为潜在强势
	ATRVolThreshold float64 // 高/低波动分界的百分比 ATR 阈值
}

// NewRegimeClassifier 初始化状态分类器
func NewRegimeClassifier(taClient *ta.TACalculator, logger *zap.Logger) *RegimeClassifier {
	return &RegimeClassifier{
		current:         model.RegimeUnknown,
		taClient:        taClient,
		logger:          logger,
		TrendThreshold:  60.0,
		ATRVolThreshold: 0.0005,
	}
}

// Update 用最新快照重新分类市场状态
func (rc *RegimeClassifier) Update(snap model.MarketSnapshot) {
	data, err := rc.taClient.GetTAData("1m")
	if err != nil {
		return // 指标未就绪，维持当前状态
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	newRegime := rc.classify(snap, data)
	if newRegime != rc.current {
		rc.logger.Info("!!! Regime Transition !!!",
			zap.String("From", string(rc.current)),
			zap.String("To", string(newRegime)),
			zap.Float64("RSI", data.RSI),
			zap.Float64("ATR", data.ATR))
		rc.current = newRegime
	}
}

func (rc *RegimeClassifier) classify(snap model.MarketSnapshot, data *ta.TAData) model.Regime {
	// 趋势判断：价格相对均线 + RSI 动量确认
	if snap.Spot > data.MA && data.RSI >= rc.TrendThreshold {
		return model.RegimeTrendUp
	}
	if snap.Spot < data.MA && data.RSI <= 100-rc.TrendThreshold {
		return model.RegimeTrendDown
	}

	// 非趋势状态按百分比 ATR 归类为高/低波动震荡
	if snap.Spot <= 0 {
		return model.RegimeLowVol
	}
	if data.ATR/snap.Spot >= rc.ATRVolThreshold {
		return model.RegimeHighVol
	}
	return model.RegimeLowVol
}

// Current 供其他组件查询当前状态
func (rc *RegimeClassifier) Current() model.Regime {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current
}
