// internal/timing/queue.go
package timing

import (
	"sync"
	"sync/atomic"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/telemetry"

	"go.uber.org/zap"
)

// SignalState 信号在入场队列里的状态
// NEW → QUEUED → {ADMITTED | EXPIRED}
type SignalState string

const (
	StateQueued   SignalState = "QUEUED"
	StateAdmitted SignalState = "ADMITTED"
	StateExpired  SignalState = "EXPIRED"
)

// SnapshotFn 按标的拉取最新市场快照
type SnapshotFn func(symbol string) (model.MarketSnapshot, bool)

type pendingSignal struct {
	sig      model.Signal
	queuedAt time.Time
	deadline time.Time // 超过该时刻无条件放行
}

// Queue 入场时机队列：价格偏离公允价值锚点时推迟入场，
// 价格回到阈值内立即放行，到达 deadline 无条件放行。
// 信号永远不会被无声丢弃——要么放行，要么按自身 TTL 过期并记录。
type Queue struct {
	mu      sync.Mutex
	pending map[string]*pendingSignal // Key: Signal.ID

	admitted chan model.Signal
	cfg      service.TimingConfig
	logger   *zap.Logger
	now      func() time.Time
	halted   atomic.Bool // 紧急停止后不再接收新信号
}

// NewQueue 初始化入场时机队列
func NewQueue(cfg service.TimingConfig, logger *zap.Logger) *Queue {
	return &Queue{
		pending:  make(map[string]*pendingSignal),
		admitted: make(chan model.Signal, 256),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Halt 紧急停止：不再接收新信号，已排队的信号按 TTL 自然过期
func (q *Queue) Halt() {
	q.halted.Store(true)
}

// Admitted 返回放行信号的消费通道
func (q *Queue) Admitted() <-chan model.Signal {
	return q.admitted
}

// Submit 接收一个新信号：偏离在阈值内立即放行，否则排队等待
func (q *Queue) Submit(sig model.Signal, snap model.MarketSnapshot) {
	if q.halted.Load() {
		q.logger.Info("Timing queue halted, dropping signal", zap.String("signal", sig.ID))
		return
	}

	now := q.now()
	if sig.Expired(now) {
		q.expire(sig, "expired on submit")
		return
	}

	// 通道满时立即放行会失败，信号退入队列等待下一轮复查
	if q.withinThreshold(sig, snap) && q.admit(sig, "immediate") {
		return
	}

	q.mu.Lock()
	q.pending[sig.ID] = &pendingSignal{
		sig:      sig,
		queuedAt: now,
		deadline: now.Add(q.cfg.MaxWait),
	}
	q.mu.Unlock()

	telemetry.SignalsQueued.Inc()
	q.logger.Info("Signal queued for entry timing",
		zap.String("signal", sig.ID),
		zap.String("instrument", sig.Instrument.Symbol),
		zap.Time("deadline", now.Add(q.cfg.MaxWait)))
}

// Recheck 重新评估所有排队信号。由监控循环和控制器 tick 各自调用。
// 偏离回到阈值内立即放行；到达 deadline 的无条件放行；TTL 到期的过期。
func (q *Queue) Recheck(snapFn SnapshotFn) {
	now := q.now()

	q.mu.Lock()
	var admits []*pendingSignal
	var expires []model.Signal
	for id, p := range q.pending {
		if p.sig.Expired(now) {
			expires = append(expires, p.sig)
			delete(q.pending, id)
			continue
		}
		// deadline 早于 TTL 时强制放行
		if !now.Before(p.deadline) {
			admits = append(admits, p)
			delete(q.pending, id)
			continue
		}
		snap, ok := snapFn(p.sig.Symbol)
		if !ok {
			continue // 本 tick 没有可用快照，下次再查
		}
		if q.withinThreshold(p.sig, snap) {
			admits = append(admits, p)
			delete(q.pending, id)
		}
	}
	q.mu.Unlock()

	for _, sig := range expires {
		q.expire(sig, "TTL elapsed while queued")
	}
	for _, p := range admits {
		if !q.admit(p.sig, "recheck") {
			// 执行通道满：退回队列，下一轮复查重试，绝不丢弃
			q.mu.Lock()
			q.pending[p.sig.ID] = p
			q.mu.Unlock()
		}
	}
}

// withinThreshold 判断当前参考价相对锚点的偏离是否可接受。
// 方向感知：买入 CALL 时向上偏离是不利方向 (买贵了)，容忍度低；
// 买入 PUT 时向下偏离不利。有利方向允许更宽的阈值。
func (q *Queue) withinThreshold(sig model.Signal, snap model.MarketSnapshot) bool {
	anchor := snap.VWAP
	if anchor <= 0 {
		return true // 锚点不可用时不做推迟
	}

	deviation := (snap.Spot - anchor) / anchor

	adverseUp := sig.Instrument.Kind == model.KindCall
	if sig.Side == model.SideSell {
		adverseUp = !adverseUp
	}

	if adverseUp {
		// 向上偏离不利，向下偏离有利
		if deviation > 0 {
			return deviation <= q.cfg.AdverseDeviationPct
		}
		return -deviation <= q.cfg.FavorableDeviationPct
	}
	// PUT: 向下偏离不利
	if deviation < 0 {
		return -deviation <= q.cfg.AdverseDeviationPct
	}
	return deviation <= q.cfg.FavorableDeviationPct
}

// PendingCount 当前排队中的信号数 (控制面查询)
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// admit 尝试把信号送入执行通道。通道满时返回 false，
// 调用方必须把信号留在队列里，放行不允许带来丢弃。
func (q *Queue) admit(sig model.Signal, via string) bool {
	select {
	case q.admitted <- sig:
	default:
		q.logger.Warn("Admitted channel full, signal stays queued",
			zap.String("signal", sig.ID))
		return false
	}
	telemetry.SignalsAdmitted.Inc()
	q.logger.Info("Signal admitted",
		zap.String("signal", sig.ID),
		zap.String("via", via),
		zap.String("instrument", sig.Instrument.Symbol))
	return true
}

func (q *Queue) expire(sig model.Signal, reason string) {
	telemetry.SignalsExpired.Inc()
	q.logger.Info("Signal expired",
		zap.String("signal", sig.ID),
		zap.String("reason", reason))
}
