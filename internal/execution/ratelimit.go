package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"deriv-algo-trader/internal/service"
)

// ErrQueueFull 表示限流等待队列已满，调用方应按可重试错误处理
var ErrQueueFull = errors.New("rate limiter wait queue full")

// TokenBucket 固定窗口令牌桶：每个窗口开始时令牌补满到容量。
// 令牌耗尽时调用方通过 Wait 阻塞到下一个窗口，请求不会被丢弃；
// 同时阻塞的调用方数量受 queueSize 约束，超出的立即拿到 ErrQueueFull。
type TokenBucket struct {
	mu          sync.Mutex
	capacity    int
	tokens      int
	window      time.Duration
	windowStart time.Time
	maxWaiters  int // <= 0 表示不限制
	waiters     int
	now         func() time.Time
}

// NewTokenBucket 初始化令牌桶
func NewTokenBucket(capacity int, window time.Duration, queueSize int) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		window:     window,
		maxWaiters: queueSize,
		now:        time.Now,
	}
}

// SetClock 注入时钟 (测试用)
func (b *TokenBucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.windowStart = now()
}

// TryTake 尝试获取一个令牌，不阻塞
func (b *TokenBucket) TryTake() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到拿到令牌或 ctx 结束。等待队列满时立即返回 ErrQueueFull。
func (b *TokenBucket) Wait(ctx context.Context) error {
	if b.TryTake() {
		return nil
	}
	if !b.enqueue() {
		return ErrQueueFull
	}
	defer b.dequeue()
	for {
		if b.TryTake() {
			return nil
		}
		delay := b.untilNextWindow()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *TokenBucket) enqueue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.maxWaiters > 0 && b.waiters >= b.maxWaiters {
		return false
	}
	b.waiters++
	return true
}

func (b *TokenBucket) dequeue() {
	b.mu.Lock()
	b.waiters--
	b.mu.Unlock()
}

// Waiting 当前阻塞等待令牌的调用方数量
func (b *TokenBucket) Waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if elapsed := now.Sub(b.windowStart); elapsed >= b.window {
		// 对齐到最近的窗口边界再补满
		n := elapsed / b.window
		b.windowStart = b.windowStart.Add(n * b.window)
		b.tokens = b.capacity
	}
}

func (b *TokenBucket) untilNextWindow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.windowStart.Add(b.window)
	d := next.Sub(b.now())
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

// Limiter 包装全部对外券商调用：通用桶管所有请求，
// 下单走一个更严格的专用桶 (两个都要拿到令牌)。
type Limiter struct {
	api    *TokenBucket
	orders *TokenBucket
	cfg    service.RateLimitConfig
}

// NewLimiter 初始化限流器
func NewLimiter(cfg service.RateLimitConfig) *Limiter {
	return &Limiter{
		api:    NewTokenBucket(cfg.APIBucket, cfg.Window, cfg.QueueSize),
		orders: NewTokenBucket(cfg.OrderBucket, cfg.Window, cfg.QueueSize),
		cfg:    cfg,
	}
}

// SetClock 注入时钟 (测试用)
func (l *Limiter) SetClock(now func() time.Time) {
	l.api.SetClock(now)
	l.orders.SetClock(now)
}

// AcquireAPI 获取一次通用 API 调用额度
func (l *Limiter) AcquireAPI(ctx context.Context) error {
	return l.api.Wait(ctx)
}

// AcquireOrder 获取一次下单额度 (同时消耗通用额度)
func (l *Limiter) AcquireOrder(ctx context.Context) error {
	if err := l.orders.Wait(ctx); err != nil {
		return err
	}
	return l.api.Wait(ctx)
}

// Backoff 返回第 attempt 次重试前的等待时间：base 起步逐次翻倍，封顶 max
func (l *Limiter) Backoff(attempt int) time.Duration {
	d := l.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= l.cfg.BackoffMax {
			return l.cfg.BackoffMax
		}
	}
	return d
}
