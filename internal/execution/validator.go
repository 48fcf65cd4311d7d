package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/service"

	"go.uber.org/zap"
)

// 校验拒绝原因。每一项独立判定，任意一项失败即终态拒绝，不重试。
var (
	ErrSizeCap     = errors.New("order size exceeds per-order cap")
	ErrPriceBand   = errors.New("price outside band around reference")
	ErrBadShape    = errors.New("non-positive price/quantity or lot size mismatch")
	ErrNotionalCap = errors.New("notional exceeds per-trade cap")
	ErrDuplicate   = errors.New("duplicate order within dedup window")
)

// Validator 订单校验器。除指纹去重窗口外无状态。
type Validator struct {
	cfg    service.OrdersConfig
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // 指纹 -> 最近一次提交时间
}

// NewValidator 初始化订单校验器
func NewValidator(cfg service.OrdersConfig, logger *zap.Logger) *Validator {
	return &Validator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// SetClock 注入时钟 (测试用)
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate 对一笔待提交订单做全部检查。refPrice 为最近一次已知参考价。
func (v *Validator) Validate(order *model.Order, refPrice float64) error {
	if order.Price <= 0 || order.Quantity <= 0 {
		return fmt.Errorf("%w: price=%.2f qty=%d", ErrBadShape, order.Price, order.Quantity)
	}
	if lot := order.Instrument.LotSize; lot > 1 && order.Quantity%lot != 0 {
		return fmt.Errorf("%w: qty %d not a multiple of lot %d", ErrBadShape, order.Quantity, lot)
	}
	if v.cfg.MaxOrderQty > 0 && order.Quantity > v.cfg.MaxOrderQty {
		return fmt.Errorf("%w: %d > %d", ErrSizeCap, order.Quantity, v.cfg.MaxOrderQty)
	}
	if refPrice > 0 && v.cfg.PriceBandPct > 0 {
		lo := refPrice * (1 - v.cfg.PriceBandPct)
		hi := refPrice * (1 + v.cfg.PriceBandPct)
		if order.Price < lo || order.Price > hi {
			return fmt.Errorf("%w: %.2f outside [%.2f, %.2f]", ErrPriceBand, order.Price, lo, hi)
		}
	}
	if v.cfg.MaxNotional > 0 && order.Price*float64(order.Quantity) > v.cfg.MaxNotional {
		return fmt.Errorf("%w: %.2f > %.2f", ErrNotionalCap, order.Price*float64(order.Quantity), v.cfg.MaxNotional)
	}
	if err := v.checkDuplicate(orderFingerprint(order)); err != nil {
		return err
	}
	return nil
}

// SeenRecently 通用指纹去重：窗口内首次出现返回 false 并登记
func (v *Validator) SeenRecently(fingerprint string) bool {
	return v.checkDuplicate(fingerprint) != nil
}

func (v *Validator) checkDuplicate(fp string) error {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()

	// 顺带清理过期指纹，窗口很短，map 不会无限增长
	for k, t := range v.seen {
		if now.Sub(t) > v.cfg.DedupWindow {
			delete(v.seen, k)
		}
	}
	if t, ok := v.seen[fp]; ok && now.Sub(t) <= v.cfg.DedupWindow {
		return ErrDuplicate
	}
	v.seen[fp] = now
	return nil
}

// orderFingerprint 同一工具+方向+价格+数量视为同一笔订单
func orderFingerprint(o *model.Order) string {
	return fmt.Sprintf("ord|%s|%s|%.2f|%d", o.Instrument.Symbol, o.Side, o.Price, o.Quantity)
}
