package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deriv-algo-trader/internal/model"
)

// Fill 一次成交回报
type Fill struct {
	OrderID  string
	Price    float64
	Quantity int
	Time     time.Time
}

// Gateway 是券商网关的通用接口。实现方负责认证与协议细节；
// 返回的错误必须可区分为瞬时 (限流/超时) 与终态 (拒单/非法)。
type Gateway interface {
	SubmitOrder(ctx context.Context, order *model.Order) (Fill, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetQuote(ctx context.Context, instrument model.Instrument) (model.Quote, error)
}

// GatewayError 网关错误，Retryable 决定是否走退避重试路径
type GatewayError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s (retryable=%t): %v", e.Code, e.Retryable, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewThrottleError 限流类错误 (瞬时)
func NewThrottleError(err error) *GatewayError {
	return &GatewayError{Code: "THROTTLED", Retryable: true, Err: err}
}

// NewTerminalError 终态错误 (拒单、非法参数等)
func NewTerminalError(code string, err error) *GatewayError {
	return &GatewayError{Code: code, Retryable: false, Err: err}
}

// IsRetryable 判断错误是否可重试。超时与网关限流同等对待。
func IsRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
