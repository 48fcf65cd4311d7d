package risk

import (
	"testing"
	"time"

	"deriv-algo-trader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSignal(lot int) model.Signal {
	return model.Signal{
		ID:         "sig-1",
		StrategyID: "trend_follow",
		Symbol:     "NIFTY",
		Instrument: model.Instrument{
			Symbol:     "NIFTY24SEP24500CE",
			Underlying: "NIFTY",
			Kind:       model.KindCall,
			LotSize:    lot,
		},
		Side:     model.SideBuy,
		RefPrice: 100,
		StopLoss: 90,
	}
}

func newSizingFixture(t *testing.T) (*Manager, *CapitalLedger, *CircuitBreaker) {
	t.Helper()
	cfg := testRiskConfig()
	breaker := NewCircuitBreaker(testBreakerConfig(), cfg.TotalCapital, time.UTC, zap.NewNop())
	ledger := NewCapitalLedger(cfg, zap.NewNop(), breaker.TripFatal)
	return NewManager(ledger, breaker, cfg, zap.NewNop()), ledger, breaker
}

func TestSizingFormula(t *testing.T) {
	m, ledger, _ := newSizingFixture(t)

	// floor(100000 × 1% / |100−90|) = 100
	qty, err := m.SizeAndAuthorize(testSignal(1), model.RegimeUnknown)
	require.NoError(t, err)
	assert.Equal(t, 100, qty)

	// 授权即占用: margin = 100 × 100
	assert.Equal(t, 90000.0, ledger.Available())
}

func TestSizingLotAlignment(t *testing.T) {
	m, _, _ := newSizingFixture(t)

	sig := testSignal(25)
	sig.StopLoss = 93 // floor(1000/7) = 142 → 对齐 25 手 → 125
	qty, err := m.SizeAndAuthorize(sig, model.RegimeUnknown)
	require.NoError(t, err)
	assert.Equal(t, 125, qty)
}

func TestSizingRefusesZeroStopDistance(t *testing.T) {
	m, ledger, _ := newSizingFixture(t)

	sig := testSignal(1)
	sig.StopLoss = sig.RefPrice
	_, err := m.SizeAndAuthorize(sig, model.RegimeUnknown)
	assert.ErrorIs(t, err, ErrZeroStopDist)
	assert.Equal(t, 100000.0, ledger.Available())
}

func TestSizingRefusesWhenRoundsToZero(t *testing.T) {
	m, _, _ := newSizingFixture(t)

	sig := testSignal(200) // floor(1000/10)=100 < 一手 200
	_, err := m.SizeAndAuthorize(sig, model.RegimeUnknown)
	assert.ErrorIs(t, err, ErrZeroQuantity)
}

func TestSizingBlockedByBreaker(t *testing.T) {
	m, ledger, breaker := newSizingFixture(t)
	breaker.RecordTrade(-6000)

	_, err := m.SizeAndAuthorize(testSignal(1), model.RegimeUnknown)
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Equal(t, 100000.0, ledger.Available())
}

func TestSizingUsesRegimeFraction(t *testing.T) {
	cfg := testRiskConfig()
	cfg.RiskFraction = map[string]float64{"TREND_UP": 0.02}
	breaker := NewCircuitBreaker(testBreakerConfig(), cfg.TotalCapital, time.UTC, zap.NewNop())
	ledger := NewCapitalLedger(cfg, zap.NewNop(), nil)
	m := NewManager(ledger, breaker, cfg, zap.NewNop())

	qty, err := m.SizeAndAuthorize(testSignal(1), model.RegimeTrendUp)
	require.NoError(t, err)
	assert.Equal(t, 200, qty) // 2% 风险系数翻倍

	// 未配置的状态回落到缺省系数
	qty, err = m.SizeAndAuthorize(testSignal(1), model.RegimeHighVol)
	require.NoError(t, err)
	assert.Equal(t, 80, qty) // floor(80000 × 1% / 10)
}

func TestReleaseOnFailureRestoresLedger(t *testing.T) {
	m, ledger, _ := newSizingFixture(t)

	sig := testSignal(1)
	qty, err := m.SizeAndAuthorize(sig, model.RegimeUnknown)
	require.NoError(t, err)
	require.Equal(t, 90000.0, ledger.Available())

	m.ReleaseOnFailure(sig, qty)
	assert.Equal(t, 100000.0, ledger.Available())
}
