package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deriv-algo-trader/internal/execution"
	"deriv-algo-trader/internal/journal"
	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/position"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/strategy"
	"deriv-algo-trader/internal/timing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type adminFixture struct {
	router  http.Handler
	breaker *risk.CircuitBreaker
	roster  *strategy.Roster
}

type namedStub struct{ id string }

func (s *namedStub) Name() string                                 { return s.id }
func (s *namedStub) Evaluate(model.MarketSnapshot) []model.Signal { return nil }

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()

	riskCfg := service.RiskConfig{TotalCapital: 100000, DefaultRiskFrac: 0.01,
		StrategyCapFrac: 1, SymbolCapFrac: 1, UtilizationCapFrac: 1}
	breaker := risk.NewCircuitBreaker(service.BreakerConfig{DailyLossFrac: 0.05, OverrideToken: "secret"},
		riskCfg.TotalCapital, time.UTC, zap.NewNop())
	ledger := risk.NewCapitalLedger(riskCfg, zap.NewNop(), nil)
	posMgr := position.NewManager(ledger, breaker,
		execution.NewCostModel(service.CostsConfig{}),
		journal.NewLogSink(zap.NewNop()),
		nil,
		service.ExitsConfig{},
		service.SessionConfig{Timezone: "UTC", OpenTime: "09:15", CloseTime: "15:30", EODCutoff: "15:15"},
		time.UTC, zap.NewNop())
	roster := strategy.NewRoster([]strategy.Strategy{&namedStub{"trend_follow"}}, nil)
	queue := timing.NewQueue(service.TimingConfig{}, zap.NewNop())

	admin := NewAdmin(breaker, ledger, posMgr, roster, queue, zap.NewNop())
	return &adminFixture{router: admin.Router(), breaker: breaker, roster: roster}
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestStateEndpoint(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(http.MethodGet, "/state", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "breaker")
	assert.Contains(t, resp, "ledger")
	assert.Contains(t, resp, "open_positions")
}

func TestBreakerResetEndpoint(t *testing.T) {
	f := newAdminFixture(t)
	f.breaker.RecordTrade(-6000)
	require.False(t, f.breaker.Allow())

	// 缺原因 → 400
	w := f.do(http.MethodPost, "/breaker/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, f.breaker.Allow())

	w = f.do(http.MethodPost, "/breaker/reset", `{"reason":"verified flat"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.breaker.Allow())
}

func TestEmergencyStopAndClear(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(http.MethodPost, "/emergency/stop", `{"reason":"incident"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, risk.StatusEmergencyStop, f.breaker.State().Status)

	// 普通 reset 对紧急停止无效
	w = f.do(http.MethodPost, "/breaker/reset", `{"reason":"please"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 口令错误 → 403
	w = f.do(http.MethodPost, "/emergency/clear", `{"reason":"done","token":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodPost, "/emergency/clear", `{"reason":"incident closed","token":"secret"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.breaker.Allow())
}

func TestStrategyToggleEndpoints(t *testing.T) {
	f := newAdminFixture(t)

	w := f.do(http.MethodPost, "/strategies/trend_follow/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.roster.EnabledIDs())

	w = f.do(http.MethodPost, "/strategies/trend_follow/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"trend_follow"}, f.roster.EnabledIDs())

	w = f.do(http.MethodPost, "/strategies/nope/enable", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
