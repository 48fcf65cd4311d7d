// internal/server/admin.go
package server

import (
	"net/http"

	"deriv-algo-trader/internal/position"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/strategy"
	"deriv-algo-trader/internal/timing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Admin 控制面 HTTP 服务：熔断/账本/持仓状态查询，
// 紧急停止与熔断复位操作，策略启停，以及 /metrics。
type Admin struct {
	breaker   *risk.CircuitBreaker
	ledger    *risk.CapitalLedger
	positions *position.Manager
	roster    *strategy.Roster
	queue     *timing.Queue
	logger    *zap.Logger
}

// NewAdmin 初始化控制面
func NewAdmin(
	breaker *risk.CircuitBreaker,
	ledger *risk.CapitalLedger,
	positions *position.Manager,
	roster *strategy.Roster,
	queue *timing.Queue,
	logger *zap.Logger,
) *Admin {
	return &Admin{
		breaker:   breaker,
		ledger:    ledger,
		positions: positions,
		roster:    roster,
		queue:     queue,
		logger:    logger,
	}
}

// Router 构建 gin 路由
func (a *Admin) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/state", a.getState)
	r.GET("/positions", a.getPositions)

	r.POST("/breaker/reset", a.resetBreaker)
	r.POST("/breaker/disable", a.disableBreaker)
	r.POST("/emergency/stop", a.emergencyStop)
	r.POST("/emergency/clear", a.emergencyClear)
	r.POST("/strategies/:id/enable", a.setStrategy(true))
	r.POST("/strategies/:id/disable", a.setStrategy(false))

	return r
}

func (a *Admin) getState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breaker":         a.breaker.State(),
		"ledger":          a.ledger.SnapshotView(),
		"open_positions":  a.positions.OpenCount(),
		"pending_signals": a.queue.PendingCount(),
	})
}

func (a *Admin) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, a.positions.OpenPositions())
}

type reasonReq struct {
	Reason string `json:"reason" binding:"required"`
	Token  string `json:"token"`
}

func (a *Admin) resetBreaker(c *gin.Context) {
	var req reasonReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := a.breaker.Reset(req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	a.logger.Warn("Breaker reset via admin", zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, a.breaker.State())
}

func (a *Admin) disableBreaker(c *gin.Context) {
	var req reasonReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := a.breaker.Disable(req.Reason); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.breaker.State())
}

func (a *Admin) emergencyStop(c *gin.Context) {
	var req reasonReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	a.breaker.TripEmergency(req.Reason)
	a.queue.Halt()
	a.logger.Warn("EMERGENCY STOP via admin", zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, a.breaker.State())
}

func (a *Admin) emergencyClear(c *gin.Context) {
	var req reasonReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := a.breaker.ClearEmergency(req.Token, req.Reason); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a.breaker.State())
}

func (a *Admin) setStrategy(enable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if !a.roster.SetEnabled(id, enable) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown strategy " + id})
			return
		}
		a.logger.Info("Strategy toggled",
			zap.String("strategy", id), zap.Bool("enabled", enable))
		c.JSON(http.StatusOK, gin.H{"strategy": id, "enabled": enable})
	}
}
