package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"deriv-algo-trader/internal/controller"
	"deriv-algo-trader/internal/execution"
	"deriv-algo-trader/internal/journal"
	"deriv-algo-trader/internal/marketdata"
	"deriv-algo-trader/internal/model"
	"deriv-algo-trader/internal/position"
	"deriv-algo-trader/internal/risk"
	"deriv-algo-trader/internal/server"
	"deriv-algo-trader/internal/service"
	"deriv-algo-trader/internal/strategy"
	"deriv-algo-trader/internal/timing"
	"deriv-algo-trader/pkg/ta"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	service.InitLogger()
	defer service.Logger.Sync()

	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.Logger.Fatal("Configuration directory 'config/' not found. Please create it.")
	}
	cfg := service.LoadConfig(configPath)

	loc, err := time.LoadLocation(cfg.Session.Timezone)
	if err != nil {
		service.Logger.Fatal("Invalid timezone in config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 指标计算器 + 快照存储 (Connector 写入，各循环 pull 读取)
	taClient := ta.NewTACalculator(service.Logger.Sugar())
	barInterval := service.FormatInterval(time.Minute) // Store 聚合 1 分钟 K 线
	store := marketdata.NewStore(cfg.Session, loc, func(symbol string, bar ta.Bar) {
		taClient.UpdateBar(symbol, barInterval, bar)
	})

	// 2. 风控内核：熔断器、资金账本、定量授权
	breaker := risk.NewCircuitBreaker(cfg.Breaker, cfg.Risk.TotalCapital, loc, service.Logger)
	ledger := risk.NewCapitalLedger(cfg.Risk, service.Logger, breaker.TripFatal)
	riskMgr := risk.NewManager(ledger, breaker, cfg.Risk, service.Logger)

	// 3. 数据质量门：连续失败升级为熔断器的外部冲击
	gate := marketdata.NewGate(cfg.Market, breaker.ExternalShock, service.Logger)
	snapFn := gate.CheckedSnapshotFn(store)

	// 4. 成交汇报 (Postgres 不可用时降级为仅日志，核心不中断)
	var sink journal.Sink
	switch cfg.Journal.Driver {
	case "postgres":
		pg, err := journal.NewPgSink(ctx, cfg.Journal.DSN, service.Logger)
		if err != nil {
			service.Logger.Error("Journal degraded to log-only", zap.Error(err))
			sink = journal.NewLogSink(service.Logger)
		} else {
			sink = pg
		}
	default:
		sink = journal.NewLogSink(service.Logger)
	}
	defer sink.Close()

	// 5. 执行管线与持仓管理
	costs := execution.NewCostModel(cfg.Costs)
	validator := execution.NewValidator(cfg.Orders, service.Logger)
	limiter := execution.NewLimiter(cfg.RateLimit)
	gateway := execution.NewSimGateway(costs, snapFn, service.Logger)

	regime := controller.NewRegimeClassifier(taClient, service.Logger)
	posMgr := position.NewManager(ledger, breaker, costs, sink, regime.Current,
		cfg.Exits, cfg.Session, loc, service.Logger)

	queue := timing.NewQueue(cfg.Timing, service.Logger)
	submitter := execution.NewSubmitter(riskMgr, validator, limiter, gateway, costs,
		snapFn, regime.Current,
		func(sig model.Signal, qty int, fill execution.Fill, entryCosts execution.CostBreakdown) {
			posMgr.OpenFromFill(sig, qty, fill, entryCosts)
		},
		cfg.Orders, cfg.RateLimit, service.Logger)

	// 6. 策略花名册与元控制器
	universe := buildUniverse(cfg.Market.Instruments)
	roster := strategy.NewRoster([]strategy.Strategy{
		strategy.NewTrendFollow(taClient, universe, cfg.Strategies["trend_follow"], cfg.Exits, cfg.Timing.SignalTTL),
		strategy.NewMeanRevert(taClient, universe, cfg.Strategies["mean_revert"], cfg.Exits, cfg.Timing.SignalTTL),
		strategy.NewVolBreakout(taClient, universe, cfg.Strategies["vol_breakout"], cfg.Exits, cfg.Timing.SignalTTL),
	}, cfg.Strategies)
	policy := controller.NewAllocationPolicy(cfg.Controller.Epsilon, time.Now().UnixNano())
	metaCtrl := controller.NewMetaController(roster, breaker, queue, regime, policy,
		store, snapFn, cfg.Market.Symbols, cfg.Controller, service.Logger)

	// 7. 行情接入与控制面
	connector := marketdata.NewConnector(cfg.Market, store, service.Logger)
	admin := server.NewAdmin(breaker, ledger, posMgr, roster, queue, service.Logger)
	adminSrv := &http.Server{Addr: cfg.Admin.Listen, Handler: admin.Router()}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return connector.Run(ctx)
	})

	g.Go(func() error {
		return metaCtrl.RunLoop(ctx)
	})

	g.Go(func() error {
		submitter.Run(ctx, queue.Admitted())
		return nil
	})

	// 监控循环：持仓离场规则 + 入场队列复查，共用同一个节拍
	g.Go(func() error {
		ticker := time.NewTicker(cfg.Controller.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				posMgr.MonitorTick(snapFn)
				queue.Recheck(snapFn)
			}
		}
	})

	g.Go(func() error {
		service.Logger.Info("Admin server listening", zap.String("addr", cfg.Admin.Listen))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return adminSrv.Shutdown(shutdownCtx)
	})

	service.Logger.Info("Trading core started",
		zap.Strings("symbols", cfg.Market.Symbols),
		zap.Float64("total_capital", cfg.Risk.TotalCapital))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		service.Logger.Fatal("Trading core exited with error", zap.Error(err))
	}
	service.Logger.Info("Trading core stopped")
}

// buildUniverse 把配置里的工具清单转换为内部模型
func buildUniverse(items []service.InstrumentConfig) []model.Instrument {
	out := make([]model.Instrument, 0, len(items))
	for _, it := range items {
		out = append(out, model.Instrument{
			Symbol:     it.Symbol,
			Underlying: it.Underlying,
			Kind:       model.InstrumentKind(it.Kind),
			Strike:     it.Strike,
			LotSize:    it.LotSize,
		})
	}
	return out
}
