// internal/journal/sink.go
package journal

import (
	"context"

	"deriv-algo-trader/internal/model"

	"go.uber.org/zap"
)

// Sink 是追加式的持久化汇报接口。
// Sink 不可用时核心必须降级运行 (仅日志)，因此实现方的错误只记录、不上抛。
type Sink interface {
	RecordTrade(ctx context.Context, rec model.TradeRecord) error
	RecordClosedPosition(ctx context.Context, pos model.Position) error
	Close() error
}

// LogSink 仅日志的降级实现
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink 初始化降级 Sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordTrade(_ context.Context, rec model.TradeRecord) error {
	s.logger.Info("TRADE",
		zap.String("position", rec.PositionID),
		zap.String("strategy", rec.StrategyID),
		zap.String("instrument", rec.Instrument),
		zap.Float64("entry", rec.EntryPrice),
		zap.Float64("exit", rec.ExitPrice),
		zap.Int("qty", rec.Quantity),
		zap.Float64("net_pnl", rec.NetPnL),
		zap.String("costs", rec.Costs.String()),
		zap.String("reason", rec.Reason))
	return nil
}

func (s *LogSink) RecordClosedPosition(_ context.Context, pos model.Position) error {
	s.logger.Info("POSITION CLOSED",
		zap.String("position", pos.ID),
		zap.String("instrument", pos.Instrument.Symbol),
		zap.Float64("realized_pnl", pos.RealizedPnL),
		zap.String("reason", pos.CloseReason))
	return nil
}

func (s *LogSink) Close() error {
	return nil
}
