package journal

import (
	"context"
	"fmt"
	"time"

	"deriv-algo-trader/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id            BIGSERIAL PRIMARY KEY,
	position_id   TEXT NOT NULL,
	strategy_id   TEXT NOT NULL,
	instrument    TEXT NOT NULL,
	side          TEXT NOT NULL,
	entry_time    TIMESTAMPTZ NOT NULL,
	exit_time     TIMESTAMPTZ NOT NULL,
	entry_price   DOUBLE PRECISION NOT NULL,
	exit_price    DOUBLE PRECISION NOT NULL,
	quantity      INTEGER NOT NULL,
	gross_pnl     DOUBLE PRECISION NOT NULL,
	costs         NUMERIC NOT NULL,
	net_pnl       DOUBLE PRECISION NOT NULL,
	reason        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS closed_positions (
	id            TEXT PRIMARY KEY,
	instrument    TEXT NOT NULL,
	strategy_id   TEXT NOT NULL,
	entry_price   DOUBLE PRECISION NOT NULL,
	original_qty  INTEGER NOT NULL,
	realized_pnl  DOUBLE PRECISION NOT NULL,
	costs         NUMERIC NOT NULL,
	opened_at     TIMESTAMPTZ NOT NULL,
	closed_at     TIMESTAMPTZ NOT NULL,
	close_reason  TEXT NOT NULL
);`

// PgSink 基于 pgx 连接池的追加式持久化实现
type PgSink struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgSink 建立连接池并确保表存在
func NewPgSink(ctx context.Context, dsn string, logger *zap.Logger) (*PgSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal pool: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := pool.Exec(initCtx, createSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &PgSink{pool: pool, logger: logger}, nil
}

func (s *PgSink) RecordTrade(ctx context.Context, rec model.TradeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (position_id, strategy_id, instrument, side,
			entry_time, exit_time, entry_price, exit_price, quantity,
			gross_pnl, costs, net_pnl, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.PositionID, rec.StrategyID, rec.Instrument, string(rec.Side),
		rec.EntryTime, rec.ExitTime, rec.EntryPrice, rec.ExitPrice, rec.Quantity,
		rec.GrossPnL, rec.Costs, rec.NetPnL, rec.Reason)
	if err != nil {
		// 汇报失败不阻断交易
		s.logger.Error("Journal insert failed", zap.Error(err))
	}
	return err
}

func (s *PgSink) RecordClosedPosition(ctx context.Context, pos model.Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO closed_positions (id, instrument, strategy_id, entry_price,
			original_qty, realized_pnl, costs, opened_at, closed_at, close_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING`,
		pos.ID, pos.Instrument.Symbol, pos.StrategyID, pos.EntryPrice,
		pos.OriginalQty, pos.RealizedPnL, pos.Costs, pos.OpenedAt, pos.ClosedAt, pos.CloseReason)
	if err != nil {
		s.logger.Error("Journal insert failed", zap.Error(err))
	}
	return err
}

func (s *PgSink) Close() error {
	s.pool.Close()
	return nil
}
