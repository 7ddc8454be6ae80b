package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/skalibog/sqe/internal/config"
	"github.com/skalibog/sqe/pkg/logger"
	"github.com/skalibog/sqe/pkg/models"
	"go.uber.org/zap"
)

const journalSchema = `CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	symbol      VARCHAR(20) NOT NULL,
	direction   VARCHAR(5) NOT NULL,
	open_time   TIMESTAMPTZ NOT NULL,
	close_time  TIMESTAMPTZ NOT NULL,
	entry_price DECIMAL(20, 8) NOT NULL,
	exit_price  DECIMAL(20, 8) NOT NULL,
	stop_loss   DECIMAL(20, 8) NOT NULL,
	take_profit DECIMAL(20, 8) NOT NULL,
	units       DECIMAL(20, 8) NOT NULL,
	pnl         DECIMAL(20, 8) NOT NULL,
	pnl_r       DOUBLE PRECISION NOT NULL,
	outcome     VARCHAR(8) NOT NULL,
	regime      VARCHAR(10) NOT NULL,
	session     VARCHAR(20) NOT NULL,
	atr         DOUBLE PRECISION NOT NULL
)`

const insertTrade = `INSERT INTO trades
	(id, symbol, direction, open_time, close_time, entry_price, exit_price, stop_loss, take_profit,
	 units, pnl, pnl_r, outcome, regime, session, atr)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (id) DO NOTHING`

// Journal журнал закрытых сделок в Postgres
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal подключается к Postgres и создает таблицу
func NewJournal(ctx context.Context, cfg config.JournalConfig) (*Journal, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("ошибка разбора DSN журнала: %w", err)
	}
	poolConfig.MaxConns = 4
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания пула соединений: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка соединения с Postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, journalSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка создания таблицы сделок: %w", err)
	}

	logger.Info("Подключен журнал сделок")
	return &Journal{pool: pool}, nil
}

// Record записывает сделки одним батчем; повторная запись того же id игнорируется
func (j *Journal) Record(ctx context.Context, trades []models.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		batch.Queue(insertTrade,
			t.ID, t.Symbol, string(t.Direction), t.OpenTime, t.CloseTime,
			t.EntryPrice, t.ExitPrice, t.StopLoss, t.TakeProfit,
			t.Units, t.PnL, t.PnLR, string(t.Outcome), string(t.Regime), t.Session, t.ATR)
	}

	results := j.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range trades {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("ошибка записи сделки в журнал: %w", err)
		}
	}

	logger.Debug("Сделки записаны в журнал", zap.Int("count", len(trades)))
	return nil
}

// Close закрывает пул соединений
func (j *Journal) Close() {
	j.pool.Close()
}
