package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tickflow/logger"
	"tickflow/models"
)

// Store persists trade ticks.
type Store interface {
	InsertTrade(ctx context.Context, tick models.TradeTick) error
}

// PostgresStore writes trades into the TimescaleDB hypertable.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

// NewPostgresStore connects the pool and verifies the database is reachable.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{
		pool: pool,
		log:  logger.GetLogger(),
	}, nil
}

const insertTradeSQL = `
	INSERT INTO trades (e, s, trade_id, p, q, t)
	VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)`

// InsertTrade writes one trade row. Timestamps arrive as epoch millis and
// are stored as UTC timestamptz.
func (s *PostgresStore) InsertTrade(ctx context.Context, tick models.TradeTick) error {
	_, err := s.pool.Exec(ctx, insertTradeSQL,
		time.UnixMilli(tick.EventTime).UTC(),
		tick.Symbol,
		tick.TradeID,
		tick.Price,
		tick.Quantity,
		time.UnixMilli(tick.TradeTime).UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s/%d: %w", tick.Symbol, tick.TradeID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
