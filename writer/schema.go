package writer

import (
	"context"
	"fmt"

	"tickflow/logger"
)

const createTradesSQL = `
	CREATE TABLE IF NOT EXISTS trades (
		e        TIMESTAMPTZ NOT NULL,
		s        TEXT        NOT NULL,
		trade_id BIGINT      NOT NULL,
		p        NUMERIC     NOT NULL,
		q        NUMERIC     NOT NULL,
		t        TIMESTAMPTZ NOT NULL
	)`

const createHypertableSQL = `SELECT create_hypertable('trades', 'e', if_not_exists => TRUE)`

const createTradesIndexSQL = `CREATE INDEX IF NOT EXISTS trades_s_e_idx ON trades (s, e DESC)`

// candleView is one continuous-aggregate rollup derived from raw trades.
type candleView struct {
	Name     string
	Interval string
	Refresh  string
}

// candleViews lists the OHLCV rollups maintained on top of the trades
// hypertable, finest first.
var candleViews = []candleView{
	{Name: "trades_1s", Interval: "1 second", Refresh: "1 second"},
	{Name: "trades_1m", Interval: "1 minute", Refresh: "1 minute"},
	{Name: "trades_5m", Interval: "5 minutes", Refresh: "5 minutes"},
	{Name: "trades_15m", Interval: "15 minutes", Refresh: "15 minutes"},
	{Name: "trades_30m", Interval: "30 minutes", Refresh: "30 minutes"},
	{Name: "trades_1H", Interval: "1 hour", Refresh: "1 hour"},
	{Name: "trades_1D", Interval: "1 day", Refresh: "1 day"},
	{Name: "trades_1W", Interval: "1 week", Refresh: "1 day"},
}

func candleViewSQL(v candleView) string {
	return fmt.Sprintf(`
	CREATE MATERIALIZED VIEW IF NOT EXISTS "%s"
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('%s', e) AS bucket,
		s,
		first(p, e)          AS open,
		max(p)               AS high,
		min(p)               AS low,
		last(p, e)           AS close,
		sum(q)               AS volume
	FROM trades
	GROUP BY bucket, s
	WITH NO DATA`, v.Name, v.Interval)
}

func candleRefreshPolicySQL(v candleView) string {
	return fmt.Sprintf(`
	SELECT add_continuous_aggregate_policy('%s',
		start_offset      => NULL,
		end_offset        => INTERVAL '%s',
		schedule_interval => INTERVAL '%s',
		if_not_exists     => TRUE)`, v.Name, v.Interval, v.Refresh)
}

// InitSchema creates the trades hypertable, its index, and the candle
// rollups. TimescaleDB specific statements are tolerated as failures so a
// plain Postgres database still gets the raw table.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	log := s.log.WithComponent("writer").WithFields(logger.Fields{"operation": "init_schema"})

	if _, err := s.pool.Exec(ctx, createTradesSQL); err != nil {
		return fmt.Errorf("create trades table: %w", err)
	}

	if _, err := s.pool.Exec(ctx, createHypertableSQL); err != nil {
		log.WithError(err).Warn("create_hypertable failed, continuing with plain table")
	}

	if _, err := s.pool.Exec(ctx, createTradesIndexSQL); err != nil {
		return fmt.Errorf("create trades index: %w", err)
	}

	for _, v := range candleViews {
		if _, err := s.pool.Exec(ctx, candleViewSQL(v)); err != nil {
			log.WithError(err).WithFields(logger.Fields{"view": v.Name}).Warn("candle view creation failed, skipping")
			continue
		}
		if _, err := s.pool.Exec(ctx, candleRefreshPolicySQL(v)); err != nil {
			log.WithError(err).WithFields(logger.Fields{"view": v.Name}).Warn("refresh policy creation failed, skipping")
		}
	}

	log.Info("schema initialized")
	return nil
}
