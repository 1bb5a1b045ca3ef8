// Package store is the durable OHLCV table: composite uniqueness
// (symbol, timeframe, timestamp_ms) plus the upsert contract every writer
// (Persister, Reconciler) relies on (SPEC_FULL.md §4.3, §4.4, §6).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/config"
)

// DB wraps a pooled *sql.DB connection. Grounded on the teacher's
// internal/database/connection.go (pooling params, panic-safe transaction
// helper, health check), kept almost verbatim — this is ambient
// infrastructure the teacher already does correctly.
type DB struct {
	conn   *sql.DB
	logger zerolog.Logger
}

func NewConnection(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "store").Logger()

	connStr := buildConnectionString(cfg)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("store: open connection: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxConnections)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info().Str("host", cfg.Host).Int("port", cfg.Port).Str("database", cfg.Name).Msg("store connection established")

	return &DB{conn: conn, logger: logger}, nil
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) GetConnection() *sql.DB { return db.conn }

func (db *DB) Ping(ctx context.Context) error { return db.conn.PingContext(ctx) }

// ExecuteInTransaction runs fn within a transaction, rolling back on error or
// panic and committing otherwise.
func (db *DB) ExecuteInTransaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				db.logger.Error().Err(rbErr).Msg("failed to rollback transaction")
			}
		} else {
			if commitErr := tx.Commit(); commitErr != nil {
				db.logger.Error().Err(commitErr).Msg("failed to commit transaction")
				err = commitErr
			}
		}
	}()

	err = fn(tx)
	return err
}

func (db *DB) HealthCheck(ctx context.Context) map[string]interface{} {
	result := make(map[string]interface{})

	if err := db.Ping(ctx); err != nil {
		result["status"] = "unhealthy"
		result["error"] = err.Error()
		return result
	}

	stats := db.conn.Stats()
	result["status"] = "healthy"
	result["open_connections"] = stats.OpenConnections
	result["in_use"] = stats.InUse
	result["idle"] = stats.Idle

	return result
}

func buildConnectionString(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
}

// Schema is applied by the `migrate` CLI subcommand.
const Schema = `
CREATE SCHEMA IF NOT EXISTS trading;

CREATE TABLE IF NOT EXISTS trading.candlesticks (
    id           BIGSERIAL PRIMARY KEY,
    symbol       TEXT NOT NULL,
    timeframe    TEXT NOT NULL,
    timestamp_ms BIGINT NOT NULL,
    open         NUMERIC NOT NULL,
    high         NUMERIC NOT NULL,
    low          NUMERIC NOT NULL,
    close        NUMERIC NOT NULL,
    volume       NUMERIC NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (symbol, timeframe, timestamp_ms)
);

CREATE INDEX IF NOT EXISTS idx_candlesticks_symbol_timeframe_ts
    ON trading.candlesticks (symbol, timeframe, timestamp_ms);
`
