package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/models"
)

// Store is the interface the Persister and Reconciler program against.
// Repository is the Postgres-backed production implementation; reconciler
// tests use an in-memory fake implementing the same interface.
type Store interface {
	UpsertBatch(ctx context.Context, rows []models.Candle) error
	UpsertIgnoreConflict(ctx context.Context, rows []models.Candle) (int, error)
	DedupWindow(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) (int64, error)
	PurgeInvalid(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) (int64, error)
	ListTimestamps(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) ([]int64, error)
	ActiveSymbols(ctx context.Context, since time.Time) ([]string, error)

	GetBySymbol(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.OHLCVRow, error)
	GetHistory(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.OHLCVRow, error)
	GetLatest(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.OHLCVRow, error)
}

// Repository is the lib/pq-backed Store. Grounded on the teacher's
// internal/database/ohlcv_repository.go for the prepared-statement/logging
// shape; the write path is rewritten from plain INSERT...RETURNING to the
// idempotent upsert SPEC_FULL.md §4.3 requires, grounded on
// original_source/services/processor/app/processors/batch_processor.py's
// `INSERT ... ON CONFLICT (symbol,timeframe,timestamp_ms) DO UPDATE` SQL.
type Repository struct {
	db     *DB
	logger zerolog.Logger
}

func NewRepository(db *DB, logger zerolog.Logger) *Repository {
	return &Repository{db: db, logger: logger.With().Str("component", "store_repository").Logger()}
}

const upsertSQL = `
INSERT INTO trading.candlesticks (symbol, timeframe, timestamp_ms, open, high, low, close, volume, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (symbol, timeframe, timestamp_ms)
DO UPDATE SET open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
              close = EXCLUDED.close, volume = EXCLUDED.volume, updated_at = now()
`

// UpsertBatch writes one transaction per batch (spec §4.3 write path). The
// whole batch either commits or the caller routes it to the DLQ.
func (r *Repository) UpsertBatch(ctx context.Context, rows []models.Candle) error {
	if len(rows) == 0 {
		return nil
	}

	return r.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertSQL)
		if err != nil {
			return fmt.Errorf("store: prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range rows {
			if _, err := stmt.ExecContext(ctx, c.Symbol, string(c.Timeframe), c.TimestampMS, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
				return fmt.Errorf("store: upsert %s/%s/%d: %w", c.Symbol, c.Timeframe, c.TimestampMS, err)
			}
		}

		r.logger.Debug().Int("count", len(rows)).Msg("batch upserted")
		return nil
	})
}

const upsertIgnoreSQL = `
INSERT INTO trading.candlesticks (symbol, timeframe, timestamp_ms, open, high, low, close, volume, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (symbol, timeframe, timestamp_ms) DO NOTHING
`

// UpsertIgnoreConflict is the gap-fill write path (spec §4.4): existing rows
// are left untouched, only genuinely missing rows are inserted. Returns the
// number of rows actually inserted.
func (r *Repository) UpsertIgnoreConflict(ctx context.Context, rows []models.Candle) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	inserted := 0
	err := r.db.ExecuteInTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertIgnoreSQL)
		if err != nil {
			return fmt.Errorf("store: prepare upsert-ignore: %w", err)
		}
		defer stmt.Close()

		for _, c := range rows {
			result, err := stmt.ExecContext(ctx, c.Symbol, string(c.Timeframe), c.TimestampMS, c.Open, c.High, c.Low, c.Close, c.Volume)
			if err != nil {
				return fmt.Errorf("store: upsert-ignore %s/%s/%d: %w", c.Symbol, c.Timeframe, c.TimestampMS, err)
			}
			if n, _ := result.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// dedupSQL keeps the smallest surrogate id per duplicate group and deletes
// the rest (spec §4.4, Open Question (b)).
const dedupSQL = `
DELETE FROM trading.candlesticks
WHERE symbol = $1 AND timeframe = $2 AND timestamp_ms BETWEEN $3 AND $4
  AND id NOT IN (
    SELECT MIN(id) FROM trading.candlesticks
    WHERE symbol = $1 AND timeframe = $2 AND timestamp_ms BETWEEN $3 AND $4
    GROUP BY symbol, timeframe, timestamp_ms
  )
`

func (r *Repository) DedupWindow(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) (int64, error) {
	result, err := r.db.conn.ExecContext(ctx, dedupSQL, symbol, string(timeframe), startMS, endMS)
	if err != nil {
		return 0, fmt.Errorf("store: dedup %s/%s: %w", symbol, timeframe, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.logger.Info().Str("symbol", symbol).Str("timeframe", string(timeframe)).Int64("deleted", n).Msg("dedup removed duplicate rows")
	}
	return n, nil
}

const purgeInvalidSQL = `
DELETE FROM trading.candlesticks
WHERE symbol = $1 AND timeframe = $2 AND timestamp_ms BETWEEN $3 AND $4
  AND (open <= 0 OR high <= 0 OR low <= 0 OR close <= 0 OR volume <= 0
       OR high < low OR high < open OR high < close OR low > open OR low > close
       OR (CASE WHEN $5::bigint > 0 THEN timestamp_ms % $5::bigint <> 0 ELSE false END))
`

func (r *Repository) PurgeInvalid(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) (int64, error) {
	result, err := r.db.conn.ExecContext(ctx, purgeInvalidSQL, symbol, string(timeframe), startMS, endMS, timeframe.IntervalMS())
	if err != nil {
		return 0, fmt.Errorf("store: purge invalid %s/%s: %w", symbol, timeframe, err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.logger.Info().Str("symbol", symbol).Str("timeframe", string(timeframe)).Int64("purged", n).Msg("purged invariant-violating rows")
	}
	return n, nil
}

const listTimestampsSQL = `
SELECT timestamp_ms FROM trading.candlesticks
WHERE symbol = $1 AND timeframe = $2 AND timestamp_ms BETWEEN $3 AND $4
ORDER BY timestamp_ms ASC
`

func (r *Repository) ListTimestamps(ctx context.Context, symbol string, timeframe models.Timeframe, startMS, endMS int64) ([]int64, error) {
	rows, err := r.db.conn.QueryContext(ctx, listTimestampsSQL, symbol, string(timeframe), startMS, endMS)
	if err != nil {
		return nil, fmt.Errorf("store: list timestamps %s/%s: %w", symbol, timeframe, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("store: scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

const activeSymbolsSQL = `
SELECT DISTINCT symbol FROM trading.candlesticks WHERE created_at >= $1 OR updated_at >= $1
`

func (r *Repository) ActiveSymbols(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.conn.QueryContext(ctx, activeSymbolsSQL, since)
	if err != nil {
		return nil, fmt.Errorf("store: active symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("store: scan symbol: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const selectColumns = "id, symbol, timeframe, timestamp_ms, open, high, low, close, volume, created_at, updated_at"

func scanRow(row *sql.Row) (*models.OHLCVRow, error) {
	var r models.OHLCVRow
	var tf string
	err := row.Scan(&r.ID, &r.Symbol, &tf, &r.TimestampMS, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Timeframe = models.Timeframe(tf)
	return &r, nil
}

func (r *Repository) GetBySymbol(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.OHLCVRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM trading.candlesticks WHERE symbol = $1 AND timeframe = $2 ORDER BY timestamp_ms DESC LIMIT $3`, selectColumns)
	rows, err := r.db.conn.QueryContext(ctx, query, symbol, string(timeframe), limit)
	if err != nil {
		return nil, fmt.Errorf("store: get by symbol: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *Repository) GetHistory(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.OHLCVRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM trading.candlesticks WHERE symbol = $1 AND timeframe = $2 AND timestamp_ms BETWEEN $3 AND $4 ORDER BY timestamp_ms ASC LIMIT $5`, selectColumns)
	rows, err := r.db.conn.QueryContext(ctx, query, symbol, string(timeframe), start.UnixMilli(), end.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("store: get history: %w", err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *Repository) GetLatest(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.OHLCVRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM trading.candlesticks WHERE symbol = $1 AND timeframe = $2 ORDER BY timestamp_ms DESC LIMIT 1`, selectColumns)
	row := r.db.conn.QueryRowContext(ctx, query, symbol, string(timeframe))
	result, err := scanRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get latest: %w", err)
	}
	return result, nil
}

func scanRows(rows *sql.Rows) ([]models.OHLCVRow, error) {
	var out []models.OHLCVRow
	for rows.Next() {
		var r models.OHLCVRow
		var tf string
		if err := rows.Scan(&r.ID, &r.Symbol, &tf, &r.TimestampMS, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		r.Timeframe = models.Timeframe(tf)
		out = append(out, r)
	}
	return out, rows.Err()
}
