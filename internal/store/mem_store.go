package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vantage-labs/candlestream/internal/models"
)

// MemStore is an in-process Store implementation satisfying the same
// contract as Repository, used by internal/persister and internal/reconciler
// tests so the batching/dedup/gap algorithms can be exercised without a live
// Postgres instance.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	rows    []models.OHLCVRow
	failNextUpsert int
}

func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

// FailNextUpserts makes the next n calls to UpsertBatch return an error,
// used to exercise the Persister's DLQ routing path (seed test S5).
func (m *MemStore) FailNextUpserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNextUpsert = n
}

func (m *MemStore) UpsertBatch(_ context.Context, candles []models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextUpsert > 0 {
		m.failNextUpsert--
		return errUpsertFailed
	}

	for _, c := range candles {
		m.upsertLocked(c)
	}
	return nil
}

func (m *MemStore) UpsertIgnoreConflict(_ context.Context, candles []models.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, c := range candles {
		if m.findLocked(c.Symbol, c.Timeframe, c.TimestampMS) == nil {
			m.upsertLocked(c)
			inserted++
		}
	}
	return inserted, nil
}

func (m *MemStore) findLocked(symbol string, tf models.Timeframe, ts int64) *models.OHLCVRow {
	for i := range m.rows {
		r := &m.rows[i]
		if r.Symbol == symbol && r.Timeframe == tf && r.TimestampMS == ts {
			return r
		}
	}
	return nil
}

func (m *MemStore) upsertLocked(c models.Candle) {
	now := time.Now()
	if existing := m.findLocked(c.Symbol, c.Timeframe, c.TimestampMS); existing != nil {
		existing.Open, existing.High, existing.Low, existing.Close, existing.Volume = c.Open, c.High, c.Low, c.Close, c.Volume
		existing.UpdatedAt = now
		return
	}

	row := models.OHLCVRow{
		ID: m.nextID, Symbol: c.Symbol, Timeframe: c.Timeframe, TimestampMS: c.TimestampMS,
		Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		CreatedAt: now, UpdatedAt: now,
	}
	m.nextID++
	m.rows = append(m.rows, row)
}

// InsertRaw bypasses the upsert contract, allowing tests to seed duplicate
// or invalid rows directly (as S1/S3 require).
func (m *MemStore) InsertRaw(row models.OHLCVRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row.ID == 0 {
		row.ID = m.nextID
		m.nextID++
	} else if row.ID >= m.nextID {
		m.nextID = row.ID + 1
	}
	m.rows = append(m.rows, row)
}

func (m *MemStore) DedupWindow(_ context.Context, symbol string, tf models.Timeframe, startMS, endMS int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make(map[int64][]int)
	for i, r := range m.rows {
		if r.Symbol != symbol || r.Timeframe != tf || r.TimestampMS < startMS || r.TimestampMS > endMS {
			continue
		}
		groups[r.TimestampMS] = append(groups[r.TimestampMS], i)
	}

	toDelete := make(map[int]bool)
	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		minID := m.rows[idxs[0]].ID
		minIdx := idxs[0]
		for _, idx := range idxs[1:] {
			if m.rows[idx].ID < minID {
				minID = m.rows[idx].ID
				minIdx = idx
			}
		}
		for _, idx := range idxs {
			if idx != minIdx {
				toDelete[idx] = true
			}
		}
	}

	if len(toDelete) == 0 {
		return 0, nil
	}

	var kept []models.OHLCVRow
	for i, r := range m.rows {
		if !toDelete[i] {
			kept = append(kept, r)
		}
	}
	deleted := int64(len(m.rows) - len(kept))
	m.rows = kept
	return deleted, nil
}

func (m *MemStore) PurgeInvalid(_ context.Context, symbol string, tf models.Timeframe, startMS, endMS int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []models.OHLCVRow
	var deleted int64
	for _, r := range m.rows {
		if r.Symbol == symbol && r.Timeframe == tf && r.TimestampMS >= startMS && r.TimestampMS <= endMS {
			candle := r.AsCandle()
			if err := candle.ValidateFull(); err != nil {
				deleted++
				continue
			}
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return deleted, nil
}

func (m *MemStore) ListTimestamps(_ context.Context, symbol string, tf models.Timeframe, startMS, endMS int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int64
	for _, r := range m.rows {
		if r.Symbol == symbol && r.Timeframe == tf && r.TimestampMS >= startMS && r.TimestampMS <= endMS {
			out = append(out, r.TimestampMS)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemStore) ActiveSymbols(_ context.Context, since time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, r := range m.rows {
		if r.CreatedAt.Before(since) && r.UpdatedAt.Before(since) {
			continue
		}
		if !seen[r.Symbol] {
			seen[r.Symbol] = true
			out = append(out, r.Symbol)
		}
	}
	return out, nil
}

func (m *MemStore) GetBySymbol(_ context.Context, symbol string, tf models.Timeframe, limit int) ([]models.OHLCVRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.OHLCVRow
	for _, r := range m.rows {
		if r.Symbol == symbol && r.Timeframe == tf {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS > out[j].TimestampMS })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetHistory(_ context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.OHLCVRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	startMS, endMS := start.UnixMilli(), end.UnixMilli()
	var out []models.OHLCVRow
	for _, r := range m.rows {
		if r.Symbol == symbol && r.Timeframe == tf && r.TimestampMS >= startMS && r.TimestampMS <= endMS {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimestampMS < out[j].TimestampMS })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) GetLatest(_ context.Context, symbol string, tf models.Timeframe) (*models.OHLCVRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.OHLCVRow
	for i := range m.rows {
		r := &m.rows[i]
		if r.Symbol == symbol && r.Timeframe == tf {
			if latest == nil || r.TimestampMS > latest.TimestampMS {
				latest = r
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

type upsertError struct{ msg string }

func (e *upsertError) Error() string { return e.msg }

var errUpsertFailed = &upsertError{msg: "store: simulated upsert failure"}
