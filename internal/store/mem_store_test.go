package store

import (
	"context"
	"testing"
	"time"

	"github.com/vantage-labs/candlestream/internal/models"
)

// TestDedupWindowKeepsSmallestID covers S1.
func TestDedupWindowKeepsSmallestID(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.InsertRaw(models.OHLCVRow{ID: 10, Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 1700000000000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1})
	m.InsertRaw(models.OHLCVRow{ID: 11, Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 1700000000000, Open: 1, High: 2, Low: 1, Close: 2, Volume: 1})

	deleted, err := m.DedupWindow(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 1699999999999, 1700000000001)
	if err != nil {
		t.Fatalf("dedup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row deleted, got %d", deleted)
	}

	rows, err := m.GetBySymbol(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 10)
	if err != nil {
		t.Fatalf("get by symbol: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != 10 {
		t.Fatalf("expected only id=10 to remain, got %+v", rows)
	}
}

// TestPurgeInvalidRemovesInvariantViolation covers S3.
func TestPurgeInvalidRemovesInvariantViolation(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.InsertRaw(models.OHLCVRow{ID: 1, Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 3_600_000, Open: 1, High: 1, Low: 2, Close: 1, Volume: 1})

	deleted, err := m.PurgeInvalid(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 0, 7_200_000)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 row purged, got %d", deleted)
	}

	rows, _ := m.GetBySymbol(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 10)
	if len(rows) != 0 {
		t.Fatalf("expected no rows remaining, got %+v", rows)
	}
}

// TestUpsertBatchIdempotent covers universal property 1: replaying the same
// candle any number of times yields no duplicate rows and the last-applied values.
func TestUpsertBatchIdempotent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	candle := models.Candle{Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 3_600_000, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10}

	for i := 0; i < 3; i++ {
		if err := m.UpsertBatch(ctx, []models.Candle{candle}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	updated := candle
	updated.Close = 1.9
	updated.Volume = 20
	if err := m.UpsertBatch(ctx, []models.Candle{updated}); err != nil {
		t.Fatalf("final upsert: %v", err)
	}

	rows, err := m.GetBySymbol(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 10)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 row after repeated upserts, got %d", len(rows))
	}
	if rows[0].Close != 1.9 || rows[0].Volume != 20 {
		t.Fatalf("expected last-applied values, got close=%v volume=%v", rows[0].Close, rows[0].Volume)
	}
}

func TestListTimestampsAscending(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	m.InsertRaw(models.OHLCVRow{ID: 1, Symbol: "S", Timeframe: models.Timeframe1h, TimestampMS: 3_600_000})
	m.InsertRaw(models.OHLCVRow{ID: 2, Symbol: "S", Timeframe: models.Timeframe1h, TimestampMS: 0})
	m.InsertRaw(models.OHLCVRow{ID: 3, Symbol: "S", Timeframe: models.Timeframe1h, TimestampMS: 7_200_000})

	ts, err := m.ListTimestamps(ctx, "S", models.Timeframe1h, 0, 7_200_000)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []int64{0, 3_600_000, 7_200_000}
	if len(ts) != len(want) {
		t.Fatalf("got %v want %v", ts, want)
	}
	for i := range want {
		if ts[i] != want[i] {
			t.Fatalf("got %v want %v", ts, want)
		}
	}
}

func TestActiveSymbolsRespectsSince(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	m.rows = append(m.rows, models.OHLCVRow{ID: 1, Symbol: "OLD", Timeframe: models.Timeframe1h, CreatedAt: old, UpdatedAt: old})
	m.nextID = 2

	_ = m.UpsertBatch(ctx, []models.Candle{{Symbol: "NEW", Timeframe: models.Timeframe1h, TimestampMS: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}})

	active, err := m.ActiveSymbols(ctx, time.Now().Add(-25*time.Hour))
	if err != nil {
		t.Fatalf("active symbols: %v", err)
	}
	if len(active) != 1 || active[0] != "NEW" {
		t.Fatalf("expected only NEW to be active, got %v", active)
	}
}
