package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/store"
)

func TestDetectGapsSingleMissingRange(t *testing.T) {
	interval := models.Timeframe1h.IntervalMS()
	windowStart := int64(0)
	windowEnd := 5 * interval

	// Present: 0, 1*interval, then missing 2,3, then present 4*interval, 5*interval.
	timestamps := []int64{0, interval, 4 * interval, 5 * interval}

	gaps := DetectGaps(timestamps, windowStart, windowEnd, interval)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %+v", len(gaps), gaps)
	}
	if gaps[0].Start != 2*interval || gaps[0].End != 3*interval {
		t.Fatalf("unexpected gap range: %+v", gaps[0])
	}
}

func TestDetectGapsNoneWhenContiguous(t *testing.T) {
	interval := models.Timeframe1h.IntervalMS()
	timestamps := []int64{0, interval, 2 * interval, 3 * interval}

	gaps := DetectGaps(timestamps, 0, 3*interval, interval)
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps, got %+v", gaps)
	}
}

func TestDetectGapsTrailingGap(t *testing.T) {
	interval := models.Timeframe1h.IntervalMS()
	timestamps := []int64{0, interval}

	gaps := DetectGaps(timestamps, 0, 4*interval, interval)
	if len(gaps) != 1 {
		t.Fatalf("expected 1 trailing gap, got %+v", gaps)
	}
	if gaps[0].Start != 2*interval || gaps[0].End != 4*interval {
		t.Fatalf("unexpected trailing gap: %+v", gaps[0])
	}
}

// fakeRESTFetcher returns a fixed set of candles once, covering exactly one gap.
type fakeRESTFetcher struct {
	candles []models.Candle
	calls   int
}

func (f *fakeRESTFetcher) FetchOHLCV(_ context.Context, symbol string, tf models.Timeframe, sinceMs int64, limit int) ([]models.Candle, error) {
	f.calls++
	if f.calls > 1 {
		return nil, nil
	}
	var out []models.Candle
	for _, c := range f.candles {
		if c.TimestampMS > sinceMs {
			out = append(out, c)
		}
	}
	return out, nil
}

// TestWindowedRepairFillsGap covers S2: a gap in stored timestamps is
// detected and filled via the REST fetcher, landing in the store.
func TestWindowedRepairFillsGap(t *testing.T) {
	interval := models.Timeframe1h.IntervalMS()
	s := store.NewMemStore()
	ctx := context.Background()

	now := time.Now()
	s.InsertRaw(models.OHLCVRow{ID: 1, Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, CreatedAt: now, UpdatedAt: now})
	s.InsertRaw(models.OHLCVRow{ID: 2, Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 2 * interval, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, CreatedAt: now, UpdatedAt: now})

	fetcher := &fakeRESTFetcher{candles: []models.Candle{
		{Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: interval, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Confirmed: true},
	}}

	cfg := config.ReconcilerConfig{
		LookbackHours:       1,
		TargetTimeframes:    []string{"1h"},
		BackfillConcurrency: 1,
		GapFillPageLimit:    100,
	}

	r := New(s, fetcher, cfg, 0, zerolog.Nop())

	if err := r.repairOne(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 0, 2*interval); err != nil {
		t.Fatalf("repairOne: %v", err)
	}

	ts, err := s.ListTimestamps(ctx, "BTC-USDT-SWAP", models.Timeframe1h, 0, 2*interval)
	if err != nil {
		t.Fatalf("list timestamps: %v", err)
	}
	if len(ts) != 3 {
		t.Fatalf("expected 3 timestamps after gap fill, got %d: %v", len(ts), ts)
	}
}
