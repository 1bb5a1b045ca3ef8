package persister

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/store"
)

func testCfg() config.BatchingConfig {
	return config.BatchingConfig{BatchSize: 10, BatchTimeoutSecs: 1, MaxRetries: 3, QueueWarnLength: 1000}
}

// TestDrainLoopPersistsEnqueuedCandle is a baseline happy-path check for the
// batching drain loop before exercising the DLQ path.
func TestDrainLoopPersistsEnqueuedCandle(t *testing.T) {
	b := broker.NewMemBroker()
	s := store.NewMemStore()
	p := New(b, s, testCfg(), zerolog.Nop())

	p.Start()
	defer p.Stop()

	candle := models.Candle{Symbol: "BTC-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 3_600_000, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10, Confirmed: true}
	if err := Enqueue(context.Background(), b, candle, models.SourceStream); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rows, _ := s.GetBySymbol(context.Background(), candle.Symbol, candle.Timeframe, 10)
		if len(rows) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("candle was never persisted")
}

// TestDLQRetrySucceedsAfterTransientFailure covers S5: a batch that fails to
// upsert once lands on the dead letter queue, and is retried back onto
// candle_queue and ultimately persisted once the store recovers.
func TestDLQRetrySucceedsAfterTransientFailure(t *testing.T) {
	b := broker.NewMemBroker()
	s := store.NewMemStore()
	s.FailNextUpserts(1)

	p := New(b, s, testCfg(), zerolog.Nop())
	p.Start()
	defer p.Stop()

	candle := models.Candle{Symbol: "ETH-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 3_600_000, Open: 1, High: 2, Low: 1, Close: 1.5, Volume: 10, Confirmed: true}
	if err := Enqueue(context.Background(), b, candle, models.SourceStream); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		rows, _ := s.GetBySymbol(context.Background(), candle.Symbol, candle.Timeframe, 10)
		if len(rows) == 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("candle was never persisted after DLQ retry")
}

// TestDLQAbandonsAfterMaxRetries ensures an envelope that never succeeds is
// dropped once RetryCount exceeds MaxRetries rather than looping forever.
func TestDLQAbandonsAfterMaxRetries(t *testing.T) {
	b := broker.NewMemBroker()
	s := store.NewMemStore()

	cfg := testCfg()
	cfg.MaxRetries = 0

	p := New(b, s, cfg, zerolog.Nop())

	failedAt := time.Now().Add(-time.Hour)
	env := models.QueueEnvelope{
		Candle:     models.Candle{Symbol: "DOGE-USDT-SWAP", Timeframe: models.Timeframe1h, TimestampMS: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1, Confirmed: true},
		RetryCount: 1,
		FailedAt:   &failedAt,
	}
	payload, _ := json.Marshal(env)
	_ = b.Push(context.Background(), broker.QueueDeadLetter, payload)

	p.drainDeadLetterOnce()

	ln, _ := b.QueueLen(context.Background(), broker.QueueCandles)
	if ln != 0 {
		t.Fatalf("expected abandoned envelope not requeued to candle_queue, queue len=%d", ln)
	}
	dlqLn, _ := b.QueueLen(context.Background(), broker.QueueDeadLetter)
	if dlqLn != 0 {
		t.Fatalf("expected dead letter queue drained, got len=%d", dlqLn)
	}
}
