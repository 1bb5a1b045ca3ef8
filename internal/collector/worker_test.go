package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
)

// TestComputeBackoffMonotonicallyIncreasesAndCaps covers S6: with
// INITIAL=5s, MAX=300s, five consecutive failed connects produce
// 5, 10, 20, 40, 80.
func TestComputeBackoffMonotonicallyIncreasesAndCaps(t *testing.T) {
	initial := 5 * time.Second
	max := 300 * time.Second

	want := []time.Duration{5, 10, 20, 40, 80}
	for i, w := range want {
		got := ComputeBackoff(i, initial, max)
		if got != w*time.Second {
			t.Fatalf("attempt %d: got %v want %v", i, got, w*time.Second)
		}
	}

	// Keeps doubling until it reaches the cap, then holds.
	capped := ComputeBackoff(10, initial, max)
	if capped != max {
		t.Fatalf("expected capped delay at attempt 10, got %v", capped)
	}
}

// fakeTransport is a scripted Transport: it fails Connect a fixed number of
// times, then succeeds, streams one data frame, and returns a read error to
// end the stream.
type fakeTransport struct {
	mu           sync.Mutex
	failConnects int
	connected    bool
	delivered    bool
	symbol       string
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConnects > 0 {
		f.failConnects--
		return errors.New("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(symbol string, _ []models.Timeframe) error {
	f.symbol = symbol
	return nil
}

func (f *fakeTransport) Unsubscribe(string, []models.Timeframe) error { return nil }

func (f *fakeTransport) ReadMessage() (models.WireMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.delivered {
		f.delivered = true
		return models.WireMessage{
			Event: models.WireEventData,
			Arg:   models.WireChannelArg{Channel: "candle1H", InstID: f.symbol},
			Candles: [][]string{
				{"3600000", "1", "2", "1", "1.5", "10", "0", "0", "1"},
			},
		}, nil
	}
	return models.WireMessage{}, errors.New("connection closed")
}

func (f *fakeTransport) Close() error { return nil }

func TestWorkerStreamsConfirmedCandleOntoQueue(t *testing.T) {
	b := broker.NewMemBroker()
	transport := &fakeTransport{}

	cfg := config.BackoffConfig{InitialReconnectDelaySeconds: 1, MaxReconnectDelaySeconds: 1, MaxReconnectAttempts: 5}
	w := NewWorker("BTC-USDT-SWAP", []models.Timeframe{models.Timeframe1h}, func() Transport { return transport }, b, cfg, zerolog.Nop())

	w.Start()
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ln, _ := b.QueueLen(context.Background(), broker.QueueCandles)
		if ln > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected confirmed candle to be enqueued")
}

func TestSupervisorSubscribeIsIdempotent(t *testing.T) {
	b := broker.NewMemBroker()
	var starts int
	var mu sync.Mutex

	factory := func() Transport {
		mu.Lock()
		starts++
		mu.Unlock()
		return &fakeTransport{failConnects: 1000} // never actually connects
	}

	cfg := config.BackoffConfig{InitialReconnectDelaySeconds: 30, MaxReconnectDelaySeconds: 30}
	s := NewSupervisor(factory, b, cfg, zerolog.Nop())

	s.Subscribe("BTC-USDT-SWAP", []models.Timeframe{models.Timeframe1h})
	s.Subscribe("BTC-USDT-SWAP", []models.Timeframe{models.Timeframe1h})

	if len(s.ActiveSymbols()) != 1 {
		t.Fatalf("expected exactly one worker after repeated subscribe, got %d", len(s.ActiveSymbols()))
	}

	s.Unsubscribe("BTC-USDT-SWAP")
	if len(s.ActiveSymbols()) != 0 {
		t.Fatalf("expected worker removed after unsubscribe, got %d", len(s.ActiveSymbols()))
	}
}
