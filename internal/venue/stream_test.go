package venue

import (
	"testing"

	"github.com/vantage-labs/candlestream/internal/models"
)

// TestParseCandleRowsSkipsUnconfirmed covers S4: a row with confirm != "1"
// must never produce a candle (spec §4.2, §8 property 3).
func TestParseCandleRowsSkipsUnconfirmed(t *testing.T) {
	rows := [][]string{
		{"1700000000000", "1", "2", "1", "1.5", "10", "0", "0", "0"},
		{"1700000000000", "1", "2", "1", "1.7", "12", "0", "0", "1"},
	}

	candles := ParseCandleRows("BTC-USDT-SWAP", models.Timeframe1h, rows)

	if len(candles) != 1 {
		t.Fatalf("expected 1 confirmed candle, got %d", len(candles))
	}
	if candles[0].Close != 1.7 {
		t.Fatalf("expected the confirmed row's close (1.7), got %v", candles[0].Close)
	}
	if !candles[0].Confirmed {
		t.Fatal("expected Confirmed to be true")
	}
}

func TestParseCandleRowsSkipsMalformed(t *testing.T) {
	rows := [][]string{
		{"not-a-number", "1", "2", "1", "1.5", "10", "0", "0", "1"},
		{"1700000000000", "1", "2", "1"},
	}
	candles := ParseCandleRows("BTC-USDT-SWAP", models.Timeframe1h, rows)
	if len(candles) != 0 {
		t.Fatalf("expected 0 candles from malformed rows, got %d", len(candles))
	}
}
