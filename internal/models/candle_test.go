package models

import "testing"

func TestTimeframeRenderRoundTrip(t *testing.T) {
	cases := map[Timeframe]string{
		Timeframe1m:  "1m",
		Timeframe5m:  "5m",
		Timeframe15m: "15m",
		Timeframe1h:  "1H",
		Timeframe4h:  "4H",
		Timeframe1d:  "1D",
	}

	for canonical, rendered := range cases {
		got, err := canonical.Render()
		if err != nil {
			t.Fatalf("render %s: %v", canonical, err)
		}
		if got != rendered {
			t.Fatalf("render(%s) = %s, want %s", canonical, got, rendered)
		}

		back, err := TimeframeFromRendered(rendered)
		if err != nil {
			t.Fatalf("from rendered %s: %v", rendered, err)
		}
		if back != canonical {
			t.Fatalf("TimeframeFromRendered(%s) = %s, want %s", rendered, back, canonical)
		}
	}
}

func TestTimeframeRenderInvalid(t *testing.T) {
	if _, err := Timeframe("bogus").Render(); err == nil {
		t.Fatal("expected error for invalid timeframe")
	}
	if _, err := TimeframeFromRendered("bogus"); err == nil {
		t.Fatal("expected error for invalid rendered timeframe")
	}
}

func TestCandleValidateFullInvariants(t *testing.T) {
	base := Candle{
		Symbol: "BTC-USDT-SWAP", Timeframe: Timeframe1h, TimestampMS: 3_600_000,
		Open: 1, High: 2, Low: 1, Close: 2, Volume: 1, Confirmed: true,
	}
	if err := base.ValidateFull(); err != nil {
		t.Fatalf("expected valid candle, got %v", err)
	}

	highLow := base
	highLow.High = 1
	highLow.Low = 2
	if err := highLow.ValidateFull(); err == nil {
		t.Fatal("expected invariant error for high < low")
	}

	unaligned := base
	unaligned.TimestampMS = 3_600_001
	if err := unaligned.ValidateFull(); err == nil {
		t.Fatal("expected error for unaligned timestamp")
	}

	zeroVolume := base
	zeroVolume.Volume = 0
	if err := zeroVolume.ValidateFull(); err == nil {
		t.Fatal("expected error for zero volume")
	}
}

func TestCandleIntervalMS(t *testing.T) {
	if Timeframe1h.IntervalMS() != 3_600_000 {
		t.Fatalf("1h interval = %d, want 3600000", Timeframe1h.IntervalMS())
	}
	if Timeframe1d.IntervalMS() != 86_400_000 {
		t.Fatalf("1d interval = %d, want 86400000", Timeframe1d.IntervalMS())
	}
}
