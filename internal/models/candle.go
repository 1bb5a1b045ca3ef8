package models

import (
	"fmt"
	"time"
)

// Timeframe is the closed set of supported candle bucket widths.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// ValidTimeframes enumerates the closed set in canonical form.
var ValidTimeframes = []Timeframe{Timeframe1m, Timeframe5m, Timeframe15m, Timeframe1h, Timeframe4h, Timeframe1d}

// renderedByCanonical is the bidirectional venue rendering map from SPEC_FULL.md §4.2.
var renderedByCanonical = map[Timeframe]string{
	Timeframe1m:  "1m",
	Timeframe5m:  "5m",
	Timeframe15m: "15m",
	Timeframe1h:  "1H",
	Timeframe4h:  "4H",
	Timeframe1d:  "1D",
}

var canonicalByRendered map[string]Timeframe

func init() {
	canonicalByRendered = make(map[string]Timeframe, len(renderedByCanonical))
	for canonical, rendered := range renderedByCanonical {
		canonicalByRendered[rendered] = canonical
	}
}

// IsValid reports whether tf belongs to the closed timeframe set.
func (tf Timeframe) IsValid() bool {
	_, ok := renderedByCanonical[tf]
	return ok
}

// Render returns the venue wire-case encoding for a canonical timeframe.
func (tf Timeframe) Render() (string, error) {
	rendered, ok := renderedByCanonical[tf]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidTimeframe, tf)
	}
	return rendered, nil
}

// TimeframeFromRendered maps a venue wire-case encoding back to canonical form.
func TimeframeFromRendered(rendered string) (Timeframe, error) {
	tf, ok := canonicalByRendered[rendered]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInvalidTimeframe, rendered)
	}
	return tf, nil
}

// intervalMS maps each timeframe to its bucket width in milliseconds.
var intervalMS = map[Timeframe]int64{
	Timeframe1m:  60_000,
	Timeframe5m:  5 * 60_000,
	Timeframe15m: 15 * 60_000,
	Timeframe1h:  60 * 60_000,
	Timeframe4h:  4 * 60 * 60_000,
	Timeframe1d:  24 * 60 * 60_000,
}

// IntervalMS returns the bucket width in milliseconds, or 0 if tf is not valid.
func (tf Timeframe) IntervalMS() int64 {
	return intervalMS[tf]
}

// Candle is the canonical OHLCV unit (spec §3).
type Candle struct {
	Symbol       string    `json:"symbol"`
	Timeframe    Timeframe `json:"timeframe"`
	TimestampMS  int64     `json:"timestamp_ms"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	Confirmed    bool      `json:"confirmed"`
}

// Validate checks the subset of §3 invariants that are cheap to check at ingress
// (volume > 0, close > 0), matching the Collector's validation contract (§4.2).
func (c *Candle) Validate() error {
	if c.Symbol == "" {
		return ErrInvalidSymbol
	}
	if !c.Timeframe.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidTimeframe, c.Timeframe)
	}
	if c.Volume <= 0 {
		return ErrNegativeVolume
	}
	if c.Close <= 0 {
		return ErrNegativePrice
	}
	return nil
}

// ValidateFull checks every §3 invariant, used by the Reconciler's invalid-row purge.
func (c *Candle) ValidateFull() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 {
		return ErrNegativePrice
	}
	if c.High < c.Low || c.High < c.Open || c.High < c.Close || c.Low > c.Open || c.Low > c.Close {
		return ErrInvalidPriceRange
	}
	if interval := c.Timeframe.IntervalMS(); interval > 0 && c.TimestampMS%interval != 0 {
		return ErrUnalignedTimestamp
	}
	return nil
}

// OHLCVRow is a Candle as stored, carrying the surrogate id used for dedup tie-breaking.
type OHLCVRow struct {
	ID          int64     `json:"id" db:"id"`
	Symbol      string    `json:"symbol" db:"symbol"`
	Timeframe   Timeframe `json:"timeframe" db:"timeframe"`
	TimestampMS int64     `json:"timestamp_ms" db:"timestamp_ms"`
	Open        float64   `json:"open" db:"open"`
	High        float64   `json:"high" db:"high"`
	Low         float64   `json:"low" db:"low"`
	Close       float64   `json:"close" db:"close"`
	Volume      float64   `json:"volume" db:"volume"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

func (r *OHLCVRow) AsCandle() Candle {
	return Candle{
		Symbol:      r.Symbol,
		Timeframe:   r.Timeframe,
		TimestampMS: r.TimestampMS,
		Open:        r.Open,
		High:        r.High,
		Low:         r.Low,
		Close:       r.Close,
		Volume:      r.Volume,
		Confirmed:   true,
	}
}

// QueueSource distinguishes candles produced by the live stream from those
// produced by the Reconciler's REST backfill (spec §3, QueueEnvelope).
type QueueSource string

const (
	SourceStream QueueSource = "stream"
	SourceREST   QueueSource = "rest"
)

// QueueEnvelope is the unit placed on the broker's candle_queue / dead_letter_queue.
type QueueEnvelope struct {
	Candle     Candle      `json:"candle"`
	ReceivedAt time.Time   `json:"received_at"`
	Source     QueueSource `json:"source"`
	RetryCount int         `json:"retry_count,omitempty"`
	Error      string      `json:"error,omitempty"`
	FailedAt   *time.Time  `json:"failed_at,omitempty"`
}

// Gap is a maximal contiguous range of missing expected timestamps (spec §4.4).
type Gap struct {
	Start int64
	End   int64
}
