// Package reconciler repairs gaps, duplicates, and invalid rows in the
// durable store (SPEC_FULL.md §4.4): a scheduled windowed-repair pass over
// recently active symbols, plus an on-demand historical backfill. Grounded
// on original_source/services/reconciler/app/reconciler.py for the
// dedup -> purge -> gap-detect -> gap-fill ordering, and on
// original_source/scripts/backfill_historical.py for the paginated,
// concurrency-bounded backfill walk. The scheduling wrapper is the first
// real caller of robfig/cron/v3 in this tree.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/store"
)

// RESTFetcher is the subset of venue.RESTClient the reconciler depends on;
// an interface so tests can drive gap-fill and backfill against a fake oracle.
type RESTFetcher interface {
	FetchOHLCV(ctx context.Context, symbol string, timeframe models.Timeframe, sinceMs int64, limit int) ([]models.Candle, error)
}

type Reconciler struct {
	store     store.Store
	rest      RESTFetcher
	cfg       config.ReconcilerConfig
	rateLimit time.Duration
	logger    zerolog.Logger

	cronSched *cron.Cron
	running   atomic.Bool
}

// New wires a Reconciler against the durable store and the venue's REST
// client. rateLimitMS is the venue's advertised rate-limit interval
// (config.VenueConfig.RateLimitIntervalMS) and is honored between
// consecutive REST calls in both gap-fill and historical backfill.
func New(s store.Store, rest RESTFetcher, cfg config.ReconcilerConfig, rateLimitMS int, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:     s,
		rest:      rest,
		cfg:       cfg,
		rateLimit: time.Duration(rateLimitMS) * time.Millisecond,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// StartScheduled registers the windowed-repair job on the configured cron
// spec (default daily at midnight) and starts the scheduler.
func (r *Reconciler) StartScheduled(ctx context.Context) error {
	r.cronSched = cron.New()
	_, err := r.cronSched.AddFunc(r.cfg.CronSpec, func() {
		if !r.running.CompareAndSwap(false, true) {
			r.logger.Warn().Msg("windowed repair still running, skipping this tick")
			return
		}
		defer r.running.Store(false)

		if err := r.RunWindowedRepair(ctx); err != nil {
			r.logger.Error().Err(err).Msg("windowed repair failed")
		}
	})
	if err != nil {
		return fmt.Errorf("reconciler: schedule windowed repair: %w", err)
	}

	r.cronSched.Start()
	r.logger.Info().Str("cron_spec", r.cfg.CronSpec).Msg("reconciler scheduled")
	return nil
}

func (r *Reconciler) Stop() {
	if r.cronSched != nil {
		ctx := r.cronSched.Stop()
		<-ctx.Done()
	}
}

func (r *Reconciler) targetTimeframes() []models.Timeframe {
	out := make([]models.Timeframe, 0, len(r.cfg.TargetTimeframes))
	for _, s := range r.cfg.TargetTimeframes {
		tf := models.Timeframe(s)
		if tf.IsValid() {
			out = append(out, tf)
		}
	}
	return out
}

// RunWindowedRepair dedups, purges invalid rows, and fills gaps for every
// symbol active within the lookback window, across every target timeframe.
func (r *Reconciler) RunWindowedRepair(ctx context.Context) error {
	return r.RunWindowedRepairFor(ctx, nil)
}

// RunWindowedRepairFor behaves like RunWindowedRepair but restricts the pass
// to the given symbols; a nil or empty slice falls back to every symbol
// active within the lookback window (spec's `reconciler windowed --symbols`).
func (r *Reconciler) RunWindowedRepairFor(ctx context.Context, symbols []string) error {
	since := time.Now().Add(-time.Duration(r.cfg.LookbackHours) * time.Hour)
	windowStart := since.UnixMilli()
	windowEnd := time.Now().UnixMilli()

	if len(symbols) == 0 {
		active, err := r.store.ActiveSymbols(ctx, since)
		if err != nil {
			return fmt.Errorf("reconciler: active symbols: %w", err)
		}
		symbols = active
	}

	timeframes := r.targetTimeframes()
	r.logger.Info().Int("symbols", len(symbols)).Int("timeframes", len(timeframes)).Msg("starting windowed repair")

	for _, symbol := range symbols {
		for _, tf := range timeframes {
			if err := r.repairOne(ctx, symbol, tf, windowStart, windowEnd); err != nil {
				r.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("repair failed for symbol/timeframe")
			}
		}
	}
	return nil
}

// ReportGaps runs the read-only half of windowed repair (gap detection only,
// no dedup/purge/fill) for the given symbols, or every active symbol if none
// are given. Backs the CLI's `reconciler windowed --dry-run`.
func (r *Reconciler) ReportGaps(ctx context.Context, symbols []string) (map[string][]models.Gap, error) {
	since := time.Now().Add(-time.Duration(r.cfg.LookbackHours) * time.Hour)
	windowStart := since.UnixMilli()
	windowEnd := time.Now().UnixMilli()

	if len(symbols) == 0 {
		active, err := r.store.ActiveSymbols(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("reconciler: active symbols: %w", err)
		}
		symbols = active
	}

	report := make(map[string][]models.Gap)
	for _, symbol := range symbols {
		for _, tf := range r.targetTimeframes() {
			timestamps, err := r.store.ListTimestamps(ctx, symbol, tf, windowStart, windowEnd)
			if err != nil {
				return nil, fmt.Errorf("list timestamps for %s/%s: %w", symbol, tf, err)
			}
			gaps := DetectGaps(timestamps, windowStart, windowEnd, tf.IntervalMS())
			if len(gaps) > 0 {
				report[fmt.Sprintf("%s/%s", symbol, tf)] = gaps
			}
		}
	}
	return report, nil
}

func (r *Reconciler) repairOne(ctx context.Context, symbol string, tf models.Timeframe, windowStart, windowEnd int64) error {
	deduped, err := r.store.DedupWindow(ctx, symbol, tf, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("dedup: %w", err)
	}
	purged, err := r.store.PurgeInvalid(ctx, symbol, tf, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("purge invalid: %w", err)
	}
	if deduped > 0 || purged > 0 {
		r.logger.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int64("deduped", deduped).Int64("purged", purged).Msg("repaired duplicate/invalid rows")
	}

	timestamps, err := r.store.ListTimestamps(ctx, symbol, tf, windowStart, windowEnd)
	if err != nil {
		return fmt.Errorf("list timestamps: %w", err)
	}

	gaps := DetectGaps(timestamps, windowStart, windowEnd, tf.IntervalMS())
	if len(gaps) == 0 {
		return nil
	}

	r.logger.Info().Str("symbol", symbol).Str("timeframe", string(tf)).Int("gaps", len(gaps)).Msg("detected gaps, filling")
	for _, gap := range gaps {
		if err := r.fillGap(ctx, symbol, tf, gap); err != nil {
			r.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Int64("gap_start", gap.Start).Int64("gap_end", gap.End).Msg("gap fill failed")
		}
	}
	return nil
}

// DetectGaps walks a sorted-ascending list of stored timestamps within
// [windowStart, windowEnd] and coalesces missing expected slots into maximal
// contiguous Gap ranges. Pure function, independently testable (seed test S2).
func DetectGaps(timestamps []int64, windowStart, windowEnd, intervalMS int64) []models.Gap {
	if intervalMS <= 0 {
		return nil
	}

	var gaps []models.Gap
	expected := alignUp(windowStart, intervalMS)

	for _, ts := range timestamps {
		if ts < expected {
			continue
		}
		if ts > expected {
			gaps = append(gaps, models.Gap{Start: expected, End: ts - intervalMS})
		}
		expected = ts + intervalMS
	}

	if expected <= windowEnd {
		gaps = append(gaps, models.Gap{Start: expected, End: alignDown(windowEnd, intervalMS)})
	}

	return gaps
}

func alignUp(ts, interval int64) int64 {
	if ts%interval == 0 {
		return ts
	}
	return ts + (interval - ts%interval)
}

func alignDown(ts, interval int64) int64 {
	return ts - ts%interval
}

// fillGap paginates the REST client across a gap until it is fully covered.
// Each page is filtered to rows inside [gap.Start, gap.End] and checked with
// Candle.Validate (volume > 0, close > 0) before being written with
// UpsertIgnoreConflict. The other invariants (price ordering, alignment) are
// not checked here, so such a row is written and removed by the next purge.
func (r *Reconciler) fillGap(ctx context.Context, symbol string, tf models.Timeframe, gap models.Gap) error {
	interval := tf.IntervalMS()
	cursor := gap.Start - interval

	for cursor < gap.End {
		candles, err := r.rest.FetchOHLCV(ctx, symbol, tf, cursor, r.cfg.GapFillPageLimit)
		if err != nil {
			return fmt.Errorf("fetch ohlcv: %w", err)
		}
		time.Sleep(r.rateLimit)
		if len(candles) == 0 {
			return nil
		}

		inRange := make([]models.Candle, 0, len(candles))
		for _, c := range candles {
			if c.TimestampMS < gap.Start || c.TimestampMS > gap.End {
				continue
			}
			if err := c.Validate(); err != nil {
				r.logger.Warn().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Int64("ts", c.TimestampMS).Msg("dropping invalid gap-fill row")
				continue
			}
			inRange = append(inRange, c)
		}

		if len(inRange) > 0 {
			if _, err := r.store.UpsertIgnoreConflict(ctx, inRange); err != nil {
				return fmt.Errorf("upsert gap-filled rows: %w", err)
			}
		}

		last := candles[len(candles)-1].TimestampMS
		if last <= cursor {
			return nil
		}
		cursor = last
	}
	return nil
}

// RunHistoricalBackfill paginates each symbol's full target-timeframe
// history back to lookbackHours, bounding concurrency across symbols to
// BackfillConcurrency while walking each symbol's timeframes serially.
func (r *Reconciler) RunHistoricalBackfill(ctx context.Context, symbols []string) error {
	sem := make(chan struct{}, r.cfg.BackfillConcurrency)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	since := time.Now().Add(-time.Duration(r.cfg.LookbackHours) * time.Hour).UnixMilli()

	for _, symbol := range symbols {
		symbol := symbol
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			for _, tf := range r.targetTimeframes() {
				if err := r.backfillOne(ctx, symbol, tf, since); err != nil {
					r.logger.Error().Err(err).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("backfill failed")
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	return firstErr
}

func (r *Reconciler) backfillOne(ctx context.Context, symbol string, tf models.Timeframe, sinceMs int64) error {
	cursor := sinceMs
	for {
		candles, err := r.rest.FetchOHLCV(ctx, symbol, tf, cursor, r.cfg.GapFillPageLimit)
		if err != nil {
			return fmt.Errorf("fetch ohlcv: %w", err)
		}
		time.Sleep(r.rateLimit)
		if len(candles) == 0 {
			return nil
		}

		if _, err := r.store.UpsertIgnoreConflict(ctx, candles); err != nil {
			return fmt.Errorf("upsert backfilled rows: %w", err)
		}

		last := candles[len(candles)-1].TimestampMS
		if last < cursor {
			return nil
		}
		cursor = last + tf.IntervalMS()
		if cursor >= time.Now().UnixMilli() {
			return nil
		}
	}
}
