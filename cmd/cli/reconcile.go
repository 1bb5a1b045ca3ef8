package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/reconciler"
	"github.com/vantage-labs/candlestream/internal/store"
	"github.com/vantage-labs/candlestream/internal/venue"
)

var (
	reconcileHours     int
	reconcileSymbols   []string
	reconcileDryRun    bool
	backfillDays       int
	backfillTimeframes []string

	reconcilerCmd = &cobra.Command{
		Use:   "reconciler",
		Short: "Run reconciliation tasks: windowed repair or historical backfill",
	}

	reconcilerWindowedCmd = &cobra.Command{
		Use:   "windowed",
		Short: "Run a single windowed-repair pass (dedup, purge invalid, gap-fill)",
		RunE:  runReconcilerWindowed,
	}

	reconcilerBackfillCmd = &cobra.Command{
		Use:   "backfill SYMBOL",
		Short: "Backfill historical candles for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE:  runReconcilerBackfill,
	}
)

func init() {
	reconcilerWindowedCmd.Flags().IntVar(&reconcileHours, "hours", 25, "lookback window in hours")
	reconcilerWindowedCmd.Flags().StringSliceVar(&reconcileSymbols, "symbols", nil, "restrict to these symbols (default: all active symbols)")
	reconcilerWindowedCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report detected gaps without dedup, purge, or gap-fill")

	reconcilerBackfillCmd.Flags().IntVar(&backfillDays, "days", 30, "number of days to backfill")
	reconcilerBackfillCmd.Flags().StringSliceVar(&backfillTimeframes, "timeframes", []string{"1m", "5m", "15m", "1h", "1d"}, "timeframes to backfill")

	reconcilerCmd.AddCommand(reconcilerWindowedCmd)
	reconcilerCmd.AddCommand(reconcilerBackfillCmd)
}

// newReconciler wires a Reconciler against the live database and venue REST
// client, optionally overriding the configured lookback window and target
// timeframes for a single CLI invocation.
func newReconciler(lookbackHoursOverride int, targetTimeframesOverride []string) (*reconciler.Reconciler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := store.NewConnection(cfg.Database, logger.NewContextLogger("store"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	repo := store.NewRepository(db, logger.NewContextLogger("store"))
	rest := venue.NewRESTClient(cfg.Venue, logger.NewContextLogger("venue_rest"))

	rc := cfg.Reconciler
	if lookbackHoursOverride > 0 {
		rc.LookbackHours = lookbackHoursOverride
	}
	if len(targetTimeframesOverride) > 0 {
		rc.TargetTimeframes = targetTimeframesOverride
	}

	return reconciler.New(repo, rest, rc, cfg.Venue.RateLimitIntervalMS, logger.NewContextLogger("reconciler")), nil
}

func runReconcilerWindowed(cmd *cobra.Command, args []string) error {
	rec, err := newReconciler(reconcileHours, nil)
	if err != nil {
		return err
	}

	if reconcileDryRun {
		report, err := rec.ReportGaps(context.Background(), reconcileSymbols)
		if err != nil {
			return fmt.Errorf("dry-run gap report failed: %w", err)
		}
		if len(report) == 0 {
			fmt.Println("no gaps detected")
			return nil
		}
		for key, gaps := range report {
			fmt.Printf("%s: %d gap(s)\n", key, len(gaps))
			for _, gap := range gaps {
				fmt.Printf("  %d -> %d\n", gap.Start, gap.End)
			}
		}
		return nil
	}

	if err := rec.RunWindowedRepairFor(context.Background(), reconcileSymbols); err != nil {
		return fmt.Errorf("windowed repair failed: %w", err)
	}

	fmt.Println("windowed repair complete")
	return nil
}

func runReconcilerBackfill(cmd *cobra.Command, args []string) error {
	symbol := args[0]

	rec, err := newReconciler(backfillDays*24, backfillTimeframes)
	if err != nil {
		return err
	}

	if err := rec.RunHistoricalBackfill(context.Background(), []string{symbol}); err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}

	fmt.Printf("backfill complete for %s (%d day lookback across %s)\n", symbol, backfillDays, strings.Join(backfillTimeframes, ","))
	return nil
}
