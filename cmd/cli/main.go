package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/logger"
)

// rootCmd is the single entrypoint binary: serve, start_collection,
// reconciler, and migrate are all subcommands of it (SPEC_FULL.md §6).
var (
	rootCmd = &cobra.Command{
		Use:   "candlestream",
		Short: "Exchange candlestick ingestion, persistence, and reconciliation",
		Long:  `candlestream collects OHLCV candles from a single configurable exchange, persists them durably, and repairs gaps on a schedule.`,
	}

	logLevel string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCollectionCmd)
	rootCmd.AddCommand(reconcilerCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and applies the --log-level override
// shared by every subcommand.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.InitLogger(cfg.LogLevel, cfg.Environment)
	return cfg, nil
}
