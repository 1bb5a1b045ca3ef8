package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the candlestick schema to the configured database",
	Long:  `migrate creates the trading schema and tables if they don't already exist. It is idempotent and safe to run on every deploy.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewConnection(cfg.Database, logger.NewContextLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := db.GetConnection().ExecContext(ctx, store.Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	fmt.Println("schema applied successfully")
	return nil
}
