package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/collector"
	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/venue"
)

var (
	collectSymbols    []string
	collectTimeframes []string

	startCollectionCmd = &cobra.Command{
		Use:   "start_collection",
		Short: "Run only the collector (stream worker pool) for the given symbols",
		Long:  `start_collection runs the collector supervisor standalone, subscribing to the given symbols and timeframes and forwarding confirmed candles onto the broker queue for a separately-running persister to consume.`,
		RunE:  runStartCollection,
	}
)

func init() {
	startCollectionCmd.Flags().StringSliceVar(&collectSymbols, "symbols", nil, "comma-separated list of symbols to subscribe (required)")
	startCollectionCmd.Flags().StringSliceVar(&collectTimeframes, "timeframes", []string{"1m", "5m", "15m", "1h"}, "comma-separated list of timeframes")
	startCollectionCmd.MarkFlagRequired("symbols")
}

func runStartCollection(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	timeframes := parseTimeframes(collectTimeframes)
	if len(timeframes) == 0 {
		return fmt.Errorf("no valid timeframes in %s", strings.Join(collectTimeframes, ","))
	}

	b, err := broker.NewRedisBroker(broker.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	}, logger.NewContextLogger("broker"))
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()

	newTransport := func() collector.Transport {
		return venue.NewStreamClient(cfg.Venue, logger.NewContextLogger("venue_stream"))
	}
	supervisor := collector.NewSupervisor(newTransport, b, cfg.Backoff, logger.NewContextLogger("collector"))
	supervisor.Start()

	for _, symbol := range collectSymbols {
		supervisor.Subscribe(symbol, timeframes)
	}

	fmt.Printf("collecting %d symbol(s) across %v, press Ctrl+C to stop\n", len(collectSymbols), collectTimeframes)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	supervisor.Shutdown(15 * time.Second)
	return nil
}
