package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/collector"
	"github.com/vantage-labs/candlestream/internal/httpapi"
	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/persister"
	"github.com/vantage-labs/candlestream/internal/reconciler"
	"github.com/vantage-labs/candlestream/internal/store"
	"github.com/vantage-labs/candlestream/internal/venue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface together with the collector, persister, and reconciler",
	Long:  `serve assembles every long-running component into a single process: the collector supervisor, the batching persister, the scheduled reconciler, and the HTTP control/query surface.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.NewConnection(cfg.Database, logger.NewContextLogger("store"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	repo := store.NewRepository(db, logger.NewContextLogger("store"))

	b, err := broker.NewRedisBroker(broker.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	}, logger.NewContextLogger("broker"))
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer b.Close()

	rest := venue.NewRESTClient(cfg.Venue, logger.NewContextLogger("venue_rest"))

	newTransport := func() collector.Transport {
		return venue.NewStreamClient(cfg.Venue, logger.NewContextLogger("venue_stream"))
	}
	supervisor := collector.NewSupervisor(newTransport, b, cfg.Backoff, logger.NewContextLogger("collector"))
	supervisor.Start()

	p := persister.New(b, repo, cfg.Batching, logger.NewContextLogger("persister"))
	p.Start()
	defer p.Stop()

	rec := reconciler.New(repo, rest, cfg.Reconciler, cfg.Venue.RateLimitIntervalMS, logger.NewContextLogger("reconciler"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := rec.StartScheduled(ctx); err != nil {
		return fmt.Errorf("failed to start reconciler schedule: %w", err)
	}
	defer rec.Stop()

	if cfg.Collector.AutoStart && cfg.Collector.DefaultSymbol != "" {
		timeframes := parseTimeframes(cfg.Collector.DefaultTimeframes)
		supervisor.Subscribe(cfg.Collector.DefaultSymbol, timeframes)
	}

	router := httpapi.NewRouter(supervisor, b, db, repo)
	withMiddleware := applyMiddleware(router, cfg.Server.EnableCORS)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      withMiddleware,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	serveErrs := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		fmt.Fprintf(os.Stderr, "received signal %s, shutting down\n", sig)
	case err := <-serveErrs:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "http server shutdown error: %v\n", err)
	}

	supervisor.Shutdown(15 * time.Second)

	return nil
}

func applyMiddleware(handler http.Handler, enableCORS bool) http.Handler {
	if enableCORS {
		inner := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			inner.ServeHTTP(w, r)
		})
	}
	return handler
}

func parseTimeframes(raw []string) []models.Timeframe {
	out := make([]models.Timeframe, 0, len(raw))
	for _, s := range raw {
		tf := models.Timeframe(strings.TrimSpace(s))
		if tf.IsValid() {
			out = append(out, tf)
		}
	}
	return out
}
