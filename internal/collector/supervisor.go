package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
)

// Supervisor owns the {symbol -> Worker} map and reacts to subscribe/
// unsubscribe commands (spec §4.5).
type Supervisor struct {
	newTransport TransportFactory
	b            broker.Broker
	backoffCfg   config.BackoffConfig
	logger       zerolog.Logger

	mu      sync.Mutex
	workers map[string]*Worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(newTransport TransportFactory, b broker.Broker, backoffCfg config.BackoffConfig, logger zerolog.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		newTransport: newTransport,
		b:            b,
		backoffCfg:   backoffCfg,
		workers:      make(map[string]*Worker),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With().Str("component", "supervisor").Logger(),
	}
}

// Start launches the periodic aggregate status publisher.
func (s *Supervisor) Start() {
	s.wg.Add(1)
	go s.publishAggregateStatusLoop()
}

// Subscribe instantiates and starts a worker for symbol if one doesn't
// already exist; re-subscribing an active symbol is a no-op (spec §4.5).
func (s *Supervisor) Subscribe(symbol string, timeframes []models.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[symbol]; exists {
		s.logger.Info().Str("symbol", symbol).Msg("subscribe is a no-op, worker already running")
		return
	}

	worker := NewWorker(symbol, timeframes, s.newTransport, s.b, s.backoffCfg, s.logger)
	s.workers[symbol] = worker
	worker.Start()

	s.logger.Info().Str("symbol", symbol).Int("workers", len(s.workers)).Msg("started collector worker")
}

// Unsubscribe stops and removes symbol's worker, if any.
func (s *Supervisor) Unsubscribe(symbol string) {
	s.mu.Lock()
	worker, exists := s.workers[symbol]
	if exists {
		delete(s.workers, symbol)
	}
	s.mu.Unlock()

	if !exists {
		return
	}

	worker.Stop()
	s.logger.Info().Str("symbol", symbol).Msg("stopped collector worker")
}

// Status returns the live CollectorStatus for a symbol, or false if none is running.
func (s *Supervisor) Status(symbol string) (models.CollectorStatus, bool) {
	s.mu.Lock()
	worker, exists := s.workers[symbol]
	s.mu.Unlock()
	if !exists {
		return models.CollectorStatus{}, false
	}
	return worker.Status(), true
}

// ActiveSymbols returns every symbol with a running worker.
func (s *Supervisor) ActiveSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.workers))
	for symbol := range s.workers {
		out = append(out, symbol)
	}
	return out
}

// Shutdown stops every worker cooperatively, bounded by grace.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.cancel()

	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for symbol, w := range s.workers {
		workers = append(workers, w)
		delete(s.workers, symbol)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, w := range workers {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop()
			}(w)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn().Dur("grace", grace).Msg("shutdown grace period exceeded, proceeding anyway")
	}

	s.wg.Wait()
}

func (s *Supervisor) publishAggregateStatusLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishAggregateStatus()
		}
	}
}

func (s *Supervisor) publishAggregateStatus() {
	symbols := s.ActiveSymbols()
	status := models.ServiceStatus{
		ActiveSymbols: symbols,
		WorkerCount:   len(symbols),
		LastUpdate:    time.Now(),
	}

	payload, err := json.Marshal(status)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal service status")
		return
	}
	if err := s.b.SetKV(s.ctx, broker.KeyServiceStatus, payload, 120*time.Second); err != nil {
		s.logger.Error().Err(err).Msg("failed to publish service status")
	}
}
