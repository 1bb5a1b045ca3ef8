// Package persister drains the broker's candle_queue into the durable store
// in batches, and retries failed batches through the dead_letter_queue
// (SPEC_FULL.md §4.3). Grounded on the shape of internal/worker/pool.go's
// Start/Stop lifecycle, with the batching algorithm itself grounded on
// original_source/services/processor/app/processors/batch_processor.py.
package persister

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/store"
)

// Persister owns the candle_queue drain loop, the dead_letter_queue retry
// loop, and periodic metrics publication.
type Persister struct {
	broker broker.Broker
	store  store.Store
	cfg    config.BatchingConfig
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(b broker.Broker, s store.Store, cfg config.BatchingConfig, logger zerolog.Logger) *Persister {
	ctx, cancel := context.WithCancel(context.Background())
	return &Persister{
		broker: b,
		store:  s,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "persister").Logger(),
	}
}

// Start launches the drain loop, the DLQ retry loop, and the metrics loop.
func (p *Persister) Start() {
	p.logger.Info().Int("batch_size", p.cfg.BatchSize).Int("batch_timeout_secs", p.cfg.BatchTimeoutSecs).Msg("starting persister")

	p.wg.Add(1)
	go p.drainLoop()

	p.wg.Add(1)
	go p.dlqRetryLoop()

	p.wg.Add(1)
	go p.metricsLoop()
}

// Stop cancels all loops and waits for them to return.
func (p *Persister) Stop() {
	p.logger.Info().Msg("stopping persister")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("persister stopped")
}

// drainLoop implements the batching write path: one blocking pop bounded by
// BatchTimeoutSecs, then greedy non-blocking pops up to BatchSize-1, then a
// single UpsertBatch call for the whole batch.
func (p *Persister) drainLoop() {
	defer p.wg.Done()

	for {
		if p.ctx.Err() != nil {
			return
		}

		batch, ok := p.collectBatch()
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}

		if err := p.store.UpsertBatch(p.ctx, toCandles(batch)); err != nil {
			p.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("batch upsert failed, routing to dead letter queue")
			p.sendToDeadLetter(batch, err)
			continue
		}

		p.logger.Debug().Int("batch_size", len(batch)).Msg("batch persisted")
	}
}

func (p *Persister) collectBatch() ([]models.QueueEnvelope, bool) {
	timeout := time.Duration(p.cfg.BatchTimeoutSecs) * time.Second

	first, err := p.broker.PopBlocking(p.ctx, broker.QueueCandles, timeout)
	if err != nil {
		if p.ctx.Err() != nil {
			return nil, false
		}
		p.logger.Error().Err(err).Msg("blocking pop failed")
		return nil, true
	}
	if first == nil {
		return nil, true
	}

	batch := make([]models.QueueEnvelope, 0, p.cfg.BatchSize)
	if env, ok := decodeEnvelope(first, p.logger); ok {
		batch = append(batch, env)
	}

	for len(batch) < p.cfg.BatchSize {
		payload, err := p.broker.PopNonBlocking(p.ctx, broker.QueueCandles)
		if err != nil || payload == nil {
			break
		}
		if env, ok := decodeEnvelope(payload, p.logger); ok {
			batch = append(batch, env)
		}
	}

	return batch, true
}

func decodeEnvelope(payload []byte, logger zerolog.Logger) (models.QueueEnvelope, bool) {
	var env models.QueueEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Error().Err(err).Msg("dropping malformed queue envelope")
		return env, false
	}
	return env, true
}

func toCandles(envs []models.QueueEnvelope) []models.Candle {
	out := make([]models.Candle, len(envs))
	for i, e := range envs {
		out[i] = e.Candle
	}
	return out
}

func (p *Persister) sendToDeadLetter(batch []models.QueueEnvelope, cause error) {
	now := time.Now()
	for _, env := range batch {
		env.RetryCount++
		env.Error = cause.Error()
		env.FailedAt = &now

		payload, err := json.Marshal(env)
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to marshal dead letter envelope")
			continue
		}
		if err := p.broker.Push(p.ctx, broker.QueueDeadLetter, payload); err != nil {
			p.logger.Error().Err(err).Msg("failed to push to dead letter queue")
		}
	}
}

// dlqRetryLoop re-drives failed envelopes back onto candle_queue after a
// linear retry_count*10s backoff, abandoning an envelope once it has
// exhausted MaxRetries (Open Question (a), resolved in SPEC_FULL.md §9).
func (p *Persister) dlqRetryLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainDeadLetterOnce()
		}
	}
}

func (p *Persister) drainDeadLetterOnce() {
	for {
		payload, err := p.broker.PopNonBlocking(p.ctx, broker.QueueDeadLetter)
		if err != nil || payload == nil {
			return
		}

		env, ok := decodeEnvelope(payload, p.logger)
		if !ok {
			continue
		}

		if env.RetryCount > p.cfg.MaxRetries {
			p.logger.Error().Str("symbol", env.Candle.Symbol).Str("timeframe", string(env.Candle.Timeframe)).
				Int64("timestamp_ms", env.Candle.TimestampMS).Int("retry_count", env.RetryCount).
				Msg("abandoning candle after exhausting retries")
			continue
		}

		backoff := time.Duration(env.RetryCount) * 10 * time.Second
		if env.FailedAt != nil && time.Since(*env.FailedAt) < backoff {
			requeue, _ := json.Marshal(env)
			p.broker.Push(p.ctx, broker.QueueDeadLetter, requeue)
			return
		}

		requeue, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := p.broker.Push(p.ctx, broker.QueueCandles, requeue); err != nil {
			p.logger.Error().Err(err).Msg("failed to requeue dead letter envelope")
		}
	}
}

// metricsLoop publishes a ProcessorMetrics snapshot to KV every 30 seconds,
// marking the service degraded once candle_queue backs up past QueueWarnLength.
func (p *Persister) metricsLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.publishMetrics()
		}
	}
}

func (p *Persister) publishMetrics() {
	candleLen, err := p.broker.QueueLen(p.ctx, broker.QueueCandles)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read candle queue length")
		return
	}
	dlqLen, err := p.broker.QueueLen(p.ctx, broker.QueueDeadLetter)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to read dead letter queue length")
		return
	}

	metrics := models.ProcessorMetrics{
		CandleQueueLength: int(candleLen),
		DeadLetterLength:  int(dlqLen),
		Degraded:          int(candleLen) > p.cfg.QueueWarnLength,
		LastUpdate:        time.Now(),
	}
	if metrics.Degraded {
		p.logger.Warn().Int64("candle_queue_length", candleLen).Int("threshold", p.cfg.QueueWarnLength).Msg("candle queue backlog exceeds warning threshold")
	}

	payload, err := json.Marshal(metrics)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to marshal processor metrics")
		return
	}
	if err := p.broker.SetKV(p.ctx, broker.KeyProcessorMetrics, payload, 60*time.Second); err != nil {
		p.logger.Error().Err(err).Msg("failed to publish processor metrics")
	}
}

// Enqueue marshals and pushes a candle onto candle_queue; it is the
// Collector's ingress point. The Reconciler does not use it: gap-fill and
// backfill rows go straight to the store via UpsertIgnoreConflict.
func Enqueue(ctx context.Context, b broker.Broker, candle models.Candle, source models.QueueSource) error {
	env := models.QueueEnvelope{Candle: candle, ReceivedAt: time.Now(), Source: source}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.Push(ctx, broker.QueueCandles, payload)
}
