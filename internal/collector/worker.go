// Package collector implements the per-symbol streaming worker and its
// supervisor (SPEC_FULL.md §4.2, §4.5). Grounded on
// internal/fetcher/alpaca/stream_client.go's connect/readLoop/reconnect
// shape and internal/worker/pool.go's map-of-workers supervisor pattern,
// rewritten against internal/venue's candle subscribe protocol and the
// broker-backed queue/status plumbing described in
// original_source/services/collector/app/websocket/okx_client.py.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/persister"
	"github.com/vantage-labs/candlestream/internal/venue"
)

// State is the Worker's connection lifecycle (spec §4.2).
type State string

const (
	StateInit         State = "init"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateStreaming    State = "streaming"
	StateDisconnected State = "disconnected"
	StateBackoff      State = "backoff"
	StateStopped      State = "stopped"
)

// Transport is the subset of venue.StreamClient the Worker depends on,
// narrowed to an interface so tests can drive the state machine without a
// live socket.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(symbol string, timeframes []models.Timeframe) error
	Unsubscribe(symbol string, timeframes []models.Timeframe) error
	ReadMessage() (models.WireMessage, error)
	Close() error
}

// TransportFactory builds a fresh Transport for each (re)connect attempt,
// mirroring how a real socket cannot be reused after a close.
type TransportFactory func() Transport

// Worker owns one symbol's stream connection, reconnect/backoff policy, and
// status publication.
type Worker struct {
	symbol     string
	timeframes []models.Timeframe
	newTransport TransportFactory
	b          broker.Broker
	cfg        config.BackoffConfig
	logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.RWMutex
	state          State
	reconnectCount int
	messageCount   int64
	errorCount     int64
	startedAt      time.Time
}

func NewWorker(symbol string, timeframes []models.Timeframe, newTransport TransportFactory, b broker.Broker, cfg config.BackoffConfig, logger zerolog.Logger) *Worker {
	return &Worker{
		symbol:       symbol,
		timeframes:   timeframes,
		newTransport: newTransport,
		b:            b,
		cfg:          cfg,
		state:        StateInit,
		logger:       logger.With().Str("component", "collector_worker").Str("symbol", symbol).Logger(),
	}
}

// Start launches the worker's connect/stream/reconnect loop. Idempotent per
// symbol is enforced by the Supervisor, not the Worker itself.
func (w *Worker) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.startedAt = time.Now()

	w.wg.Add(1)
	go w.run()
}

// Stop cooperatively tears down the connection and waits for the run loop to exit.
func (w *Worker) Stop() {
	w.setState(StateStopped)
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) Status() models.CollectorStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	channels := make([]string, 0, len(w.timeframes))
	for _, tf := range w.timeframes {
		channels = append(channels, string(tf))
	}

	return models.CollectorStatus{
		Symbol:         w.symbol,
		Connected:      w.state == StateStreaming || w.state == StateSubscribed,
		ReconnectCount: w.reconnectCount,
		MessageCount:   w.messageCount,
		ErrorCount:     w.errorCount,
		UptimeS:        time.Since(w.startedAt).Seconds(),
		Channels:       channels,
		LastUpdate:     time.Now(),
	}
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		w.setState(StateConnecting)
		transport := w.newTransport()

		if err := transport.Connect(w.ctx); err != nil {
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			w.logger.Warn().Err(err).Msg("connect failed, backing off")
			if !w.backoffSleep() {
				return
			}
			continue
		}

		if err := transport.Subscribe(w.symbol, w.timeframes); err != nil {
			transport.Close()
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			w.logger.Warn().Err(err).Msg("subscribe failed, backing off")
			if !w.backoffSleep() {
				return
			}
			continue
		}

		w.setState(StateSubscribed)
		w.publishStatus()

		w.mu.Lock()
		w.reconnectCount = 0
		w.mu.Unlock()
		w.setState(StateStreaming)

		w.readLoop(transport)
		transport.Close()

		if w.ctx.Err() != nil {
			return
		}

		w.setState(StateDisconnected)
		if !w.backoffSleep() {
			return
		}
	}
}

// readLoop consumes frames until the connection breaks or the worker stops.
func (w *Worker) readLoop(transport Transport) {
	for {
		if w.ctx.Err() != nil {
			return
		}

		msg, err := transport.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			w.logger.Warn().Err(err).Msg("read failed, connection lost")
			return
		}

		w.handleMessage(msg)
		w.publishStatus()
	}
}

func (w *Worker) handleMessage(msg models.WireMessage) {
	switch msg.Event {
	case models.WireEventSubscribe:
		w.logger.Info().Str("channel", msg.Arg.Channel).Msg("subscription acknowledged")
	case models.WireEventError:
		w.mu.Lock()
		w.errorCount++
		w.mu.Unlock()
		w.logger.Error().Str("code", msg.Code).Str("msg", msg.Msg).Msg("stream error frame")
	case models.WireEventData:
		w.handleCandleData(msg)
	default:
		w.logger.Debug().Str("event", string(msg.Event)).Msg("ignoring unrecognized event")
	}
}

// enqueueAttempts bounds how many times a candle push to the broker is tried
// before the candle is dropped.
const enqueueAttempts = 3

func (w *Worker) handleCandleData(msg models.WireMessage) {
	tf, err := timeframeFromChannel(msg.Arg.Channel)
	if err != nil {
		w.mu.Lock()
		w.errorCount++
		w.mu.Unlock()
		w.logger.Warn().Err(err).Str("channel", msg.Arg.Channel).Msg("unrecognized candle channel")
		return
	}

	for _, row := range msg.Candles {
		candle, confirmed, ok := parseAndValidateRow(w.symbol, tf, row)
		if !ok || !confirmed {
			continue
		}

		var err error
		for attempt := 0; attempt < enqueueAttempts; attempt++ {
			if err = persister.Enqueue(w.ctx, w.b, candle, models.SourceStream); err == nil {
				break
			}
		}
		if err != nil {
			w.mu.Lock()
			w.errorCount++
			w.mu.Unlock()
			w.logger.Error().Err(err).Int("attempts", enqueueAttempts).Msg("failed to enqueue candle, dropping it")
			continue
		}

		w.mu.Lock()
		w.messageCount++
		w.mu.Unlock()
	}
}

func timeframeFromChannel(channel string) (models.Timeframe, error) {
	rendered := strings.TrimPrefix(channel, "candle")
	if rendered == channel {
		return "", fmt.Errorf("collector: channel %q missing candle prefix", channel)
	}
	return models.TimeframeFromRendered(rendered)
}

func (w *Worker) publishStatus() {
	payload, err := json.Marshal(w.Status())
	if err != nil {
		return
	}
	_ = w.b.SetKV(w.ctx, broker.KeyStatus(w.symbol), payload, 300*time.Second)
}

// backoffSleep sleeps for the current backoff delay and advances the
// reconnect counter. Returns false if the worker was stopped or the attempt
// budget (MaxReconnectAttempts, 0 = infinite) is exhausted.
func (w *Worker) backoffSleep() bool {
	w.mu.Lock()
	attempt := w.reconnectCount
	w.reconnectCount++
	w.mu.Unlock()

	if w.cfg.MaxReconnectAttempts > 0 && attempt >= w.cfg.MaxReconnectAttempts {
		w.logger.Error().Int("attempts", attempt).Msg("exhausted max reconnect attempts, giving up")
		return false
	}

	delay := ComputeBackoff(attempt, time.Duration(w.cfg.InitialReconnectDelaySeconds)*time.Second, time.Duration(w.cfg.MaxReconnectDelaySeconds)*time.Second)
	w.setState(StateBackoff)
	w.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting after backoff")

	select {
	case <-time.After(delay):
		return true
	case <-w.ctx.Done():
		return false
	}
}

// ComputeBackoff doubles the initial delay once per prior attempt, capped at
// max (spec §4.2, seed test S6). Pure function, independently testable.
func ComputeBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func parseAndValidateRow(symbol string, tf models.Timeframe, row []string) (models.Candle, bool, bool) {
	candles := venue.ParseCandleRows(symbol, tf, [][]string{row})
	if len(candles) == 0 {
		return models.Candle{}, false, false
	}
	candle := candles[0]
	if err := candle.Validate(); err != nil {
		return models.Candle{}, false, false
	}
	return candle, true, true
}
