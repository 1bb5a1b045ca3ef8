package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/broker"
	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/models"
)

// CollectorController is the subset of collector.Supervisor the HTTP surface
// drives; narrowed to an interface so handlers can be tested without a real
// supervisor.
type CollectorController interface {
	Subscribe(symbol string, timeframes []models.Timeframe)
	Unsubscribe(symbol string)
	Status(symbol string) (models.CollectorStatus, bool)
}

// subscribeCommand is published on broker topic collector:<symbol> so any
// process watching that channel (not just this one) reacts to the command
// (spec §6).
type subscribeCommand struct {
	Action     string   `json:"action"`
	Symbols    []string `json:"symbols,omitempty"`
	Timeframes []string `json:"timeframes,omitempty"`
}

// SubscriptionHandler implements the control surface: POST /subscribe,
// DELETE /subscribe/{symbol}, GET /status/{symbol}, GET /subscriptions.
type SubscriptionHandler struct {
	collector CollectorController
	broker    broker.Broker
	logger    zerolog.Logger
}

func NewSubscriptionHandler(collector CollectorController, b broker.Broker) *SubscriptionHandler {
	return &SubscriptionHandler{
		collector: collector,
		broker:    b,
		logger:    logger.NewContextLogger("subscription_handler"),
	}
}

// PostSubscribe handles POST /subscribe.
func (h *SubscriptionHandler) PostSubscribe(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()
	reqLogger := logger.NewRequestLogger(correlationID, r.Method, r.URL.Path)

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(req.Symbols) == 0 {
		writeError(w, correlationID, http.StatusBadRequest, "symbols is required", nil)
		return
	}
	if len(req.Timeframes) == 0 {
		writeError(w, correlationID, http.StatusBadRequest, "timeframes is required", nil)
		return
	}

	timeframes := make([]models.Timeframe, 0, len(req.Timeframes))
	for _, s := range req.Timeframes {
		tf := models.Timeframe(s)
		if !tf.IsValid() {
			writeError(w, correlationID, http.StatusBadRequest, fmt.Sprintf("invalid timeframe: %s", s), nil)
			return
		}
		timeframes = append(timeframes, tf)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	createdAt := time.Now()
	for _, symbol := range req.Symbols {
		h.collector.Subscribe(symbol, timeframes)

		state := models.SubscriptionState{Symbol: symbol, Timeframes: timeframes, CreatedAt: createdAt}
		payload, err := json.Marshal(state)
		if err != nil {
			continue
		}
		if err := h.broker.SetKV(ctx, broker.KeySubscription(symbol), payload, time.Hour); err != nil {
			reqLogger.Error().Err(err).Str("symbol", symbol).Msg("failed to persist subscription state")
		}

		cmd, _ := json.Marshal(subscribeCommand{Action: "subscribe", Symbols: []string{symbol}, Timeframes: req.Timeframes})
		if err := h.broker.Publish(ctx, fmt.Sprintf(broker.TopicCollectorFmt, symbol), cmd); err != nil {
			reqLogger.Error().Err(err).Str("symbol", symbol).Msg("failed to publish subscribe command")
		}
	}

	writeJSON(w, correlationID, http.StatusOK, SubscribeResponse{SubscriptionID: correlationID, CreatedAt: createdAt})
	reqLogger.Info().Strs("symbols", req.Symbols).Strs("timeframes", req.Timeframes).Msg("subscribe command processed")
}

// DeleteSubscribe handles DELETE /subscribe/{symbol}.
func (h *SubscriptionHandler) DeleteSubscribe(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()
	reqLogger := logger.NewRequestLogger(correlationID, r.Method, r.URL.Path)

	symbol := mux.Vars(r)["symbol"]
	if symbol == "" {
		writeError(w, correlationID, http.StatusBadRequest, "symbol is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.collector.Unsubscribe(symbol)

	if err := h.broker.DeleteKV(ctx, broker.KeySubscription(symbol)); err != nil {
		reqLogger.Error().Err(err).Str("symbol", symbol).Msg("failed to delete subscription state")
	}

	cmd, _ := json.Marshal(subscribeCommand{Action: "unsubscribe", Symbols: []string{symbol}})
	if err := h.broker.Publish(ctx, fmt.Sprintf(broker.TopicCollectorFmt, symbol), cmd); err != nil {
		reqLogger.Error().Err(err).Str("symbol", symbol).Msg("failed to publish unsubscribe command")
	}

	w.WriteHeader(http.StatusNoContent)
	reqLogger.Info().Str("symbol", symbol).Msg("unsubscribe command processed")
}

// GetStatus handles GET /status/{symbol}.
func (h *SubscriptionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()
	symbol := mux.Vars(r)["symbol"]

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	payload, ok, err := h.broker.GetKV(ctx, broker.KeyStatus(symbol))
	if err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "failed to read collector status", err)
		return
	}
	if !ok {
		writeError(w, correlationID, http.StatusNotFound, "no collector status for symbol", nil)
		return
	}
	var status models.CollectorStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "malformed collector status", err)
		return
	}
	writeJSON(w, correlationID, http.StatusOK, status)
}

// GetSubscriptions handles GET /subscriptions. It enumerates the broker's
// subscription:* keys rather than the in-process collector's worker map, so
// the result reflects durable, multi-process subscription state (spec §6)
// rather than what happens to be running in this one.
func (h *SubscriptionHandler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := h.broker.Keys(ctx, broker.KeySubscriptionAll)
	if err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "failed to list subscriptions", err)
		return
	}

	symbols := make([]string, 0, len(keys))
	for _, key := range keys {
		symbols = append(symbols, broker.SymbolFromSubscriptionKey(key))
	}

	writeJSON(w, correlationID, http.StatusOK, map[string]interface{}{
		"symbols": symbols,
	})
}

func writeJSON(w http.ResponseWriter, correlationID string, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Correlation-ID", correlationID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, correlationID string, status int, message string, err error) {
	msg := message
	if err != nil {
		msg = fmt.Sprintf("%s: %v", message, err)
	}
	writeJSON(w, correlationID, status, ErrorResponse{
		Error:         http.StatusText(status),
		Message:       msg,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	})
}
