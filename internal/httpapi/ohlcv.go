package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/logger"
	"github.com/vantage-labs/candlestream/internal/models"
	"github.com/vantage-labs/candlestream/internal/store"
)

// OHLCVHandler serves the read-only query endpoints backed directly by the
// durable store (listed under internal/httpapi in DESIGN.md).
type OHLCVHandler struct {
	store  store.Store
	logger zerolog.Logger
}

func NewOHLCVHandler(s store.Store) *OHLCVHandler {
	return &OHLCVHandler{store: s, logger: logger.NewContextLogger("ohlcv_handler")}
}

// GetOHLCV handles GET /api/v1/ohlcv/{symbol}.
func (h *OHLCVHandler) GetOHLCV(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = fmt.Sprintf("%d", time.Now().UnixNano())
	}

	symbol := mux.Vars(r)["symbol"]
	if err := validateSymbol(symbol); err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid symbol", err)
		return
	}

	query := r.URL.Query()
	tf := models.Timeframe(query.Get("timeframe"))
	if tf == "" {
		tf = models.Timeframe1d
	}
	if !tf.IsValid() {
		writeError(w, correlationID, http.StatusBadRequest, "invalid timeframe", nil)
		return
	}

	limit, err := parseLimit(query.Get("limit"), 100, 1000)
	if err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid limit", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rows, err := h.store.GetBySymbol(ctx, symbol, tf, limit)
	if err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "failed to fetch candles", err)
		return
	}

	writeJSON(w, correlationID, http.StatusOK, OHLCVResponse{Symbol: symbol, Timeframe: string(tf), Count: len(rows), Data: rows})
}

// GetOHLCVHistory handles GET /api/v1/ohlcv/{symbol}/history.
func (h *OHLCVHandler) GetOHLCVHistory(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	symbol := mux.Vars(r)["symbol"]
	if err := validateSymbol(symbol); err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid symbol", err)
		return
	}

	query := r.URL.Query()
	tf := models.Timeframe(query.Get("timeframe"))
	if tf == "" {
		tf = models.Timeframe1d
	}
	if !tf.IsValid() {
		writeError(w, correlationID, http.StatusBadRequest, "invalid timeframe", nil)
		return
	}

	start, end, err := parseRange(query.Get("start"), query.Get("end"))
	if err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid date range", err)
		return
	}
	if start.After(end) {
		writeError(w, correlationID, http.StatusBadRequest, "start date must be before end date", nil)
		return
	}

	limit, err := parseLimit(query.Get("limit"), 1000, 10000)
	if err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid limit", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	rows, err := h.store.GetHistory(ctx, symbol, tf, start, end, limit)
	if err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "failed to fetch history", err)
		return
	}

	writeJSON(w, correlationID, http.StatusOK, OHLCVHistoryResponse{
		Symbol: symbol, Timeframe: string(tf), Start: start, End: end, Count: len(rows), Data: rows,
	})
}

// GetLatestOHLCV handles GET /api/v1/ohlcv/{symbol}/latest.
func (h *OHLCVHandler) GetLatestOHLCV(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	symbol := mux.Vars(r)["symbol"]
	if err := validateSymbol(symbol); err != nil {
		writeError(w, correlationID, http.StatusBadRequest, "invalid symbol", err)
		return
	}

	tf := models.Timeframe(r.URL.Query().Get("timeframe"))
	if tf == "" {
		tf = models.Timeframe1d
	}
	if !tf.IsValid() {
		writeError(w, correlationID, http.StatusBadRequest, "invalid timeframe", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	row, err := h.store.GetLatest(ctx, symbol, tf)
	if err != nil {
		writeError(w, correlationID, http.StatusInternalServerError, "failed to fetch latest candle", err)
		return
	}
	if row == nil {
		writeError(w, correlationID, http.StatusNotFound, "no data found for symbol", nil)
		return
	}

	writeJSON(w, correlationID, http.StatusOK, row)
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if len(symbol) > 32 {
		return fmt.Errorf("symbol too long: maximum 32 characters")
	}
	return nil
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > max {
		return 0, fmt.Errorf("limit must be between 1 and %d", max)
	}
	return limit, nil
}

func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start := time.Now().AddDate(0, 0, -30)
	end := time.Now()

	if startStr != "" {
		parsed, err := time.Parse("2006-01-02", startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %w", err)
		}
		start = parsed
	}
	if endStr != "" {
		parsed, err := time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %w", err)
		}
		end = parsed
	}
	return start, end, nil
}
