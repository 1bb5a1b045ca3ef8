package httpapi

import (
	"time"

	"github.com/vantage-labs/candlestream/internal/models"
)

// SubscribeRequest is the body of POST /subscribe (spec §6).
type SubscribeRequest struct {
	Symbols    []string `json:"symbols" validate:"required,min=1"`
	Timeframes []string `json:"timeframes" validate:"required,min=1"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

// SubscribeResponse acknowledges a subscribe command.
type SubscribeResponse struct {
	SubscriptionID string    `json:"subscription_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// OHLCVResponse is the response for a symbol's recent candles.
type OHLCVResponse struct {
	Symbol    string            `json:"symbol"`
	Timeframe string            `json:"timeframe"`
	Count     int               `json:"count"`
	Data      []models.OHLCVRow `json:"data"`
}

// OHLCVHistoryResponse is the response for a bounded time-range query.
type OHLCVHistoryResponse struct {
	Symbol    string            `json:"symbol"`
	Timeframe string            `json:"timeframe"`
	Start     time.Time         `json:"start"`
	End       time.Time         `json:"end"`
	Count     int               `json:"count"`
	Data      []models.OHLCVRow `json:"data"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Components map[string]interface{} `json:"components"`
}

// ErrorResponse is a uniform error envelope.
type ErrorResponse struct {
	Error         string    `json:"error"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
