// Package venue implements the single configurable exchange's REST and
// streaming surfaces consumed by the Collector and Reconciler.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
)

// RESTClient is the OHLCV client the Reconciler consumes (spec §4.4). It
// translates timeframe canonical form to the venue's rendered form and sets
// authentication headers. It does not pace its own calls; the Reconciler
// sleeps for the configured rate-limit interval after each fetch.
type RESTClient struct {
	baseURL    string
	apiKey     string
	secret     string
	passphrase string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewRESTClient(cfg config.VenueConfig, logger zerolog.Logger) *RESTClient {
	return &RESTClient{
		baseURL:    cfg.RESTURL,
		apiKey:     cfg.APIKey,
		secret:     cfg.Secret,
		passphrase: cfg.Passphrase,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With().Str("component", "venue_rest").Logger(),
	}
}

// candleResponse mirrors the venue's `[[ts,o,h,l,c,v,...], ...]` array-of-arrays
// shape (grounded on the OKX-family REST contract used throughout original_source).
type candleResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// FetchOHLCV fetches candles with timestamp >= sinceMs, in ascending time order,
// up to limit rows.
func (c *RESTClient) FetchOHLCV(ctx context.Context, symbol string, timeframe models.Timeframe, sinceMs int64, limit int) ([]models.Candle, error) {
	rendered, err := timeframe.Render()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/v5/market/history-candles?instId=%s&bar=%s&after=%d&limit=%d",
		c.baseURL, symbol, rendered, sinceMs, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("venue: build request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("venue: fetch ohlcv: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("venue: rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue: unexpected status %d", resp.StatusCode)
	}

	var parsed candleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("venue: decode response: %w", err)
	}

	candles := make([]models.Candle, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		candle, err := parseRESTRow(symbol, timeframe, row)
		if err != nil {
			c.logger.Warn().Err(err).Strs("row", row).Msg("skipping malformed candle row")
			continue
		}
		candles = append(candles, candle)
	}

	// venue returns newest-first; the reconciler requires ascending order (spec §4.4).
	reverseInPlace(candles)

	return candles, nil
}

func parseRESTRow(symbol string, timeframe models.Timeframe, row []string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, fmt.Errorf("row has %d fields, want >= 6", len(row))
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("parse timestamp: %w", err)
	}

	fields := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("parse field %d: %w", i+1, err)
		}
		fields[i] = v
	}

	return models.Candle{
		Symbol:      symbol,
		Timeframe:   timeframe,
		TimestampMS: ts,
		Open:        fields[0],
		High:        fields[1],
		Low:         fields[2],
		Close:       fields[3],
		Volume:      fields[4],
		Confirmed:   true,
	}, nil
}

func (c *RESTClient) setAuthHeaders(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)
	req.Header.Set("Content-Type", "application/json")
}

func reverseInPlace(candles []models.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
