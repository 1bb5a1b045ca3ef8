package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vantage-labs/candlestream/internal/config"
	"github.com/vantage-labs/candlestream/internal/models"
)

// Heartbeat timings, matching SPEC_FULL.md §5 exactly (grounded on
// original_source's okx_client.py ping_interval=20/ping_timeout=10/close_timeout=10).
const (
	PingInterval = 20 * time.Second
	PingTimeout  = 10 * time.Second
	CloseTimeout = 10 * time.Second
)

// subscribeFrame is the outbound subscribe/unsubscribe command (spec §4.2).
type subscribeFrame struct {
	Op   string           `json:"op"`
	Args []subscribeChArg `json:"args"`
}

type subscribeChArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// StreamClient is the low-level transport for the venue's candle stream.
// It owns the physical connection and heartbeat; the Collector worker
// (internal/collector) owns the reconnect/backoff state machine on top of it.
// Grounded on the teacher's internal/fetcher/alpaca/stream_client.go structure
// (mutex-guarded conn, separate Connect/ReadMessage/pingLoop methods), rewritten for
// the candle-channel subscribe protocol described in
// original_source/services/collector/app/websocket/okx_client.py.
type StreamClient struct {
	url    string
	logger zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	writeMu  sync.Mutex
}

func NewStreamClient(cfg config.VenueConfig, logger zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:    cfg.WSURL,
		logger: logger.With().Str("component", "venue_stream").Logger(),
	}
}

// Connect dials the venue's websocket endpoint and starts the heartbeat.
func (s *StreamClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("venue stream: dial: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(PingInterval + PingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(PingInterval + PingTimeout))
		return nil
	})

	s.mu.Lock()
	s.conn = conn
	s.closed = false
	s.mu.Unlock()

	go s.pingLoop(ctx)

	return nil
}

func (s *StreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			closed := s.closed
			s.mu.Unlock()
			if closed || conn == nil {
				return
			}

			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(PingTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Subscribe sends one channel=candle{rendered} command per timeframe (spec §4.2).
func (s *StreamClient) Subscribe(symbol string, timeframes []models.Timeframe) error {
	args := make([]subscribeChArg, 0, len(timeframes))
	for _, tf := range timeframes {
		rendered, err := tf.Render()
		if err != nil {
			return err
		}
		args = append(args, subscribeChArg{Channel: "candle" + rendered, InstID: symbol})
	}
	return s.writeJSON(subscribeFrame{Op: "subscribe", Args: args})
}

func (s *StreamClient) Unsubscribe(symbol string, timeframes []models.Timeframe) error {
	args := make([]subscribeChArg, 0, len(timeframes))
	for _, tf := range timeframes {
		rendered, err := tf.Render()
		if err != nil {
			return err
		}
		args = append(args, subscribeChArg{Channel: "candle" + rendered, InstID: symbol})
	}
	return s.writeJSON(subscribeFrame{Op: "unsubscribe", Args: args})
}

func (s *StreamClient) writeJSON(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("venue stream: not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// ReadMessage blocks for the next frame and decodes it into a WireMessage.
func (s *StreamClient) ReadMessage() (models.WireMessage, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return models.WireMessage{}, fmt.Errorf("venue stream: not connected")
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return models.WireMessage{}, err
	}

	var msg models.WireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.WireMessage{}, fmt.Errorf("venue stream: malformed frame (first 200 chars %q): %w", truncate(raw, 200), err)
	}
	return msg, nil
}

// Close performs a graceful close handshake bounded by CloseTimeout.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.closed = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(CloseTimeout))
	s.writeMu.Unlock()

	return conn.Close()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}

// ParseCandleRows converts the raw per-message candle rows into Candles.
// Each row is `[ts, o, h, l, c, vol, ..., confirm]` where confirm is "1" for
// a closed/confirmed bucket (grounded on okx_client.py::process_candle_data).
func ParseCandleRows(symbol string, timeframe models.Timeframe, rows [][]string) []models.Candle {
	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		candle, confirmed, ok := parseStreamRow(symbol, timeframe, row)
		if !ok || !confirmed {
			continue
		}
		candles = append(candles, candle)
	}
	return candles
}

func parseStreamRow(symbol string, timeframe models.Timeframe, row []string) (models.Candle, bool, bool) {
	if len(row) < 6 {
		return models.Candle{}, false, false
	}

	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, false, false
	}

	fields := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return models.Candle{}, false, false
		}
		fields[i] = v
	}

	confirmed := len(row) >= 9 && row[8] == "1"

	candle := models.Candle{
		Symbol:      symbol,
		Timeframe:   timeframe,
		TimestampMS: ts,
		Open:        fields[0],
		High:        fields[1],
		Low:         fields[2],
		Close:       fields[3],
		Volume:      fields[4],
		Confirmed:   confirmed,
	}
	return candle, confirmed, true
}
