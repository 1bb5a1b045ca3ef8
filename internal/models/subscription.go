package models

import "time"

// SubscriptionState is the broker-resident record of an active collector subscription.
type SubscriptionState struct {
	Symbol     string      `json:"symbol"`
	Timeframes []Timeframe `json:"timeframes"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CollectorStatus is the per-symbol worker snapshot the Collector publishes (spec §3).
type CollectorStatus struct {
	Symbol         string    `json:"symbol"`
	Connected      bool      `json:"connected"`
	ReconnectCount int       `json:"reconnect_count"`
	MessageCount   int64     `json:"message_count"`
	ErrorCount     int64     `json:"error_count"`
	UptimeS        float64   `json:"uptime_s"`
	Channels       []string  `json:"channels"`
	LastUpdate     time.Time `json:"last_update"`
}

// ServiceStatus is the supervisor's aggregate snapshot (spec §4.5).
type ServiceStatus struct {
	ActiveSymbols []string  `json:"active_symbols"`
	WorkerCount   int       `json:"worker_count"`
	LastUpdate    time.Time `json:"last_update"`
}

// ProcessorMetrics is the Persister's backpressure/observability snapshot (spec §4.3).
type ProcessorMetrics struct {
	CandleQueueLength int       `json:"candle_queue_length"`
	DeadLetterLength  int       `json:"dead_letter_queue_length"`
	Degraded          bool      `json:"degraded"`
	LastUpdate        time.Time `json:"last_update"`
}

// WireEvent is the tagged-variant discriminator for inbound stream messages (spec §9).
type WireEvent string

const (
	WireEventSubscribe WireEvent = "subscribe"
	WireEventError     WireEvent = "error"
	WireEventData      WireEvent = "data"
)

// WireMessage is the parsed form of a raw stream frame, dispatched by Event.
type WireMessage struct {
	Event      WireEvent         `json:"event"`
	Arg        WireChannelArg    `json:"arg"`
	Code       string            `json:"code,omitempty"`
	Msg        string            `json:"msg,omitempty"`
	Candles    [][]string        `json:"data,omitempty"`
}

// WireChannelArg identifies the channel/instrument a wire message pertains to.
type WireChannelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}
