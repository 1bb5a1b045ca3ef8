package models

import "errors"

var (
	ErrInvalidSymbol       = errors.New("invalid symbol: must be non-empty")
	ErrInvalidPriceRange   = errors.New("invalid price range: high must bound open/close/low")
	ErrNegativePrice       = errors.New("invalid price: open/high/low/close must be positive")
	ErrNegativeVolume      = errors.New("invalid volume: volume must be positive")
	ErrInvalidTimeframe    = errors.New("invalid timeframe: must be one of 1m, 5m, 15m, 1h, 4h, 1d")
	ErrUnalignedTimestamp  = errors.New("invalid timestamp: not aligned to timeframe boundary")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrWorkerAlreadyExists  = errors.New("worker already exists for symbol")
	ErrBrokerTimeout        = errors.New("broker operation timed out")
)
