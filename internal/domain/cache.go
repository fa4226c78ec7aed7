package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest option prices.
type PriceCache interface {
	SetPrice(ctx context.Context, optionID string, priceYes, priceNo int64, ts time.Time) error
	GetPrice(ctx context.Context, optionID string) (priceYes, priceNo int64, ts time.Time, err error)
	GetPrices(ctx context.Context, optionIDs []string) (map[string]int64, error)
}

// MarketCache is a read-through cache of market records, keyed by market ID
// with a secondary option-to-market index.
type MarketCache interface {
	Set(ctx context.Context, market Market, optionIDs []string) error
	Get(ctx context.Context, id string) (Market, error)
	GetByOption(ctx context.Context, optionID string) (Market, error)
	Invalidate(ctx context.Context, id string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams for settlement events
// (trades, deposits, withdrawals, resolutions).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
