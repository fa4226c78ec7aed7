package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predictlabs/exchange/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes.
// Each option's spot price is stored as a hash at key "price:{optionID}" with
// fields "yes", "no" (micro-USDC integers) and "ts" (Unix nanosecond
// timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(optionID string) string {
	return "price:" + optionID
}

// SetPrice stores the latest yes/no spot prices for an option.
func (pc *PriceCache) SetPrice(ctx context.Context, optionID string, priceYes, priceNo int64, ts time.Time) error {
	key := priceKey(optionID)
	fields := map[string]interface{}{
		"yes": strconv.FormatInt(priceYes, 10),
		"no":  strconv.FormatInt(priceNo, 10),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", optionID, err)
	}
	return nil
}

// GetPrice retrieves the latest prices and timestamp for an option.
// It returns domain.ErrNotFound when the key does not exist.
func (pc *PriceCache) GetPrice(ctx context.Context, optionID string) (int64, int64, time.Time, error) {
	key := priceKey(optionID)
	vals, err := pc.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", optionID, err)
	}
	if len(vals) == 0 {
		return 0, 0, time.Time{}, domain.ErrNotFound
	}

	yes, err := hashInt(vals, "yes")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", optionID, err)
	}
	no, err := hashInt(vals, "no")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", optionID, err)
	}
	tsNano, err := hashInt(vals, "ts")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", optionID, err)
	}

	return yes, no, time.Unix(0, tsNano), nil
}

// GetPrices retrieves the latest yes prices for multiple options using a
// pipeline. Options whose keys do not exist are silently omitted from the
// result map.
func (pc *PriceCache) GetPrices(ctx context.Context, optionIDs []string) (map[string]int64, error) {
	if len(optionIDs) == 0 {
		return map[string]int64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(optionIDs))
	for _, id := range optionIDs {
		cmds[id] = pipe.HGetAll(ctx, priceKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]int64, len(optionIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		yes, err := hashInt(vals, "yes")
		if err != nil {
			continue
		}
		result[id] = yes
	}

	return result, nil
}

func hashInt(vals map[string]string, field string) (int64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, domain.ErrNotFound
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return n, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
