package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predictlabs/exchange/internal/domain"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using Redis hashes with JSON-
// serialized Market data and a secondary option-to-market index.
//
// Key schema:
//
//	market:{id}             - hash with field "data" containing JSON
//	market:opt:{optionID}   - string value of the market ID
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketKey(id string) string        { return "market:" + id }
func marketOptionKey(oid string) string { return "market:opt:" + oid }

// Set stores a Market in the cache with a 5-minute TTL. It also creates
// option-to-market index entries for each of the market's option IDs.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market, optionIDs []string) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.ID, err)
	}

	key := marketKey(market.ID)

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, marketTTL)

	for _, optionID := range optionIDs {
		if optionID == "" {
			continue
		}
		pipe.Set(ctx, marketOptionKey(optionID), market.ID, marketTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.ID, err)
	}
	return nil
}

// Get retrieves a Market by its ID from the cache.
// It returns domain.ErrNotFound when the key does not exist.
func (mc *MarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, marketKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", id, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", id, err)
	}
	return market, nil
}

// GetByOption looks up a Market by one of its option IDs.
// It returns domain.ErrNotFound if the index entry or market does not exist.
func (mc *MarketCache) GetByOption(ctx context.Context, optionID string) (domain.Market, error) {
	marketID, err := mc.rdb.Get(ctx, marketOptionKey(optionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market by option %s: %w", optionID, err)
	}

	return mc.Get(ctx, marketID)
}

// Invalidate removes a Market from the cache. Option index entries are left
// to expire on their own TTL; they only ever point at the market ID, so a
// stale index entry resolves to a cache miss.
func (mc *MarketCache) Invalidate(ctx context.Context, id string) error {
	if err := mc.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", id, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)
