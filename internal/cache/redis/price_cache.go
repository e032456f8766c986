package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"leversim/internal/domain"
)

// PriceCache implements domain.PriceFeed using Redis hashes.
// Each symbol's latest sample is stored as a hash at key "price:{symbol}"
// with fields "price" and "ts" (Unix nanosecond timestamp). Keys expire after
// the configured TTL, so a stalled ingest surfaces as missing prices instead
// of the simulator trading on stale data.
type PriceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client. Samples
// older than ttl are treated as unavailable; ttl <= 0 disables expiry.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), ttl: ttl}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores the latest price sample for a symbol and refreshes the
// key's TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := priceKey(symbol)
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice retrieves the latest price sample for a symbol. It returns
// domain.ErrPriceUnavailable when no fresh sample exists.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}

	price, ts, err := parseSample(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: price %s: %w", symbol, err)
	}
	return price, ts, nil
}

// GetPrices retrieves the latest prices for multiple symbols using a
// pipeline. Symbols without a fresh sample are silently omitted from the
// result map; the tick loop treats a missing symbol as "no new sample".
func (pc *PriceCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, priceKey(sym))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(symbols))
	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, _, err := parseSample(vals)
		if err != nil {
			continue
		}
		result[sym] = price
	}

	return result, nil
}

// parseSample decodes a price hash into its price and timestamp.
func parseSample(vals map[string]string) (float64, time.Time, error) {
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrPriceUnavailable
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrPriceUnavailable
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrPriceUnavailable
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceFeed = (*PriceCache)(nil)
