package exchange

import (
	"context"

	"github.com/tradekit/trailstop/pkg/logger"
	"github.com/tradekit/trailstop/pkg/redis"
)

// CachedMarketData wraps a MarketData source with a short-TTL Redis cache so
// bursts of open requests for the same pair do not hammer the public quote
// endpoint. When Redis is disabled every lookup falls through to the source.
type CachedMarketData struct {
	source MarketData
	cache  *redis.Cache
	logger *logger.Logger
}

var _ MarketData = (*CachedMarketData)(nil)

// NewCachedMarketData creates a caching MarketData wrapper
func NewCachedMarketData(source MarketData, cache *redis.Cache, log *logger.Logger) *CachedMarketData {
	return &CachedMarketData{
		source: source,
		cache:  cache,
		logger: log,
	}
}

// LastPrice returns the cached last-traded price, fetching on miss
func (c *CachedMarketData) LastPrice(ctx context.Context, pair string) (float64, error) {
	var cached float64
	found, err := c.cache.Get(ctx, "quote:"+pair, &cached)
	if err != nil {
		c.logger.WithError(err).WithField("pair", pair).Warn("Quote cache read failed")
	}
	if found && cached > 0 {
		return cached, nil
	}

	price, err := c.source.LastPrice(ctx, pair)
	if err != nil {
		return 0, err
	}

	if err := c.cache.Set(ctx, "quote:"+pair, price, redis.TTLQuote); err != nil {
		c.logger.WithError(err).WithField("pair", pair).Warn("Quote cache write failed")
	}

	return price, nil
}
