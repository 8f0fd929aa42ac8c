package seal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	platformredis "trustledger/internal/platform/redis"
	"trustledger/pkg/domain"
)

// chainHeadTTL bounds staleness if an invalidation is lost; the store remains
// the source of truth either way.
const chainHeadTTL = 12 * time.Hour

// RedisChainCache caches each portfolio's chain head in Redis. All failures
// degrade to cache misses.
type RedisChainCache struct {
	client *platformredis.Client
	logger *slog.Logger
}

func NewRedisChainCache(client *platformredis.Client, logger *slog.Logger) *RedisChainCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChainCache{client: client, logger: logger}
}

var _ ChainHeadCache = (*RedisChainCache)(nil)

func chainHeadKey(portfolioID domain.PortfolioID) string {
	return "trustledger:seal:head:" + portfolioID.String()
}

func (c *RedisChainCache) Get(ctx context.Context, portfolioID domain.PortfolioID) (Seal, bool) {
	raw, err := c.client.Client.Get(ctx, chainHeadKey(portfolioID)).Bytes()
	if err != nil {
		return Seal{}, false
	}
	var head Seal
	if err := json.Unmarshal(raw, &head); err != nil {
		c.logger.Warn("chain head cache entry corrupt, dropping",
			"portfolio_id", portfolioID.String(), "error", err)
		c.Invalidate(ctx, portfolioID)
		return Seal{}, false
	}
	return head, true
}

func (c *RedisChainCache) Set(ctx context.Context, head Seal) {
	raw, err := json.Marshal(head)
	if err != nil {
		return
	}
	if err := c.client.Client.Set(ctx, chainHeadKey(head.PortfolioID), raw, chainHeadTTL).Err(); err != nil {
		c.logger.Warn("chain head cache set failed",
			"portfolio_id", head.PortfolioID.String(), "error", err)
	}
}

func (c *RedisChainCache) Invalidate(ctx context.Context, portfolioID domain.PortfolioID) {
	if err := c.client.Client.Del(ctx, chainHeadKey(portfolioID)).Err(); err != nil {
		c.logger.Warn("chain head cache invalidate failed",
			"portfolio_id", portfolioID.String(), "error", err)
	}
}
