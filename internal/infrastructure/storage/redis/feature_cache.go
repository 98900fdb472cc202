package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"featflow/internal/application/port"
)

// FeatureCache holds the latest encoded feature vector per token.
// Keys: <prefix>:features:<tokenID>. Every write overwrites the prior entry
// and refreshes the TTL.
type FeatureCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewFeatureCache(rdb *redis.Client, prefix string, ttl time.Duration) *FeatureCache {
	return &FeatureCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *FeatureCache) Set(ctx context.Context, tokenID string, payload []byte) error {
	return c.rdb.Set(ctx, c.prefix+":features:"+tokenID, payload, c.ttl).Err()
}

var _ port.FeatureCache = (*FeatureCache)(nil)
