package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"featflow/internal/application/port"
)

// DigestRepo stores serialized digest snapshots under a TTL.
// Keys: <prefix>:digest:<tokenID>.
type DigestRepo struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDigestRepo(rdb *redis.Client, prefix string, ttl time.Duration) *DigestRepo {
	return &DigestRepo{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *DigestRepo) key(tokenID string) string {
	return r.prefix + ":digest:" + tokenID
}

func (r *DigestRepo) Load(ctx context.Context, tokenID string) ([]byte, error) {
	b, err := r.rdb.Get(ctx, r.key(tokenID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, port.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *DigestRepo) Save(ctx context.Context, tokenID string, snapshot []byte) error {
	return r.rdb.Set(ctx, r.key(tokenID), snapshot, r.ttl).Err()
}

var _ port.DigestRepository = (*DigestRepo)(nil)
