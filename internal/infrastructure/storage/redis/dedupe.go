package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"featflow/internal/application/port"
)

// claimTTL bounds how long a dead worker's in-flight claim survives. It must
// lapse before the queue's stale-pending reclaim redelivers the message
// (30s), or the redelivery would be skipped with nothing applied.
const claimTTL = 10 * time.Second

// claimScript checks the applied marker and takes the in-flight claim in one
// atomic step. Returns 0 applied, 1 claimed, -1 held by another delivery.
var claimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
if redis.call("SET", KEYS[2], 1, "NX", "PX", ARGV[1]) then
	return 1
end
return -1
`)

// Deduper recognizes redelivered events with two keys per logical event: a
// short-lived in-flight claim and an applied marker written after the event's
// effects are complete.
// Keys: <prefix>:inflight:<idempotency-key>, <prefix>:applied:<idempotency-key>.
type Deduper struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration // applied-marker lifetime
}

func NewDeduper(rdb *redis.Client, prefix string, ttl time.Duration) *Deduper {
	return &Deduper{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (d *Deduper) Claim(ctx context.Context, key string) (port.ClaimStatus, error) {
	res, err := claimScript.Run(ctx, d.rdb,
		[]string{d.appliedKey(key), d.claimKey(key)},
		claimTTL.Milliseconds(),
	).Int()
	if err != nil {
		return port.ClaimBusy, err
	}
	switch res {
	case 0:
		return port.ClaimApplied, nil
	case 1:
		return port.ClaimFresh, nil
	default:
		return port.ClaimBusy, nil
	}
}

func (d *Deduper) MarkApplied(ctx context.Context, key string) error {
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, d.appliedKey(key), 1, d.ttl)
		p.Del(ctx, d.claimKey(key))
		return nil
	})
	return err
}

func (d *Deduper) Release(ctx context.Context, key string) error {
	return d.rdb.Del(ctx, d.claimKey(key)).Err()
}

func (d *Deduper) appliedKey(key string) string { return d.prefix + ":applied:" + key }
func (d *Deduper) claimKey(key string) string   { return d.prefix + ":inflight:" + key }

var _ port.Deduper = (*Deduper)(nil)
