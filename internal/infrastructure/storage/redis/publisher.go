package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"featflow/internal/application/port"
	"featflow/internal/domain"
	"featflow/internal/observability"
)

// PublisherOptions bound the delivery-retry policy and how many completed
// and failed publish records are retained for operational inspection.
type PublisherOptions struct {
	Stream         string
	MaxAttempts    int
	InitialBackoff time.Duration
	KeepCompleted  int64
	KeepFailed     int64
}

func (o *PublisherOptions) applyDefaults(prefix string) {
	if o.Stream == "" {
		o.Stream = prefix + ":scoring"
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 50
	}
}

// ScorePublisher delivers scoring jobs to the downstream stream with bounded
// attempts and exponential backoff. The retention lists are observability
// only; trimming them never affects delivery.
type ScorePublisher struct {
	rdb     *redis.Client
	opts    PublisherOptions
	metrics *observability.Metrics

	completedKey string
	failedKey    string
}

func NewScorePublisher(rdb *redis.Client, prefix string, opts PublisherOptions, metrics *observability.Metrics) *ScorePublisher {
	opts.applyDefaults(prefix)
	return &ScorePublisher{
		rdb:          rdb,
		opts:         opts,
		metrics:      metrics,
		completedKey: opts.Stream + ":completed",
		failedKey:    opts.Stream + ":failed",
	}
}

func (p *ScorePublisher) Publish(ctx context.Context, job domain.ScoreJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			p.metrics.ScorePublishRetries.Inc()
		}
		return p.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: p.opts.Stream,
			Values: map[string]any{
				"tokenId":     job.TokenID,
				"conditionId": job.ConditionID,
				"ts_ms":       job.TimestampMs,
				"payload":     string(payload),
			},
		}).Err()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialBackoff
	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(p.opts.MaxAttempts-1)), ctx))

	if err != nil {
		p.metrics.ScorePublishFailed.Inc()
		p.record(ctx, p.failedKey, p.opts.KeepFailed, job, attempt, err)
		return err
	}
	p.metrics.ScorePublished.Inc()
	p.record(ctx, p.completedKey, p.opts.KeepCompleted, job, attempt, nil)
	return nil
}

// record appends to a capped inspection list, newest first.
func (p *ScorePublisher) record(ctx context.Context, key string, keep int64, job domain.ScoreJob, attempts int, cause error) {
	entry := map[string]any{
		"tokenId":  job.TokenID,
		"ts_ms":    job.TimestampMs,
		"attempts": attempts,
	}
	if cause != nil {
		entry["error"] = cause.Error()
	}
	b, _ := json.Marshal(entry)

	pipe := p.rdb.Pipeline()
	pipe.LPush(ctx, key, string(b))
	pipe.LTrim(ctx, key, 0, keep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("publish record trim failed")
	}
}

var _ port.ScorePublisher = (*ScorePublisher)(nil)
