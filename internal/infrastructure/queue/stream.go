// Package queue is the Redis Streams implementation of the upstream job
// queue: at-least-once delivery through a consumer group, with stale pending
// entries reclaimed for redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"featflow/internal/application/port"
	"featflow/internal/domain"
)

const (
	readBlock    = 2 * time.Second
	readCount    = 32
	claimMinIdle = 30 * time.Second
	claimCount   = 64
)

type StreamQueue struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string

	out     chan port.Delivery
	outOnce sync.Once
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string) *StreamQueue {
	if consumer == "" {
		consumer = "featflow-" + uuid.NewString()[:8]
	}
	return &StreamQueue{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		out:      make(chan port.Delivery, 256),
	}
}

// Enqueue publishes a feature job to the stream, assigning an id if absent.
func (q *StreamQueue) Enqueue(ctx context.Context, job domain.FeatureJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"job": string(payload)},
	}).Err()
}

// Jobs returns the delivery channel fed by Run. It closes once Run returns.
func (q *StreamQueue) Jobs() <-chan port.Delivery {
	return q.out
}

// Run consumes the stream until ctx is canceled. Acked messages leave the
// pending list; unacked ones are reclaimed after claimMinIdle and delivered
// again.
func (q *StreamQueue) Run(ctx context.Context) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.readLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		q.reclaimLoop(ctx)
	}()
	wg.Wait()
	q.outOnce.Do(func() { close(q.out) })
	return ctx.Err()
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *StreamQueue) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("stream", q.stream).Msg("stream read failed")
			time.Sleep(time.Second)
			continue
		}
		for _, st := range streams {
			for _, msg := range st.Messages {
				q.emit(ctx, msg)
			}
		}
	}
}

// reclaimLoop takes over pending entries whose consumer went quiet, feeding
// them back through the same delivery channel.
func (q *StreamQueue) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(claimMinIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  claimMinIdle,
			Start:    "0-0",
			Count:    claimCount,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("stream", q.stream).Msg("pending reclaim failed")
			}
			continue
		}
		if len(msgs) > 0 {
			log.Info().Int("count", len(msgs)).Str("stream", q.stream).Msg("reclaimed stale deliveries")
		}
		for _, msg := range msgs {
			q.emit(ctx, msg)
		}
	}
}

func (q *StreamQueue) emit(ctx context.Context, msg redis.XMessage) {
	raw, _ := msg.Values["job"].(string)
	var job domain.FeatureJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// poison message: ack so it is not redelivered forever
		log.Warn().Err(err).Str("msg", msg.ID).Str("stream", q.stream).Msg("unparseable job acked and dropped")
		_ = q.rdb.XAck(ctx, q.stream, q.group, msg.ID).Err()
		return
	}
	d := port.Delivery{
		Job: job,
		Ack: func(ackCtx context.Context) error {
			return q.rdb.XAck(ackCtx, q.stream, q.group, msg.ID).Err()
		},
	}
	select {
	case <-ctx.Done():
	case q.out <- d:
	}
}

var (
	_ port.JobSource = (*StreamQueue)(nil)
	_ port.JobSink   = (*StreamQueue)(nil)
)
