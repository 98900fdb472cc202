// Package pipeline is the job-queue consumer turning market events into
// cached, published feature vectors.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"featflow/internal/application/port"
	"featflow/internal/application/service"
	"featflow/internal/domain"
	"featflow/internal/observability"
)

const (
	DefaultConcurrency  = 20
	DefaultRateMax      = 100
	DefaultRateInterval = time.Second

	ackTimeout = 5 * time.Second
)

// ServiceDeps wires the worker's collaborators.
type ServiceDeps struct {
	Source    port.JobSource
	Rolling   port.RollingState
	Features  port.FeatureComputer
	Digests   *service.DigestStore
	Cache     port.FeatureCache
	Publisher port.ScorePublisher
	Deduper   port.Deduper
	Archive   port.ResultArchive // optional
	Metrics   *observability.Metrics

	Concurrency  int           // simultaneous jobs; also the partition count
	RateMax      int           // jobs admitted per RateInterval across all workers
	RateInterval time.Duration
}

// Worker consumes feature jobs with bounded concurrency and a token-bucket
// rate limit. Jobs are partitioned by token onto single-owner goroutines, so
// two events for one token never interleave their state updates while
// distinct tokens run fully in parallel.
//
// A job either completes and is acked, or fails and is left unacked for the
// queue layer to redeliver. The worker itself never retries.
type Worker struct {
	deps    ServiceDeps
	limiter *rate.Limiter
}

func NewWorker(deps ServiceDeps) *Worker {
	if deps.Concurrency <= 0 {
		deps.Concurrency = DefaultConcurrency
	}
	if deps.RateMax <= 0 {
		deps.RateMax = DefaultRateMax
	}
	if deps.RateInterval <= 0 {
		deps.RateInterval = DefaultRateInterval
	}
	limiter := rate.NewLimiter(rate.Every(deps.RateInterval/time.Duration(deps.RateMax)), deps.RateMax)
	return &Worker{deps: deps, limiter: limiter}
}

// Run dispatches deliveries until ctx is canceled or the source closes, then
// drains in-flight jobs before returning.
func (w *Worker) Run(ctx context.Context) error {
	lanes := make([]chan port.Delivery, w.deps.Concurrency)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan port.Delivery, 64)
		wg.Add(1)
		go func(lane <-chan port.Delivery) {
			defer wg.Done()
			for d := range lane {
				w.handle(ctx, d)
			}
		}(lanes[i])
	}

	log.Info().
		Int("concurrency", w.deps.Concurrency).
		Int("rate_max", w.deps.RateMax).
		Dur("rate_interval", w.deps.RateInterval).
		Msg("pipeline worker started")

	jobs := w.deps.Source.Jobs()
dispatch:
	for {
		select {
		case <-ctx.Done():
			break dispatch
		case d, ok := <-jobs:
			if !ok {
				break dispatch
			}
			lanes[w.lane(d.Job.TokenID)] <- d
		}
	}

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
	log.Info().Msg("pipeline worker drained")
	return ctx.Err()
}

// lane picks the partition owning a token's events.
func (w *Worker) lane(tokenID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tokenID))
	return int(h.Sum32() % uint32(w.deps.Concurrency))
}

func (w *Worker) handle(ctx context.Context, d port.Delivery) {
	if err := w.limiter.Wait(ctx); err != nil {
		return // shutting down; leave unacked for redelivery
	}

	// a started job runs to completion even during shutdown
	procCtx := context.WithoutCancel(ctx)
	if err := w.Process(procCtx, d.Job); err != nil {
		w.deps.Metrics.JobsFailed.WithLabelValues(string(d.Job.Type)).Inc()
		log.Error().Err(err).
			Str("job", d.Job.ID).
			Str("type", string(d.Job.Type)).
			Str("token", d.Job.TokenID).
			Msg("feature job failed")
		return
	}

	w.deps.Metrics.JobsProcessed.WithLabelValues(string(d.Job.Type)).Inc()
	ackCtx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := d.Ack(ackCtx); err != nil {
		log.Error().Err(err).Str("job", d.Job.ID).Msg("ack failed")
	}
}

// Process runs one job end to end: idempotency claim, rolling-state update,
// feature computation, cache write, downstream publish. Any error fails the
// whole job; the claim is released so the redelivery is processed. The
// applied marker goes down only after the publish, so a worker dying at any
// earlier point leaves a claim that expires on its own and the redelivery
// reprocesses from scratch.
func (w *Worker) Process(ctx context.Context, job domain.FeatureJob) (err error) {
	key := job.IdempotencyKey()
	status, err := w.deps.Deduper.Claim(ctx, key)
	if err != nil {
		return fmt.Errorf("idempotency claim: %w", err)
	}
	switch status {
	case port.ClaimApplied:
		w.deps.Metrics.DuplicatesSkipped.Inc()
		log.Debug().Str("job", job.ID).Str("token", job.TokenID).Msg("duplicate delivery skipped")
		return nil
	case port.ClaimBusy:
		// acking here could lose the event if the claim holder dies; fail
		// instead and let the queue redeliver after the claim lapses
		return fmt.Errorf("event %s claimed by another delivery", key)
	}
	defer func() {
		if err != nil {
			if relErr := w.deps.Deduper.Release(context.WithoutCancel(ctx), key); relErr != nil {
				log.Warn().Err(relErr).Str("job", job.ID).Msg("idempotency release failed")
			}
		}
	}()

	trade, book, err := w.applyEvent(ctx, job)
	if err != nil {
		return err
	}

	fv, err := w.deps.Features.ComputeFeatures(ctx, job.TokenID, job.ConditionID, job.TimestampMs, trade, book)
	if err != nil {
		return fmt.Errorf("compute features: %w", err)
	}

	result := domain.FeatureJobResult{
		TokenID:     job.TokenID,
		ConditionID: job.ConditionID,
		TimestampMs: job.TimestampMs,
		Features:    fv,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := w.deps.Cache.Set(ctx, job.TokenID, payload); err != nil {
		return fmt.Errorf("cache features: %w", err)
	}

	if w.deps.Archive != nil {
		// history is observability only; never fails the job
		if err := w.deps.Archive.InsertResult(ctx, job.TokenID, job.ConditionID, job.TimestampMs, string(payload)); err != nil {
			log.Warn().Err(err).Str("token", job.TokenID).Msg("result archive insert failed")
		}
	}

	// Publish after the cache write. A publish failure leaves a cached
	// vector that was never delivered; the redelivered job overwrites it.
	if err := w.deps.Publisher.Publish(ctx, domain.ScoreJob{
		TokenID:     job.TokenID,
		ConditionID: job.ConditionID,
		TimestampMs: job.TimestampMs,
		Features:    fv,
	}); err != nil {
		return fmt.Errorf("publish score job: %w", err)
	}

	if err := w.deps.Deduper.MarkApplied(ctx, key); err != nil {
		// the job itself succeeded and will be acked; losing the marker only
		// means the claim expires instead of flipping to applied
		log.Warn().Err(err).Str("job", job.ID).Msg("applied marker write failed")
	}
	return nil
}

// applyEvent updates rolling state and the size digest for the event. For
// orderbook jobs missing the snapshot or its metrics the update is skipped;
// feature computation still proceeds with whatever context exists.
func (w *Worker) applyEvent(ctx context.Context, job domain.FeatureJob) (*domain.Trade, *port.BookContext, error) {
	switch job.Type {
	case domain.JobTypeTrade:
		if job.Data.Trade == nil {
			return nil, nil, errors.New("trade job without trade payload")
		}
		tr := *job.Data.Trade
		w.deps.Rolling.RecordTrade(job.TokenID, tr)
		if err := w.deps.Digests.Push(ctx, job.TokenID, tr.Size, 1); err != nil {
			return nil, nil, fmt.Errorf("digest push: %w", err)
		}
		return &tr, nil, nil

	case domain.JobTypeOrderbook:
		if job.Data.Orderbook == nil || job.Data.Metrics == nil {
			log.Debug().Str("job", job.ID).Str("token", job.TokenID).Msg("orderbook job missing context, skipping state update")
			return nil, nil, nil
		}
		snap, metrics := *job.Data.Orderbook, *job.Data.Metrics
		w.deps.Rolling.RecordOrderbook(job.TokenID, snap, metrics)
		return nil, &port.BookContext{Snapshot: snap, Metrics: metrics}, nil

	default:
		return nil, nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}
