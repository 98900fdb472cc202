package port

import (
	"context"

	"featflow/internal/domain"
)

// Delivery is one at-least-once delivery of a feature job. Ack confirms the
// delivery; an unacked job is redelivered by the queue layer.
type Delivery struct {
	Job domain.FeatureJob
	Ack func(ctx context.Context) error
}

// JobSource streams deliveries from the upstream queue.
type JobSource interface {
	Jobs() <-chan Delivery
}

// JobSink enqueues feature jobs upstream. Used by ingest adapters.
type JobSink interface {
	Enqueue(ctx context.Context, job domain.FeatureJob) error
}

// ScorePublisher delivers scoring jobs downstream. Implementations own the
// delivery-retry policy; a returned error means delivery ultimately failed.
type ScorePublisher interface {
	Publish(ctx context.Context, job domain.ScoreJob) error
}

// ClaimStatus is the outcome of an idempotency claim.
type ClaimStatus int

const (
	// ClaimFresh: the event is unseen and the caller now holds the
	// in-flight claim.
	ClaimFresh ClaimStatus = iota
	// ClaimApplied: an earlier delivery fully applied the event.
	ClaimApplied
	// ClaimBusy: another delivery of the event is mid-flight.
	ClaimBusy
)

// Deduper guards at-least-once deliveries of a logical event. A delivery
// takes a short-lived in-flight claim before touching any state and marks the
// event applied only once its effects are complete. A claim abandoned by a
// dead worker expires on its own before the queue redelivers the message, so
// the redelivery reprocesses instead of being skipped.
type Deduper interface {
	Claim(ctx context.Context, key string) (ClaimStatus, error)
	// MarkApplied records the event as applied and drops the in-flight claim.
	MarkApplied(ctx context.Context, key string) error
	// Release drops the in-flight claim after a failed job so the redelivery
	// is processed without waiting for expiry.
	Release(ctx context.Context, key string) error
}
