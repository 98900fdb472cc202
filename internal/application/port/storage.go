package port

import (
	"context"
	"errors"
)

// ErrNotFound is returned by durable stores when a key has no record.
var ErrNotFound = errors.New("record not found")

// DigestRepository is the durable store for serialized digest snapshots.
// Records carry a TTL; a missing or expired record surfaces as ErrNotFound.
type DigestRepository interface {
	Load(ctx context.Context, tokenID string) ([]byte, error)
	Save(ctx context.Context, tokenID string, snapshot []byte) error
}

// FeatureCache holds the latest feature vector per token under a TTL.
// Every write is a last-write-wins overwrite.
type FeatureCache interface {
	Set(ctx context.Context, tokenID string, payload []byte) error
}

// ResultArchive is an optional append-only history of job results.
type ResultArchive interface {
	InsertResult(ctx context.Context, tokenID, conditionID string, tsMs int64, features string) error
	Close() error
}
