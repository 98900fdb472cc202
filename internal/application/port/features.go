package port

import (
	"context"

	"featflow/internal/domain"
)

// RollingState maintains recent-window trade/orderbook aggregates per token.
type RollingState interface {
	RecordTrade(tokenID string, trade domain.Trade)
	RecordOrderbook(tokenID string, snap domain.OrderbookSnapshot, metrics domain.OrderbookMetrics)
	Aggregates(tokenID string, nowMs int64) domain.RollingAggregates
}

// BookContext is the optional orderbook context passed to feature computation.
type BookContext struct {
	Snapshot domain.OrderbookSnapshot
	Metrics  domain.OrderbookMetrics
}

// FeatureComputer assembles a feature vector from rolling aggregates and
// digest queries. trade and book are nil when the triggering event lacks them.
type FeatureComputer interface {
	ComputeFeatures(ctx context.Context, tokenID, conditionID string, tsMs int64, trade *domain.Trade, book *BookContext) (domain.FeatureVector, error)
}
