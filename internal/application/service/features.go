package service

import (
	"context"
	"fmt"

	"featflow/internal/application/port"
	"featflow/internal/domain"
)

var tailPercentiles = []float64{50, 90, 99}

// FeatureComputerService combines rolling-window aggregates and digest
// queries into the feature vector consumed by downstream scoring.
type FeatureComputerService struct {
	rolling port.RollingState
	digests *DigestStore
}

func NewFeatureComputerService(rolling port.RollingState, digests *DigestStore) *FeatureComputerService {
	return &FeatureComputerService{rolling: rolling, digests: digests}
}

// ComputeFeatures assembles the full feature vector for one event. trade is
// set for trade events; book is set when the event carried a usable
// orderbook context. Either may be nil.
func (f *FeatureComputerService) ComputeFeatures(ctx context.Context, tokenID, conditionID string, tsMs int64, trade *domain.Trade, book *port.BookContext) (domain.FeatureVector, error) {
	agg := f.rolling.Aggregates(tokenID, tsMs)

	fv := domain.FeatureVector{
		TradeCount1m:  agg.TradeCount1m,
		TradeCount5m:  agg.TradeCount5m,
		Volume1m:      agg.Volume1m,
		Volume5m:      agg.Volume5m,
		VWAP5m:        agg.VWAP5m,
		LastPrice:     agg.LastPrice,
		PriceChange5m: agg.PriceChange5m,
	}
	if total := agg.BuyVolume5m + agg.SellVolume5m; total > 0 {
		fv.FlowImbalance = (agg.BuyVolume5m - agg.SellVolume5m) / total
	}

	// Book context from the event wins over the rolling copy; the rolling
	// copy fills in for trade events between snapshots.
	switch {
	case book != nil:
		applyBook(&fv, book.Metrics)
	case agg.HasBook:
		applyBook(&fv, agg.Book)
	}

	size, err := f.digests.Size(ctx, tokenID)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("digest size %s: %w", tokenID, err)
	}
	fv.ObservedTrades = size

	tails, any, err := f.digests.Percentiles(ctx, tokenID, tailPercentiles)
	if err != nil {
		return domain.FeatureVector{}, fmt.Errorf("digest percentiles %s: %w", tokenID, err)
	}
	if any {
		fv.SizeP50, fv.SizeP90, fv.SizeP99 = tails[0], tails[1], tails[2]
	}

	// Size tail score: where this trade's size sits in the token's full
	// size history. Probes tail behavior, hence the digest.
	if trade != nil {
		rank, any, err := f.digests.PercentileRank(ctx, tokenID, trade.Size)
		if err != nil {
			return domain.FeatureVector{}, fmt.Errorf("digest rank %s: %w", tokenID, err)
		}
		if any {
			fv.SizeTailScore = rank / 100
		}
	}
	return fv, nil
}

func applyBook(fv *domain.FeatureVector, m domain.OrderbookMetrics) {
	fv.Spread = m.Spread
	fv.MidPrice = m.MidPrice
	fv.BidDepth = m.BidDepth
	fv.AskDepth = m.AskDepth
	fv.BookImbalance = m.Imbalance
}
