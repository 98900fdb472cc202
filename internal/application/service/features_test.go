package service

import (
	"context"
	"math"
	"testing"

	"featflow/internal/application/port"
	"featflow/internal/domain"
)

func newFeatureFixture(t *testing.T) (*FeatureComputerService, *RollingStateService, *DigestStore) {
	t.Helper()
	digests, _ := newTestStore(t, newMockDigestRepo(), 0)
	rolling := NewRollingStateService()
	return NewFeatureComputerService(rolling, digests), rolling, digests
}

func TestComputeFeaturesTradeEvent(t *testing.T) {
	f, rolling, digests := newFeatureFixture(t)
	ctx := context.Background()
	base := int64(1_700_000_000_000)

	// size history: 1..100, then one outsized trade arrives
	for i := 1; i <= 100; i++ {
		_ = digests.Push(ctx, "tok", float64(i), 1)
	}
	big := domain.Trade{TokenID: "tok", Price: 0.5, Size: 99, Side: domain.SideBuy, TimestampMs: base}
	rolling.RecordTrade("tok", big)
	_ = digests.Push(ctx, "tok", big.Size, 1)

	fv, err := f.ComputeFeatures(ctx, "tok", "cond", base, &big, nil)
	if err != nil {
		t.Fatalf("computeFeatures: %v", err)
	}
	if fv.TradeCount5m != 1 || fv.Volume5m != 99 {
		t.Errorf("rolling features = (%d, %v), want (1, 99)", fv.TradeCount5m, fv.Volume5m)
	}
	if fv.ObservedTrades != 101 {
		t.Errorf("observedTrades = %d, want 101", fv.ObservedTrades)
	}
	if fv.SizeTailScore < 0.9 {
		t.Errorf("sizeTailScore = %v for near-max trade, want high", fv.SizeTailScore)
	}
	if !(fv.SizeP50 < fv.SizeP90 && fv.SizeP90 < fv.SizeP99) {
		t.Errorf("tail percentiles not ordered: %v %v %v", fv.SizeP50, fv.SizeP90, fv.SizeP99)
	}
	if fv.FlowImbalance != 1 {
		t.Errorf("flowImbalance = %v, want 1 for all-buy flow", fv.FlowImbalance)
	}
}

func TestComputeFeaturesBookEvent(t *testing.T) {
	f, _, _ := newFeatureFixture(t)
	ctx := context.Background()

	snap := domain.OrderbookSnapshot{
		TokenID: "tok",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.44, Size: 50}},
	}
	m, _ := domain.MetricsFromSnapshot(snap)

	fv, err := f.ComputeFeatures(ctx, "tok", "cond", 0, nil, &port.BookContext{Snapshot: snap, Metrics: m})
	if err != nil {
		t.Fatalf("computeFeatures: %v", err)
	}
	if math.Abs(fv.MidPrice-0.42) > 1e-9 {
		t.Errorf("midPrice = %v, want 0.42", fv.MidPrice)
	}
	if fv.BookImbalance <= 0 {
		t.Errorf("bookImbalance = %v, want positive (bid-heavy)", fv.BookImbalance)
	}
	// empty digest: distributional features stay zero, no error
	if fv.SizeP99 != 0 || fv.SizeTailScore != 0 || fv.ObservedTrades != 0 {
		t.Errorf("empty-digest features leaked values: %+v", fv)
	}
}

func TestComputeFeaturesUsesRollingBookBetweenSnapshots(t *testing.T) {
	f, rolling, _ := newFeatureFixture(t)
	ctx := context.Background()

	snap := domain.OrderbookSnapshot{
		TokenID: "tok",
		Bids:    []domain.PriceLevel{{Price: 0.30, Size: 10}},
		Asks:    []domain.PriceLevel{{Price: 0.34, Size: 10}},
	}
	m, _ := domain.MetricsFromSnapshot(snap)
	rolling.RecordOrderbook("tok", snap, m)

	tr := domain.Trade{TokenID: "tok", Price: 0.32, Size: 5, Side: domain.SideSell, TimestampMs: 1000}
	rolling.RecordTrade("tok", tr)

	fv, err := f.ComputeFeatures(ctx, "tok", "cond", 1000, &tr, nil)
	if err != nil {
		t.Fatalf("computeFeatures: %v", err)
	}
	if math.Abs(fv.MidPrice-0.32) > 1e-9 {
		t.Errorf("midPrice = %v, want rolling book's 0.32", fv.MidPrice)
	}
}
