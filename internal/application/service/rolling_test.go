package service

import (
	"testing"

	"featflow/internal/domain"
)

func TestRollingWindowAggregates(t *testing.T) {
	s := NewRollingStateService()
	base := int64(1_700_000_000_000)

	s.RecordTrade("tok", domain.Trade{Price: 0.40, Size: 100, Side: domain.SideBuy, TimestampMs: base})
	s.RecordTrade("tok", domain.Trade{Price: 0.42, Size: 50, Side: domain.SideSell, TimestampMs: base + 200_000})
	s.RecordTrade("tok", domain.Trade{Price: 0.44, Size: 25, Side: domain.SideBuy, TimestampMs: base + 290_000})

	agg := s.Aggregates("tok", base+300_000)

	if agg.TradeCount5m != 3 {
		t.Errorf("tradeCount5m = %d, want 3", agg.TradeCount5m)
	}
	// only the last trade is inside the one-minute window
	if agg.TradeCount1m != 1 || agg.Volume1m != 25 {
		t.Errorf("1m window = (%d, %v), want (1, 25)", agg.TradeCount1m, agg.Volume1m)
	}
	if agg.Volume5m != 175 {
		t.Errorf("volume5m = %v, want 175", agg.Volume5m)
	}
	if agg.BuyVolume5m != 125 || agg.SellVolume5m != 50 {
		t.Errorf("buy/sell = %v/%v, want 125/50", agg.BuyVolume5m, agg.SellVolume5m)
	}
	wantVWAP := (0.40*100 + 0.42*50 + 0.44*25) / 175
	if diff := agg.VWAP5m - wantVWAP; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("vwap5m = %v, want %v", agg.VWAP5m, wantVWAP)
	}
	if agg.LastPrice != 0.44 {
		t.Errorf("lastPrice = %v, want 0.44", agg.LastPrice)
	}
	if agg.PriceChange5m <= 0 {
		t.Errorf("priceChange5m = %v, want positive", agg.PriceChange5m)
	}
}

func TestRollingWindowExpiry(t *testing.T) {
	s := NewRollingStateService()
	base := int64(1_700_000_000_000)

	s.RecordTrade("tok", domain.Trade{Price: 0.5, Size: 10, Side: domain.SideBuy, TimestampMs: base})
	agg := s.Aggregates("tok", base+301_000)

	if agg.TradeCount5m != 0 || agg.Volume5m != 0 {
		t.Errorf("expired trade still aggregated: %+v", agg)
	}
}

func TestRollingBookState(t *testing.T) {
	s := NewRollingStateService()

	agg := s.Aggregates("tok", 0)
	if agg.HasBook {
		t.Fatal("book reported before any snapshot")
	}

	snap := domain.OrderbookSnapshot{
		TokenID: "tok",
		Bids:    []domain.PriceLevel{{Price: 0.40, Size: 100}},
		Asks:    []domain.PriceLevel{{Price: 0.44, Size: 50}},
	}
	m, ok := domain.MetricsFromSnapshot(snap)
	if !ok {
		t.Fatal("metrics from two-sided snapshot")
	}
	s.RecordOrderbook("tok", snap, m)

	agg = s.Aggregates("tok", 0)
	if !agg.HasBook {
		t.Fatal("book missing after snapshot")
	}
	if agg.Book.BestBid != 0.40 || agg.Book.BestAsk != 0.44 {
		t.Errorf("best bid/ask = %v/%v", agg.Book.BestBid, agg.Book.BestAsk)
	}
	if diff := agg.Book.Spread - 0.04; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("spread = %v, want 0.04", agg.Book.Spread)
	}
}

func TestRollingTokensIndependent(t *testing.T) {
	s := NewRollingStateService()
	base := int64(1_700_000_000_000)

	s.RecordTrade("tok-a", domain.Trade{Price: 1, Size: 5, Side: domain.SideBuy, TimestampMs: base})
	if agg := s.Aggregates("tok-b", base); agg.TradeCount5m != 0 {
		t.Errorf("tok-b saw tok-a trades: %+v", agg)
	}
}
