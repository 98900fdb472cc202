package service

import (
	"sync"

	"featflow/internal/domain"
)

const (
	windowShortMs = 60_000
	windowLongMs  = 300_000
)

type bookState struct {
	snap    domain.OrderbookSnapshot
	metrics domain.OrderbookMetrics
}

type tokenState struct {
	mu     sync.Mutex
	trades []domain.Trade // ordered by arrival, bounded by the long window
	book   *bookState
}

// dropExpired trims trades that fell out of the long window.
func (ts *tokenState) dropExpired(nowMs int64) {
	cut := 0
	for cut < len(ts.trades) && ts.trades[cut].TimestampMs < nowMs-windowLongMs {
		cut++
	}
	if cut > 0 {
		ts.trades = append(ts.trades[:0], ts.trades[cut:]...)
	}
}

// RollingStateService keeps recent-window trade and orderbook aggregates per
// token, entirely in memory. Events for one token are applied in call order;
// distinct tokens do not contend.
type RollingStateService struct {
	mu     sync.RWMutex
	states map[string]*tokenState
}

func NewRollingStateService() *RollingStateService {
	return &RollingStateService{states: make(map[string]*tokenState)}
}

func (s *RollingStateService) state(tokenID string) *tokenState {
	s.mu.RLock()
	ts, hit := s.states[tokenID]
	s.mu.RUnlock()
	if hit {
		return ts
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts, hit = s.states[tokenID]; hit {
		return ts
	}
	ts = &tokenState{}
	s.states[tokenID] = ts
	return ts
}

// RecordTrade appends one trade to the token's window.
func (s *RollingStateService) RecordTrade(tokenID string, trade domain.Trade) {
	ts := s.state(tokenID)
	ts.mu.Lock()
	ts.trades = append(ts.trades, trade)
	ts.dropExpired(trade.TimestampMs)
	ts.mu.Unlock()
}

// RecordOrderbook replaces the token's latest book snapshot and metrics.
func (s *RollingStateService) RecordOrderbook(tokenID string, snap domain.OrderbookSnapshot, metrics domain.OrderbookMetrics) {
	ts := s.state(tokenID)
	ts.mu.Lock()
	ts.book = &bookState{snap: snap, metrics: metrics}
	ts.mu.Unlock()
}

// Aggregates computes the window statistics for a token as of nowMs.
func (s *RollingStateService) Aggregates(tokenID string, nowMs int64) domain.RollingAggregates {
	ts := s.state(tokenID)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.dropExpired(nowMs)

	var agg domain.RollingAggregates
	var notional5m float64
	var firstPrice float64
	for _, tr := range ts.trades {
		if tr.TimestampMs > nowMs {
			continue
		}
		if firstPrice == 0 {
			firstPrice = tr.Price
		}
		agg.TradeCount5m++
		agg.Volume5m += tr.Size
		notional5m += tr.Notional()
		switch tr.Side {
		case domain.SideBuy:
			agg.BuyVolume5m += tr.Size
		case domain.SideSell:
			agg.SellVolume5m += tr.Size
		}
		if tr.TimestampMs >= nowMs-windowShortMs {
			agg.TradeCount1m++
			agg.Volume1m += tr.Size
		}
		agg.LastPrice = tr.Price
	}
	if agg.Volume5m > 0 {
		agg.VWAP5m = notional5m / agg.Volume5m
	}
	if firstPrice > 0 && agg.LastPrice > 0 {
		agg.PriceChange5m = (agg.LastPrice - firstPrice) / firstPrice
	}
	if ts.book != nil {
		agg.HasBook = true
		agg.Book = ts.book.metrics
	}
	return agg
}
