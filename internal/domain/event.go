package domain

// TradeSide is the taker side of an executed trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Trade is a single execution for a token.
type Trade struct {
	TokenID     string    `json:"tokenId"`
	Price       float64   `json:"price"`
	Size        float64   `json:"size"`
	Side        TradeSide `json:"side"`
	TimestampMs int64     `json:"timestamp"`
}

// Notional is the trade value in quote units.
func (t Trade) Notional() float64 {
	return t.Price * t.Size
}

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a full snapshot of bids and asks for a token.
type OrderbookSnapshot struct {
	TokenID     string       `json:"tokenId"`
	Bids        []PriceLevel `json:"bids"`
	Asks        []PriceLevel `json:"asks"`
	TimestampMs int64        `json:"timestamp"`
}

// OrderbookMetrics are depth/imbalance figures derived from one snapshot.
type OrderbookMetrics struct {
	BestBid   float64 `json:"bestBid"`
	BestAsk   float64 `json:"bestAsk"`
	MidPrice  float64 `json:"midPrice"`
	Spread    float64 `json:"spread"`
	BidDepth  float64 `json:"bidDepth"`
	AskDepth  float64 `json:"askDepth"`
	Imbalance float64 `json:"imbalance"`
}

// MetricsFromSnapshot derives depth and imbalance metrics from a snapshot.
// Returns false when the book has no bids or no asks.
func MetricsFromSnapshot(snap OrderbookSnapshot) (OrderbookMetrics, bool) {
	if len(snap.Bids) == 0 || len(snap.Asks) == 0 {
		return OrderbookMetrics{}, false
	}

	var m OrderbookMetrics
	m.BestBid = snap.Bids[0].Price
	m.BestAsk = snap.Asks[0].Price
	for _, lvl := range snap.Bids {
		if lvl.Price > m.BestBid {
			m.BestBid = lvl.Price
		}
		m.BidDepth += lvl.Price * lvl.Size
	}
	for _, lvl := range snap.Asks {
		if lvl.Price < m.BestAsk {
			m.BestAsk = lvl.Price
		}
		m.AskDepth += lvl.Price * lvl.Size
	}
	m.MidPrice = (m.BestBid + m.BestAsk) / 2
	m.Spread = m.BestAsk - m.BestBid
	if total := m.BidDepth + m.AskDepth; total > 0 {
		m.Imbalance = (m.BidDepth - m.AskDepth) / total
	}
	return m, true
}
