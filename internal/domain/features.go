package domain

// RollingAggregates are the recent-window statistics for one token.
type RollingAggregates struct {
	TradeCount1m  int     `json:"tradeCount1m"`
	TradeCount5m  int     `json:"tradeCount5m"`
	Volume1m      float64 `json:"volume1m"`
	Volume5m      float64 `json:"volume5m"`
	BuyVolume5m   float64 `json:"buyVolume5m"`
	SellVolume5m  float64 `json:"sellVolume5m"`
	VWAP5m        float64 `json:"vwap5m"`
	LastPrice     float64 `json:"lastPrice"`
	PriceChange5m float64 `json:"priceChange5m"`

	HasBook bool             `json:"hasBook"`
	Book    OrderbookMetrics `json:"book"`
}

// FeatureVector is the numeric summary consumed by downstream scoring.
type FeatureVector struct {
	TradeCount1m  int     `json:"tradeCount1m"`
	TradeCount5m  int     `json:"tradeCount5m"`
	Volume1m      float64 `json:"volume1m"`
	Volume5m      float64 `json:"volume5m"`
	FlowImbalance float64 `json:"flowImbalance"`
	VWAP5m        float64 `json:"vwap5m"`
	LastPrice     float64 `json:"lastPrice"`
	PriceChange5m float64 `json:"priceChange5m"`

	Spread        float64 `json:"spread"`
	MidPrice      float64 `json:"midPrice"`
	BidDepth      float64 `json:"bidDepth"`
	AskDepth      float64 `json:"askDepth"`
	BookImbalance float64 `json:"bookImbalance"`

	// Distributional features over the full trade-size history.
	SizeP50        float64 `json:"sizeP50"`
	SizeP90        float64 `json:"sizeP90"`
	SizeP99        float64 `json:"sizeP99"`
	SizeTailScore  float64 `json:"sizeTailScore"`
	ObservedTrades int64   `json:"observedTrades"`
}
