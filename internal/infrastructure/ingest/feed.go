// Package ingest connects to the market websocket feed and converts trade
// and book messages into feature jobs on the upstream queue.
package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"featflow/internal/application/port"
	"featflow/internal/domain"
	"featflow/internal/observability"
)

// wire shapes of the market feed; numeric fields arrive as strings
type wsLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsMessage struct {
	EventType string    `json:"event_type"`
	AssetID   string    `json:"asset_id"`
	Market    string    `json:"market"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Side      string    `json:"side"`
	Timestamp string    `json:"timestamp"`
	Bids      []wsLevel `json:"bids"`
	Asks      []wsLevel `json:"asks"`
}

// Feed consumes the market websocket and enqueues feature jobs. It
// reconnects with capped exponential delay until its context is canceled.
type Feed struct {
	url     string
	sink    port.JobSink
	metrics *observability.Metrics
}

func NewFeed(url string, sink port.JobSink, metrics *observability.Metrics) *Feed {
	return &Feed{url: url, sink: sink, metrics: metrics}
}

func (f *Feed) Run(ctx context.Context) error {
	delay := 500 * time.Millisecond
	const maxDelay = 10 * time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("url", f.url).Dur("retry_in", delay).Msg("market feed disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", f.url).Msg("market feed connected")

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			_, b, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			f.onMessage(ctx, b)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		}
	}
}

func (f *Feed) onMessage(ctx context.Context, b []byte) {
	var msg wsMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return
	}
	if msg.AssetID == "" {
		return
	}

	job, ok := buildJob(msg)
	if !ok {
		return
	}
	if err := f.sink.Enqueue(ctx, job); err != nil {
		log.Error().Err(err).Str("token", job.TokenID).Str("type", string(job.Type)).Msg("enqueue failed")
		return
	}
	f.metrics.IngestEvents.WithLabelValues(string(job.Type)).Inc()
}

func buildJob(msg wsMessage) (domain.FeatureJob, bool) {
	ts := parseMs(msg.Timestamp)
	job := domain.FeatureJob{
		ID:          uuid.NewString(),
		TokenID:     msg.AssetID,
		ConditionID: msg.Market,
		TimestampMs: ts,
	}

	switch msg.EventType {
	case "last_trade_price", "trade":
		price := parseFloat(msg.Price)
		size := parseFloat(msg.Size)
		if price <= 0 || size <= 0 {
			return domain.FeatureJob{}, false
		}
		side := domain.SideBuy
		if msg.Side == "SELL" || msg.Side == "sell" {
			side = domain.SideSell
		}
		job.Type = domain.JobTypeTrade
		job.Data.Trade = &domain.Trade{
			TokenID:     msg.AssetID,
			Price:       price,
			Size:        size,
			Side:        side,
			TimestampMs: ts,
		}
		return job, true

	case "book":
		snap := domain.OrderbookSnapshot{
			TokenID:     msg.AssetID,
			Bids:        parseLevels(msg.Bids),
			Asks:        parseLevels(msg.Asks),
			TimestampMs: ts,
		}
		job.Type = domain.JobTypeOrderbook
		job.Data.Orderbook = &snap
		if m, ok := domain.MetricsFromSnapshot(snap); ok {
			job.Data.Metrics = &m
		}
		return job, true

	default:
		return domain.FeatureJob{}, false
	}
}

func parseLevels(in []wsLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, lvl := range in {
		p, s := parseFloat(lvl.Price), parseFloat(lvl.Size)
		if p <= 0 || s <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseMs(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Now().UnixMilli()
	}
	return v
}
