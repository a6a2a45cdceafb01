package sor

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"veloz-core/pkg/types"
)

// SnapshotPublisher pushes aggregated BBO snapshots to Redis for
// external dashboards/analytics consumers. It is best-effort: a publish
// failure is logged and dropped, never propagated to the order path.
type SnapshotPublisher struct {
	client     *redis.Client
	keyPrefix  string
	logger     *slog.Logger
}

// NewSnapshotPublisher wraps an existing redis client. keyPrefix is
// prepended to each symbol to form the published key, e.g.
// "veloz:bbo:BTC-USDT".
func NewSnapshotPublisher(client *redis.Client, keyPrefix string, logger *slog.Logger) *SnapshotPublisher {
	return &SnapshotPublisher{client: client, keyPrefix: keyPrefix, logger: logger.With("component", "sor.publisher")}
}

type publishedBBO struct {
	Symbol       types.Symbol `json:"symbol"`
	BestBidPrice float64      `json:"best_bid_price"`
	BestBidVenue types.Venue  `json:"best_bid_venue"`
	BestAskPrice float64      `json:"best_ask_price"`
	BestAskVenue types.Venue  `json:"best_ask_venue"`
	MidPrice     float64      `json:"mid_price"`
	PublishedAt  time.Time    `json:"published_at"`
}

// Publish writes symbol's current aggregated BBO to Redis with ttl
// expiry, so a dead publisher doesn't leave stale data behind.
func (p *SnapshotPublisher) Publish(ctx context.Context, symbol types.Symbol, agg AggregatedBBO, ttl time.Duration) {
	payload := publishedBBO{
		Symbol:       symbol,
		BestBidPrice: agg.BestBidPrice,
		BestBidVenue: agg.BestBidVenue,
		BestAskPrice: agg.BestAskPrice,
		BestAskVenue: agg.BestAskVenue,
		MidPrice:     agg.MidPrice,
		PublishedAt:  time.Now(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to marshal snapshot", "symbol", string(symbol), "error", err)
		return
	}

	key := p.keyPrefix + ":" + string(symbol)
	if err := p.client.Set(ctx, key, data, ttl).Err(); err != nil {
		p.logger.Warn("failed to publish snapshot to redis", "symbol", string(symbol), "error", err)
	}
}

// RunPeriodicPublish publishes every symbol currently tracked by
// coordinator's aggregated books on interval, until ctx is cancelled.
func (p *SnapshotPublisher) RunPeriodicPublish(ctx context.Context, coordinator *ExchangeCoordinator, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coordinator.bookMu.RLock()
			symbols := make([]types.Symbol, 0, len(coordinator.book))
			for s := range coordinator.book {
				symbols = append(symbols, s)
			}
			coordinator.bookMu.RUnlock()

			for _, symbol := range symbols {
				agg := coordinator.BookFor(symbol).GetAggregatedBBO()
				p.Publish(ctx, symbol, agg, ttl)
			}
		}
	}
}
