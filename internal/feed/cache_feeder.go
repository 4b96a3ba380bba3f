package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// StreamPrices is the redis stream carrying feed ticks for other consumers.
const StreamPrices = "prices"

// priceEvent is the JSON shape published to StreamPrices.
type priceEvent struct {
	Asset string `json:"asset"`
	Price string `json:"price"`
	At    string `json:"at"`
}

// CacheFeeder writes feed ticks into the shared price cache and republishes
// them on the event bus. It is the PriceHandler wired into WSPriceFeed.
type CacheFeeder struct {
	cache  domain.PriceCache
	bus    domain.EventBus
	logger *slog.Logger
}

// NewCacheFeeder creates a CacheFeeder. bus may be nil.
func NewCacheFeeder(cache domain.PriceCache, bus domain.EventBus, logger *slog.Logger) *CacheFeeder {
	return &CacheFeeder{
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "cache_feeder")),
	}
}

// HandleTick stores the tick and republishes it. Cache failures are logged
// rather than propagated so one bad write never stops the feed.
func (f *CacheFeeder) HandleTick(ctx context.Context, update PriceUpdate) {
	if err := f.cache.SetPrice(ctx, update.Asset, update.Price); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("asset", update.Asset.Hex()),
			slog.String("error", err.Error()),
		)
		return
	}
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(priceEvent{
		Asset: update.Asset.Hex(),
		Price: update.Price.String(),
		At:    update.At.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, StreamPrices, payload); err != nil {
		f.logger.Debug("price event publish failed", slog.String("error", err.Error()))
	}
}
