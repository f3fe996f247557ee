package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggonzalez94/defi-sentinel/internal/cache"
)

// Cached serves quotes fetched less than ttl ago from the shared price cache
// and falls through to next otherwise. Expired quotes are never returned.
type Cached struct {
	next   Oracle
	cache  *cache.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewCached(next Oracle, store *cache.Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{next: next, cache: store, ttl: ttl, logger: logger, now: time.Now}
}

func (c *Cached) PriceUSD(ctx context.Context, token string) (Quote, error) {
	if c.cache != nil && c.ttl > 0 {
		entry, ok, err := c.cache.Lookup(ctx, token, c.ttl)
		if err != nil {
			c.logger.Warn("price cache read failed", "token", token, "err", err)
		} else if ok {
			return Quote{Token: token, PriceUSD: entry.PriceUSD, FetchedAt: entry.FetchedAt}, nil
		}
	}

	quote, err := c.next.PriceUSD(ctx, token)
	if err != nil {
		return Quote{}, err
	}
	if c.cache != nil && c.ttl > 0 {
		if err := c.cache.Put(ctx, token, quote.PriceUSD, c.now()); err != nil {
			c.logger.Warn("price cache write failed", "token", token, "err", err)
		}
	}
	return quote, nil
}
