package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"bithumb-trading-bot/internal/logging"
)

const marketCacheTTL = 5 * time.Minute

// MarketCache is a TTL cache over the exchange market list.
// When a refresh fails the stale list keeps being served, so scanners
// never stall on exchange outages.
type MarketCache struct {
	client MarketLister
	logger *logging.Logger

	mu        sync.RWMutex
	markets   []Market
	fetchedAt time.Time
}

// MarketLister is the slice of the gateway the cache needs
type MarketLister interface {
	ListMarkets(ctx context.Context) ([]Market, error)
}

// NewMarketCache creates a market list cache around the given client
func NewMarketCache(client MarketLister) *MarketCache {
	return &MarketCache{
		client: client,
		logger: logging.WithComponent("market-cache"),
	}
}

// Markets returns the cached market list, refreshing when expired.
// A stale list is returned when the refresh fails.
func (mc *MarketCache) Markets(ctx context.Context) []Market {
	mc.mu.RLock()
	fresh := time.Since(mc.fetchedAt) < marketCacheTTL && mc.markets != nil
	cached := mc.markets
	mc.mu.RUnlock()

	if fresh {
		return cached
	}

	markets, err := mc.client.ListMarkets(ctx)
	if err != nil || markets == nil {
		if cached != nil {
			mc.logger.Warn("Market list refresh failed, serving stale cache",
				"age", time.Since(mc.fetchedAt).String(), "error", err)
			return cached
		}
		return nil
	}

	mc.mu.Lock()
	mc.markets = markets
	mc.fetchedAt = time.Now()
	mc.mu.Unlock()
	return markets
}

// KRWMarkets returns cached markets quoted in KRW, excluding flagged ones
// when excludeWarning is set
func (mc *MarketCache) KRWMarkets(ctx context.Context, excludeWarning bool) []Market {
	all := mc.Markets(ctx)
	out := make([]Market, 0, len(all))
	for _, m := range all {
		if !strings.HasPrefix(m.Code, "KRW-") {
			continue
		}
		if excludeWarning && m.Warning {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Invalidate clears the cache so the next read refetches
func (mc *MarketCache) Invalidate() {
	mc.mu.Lock()
	mc.fetchedAt = time.Time{}
	mc.mu.Unlock()
}
