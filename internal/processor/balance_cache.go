package processor

import (
	"sync"
	"time"

	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/provider"
)

// balanceCache holds per-provider float snapshots with a declared TTL
// and an explicit invalidation call. Payouts invalidate their provider's
// entry since the float just moved.
type balanceCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]balanceEntry
}

type balanceEntry struct {
	snaps   []provider.BalanceSnapshot
	fetched time.Time
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	return &balanceCache{
		ttl:     ttl,
		entries: make(map[string]balanceEntry),
	}
}

// Get returns a cached snapshot set if it is still fresh.
func (c *balanceCache) Get(providerName string) ([]provider.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[providerName]
	if !ok || time.Since(e.fetched) > c.ttl {
		metrics.BalanceCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.BalanceCacheHits.WithLabelValues("hit").Inc()
	return e.snaps, true
}

// Put stores fresh snapshots for a provider.
func (c *balanceCache) Put(providerName string, snaps []provider.BalanceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[providerName] = balanceEntry{snaps: snaps, fetched: time.Now()}
}

// Invalidate drops a provider's cached snapshots.
func (c *balanceCache) Invalidate(providerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, providerName)
}
