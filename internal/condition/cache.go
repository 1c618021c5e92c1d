package condition

import (
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// Entry is a cached condition plus the instant it was computed. Staleness is
// a pure function of the clock, not a background timer.
type Entry struct {
	Value      types.MarketCondition
	ComputedAt time.Time
}

// IsStale reports whether the entry has outlived the TTL at the given instant.
func (e Entry) IsStale(now time.Time, ttl time.Duration) bool {
	return ttl <= 0 || now.Sub(e.ComputedAt) >= ttl
}

// Cache holds the most recent condition per instrument with a shared TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	ttl     time.Duration
}

// NewCache creates a condition cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		ttl:     ttl,
	}
}

// Get returns the cached condition for an instrument if it is still fresh.
func (c *Cache) Get(instrument string, now time.Time) (types.MarketCondition, bool) {
	c.mu.RLock()
	e, ok := c.entries[instrument]
	c.mu.RUnlock()
	if !ok || e.IsStale(now, c.ttl) {
		return types.MarketCondition{}, false
	}
	return e.Value, true
}

// Put replaces the cached condition for the instrument.
func (c *Cache) Put(instrument string, cond types.MarketCondition) {
	c.mu.Lock()
	c.entries[instrument] = Entry{Value: cond, ComputedAt: cond.ComputedAt}
	c.mu.Unlock()
}

// Invalidate drops the entry for an instrument.
func (c *Cache) Invalidate(instrument string) {
	c.mu.Lock()
	delete(c.entries, instrument)
	c.mu.Unlock()
}
