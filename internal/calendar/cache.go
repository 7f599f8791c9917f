package calendar

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// BusyCache is a process-local TTL cache of busy-range reads, keyed by
// tenant and minute-rounded window. Invalidated whenever a booking for
// the tenant mutates.
type BusyCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	now func() time.Time

	entries map[cacheKey]cacheEntry
}

type cacheKey struct {
	tenantID uuid.UUID
	fromMin  int64
	toMin    int64
}

type cacheEntry struct {
	ranges    []BusyRange
	expiresAt time.Time
}

func NewBusyCache(ttl time.Duration) *BusyCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BusyCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[cacheKey]cacheEntry),
	}
}

// WithNow overrides the cache's time source for tests.
func (c *BusyCache) WithNow(now func() time.Time) *BusyCache {
	c.now = now
	return c
}

func key(tenantID uuid.UUID, from, to time.Time) cacheKey {
	return cacheKey{
		tenantID: tenantID,
		fromMin:  from.UTC().Truncate(time.Minute).Unix(),
		toMin:    to.UTC().Truncate(time.Minute).Unix(),
	}
}

// Get returns the cached ranges for the window, or ok=false on miss/expiry.
func (c *BusyCache) Get(tenantID uuid.UUID, from, to time.Time) ([]BusyRange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key(tenantID, from, to)]
	if !ok || c.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.ranges, true
}

// Set stores ranges for the window, replacing any prior entry atomically.
func (c *BusyCache) Set(tenantID uuid.UUID, from, to time.Time, ranges []BusyRange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(tenantID, from, to)] = cacheEntry{
		ranges:    ranges,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Invalidate drops every cached window for the tenant.
func (c *BusyCache) Invalidate(tenantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.tenantID == tenantID {
			delete(c.entries, k)
		}
	}
}
