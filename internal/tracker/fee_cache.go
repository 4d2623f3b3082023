package tracker

import (
	"strings"
	"sync"
	"time"
)

// FeeCache holds every computed USD fee keyed by lower-cased transaction
// hash, together with the polling cursor (highest block fully processed)
// and the scalar price state the steady-state loops share. It never
// evicts: the tracked pool's volume is bounded and restarts rebuild the
// cache by replaying history.
//
// All mutation goes through Commit/SetPrice so the poll loop and the
// price-refresh loop never interleave half-applied state.
type FeeCache struct {
	mu        sync.RWMutex
	fees      map[string]float64
	cursor    uint64
	price     float64
	priceAsOf time.Time
}

// Stats is a point-in-time snapshot for the status endpoint.
type Stats struct {
	Fees      int
	Cursor    uint64
	Price     float64
	PriceAsOf time.Time
}

func NewFeeCache() *FeeCache {
	return &FeeCache{fees: make(map[string]float64)}
}

// Fee returns the cached USD fee for hash. Lookup is case-insensitive.
// It reports absent for an empty hash, while the cache is cold (cursor
// still 0), or when the hash is unknown.
func (c *FeeCache) Fee(hash string) (float64, bool) {
	if hash == "" {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cursor == 0 {
		return 0, false
	}
	fee, ok := c.fees[strings.ToLower(hash)]
	return fee, ok
}

// Commit stores a whole batch of records and advances the cursor in one
// critical section. Keys are lower-cased on the way in. An empty batch
// still advances the cursor.
func (c *FeeCache) Commit(records map[string]float64, cursor uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hash, fee := range records {
		c.fees[strings.ToLower(hash)] = fee
	}
	if cursor > c.cursor {
		c.cursor = cursor
	}
}

func (c *FeeCache) Cursor() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cursor
}

// Price returns the latest known price and the time it is valid as of.
// Both are read under one lock so a concurrent SetPrice can never produce
// a torn pair. ok is false until the first backfill completes.
func (c *FeeCache) Price() (price float64, asOf time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.priceAsOf.IsZero() {
		return 0, time.Time{}, false
	}
	return c.price, c.priceAsOf, true
}

func (c *FeeCache) SetPrice(price float64, asOf time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.price = price
	c.priceAsOf = asOf
}

func (c *FeeCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Fees:      len(c.fees),
		Cursor:    c.cursor,
		Price:     c.price,
		PriceAsOf: c.priceAsOf,
	}
}
