package market

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const numShards = 16

// QuoteCache keeps the latest quote per symbol, sharded to keep lock
// contention low when many symbols are fetched concurrently.
type QuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]Quote)}
	}
	return c
}

func (c *QuoteCache) shard(symbol string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set stores q under its symbol.
func (c *QuoteCache) Set(q Quote) {
	sh := c.shard(q.Symbol)
	sh.mu.Lock()
	sh.items[q.Symbol] = q
	sh.mu.Unlock()
}

// Get returns the cached quote and its age.
func (c *QuoteCache) Get(symbol string, now time.Time) (Quote, time.Duration, bool) {
	sh := c.shard(symbol)
	sh.mu.RLock()
	q, ok := sh.items[symbol]
	sh.mu.RUnlock()
	if !ok {
		return Quote{}, 0, false
	}
	return q, now.Sub(q.Timestamp), true
}

// Cleanup removes quotes older than maxAge and reports how many went.
func (c *QuoteCache) Cleanup(now time.Time, maxAge time.Duration) int {
	removed := 0
	cutoff := now.Add(-maxAge)
	for _, sh := range c.shards {
		sh.mu.Lock()
		for sym, q := range sh.items {
			if q.Timestamp.Before(cutoff) {
				delete(sh.items, sym)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns total items across all shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.items)
		sh.mu.RUnlock()
	}
	return total
}

// CachedSource serves a quote from cache while it is younger than maxAge
// and falls through to the wrapped source otherwise. Failed fetches are
// never answered from cache.
type CachedSource struct {
	src    PriceSource
	cache  *QuoteCache
	maxAge time.Duration
	now    func() time.Time
}

// NewCachedSource wraps src. maxAge <= 0 disables caching.
func NewCachedSource(src PriceSource, maxAge time.Duration) *CachedSource {
	return &CachedSource{
		src:    src,
		cache:  NewQuoteCache(),
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetPrice implements PriceSource.
func (s *CachedSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	now := s.now()
	if s.maxAge > 0 {
		if q, age, ok := s.cache.Get(sym, now); ok && age <= s.maxAge {
			return q, nil
		}
	}
	q, err := s.src.GetPrice(ctx, sym)
	if err != nil {
		return Quote{}, err
	}
	if q.Symbol == "" {
		q.Symbol = sym
	}
	if q.Timestamp.IsZero() {
		q.Timestamp = now
	}
	s.cache.Set(q)
	if s.maxAge > 0 && s.cache.Len() > 1024 {
		s.cache.Cleanup(now, s.maxAge)
	}
	return q, nil
}

// Cache exposes the underlying quote cache.
func (s *CachedSource) Cache() *QuoteCache { return s.cache }
