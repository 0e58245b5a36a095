// Package querycache caches successful query results in two tiers: a small
// in-process LRU with TTL in front of a durable store. Failed results are
// never cached.
package querycache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// Key derives the cache key for a query over a set of dataset URLs. The SQL
// is hashed with surrounding whitespace trimmed but otherwise verbatim:
// literal values are part of the query's identity, so two queries differing
// only inside a string literal must never share a key. URLs are sorted so
// dataset order does not matter.
func Key(sqlText string, urls []string) string {
	sorted := append([]string(nil), urls...)
	sort.Strings(sorted)
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(sqlText)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// Stats reports hit/miss counts for the memory tier.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Cache is the two-tier query result cache. The durable tier is optional:
// with a nil store the memory tier works alone.
type Cache struct {
	mem      *expirable.LRU[string, domain.QueryResult]
	store    domain.QueryCacheStore
	storeTTL time.Duration
	log      *slog.Logger
	hits     atomic.Uint64
	misses   atomic.Uint64
}

// New builds the cache. memSize/memTTL shape the in-process tier; storeTTL
// bounds how long durable entries stay servable.
func New(memSize int, memTTL, storeTTL time.Duration, store domain.QueryCacheStore, log *slog.Logger) *Cache {
	if memSize <= 0 {
		memSize = 256
	}
	return &Cache{
		mem:      expirable.NewLRU[string, domain.QueryResult](memSize, nil, memTTL),
		store:    store,
		storeTTL: storeTTL,
		log:      log,
	}
}

// Get returns the cached result for the key with Cached set, or ok=false.
// A durable-tier hit is written through to the memory tier.
func (c *Cache) Get(ctx domain.Context, key string) (domain.QueryResult, bool) {
	if res, ok := c.mem.Get(key); ok {
		c.hits.Add(1)
		observability.QueryCacheHit("memory")
		res.Cached = true
		return res, true
	}
	c.misses.Add(1)
	observability.QueryCacheMiss("memory")

	if c.store == nil {
		return domain.QueryResult{}, false
	}
	res, ok, err := c.store.Get(ctx, key, time.Now())
	if err != nil {
		c.log.Warn("query cache durable get failed", slog.Any("error", err))
		observability.QueryCacheMiss("durable")
		return domain.QueryResult{}, false
	}
	if !ok {
		observability.QueryCacheMiss("durable")
		return domain.QueryResult{}, false
	}
	observability.QueryCacheHit("durable")
	c.mem.Add(key, res)
	res.Cached = true
	return res, true
}

// Put stores a successful result in both tiers. Results carrying a task
// error are dropped. Durable-tier failures are logged, not returned: caching
// is never allowed to fail the request.
func (c *Cache) Put(ctx domain.Context, key, sqlText string, urls []string, res domain.QueryResult) {
	if res.Err != nil {
		return
	}
	res.Cached = false
	c.mem.Add(key, res)
	if c.store == nil {
		return
	}
	now := time.Now()
	if err := c.store.Put(ctx, key, sqlText, urls, res, now, now.Add(c.storeTTL)); err != nil {
		c.log.Warn("query cache durable put failed", slog.Any("error", err))
	}
}

// Stats returns memory-tier hit/miss counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Purge drops every memory-tier entry. Used when a dataset refresh changes
// the data behind already-cached results.
func (c *Cache) Purge() {
	c.mem.Purge()
}

// RunCleanup deletes expired durable entries every interval until ctx ends.
func (c *Cache) RunCleanup(ctx domain.Context, interval time.Duration) {
	if c.store == nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.cleanupOnce(ctx, time.Now())
		}
	}
}

func (c *Cache) cleanupOnce(ctx domain.Context, now time.Time) {
	n, err := c.store.Cleanup(ctx, now)
	if err != nil {
		c.log.Warn("query cache cleanup failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		c.log.Debug("query cache cleanup", slog.Int64("deleted", n))
	}
}
