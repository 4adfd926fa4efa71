package rules

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// RESULT CACHE - bounded, TTL-evicting cache of strategy results
// =============================================================================
// Keyed by (strategy, params-hash, value). Entries are immutable after
// insert; eviction is LRU with a TTL check on read. The cache is shared
// by all processing workers, so reads and writes are lock-protected.

// DefaultCacheMaxEntries bounds the cache when no size is configured.
const DefaultCacheMaxEntries = 10000

type cacheEntry struct {
	key      string
	result   Result
	insertAt time.Time
}

// ResultCache caches strategy outcomes for repeated values.
type ResultCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	ttl        time.Duration
}

// NewResultCache creates a cache bounded to maxEntries with the given TTL.
// A zero TTL means entries never expire by age.
func NewResultCache(maxEntries int, ttl time.Duration) *ResultCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	return &ResultCache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// CacheKey derives the cache key for a strategy invocation.
func CacheKey(strategy string, params Params, value string) string {
	paramsJSON, _ := json.Marshal(params)
	sum := md5.Sum(paramsJSON)
	return fmt.Sprintf("%s:%s:%s", strategy, hex.EncodeToString(sum[:]), value)
}

// Get returns the cached result for key, if present and unexpired.
func (c *ResultCache) Get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	entry := el.Value.(*cacheEntry)
	if c.ttl > 0 && time.Since(entry.insertAt) > c.ttl {
		c.order.Remove(el)
		delete(c.entries, key)
		return Result{}, false
	}
	c.order.MoveToFront(el)
	return entry.result, true
}

// Put stores a result, evicting the least recently used entry when full.
func (c *ResultCache) Put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		el.Value.(*cacheEntry).result = result
		return
	}

	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}

	c.entries[key] = c.order.PushFront(&cacheEntry{
		key:      key,
		result:   result,
		insertAt: time.Now(),
	})
}

// Len returns the current entry count.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
