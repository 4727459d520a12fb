package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cachedCompletion is what the response cache holds per key. Usage and model
// are kept so a cache hit is indistinguishable from a live response apart
// from latency and the cached flag.
type cachedCompletion struct {
	content          string
	model            string
	promptTokens     int
	completionTokens int
	storedAt         time.Time
}

// responseCache is a bounded TTL cache for completion responses. Keys are
// SHA-256 hex of a canonical JSON tuple so that semantically identical
// requests collide.
type responseCache struct {
	lru     *expirable.LRU[string, cachedCompletion]
	ttl     time.Duration
	maxSize int

	hits   atomic.Int64
	misses atomic.Int64
}

func newResponseCache(size int, ttl time.Duration) *responseCache {
	return &responseCache{
		lru:     expirable.NewLRU[string, cachedCompletion](size, nil, ttl),
		ttl:     ttl,
		maxSize: size,
	}
}

func (c *responseCache) get(key string) (cachedCompletion, bool) {
	entry, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

func (c *responseCache) put(key string, entry cachedCompletion) {
	entry.storedAt = time.Now()
	c.lru.Add(key, entry)
}

// clear empties the cache and returns how many entries were dropped.
func (c *responseCache) clear() int {
	n := c.lru.Len()
	c.lru.Purge()
	return n
}

// CacheStats is the shape served by GET /gateway/cache/stats.
type CacheStats struct {
	Entries        int     `json:"entries"`
	MaxSize        int     `json:"max_size"`
	TTLSeconds     float64 `json:"ttl_seconds"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatePercent float64 `json:"hit_rate_percent"`
}

func (c *responseCache) stats() CacheStats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Entries:        c.lru.Len(),
		MaxSize:        c.maxSize,
		TTLSeconds:     c.ttl.Seconds(),
		Hits:           hits,
		Misses:         misses,
		HitRatePercent: rate,
	}
}

// cacheKey derives a stable key from any JSON-marshalable tuple. Struct
// fields marshal in declaration order, so the encoding is canonical.
func cacheKey(tuple any) string {
	raw, err := json.Marshal(tuple)
	if err != nil {
		// Only unmarshalable types can fail here; request tuples are
		// plain strings and numbers.
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
