// Package cache stores recent replies keyed by request fingerprint with TTL
// expiry and LRU capacity eviction.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Fingerprint hashes the parts identifying a cacheable request. The order of
// parts is significant; callers must pass them in a fixed order so identical
// requests always map to the same key.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strings.TrimSpace(p)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	key       string
	reply     string
	expiresAt time.Time
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Size      int
}

// Cache is a TTL+LRU reply cache. Entries are immutable once written;
// eviction removes, never mutates. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	items map[string]*list.Element
	lru   *list.List // front = most recently accessed

	hits, misses, evictions, expired int64
}

// New creates a cache. Capacity <= 0 disables storage entirely; every
// lookup misses. A nil clock means time.Now.
func New(capacity int, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		items:    make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached reply for key. A logically expired entry is a miss
// and is evicted on the spot; a hit refreshes recency.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return "", false
	}
	en := el.Value.(*entry)
	if c.now().After(en.expiresAt) {
		c.removeLocked(el)
		c.expired++
		c.misses++
		return "", false
	}
	c.lru.MoveToFront(el)
	c.hits++
	return en.reply, true
}

// Put stores a reply under key. Writing an existing key replaces the entry
// with a fresh TTL; the last writer wins. When the cache is over capacity
// the least-recently-accessed entry is evicted.
func (c *Cache) Put(key, reply string) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	en := &entry{key: key, reply: reply, expiresAt: c.now().Add(c.ttl)}
	c.items[key] = c.lru.PushFront(en)

	for len(c.items) > c.capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
		c.evictions++
	}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit/miss/eviction counters for monitoring.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Expired:   c.expired,
		Size:      len(c.items),
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	en := el.Value.(*entry)
	delete(c.items, en.key)
	c.lru.Remove(el)
}
