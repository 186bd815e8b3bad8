package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/objectfs/syncengine/internal/storage"
)

// LRU is the L1 tier: a thread-safe least-recently-used map of byte values with
// absolute expiry. Values are copied on the way in and out.
type LRU struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64
	bytes      int64
	items      map[string]*list.Element
	evictList  *list.List
	now        func() time.Time

	stats LRUStats
}

// LRUStats reports L1 occupancy and its own counters
type LRUStats struct {
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	Bytes     int64   `json:"bytes"`
	MaxBytes  int64   `json:"max_bytes"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Expired   uint64  `json:"expired"`
	HitRate   float64 `json:"hit_rate"`
}

type lruEntry struct {
	key        string
	value      []byte
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess time.Time
}

func (e *lruEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// NewLRU creates an LRU holding at most maxEntries values. A positive maxBytes also
// bounds the total size of stored values.
func NewLRU(maxEntries int, maxBytes int64) *LRU {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &LRU{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		items:      make(map[string]*list.Element),
		evictList:  list.New(),
		now:        time.Now,
	}
}

// Get returns a copy of the value for key. Expired entries are removed and reported as missing.
func (c *LRU) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	entry := elem.Value.(*lruEntry)
	now := c.now()
	if entry.expired(now) {
		c.removeElement(elem)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}

	entry.lastAccess = now
	c.evictList.MoveToFront(elem)
	c.stats.Hits++
	return append([]byte(nil), entry.value...), true
}

// Put stores a copy of value until expiresAt (zero for no expiry) and returns the
// number of entries evicted to make room.
func (c *LRU) Put(key string, value []byte, expiresAt time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	data := append(make([]byte, 0, len(value)), value...)

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*lruEntry)
		c.bytes += int64(len(data)) - int64(len(entry.value))
		entry.value = data
		entry.expiresAt = expiresAt
		entry.lastAccess = now
		c.evictList.MoveToFront(elem)
		return c.evictOverBytes()
	}

	evicted := 0
	if len(c.items) >= c.maxEntries {
		c.evictOldest()
		evicted++
	}

	entry := &lruEntry{
		key:        key,
		value:      data,
		createdAt:  now,
		expiresAt:  expiresAt,
		lastAccess: now,
	}
	c.items[key] = c.evictList.PushFront(entry)
	c.bytes += int64(len(data))

	return evicted + c.evictOverBytes()
}

// Delete removes key and reports whether it was present
func (c *LRU) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if ok {
		c.removeElement(elem)
	}
	return ok
}

// DeleteMatching removes every key matching the glob pattern
func (c *LRU) DeleteMatching(pattern string) (int, error) {
	g, err := storage.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, elem := range c.items {
		if g.Match(key) {
			c.removeElement(elem)
			n++
		}
	}
	return n, nil
}

// RemoveExpired drops every expired entry
func (c *LRU) RemoveExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, elem := range c.items {
		if elem.Value.(*lruEntry).expired(now) {
			c.removeElement(elem)
			n++
		}
	}
	c.stats.Expired += uint64(n)
	return n
}

// Keys returns the keys from most to least recently used
func (c *LRU) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.items))
	for elem := c.evictList.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}

// Len returns the number of entries, including expired ones not yet removed
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the entry limit
func (c *LRU) Capacity() int {
	return c.maxEntries
}

// Stats returns occupancy and counters
func (c *LRU) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.items)
	stats.Capacity = c.maxEntries
	stats.Bytes = c.bytes
	stats.MaxBytes = c.maxBytes
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// ResetStats zeroes the counters; occupancy is unaffected
func (c *LRU) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = LRUStats{}
}

// Clear removes every entry
func (c *LRU) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.evictList.Init()
	c.bytes = 0
}

func (c *LRU) evictOldest() {
	if elem := c.evictList.Back(); elem != nil {
		c.removeElement(elem)
		c.stats.Evictions++
	}
}

// evictOverBytes evicts from the back until the byte limit holds. The newest entry is
// kept even when it alone exceeds the limit.
func (c *LRU) evictOverBytes() int {
	if c.maxBytes <= 0 {
		return 0
	}
	n := 0
	for c.bytes > c.maxBytes && c.evictList.Len() > 1 {
		c.evictOldest()
		n++
	}
	return n
}

func (c *LRU) removeElement(elem *list.Element) {
	entry := elem.Value.(*lruEntry)
	c.evictList.Remove(elem)
	delete(c.items, entry.key)
	c.bytes -= int64(len(entry.value))
}
