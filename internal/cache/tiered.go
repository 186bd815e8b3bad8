package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

const keyStripes = 64

// Tiered is the two-tier cache: an LRU in front of a persistent KVStore
type Tiered struct {
	// mu is write-locked only while InvalidatePattern sweeps L1
	mu sync.RWMutex

	// stripes serialize writers per key; versions count writes per stripe so a
	// promotion racing a Set or Delete is dropped
	stripes  [keyStripes]sync.Mutex
	versions [keyStripes]uint64

	l1           *LRU
	l2           types.KVStore
	policies     map[string]config.CacheTypePolicy
	defaultTTL   time.Duration
	maxEntrySize int

	logger  types.Logger
	now     func() time.Time
	janitor *storage.Sweeper
	once    sync.Once

	l1Hits     atomic.Uint64
	l1Misses   atomic.Uint64
	l2Hits     atomic.Uint64
	l2Misses   atomic.Uint64
	l2Errors   atomic.Uint64
	promotions atomic.Uint64
}

// Option configures a Tiered cache
type Option func(*Tiered)

// WithLogger sets the cache logger
func WithLogger(logger types.Logger) Option {
	return func(c *Tiered) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New validates cfg and builds the cache over l2. The cache does not own l2; closing
// the cache leaves the store open.
func New(cfg config.CacheConfig, l2 types.KVStore, opts ...Option) (*Tiered, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid cache configuration").WithCause(err)
	}
	if l2 == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache requires an L2 store")
	}

	policies := make(map[string]config.CacheTypePolicy, len(cfg.Types))
	for name, p := range cfg.Types {
		policies[name] = p
	}

	c := &Tiered{
		l1:           NewLRU(cfg.L1.MaxEntries, cfg.L1.MaxBytes),
		l2:           l2,
		policies:     policies,
		defaultTTL:   cfg.DefaultTTL,
		maxEntrySize: cfg.L1.MaxEntrySize,
		logger:       utils.NopLogger(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.janitor = storage.StartSweeper(cfg.L1.CleanupInterval, func() {
		if n := c.l1.RemoveExpired(); n > 0 {
			c.logger.Debug("Removed expired L1 entries", map[string]interface{}{"removed": n})
		}
	})
	return c, nil
}

// Policy returns the policy for a cache type, falling back to the default type
func (c *Tiered) Policy(cacheType string) config.CacheTypePolicy {
	if p, ok := c.policies[cacheType]; ok {
		return p
	}
	return c.policies[config.DefaultCacheType]
}

func (c *Tiered) l1Eligible(cacheType string, size int) bool {
	return c.Policy(cacheType).L1Eligible && size <= c.maxEntrySize
}

func (c *Tiered) ttlFor(cacheType string, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if p := c.Policy(cacheType); p.TTL > 0 {
		return p.TTL
	}
	return c.defaultTTL
}

func stripeOf(key string) int {
	return int(xxhash.Sum64String(key) % keyStripes)
}

// lockKey locks the key's stripe and records a write to it
func (c *Tiered) lockKey(key string) func() {
	i := stripeOf(key)
	c.stripes[i].Lock()
	c.versions[i]++
	return c.stripes[i].Unlock
}

// Get returns the value for key, checking L1 then L2. An L2 hit is promoted to L1
// with its remaining lifetime when cacheType and size allow.
func (c *Tiered) Get(ctx context.Context, key, cacheType string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		return v, true, nil
	}
	c.l1Misses.Add(1)

	i := stripeOf(key)
	c.stripes[i].Lock()
	version := c.versions[i]
	c.stripes[i].Unlock()

	entry, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.l2Errors.Add(1)
		return nil, false, err
	}
	if !ok {
		c.l2Misses.Add(1)
		return nil, false, nil
	}
	c.l2Hits.Add(1)

	if c.l1Eligible(cacheType, len(entry.Value)) && !entry.Expired(c.now()) {
		c.stripes[i].Lock()
		if c.versions[i] == version {
			c.l1.Put(key, entry.Value, entry.ExpiresAt)
			c.promotions.Add(1)
		}
		c.stripes[i].Unlock()
	}
	return entry.Value, true, nil
}

// Set writes value to L2 and, when eligible, to L1. A ttl of zero uses the cache
// type's TTL. If the L2 write fails nothing is cached.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration, cacheType string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defer c.lockKey(key)()

	ttl = c.ttlFor(cacheType, ttl)
	// Taken before the L2 write so the L1 copy never outlives L2
	expiresAt := types.ExpiryFor(c.now(), ttl)

	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		c.l2Errors.Add(1)
		c.l1.Delete(key)
		return err
	}

	if c.l1Eligible(cacheType, len(value)) {
		c.l1.Put(key, value, expiresAt)
	} else {
		c.l1.Delete(key)
	}
	return nil
}

// Delete removes key from both tiers
func (c *Tiered) Delete(ctx context.Context, key string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	defer c.lockKey(key)()

	c.l1.Delete(key)
	if err := c.l2.Delete(ctx, key); err != nil {
		c.l2Errors.Add(1)
		return err
	}
	return nil
}

// InvalidatePattern removes every key matching the glob from both tiers and returns
// the sum of removals per tier. The tier lock is held only while L1 is swept, so
// Gets and Sets keep running during the L2 round trip.
func (c *Tiered) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if _, err := storage.CompilePattern(pattern); err != nil {
		return 0, err
	}

	n1, err := c.fenceL1(pattern)
	if err != nil {
		return 0, err
	}
	n2, err := c.l2.DeleteMatching(ctx, pattern)
	// Values read from L2 before the delete landed may have been promoted meanwhile
	m, ferr := c.fenceL1(pattern)
	n1 += m
	if err != nil {
		c.l2Errors.Add(1)
		return n1, err
	}
	if ferr != nil {
		return n1 + n2, ferr
	}

	c.logger.Debug("Invalidated cache pattern", map[string]interface{}{
		"pattern": pattern,
		"l1":      n1,
		"l2":      n2,
	})
	return n1 + n2, nil
}

// fenceL1 drops L1 matches and bumps every stripe version, so a Get that read L2
// before the fence does not promote its value afterwards
func (c *Tiered) fenceL1(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.versions {
		c.versions[i]++
	}
	return c.l1.DeleteMatching(pattern)
}

// L1 exposes the first tier
func (c *Tiered) L1() *LRU {
	return c.l1
}

// Stats returns per-tier counters and L1 occupancy
func (c *Tiered) Stats() types.CacheStats {
	l1 := c.l1.Stats()
	s := types.CacheStats{
		L1Hits:     c.l1Hits.Load(),
		L1Misses:   c.l1Misses.Load(),
		L2Hits:     c.l2Hits.Load(),
		L2Misses:   c.l2Misses.Load(),
		L2Errors:   c.l2Errors.Load(),
		Promotions: c.promotions.Load(),
		Evictions:  l1.Evictions,
		L1Entries:  l1.Entries,
		L1Capacity: l1.Capacity,
		L1Bytes:    l1.Bytes,
	}
	if s.L1Capacity > 0 {
		s.Utilization = float64(s.L1Entries) / float64(s.L1Capacity) * 100
	}
	if lookups := s.L1Hits + s.L1Misses; lookups > 0 {
		s.HitRate = float64(s.L1Hits+s.L2Hits) / float64(lookups)
	}
	return s
}

// ResetStats zeroes every counter
func (c *Tiered) ResetStats() {
	c.l1Hits.Store(0)
	c.l1Misses.Store(0)
	c.l2Hits.Store(0)
	c.l2Misses.Store(0)
	c.l2Errors.Store(0)
	c.promotions.Store(0)
	c.l1.ResetStats()
}

// Close stops the janitor and clears L1
func (c *Tiered) Close() error {
	c.once.Do(func() {
		c.janitor.Stop()
		c.l1.Clear()
	})
	return nil
}
