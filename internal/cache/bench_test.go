//go:build benchmark

package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage/memory"
)

func benchKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
	}
	return keys
}

func populatedLRU(n, size int) (*LRU, []string) {
	c := NewLRU(n, 0)
	keys := benchKeys(n)
	value := make([]byte, size)
	for _, k := range keys {
		c.Put(k, value, time.Time{})
	}
	return c, keys
}

// BenchmarkLRUGet benchmarks L1 hits
func BenchmarkLRUGet(b *testing.B) {
	c, keys := populatedLRU(1000, 1024)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			c.Get(keys[r.Intn(len(keys))])
		}
	})
}

// BenchmarkLRUGetMiss benchmarks L1 misses
func BenchmarkLRUGetMiss(b *testing.B) {
	c, _ := populatedLRU(1000, 1024)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(fmt.Sprintf("missing-%d", i))
			i++
		}
	})
}

// BenchmarkLRUPutEviction benchmarks inserts into a full cache
func BenchmarkLRUPutEviction(b *testing.B) {
	c, _ := populatedLRU(1000, 1024)
	value := make([]byte, 1024)
	keys := benchKeys(b.N)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put("new-"+keys[i], value, time.Time{})
	}
}

// BenchmarkLRUVariousDataSizes benchmarks mixed reads and writes by value size
func BenchmarkLRUVariousDataSizes(b *testing.B) {
	for _, size := range []int{64, 1024, 16 * 1024, 256 * 1024} {
		b.Run(fmt.Sprintf("size-%dB", size), func(b *testing.B) {
			c, keys := populatedLRU(256, size)
			value := make([]byte, size)
			b.SetBytes(int64(size))

			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				r := rand.New(rand.NewSource(time.Now().UnixNano()))
				for pb.Next() {
					k := keys[r.Intn(len(keys))]
					if r.Intn(10) < 8 {
						c.Get(k)
					} else {
						c.Put(k, value, time.Time{})
					}
				}
			})
		})
	}
}

func benchTiered(b *testing.B, entries int) (*Tiered, []string) {
	b.Helper()
	cfg := config.CacheConfig{
		L1:         config.L1Config{MaxEntries: entries, MaxEntrySize: 64 * 1024},
		DefaultTTL: time.Hour,
		Types:      config.DefaultCacheTypes(),
	}
	l2 := memory.New(config.MemoryStoreConfig{})
	c, err := New(cfg, l2)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() {
		c.Close()
		l2.Close()
	})
	return c, benchKeys(entries * 4)
}

// BenchmarkTieredMixed benchmarks read-through traffic where most keys only fit in L2
func BenchmarkTieredMixed(b *testing.B) {
	c, keys := benchTiered(b, 250)
	ctx := context.Background()
	value := make([]byte, 1024)
	for _, k := range keys {
		if err := c.Set(ctx, k, value, 0, ""); err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(time.Now().UnixNano()))
		for pb.Next() {
			k := keys[r.Intn(len(keys))]
			if r.Intn(10) < 9 {
				_, _, _ = c.Get(ctx, k, "")
			} else {
				_ = c.Set(ctx, k, value, 0, "")
			}
		}
	})
}

// BenchmarkTieredConcurrency benchmarks hot-key reads at increasing parallelism
func BenchmarkTieredConcurrency(b *testing.B) {
	for _, p := range []int{1, 4, 16} {
		b.Run(fmt.Sprintf("procs-%d", p), func(b *testing.B) {
			c, keys := benchTiered(b, 100)
			ctx := context.Background()
			for _, k := range keys[:100] {
				_ = c.Set(ctx, k, []byte("v"), 0, "")
			}

			b.SetParallelism(p)
			b.ResetTimer()
			b.RunParallel(func(pb *testing.PB) {
				i := 0
				for pb.Next() {
					_, _, _ = c.Get(ctx, keys[i%100], "")
					i++
				}
			})
		})
	}
}
