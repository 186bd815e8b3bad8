// Package storagetest runs the behavior every types.KVStore backend must share
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
)

// Factory opens a fresh, empty store
type Factory func(t *testing.T) types.KVStore

// Run exercises store semantics against factory. Expiry checks sleep, so ttl is
// kept short.
func Run(t *testing.T, factory Factory) {
	t.Run("set and get", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k1", []byte("v1"), time.Minute))
		e, ok, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("v1"), e.Value)
		assert.WithinDuration(t, time.Now().Add(time.Minute), e.ExpiresAt, 5*time.Second)

		_, ok, err = s.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overwrite", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("old"), time.Minute))
		require.NoError(t, s.Set(ctx, "k", []byte("new"), 0))
		e, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte("new"), e.Value)
		assert.True(t, e.ExpiresAt.IsZero(), "zero ttl never expires")
	})

	t.Run("empty value", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "empty", []byte{}, time.Minute))
		e, ok, err := s.Get(ctx, "empty")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, e.Value)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "short", []byte("v"), 50*time.Millisecond))
		require.NoError(t, s.Set(ctx, "long", []byte("v"), time.Minute))
		time.Sleep(120 * time.Millisecond)

		_, ok, err := s.Get(ctx, "short")
		require.NoError(t, err)
		assert.False(t, ok, "expired entries are never returned")

		_, ok, err = s.Get(ctx, "long")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"), "deleting a missing key is not an error")

		_, ok, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete matching", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		keys := []string{"user_1", "user_2", "user_abc", "users_1", "session_1", "xuser_1"}
		for _, k := range keys {
			require.NoError(t, s.Set(ctx, k, []byte(k), time.Minute))
		}

		n, err := s.DeleteMatching(ctx, "user_*")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for _, k := range keys {
			_, ok, err := s.Get(ctx, k)
			require.NoError(t, err)
			want := k == "users_1" || k == "session_1" || k == "xuser_1"
			assert.Equal(t, want, ok, "key %s", k)
		}

		_, err = s.DeleteMatching(ctx, "[")
		assert.Equal(t, errors.ErrCodeBadPattern, errors.CodeOf(err))
	})

	t.Run("concurrent access", func(t *testing.T) {
		s := open(t, factory)
		ctx := context.Background()

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					key := fmt.Sprintf("w%d_%d", w, i)
					assert.NoError(t, s.Set(ctx, key, []byte(key), time.Minute))
					e, ok, err := s.Get(ctx, key)
					assert.NoError(t, err)
					if assert.True(t, ok) {
						assert.Equal(t, key, string(e.Value))
					}
				}
			}(w)
		}
		wg.Wait()

		n, err := s.DeleteMatching(ctx, "w*")
		require.NoError(t, err)
		assert.Equal(t, 160, n)
	})
}

func open(t *testing.T, factory Factory) types.KVStore {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
