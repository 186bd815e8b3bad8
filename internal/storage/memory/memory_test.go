package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage/storagetest"
	"github.com/objectfs/syncengine/pkg/types"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) types.KVStore {
		return New(config.MemoryStoreConfig{})
	})
}

func TestStore_Sweep(t *testing.T) {
	s := New(config.MemoryStoreConfig{})
	defer s.Close()

	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), 0))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
}

func TestStore_BackgroundSweep(t *testing.T) {
	s := New(config.MemoryStoreConfig{SweepInterval: 5 * time.Millisecond})
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "a", []byte("1"), 10*time.Millisecond))
	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStore_ValuesAreCopied(t *testing.T) {
	s := New(config.MemoryStoreConfig{})
	defer s.Close()
	ctx := context.Background()

	v := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", v, 0))
	v[0] = 'x'

	e, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(e.Value))
	e.Value[1] = 'y'

	again, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again.Value))
}
