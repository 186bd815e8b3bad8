package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage/storagetest"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
)

func TestStore(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		storagetest.Run(t, func(t *testing.T) types.KVStore {
			s, err := Open(config.SQLiteStoreConfig{Path: ":memory:"}, nil)
			require.NoError(t, err)
			return s
		})
	})
	t.Run("file", func(t *testing.T) {
		storagetest.Run(t, func(t *testing.T) types.KVStore {
			s, err := Open(config.SQLiteStoreConfig{Path: filepath.Join(t.TempDir(), "cache.db")}, nil)
			require.NoError(t, err)
			return s
		})
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(config.SQLiteStoreConfig{}, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestStore_Sweep(t *testing.T) {
	s, err := Open(config.SQLiteStoreConfig{Path: ":memory:"}, nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Set(ctx, "old", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "forever", []byte("2"), 0))

	now = now.Add(time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(config.SQLiteStoreConfig{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "profile:7", []byte(`{"id":7}`), time.Hour))
	require.NoError(t, s.Close())

	s, err = Open(config.SQLiteStoreConfig{Path: path}, nil)
	require.NoError(t, err)
	defer s.Close()

	e, ok, err := s.Get(ctx, "profile:7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":7}`, string(e.Value))
}
