// Package memory is an in-process L2 store. Entries do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/types"
)

// Store keeps entries in a map guarded by a RWMutex
type Store struct {
	mu      sync.RWMutex
	items   map[string]types.Entry
	now     func() time.Time
	sweeper *storage.Sweeper
}

var _ types.KVStore = (*Store)(nil)

// New creates a store and starts its expiry sweeper
func New(cfg config.MemoryStoreConfig) *Store {
	s := &Store{items: make(map[string]types.Entry), now: time.Now}
	s.sweeper = storage.StartSweeper(cfg.SweepInterval, func() { s.Sweep() })
	return s
}

func (s *Store) Get(_ context.Context, key string) (types.Entry, bool, error) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || e.Expired(s.now()) {
		return types.Entry{}, false, nil
	}
	return types.Entry{Value: append([]byte(nil), e.Value...), ExpiresAt: e.ExpiresAt}, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := types.Entry{
		Value:     append(make([]byte, 0, len(value)), value...),
		ExpiresAt: types.ExpiryFor(s.now(), ttl),
	}

	s.mu.Lock()
	s.items[key] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteMatching(_ context.Context, pattern string) (int, error) {
	g, err := storage.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k := range s.items {
		if g.Match(k) {
			delete(s.items, k)
			n++
		}
	}
	return n, nil
}

// Sweep drops expired entries and returns how many were removed
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.items {
		if e.Expired(now) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() error {
	s.sweeper.Stop()
	return nil
}
