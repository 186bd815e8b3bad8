// Package pebblekv is an L2 store on a Pebble LSM database. Each value is stored with
// an 8-byte big-endian expiry prefix (unix nanoseconds, zero for no expiry).
package pebblekv

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

const headerSize = 8

// Store implements types.KVStore on Pebble
type Store struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool

	writeOpts *pebble.WriteOptions
	logger    types.Logger
	now       func() time.Time
	sweeper   *storage.Sweeper
}

var _ types.KVStore = (*Store)(nil)

// Open opens or creates the database in cfg.Directory
func Open(cfg config.PebbleStoreConfig, logger types.Logger) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "pebble store requires a directory")
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	db, err := pebble.Open(cfg.Directory, &pebble.Options{})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to open pebble database").WithCause(err)
	}

	s := &Store{
		db:        db,
		writeOpts: pebble.NoSync,
		logger:    logger,
		now:       time.Now,
	}
	if cfg.Sync {
		s.writeOpts = pebble.Sync
	}
	s.sweeper = storage.StartSweeper(cfg.SweepInterval, func() {
		if _, err := s.Sweep(); err != nil {
			s.logger.Warn("Pebble sweep failed", map[string]interface{}{"error": err.Error()})
		}
	})
	return s, nil
}

func encode(value []byte, expiresAt time.Time) []byte {
	buf := make([]byte, headerSize+len(value))
	if !expiresAt.IsZero() {
		binary.BigEndian.PutUint64(buf, uint64(expiresAt.UnixNano()))
	}
	copy(buf[headerSize:], value)
	return buf
}

func decode(raw []byte) (types.Entry, error) {
	if len(raw) < headerSize {
		return types.Entry{}, fmt.Errorf("value too short: %d bytes", len(raw))
	}
	var e types.Entry
	if ns := binary.BigEndian.Uint64(raw); ns != 0 {
		e.ExpiresAt = time.Unix(0, int64(ns))
	}
	e.Value = append([]byte(nil), raw[headerSize:]...)
	return e, nil
}

func (s *Store) Get(_ context.Context, key string) (types.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.Entry{}, false, errors.NewError(errors.ErrCodeStoreRead, "store is closed")
	}

	raw, closer, err := s.db.Get([]byte(key))
	if err == pebble.ErrNotFound {
		return types.Entry{}, false, nil
	}
	if err != nil {
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "failed to read %q", key).WithCause(err)
	}
	defer closer.Close()

	e, err := decode(raw)
	if err != nil {
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "corrupt value for %q", key).WithCause(err)
	}
	if e.Expired(s.now()) {
		return types.Entry{}, false, nil
	}
	return e, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeStoreWrite, "store is closed")
	}

	if err := s.db.Set([]byte(key), encode(value, types.ExpiryFor(s.now(), ttl)), s.writeOpts); err != nil {
		return errors.Newf(errors.ErrCodeStoreWrite, "failed to write %q", key).WithCause(err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeStoreDelete, "store is closed")
	}

	if err := s.db.Delete([]byte(key), s.writeOpts); err != nil {
		return errors.Newf(errors.ErrCodeStoreDelete, "failed to delete %q", key).WithCause(err)
	}
	return nil
}

// DeleteMatching scans only keys sharing the pattern's literal prefix and deletes the
// matches in one batch. Expired matches are deleted but not counted.
func (s *Store) DeleteMatching(_ context.Context, pattern string) (int, error) {
	g, err := storage.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.NewError(errors.ErrCodeStoreDelete, "store is closed")
	}

	now := s.now()
	n := 0
	err = s.scan(storage.LiteralPrefix(pattern), func(b *pebble.Batch, key []byte, e types.Entry) error {
		if !g.Match(string(key)) {
			return nil
		}
		if !e.Expired(now) {
			n++
		}
		return b.Delete(key, nil)
	})
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeStoreDelete, "failed to delete keys matching %q", pattern).WithCause(err)
	}
	return n, nil
}

// Sweep deletes expired entries
func (s *Store) Sweep() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, nil
	}

	now := s.now()
	n := 0
	err := s.scan("", func(b *pebble.Batch, key []byte, e types.Entry) error {
		if !e.Expired(now) {
			return nil
		}
		n++
		return b.Delete(key, nil)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("Swept expired pebble entries", map[string]interface{}{"removed": n})
	}
	return n, nil
}

// scan visits every key with prefix, collecting writes in a batch committed at the end
func (s *Store) scan(prefix string, visit func(b *pebble.Batch, key []byte, e types.Entry) error) error {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = storage.PrefixEnd([]byte(prefix))
	}

	iter, err := s.db.NewIter(opts)
	if err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decode(iter.Value())
		if err != nil {
			s.logger.Warn("Skipping corrupt pebble value", map[string]interface{}{"key": string(iter.Key())})
			continue
		}
		if err := visit(b, bytes.Clone(iter.Key()), e); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	if b.Empty() {
		return nil
	}
	return b.Commit(s.writeOpts)
}

// Close stops the sweeper and closes the database
func (s *Store) Close() error {
	s.sweeper.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
