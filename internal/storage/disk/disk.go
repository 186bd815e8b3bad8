// Package disk is a file-backed L2 store. Each entry lives in its own file, named by
// the xxhash of its key and optionally zstd-compressed; a JSON index of keys, expiry
// and checksums is synced periodically and on Close.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

const indexFile = "index.json"

// item is the index record for one entry
type item struct {
	Key        string    `json:"key"`
	File       string    `json:"file"`
	ExpiresAt  time.Time `json:"expires_at"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Checksum   uint64    `json:"checksum"`
}

// Store implements types.KVStore on a local directory
type Store struct {
	mu     sync.RWMutex
	dir    string
	index  map[string]*item
	files  map[string]string // file name -> key
	dirty  bool
	closed bool

	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder

	logger  types.Logger
	now     func() time.Time
	sweeper *storage.Sweeper
	syncer  *storage.Sweeper
}

var _ types.KVStore = (*Store)(nil)

// Open opens or creates a store in cfg.Directory and loads its index. Entries whose
// files are missing or that have expired are dropped.
func Open(cfg config.DiskStoreConfig, logger types.Logger) (*Store, error) {
	if cfg.Directory == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "disk store requires a directory")
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreWrite, "failed to create store directory").WithCause(err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{
		dir:      cfg.Directory,
		index:    make(map[string]*item),
		files:    make(map[string]string),
		compress: cfg.Compression,
		enc:      enc,
		dec:      dec,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.loadIndex(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to load store index").WithCause(err)
	}

	s.sweeper = storage.StartSweeper(cfg.SweepInterval, func() { s.Sweep() })
	s.syncer = storage.StartSweeper(cfg.SyncInterval, func() {
		if err := s.Sync(); err != nil {
			s.logger.Warn("Failed to sync store index", map[string]interface{}{"error": err.Error()})
		}
	})
	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (types.Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.index[key]
	if !ok || s.expired(it) {
		return types.Entry{}, false, nil
	}

	data, err := s.readFile(it)
	if err != nil {
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "failed to read entry %q", key).WithCause(err)
	}
	return types.Entry{Value: data, ExpiresAt: it.ExpiresAt}, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := &item{
		Key:        key,
		File:       fileName(key),
		ExpiresAt:  types.ExpiryFor(s.now(), ttl),
		Compressed: s.compress,
		Checksum:   xxhash.Sum64(value),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.NewError(errors.ErrCodeStoreWrite, "store is closed")
	}

	size, err := s.writeFile(it, value)
	if err != nil {
		return errors.Newf(errors.ErrCodeStoreWrite, "failed to write entry %q", key).WithCause(err)
	}
	it.Size = size

	// A hash collision overwrites the other key's file
	if other, ok := s.files[it.File]; ok && other != key {
		delete(s.index, other)
	}
	s.index[key] = it
	s.files[it.File] = key
	s.dirty = true
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if it, ok := s.index[key]; ok {
		if err := s.removeLocked(it); err != nil {
			return errors.Newf(errors.ErrCodeStoreDelete, "failed to delete entry %q", key).WithCause(err)
		}
	}
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
	var errs []error
	for key, it := range s.index {
		if !g.Match(key) {
			continue
		}
		if err := s.removeLocked(it); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, errors.Newf(errors.ErrCodeStoreDelete, "failed to delete %d entries", len(errs)).WithCause(errs[0])
	}
	return n, nil
}

// Sweep removes expired entries and their files
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.index {
		if s.expired(it) {
			if err := s.removeLocked(it); err == nil {
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Debug("Swept expired disk entries", map[string]interface{}{"removed": n})
	}
	return n
}

// Sync writes the index if it changed since the last sync
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndexLocked()
}

// Len returns the number of indexed entries
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Bytes returns the on-disk size of all entries
func (s *Store) Bytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, it := range s.index {
		total += it.Size
	}
	return total
}

// Close stops background work and writes the index
func (s *Store) Close() error {
	s.sweeper.Stop()
	s.syncer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.saveIndexLocked()
	_ = s.enc.Close()
	s.dec.Close()
	return err
}

func fileName(key string) string {
	return fmt.Sprintf("%016x.entry", xxhash.Sum64String(key))
}

func (s *Store) expired(it *item) bool {
	return types.Entry{ExpiresAt: it.ExpiresAt}.Expired(s.now())
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func (s *Store) removeLocked(it *item) error {
	if err := os.Remove(s.path(it.File)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.index, it.Key)
	if s.files[it.File] == it.Key {
		delete(s.files, it.File)
	}
	s.dirty = true
	return nil
}

func (s *Store) writeFile(it *item, data []byte) (int64, error) {
	payload := data
	if it.Compressed {
		payload = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	tmp := s.path(it.File + ".tmp")
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, s.path(it.File)); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return int64(len(payload)), nil
}

func (s *Store) readFile(it *item) ([]byte, error) {
	payload, err := os.ReadFile(s.path(it.File))
	if err != nil {
		return nil, err
	}

	data := payload
	if it.Compressed {
		if data, err = s.dec.DecodeAll(payload, nil); err != nil {
			return nil, err
		}
	}
	if xxhash.Sum64(data) != it.Checksum {
		return nil, fmt.Errorf("checksum mismatch for %s", it.File)
	}
	return data, nil
}

func (s *Store) loadIndex() error {
	raw, err := os.ReadFile(s.path(indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var items map[string]*item
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}

	dropped := 0
	for key, it := range items {
		if it == nil || it.Key != key || filepath.Base(it.File) != it.File {
			dropped++
			continue
		}
		if _, err := os.Stat(s.path(it.File)); err != nil || s.expired(it) {
			_ = os.Remove(s.path(it.File))
			dropped++
			continue
		}
		s.index[key] = it
		s.files[it.File] = key
	}
	if dropped > 0 {
		s.dirty = true
		s.logger.Info("Dropped stale disk entries on load", map[string]interface{}{"dropped": dropped})
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	if !s.dirty {
		return nil
	}

	raw, err := json.Marshal(s.index)
	if err != nil {
		return err
	}
	tmp := s.path(indexFile + ".tmp")
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(indexFile)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.dirty = false
	return nil
}
