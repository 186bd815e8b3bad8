// Package sqlite is an L2 store in a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key        TEXT PRIMARY KEY,
	value      BLOB,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_entries_expires_at ON entries(expires_at) WHERE expires_at > 0;
`

// Store implements types.KVStore on SQLite. expires_at holds unix nanoseconds, zero
// for entries that never expire.
type Store struct {
	db      *sql.DB
	logger  types.Logger
	now     func() time.Time
	sweeper *storage.Sweeper
}

var _ types.KVStore = (*Store)(nil)

// Open opens or creates the database at cfg.Path. ":memory:" gives a private
// in-memory database.
func Open(cfg config.SQLiteStoreConfig, logger types.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "sqlite store requires a path")
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	dsn := cfg.Path
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
			return nil, errors.NewError(errors.ErrCodeStoreWrite, "failed to create database directory").WithCause(err)
		}
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", cfg.Path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStoreRead, "failed to open database").WithCause(err)
	}
	// One connection serializes writers and keeps a :memory: database shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.NewError(errors.ErrCodeStoreWrite, "failed to initialize schema").WithCause(err)
	}

	s := &Store{db: db, logger: logger, now: time.Now}
	s.sweeper = storage.StartSweeper(cfg.SweepInterval, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn("SQLite sweep failed", map[string]interface{}{"error": err.Error()})
		}
	})
	return s, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (s *Store) Get(ctx context.Context, key string) (types.Entry, bool, error) {
	var (
		value []byte
		ns    int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM entries WHERE key = ?`, key).Scan(&value, &ns)
	if err == sql.ErrNoRows {
		return types.Entry{}, false, nil
	}
	if err != nil {
		return types.Entry{}, false, errors.Newf(errors.ErrCodeStoreRead, "failed to read %q", key).WithCause(err)
	}

	e := types.Entry{Value: value, ExpiresAt: fromNanos(ns)}
	if e.Expired(s.now()) {
		return types.Entry{}, false, nil
	}
	return e, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, toNanos(types.ExpiryFor(s.now(), ttl)))
	if err != nil {
		return errors.Newf(errors.ErrCodeStoreWrite, "failed to write %q", key).WithCause(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return errors.Newf(errors.ErrCodeStoreDelete, "failed to delete %q", key).WithCause(err)
	}
	return nil
}

// DeleteMatching selects candidate keys by the pattern's literal prefix, matches them
// with the shared glob syntax and deletes the matches in one transaction. SQLite's own
// GLOB operator is not used because its syntax differs.
func (s *Store) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	g, err := storage.CompilePattern(pattern)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreDelete, "failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	query := `SELECT key, expires_at FROM entries`
	var args []interface{}
	if prefix := storage.LiteralPrefix(pattern); prefix != "" {
		query += ` WHERE key >= ?`
		args = append(args, prefix)
		if end := storage.PrefixEnd([]byte(prefix)); end != nil {
			query += ` AND key < ?`
			args = append(args, string(end))
		}
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Newf(errors.ErrCodeStoreDelete, "failed to scan keys for %q", pattern).WithCause(err)
	}
	now := s.now()
	var (
		matched []string
		live    int
	)
	for rows.Next() {
		var (
			key string
			ns  int64
		)
		if err := rows.Scan(&key, &ns); err != nil {
			rows.Close()
			return 0, errors.NewError(errors.ErrCodeStoreDelete, "failed to scan key").WithCause(err)
		}
		if !g.Match(key) {
			continue
		}
		matched = append(matched, key)
		if !(types.Entry{ExpiresAt: fromNanos(ns)}).Expired(now) {
			live++
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreDelete, "failed to scan keys").WithCause(err)
	}

	for _, key := range matched {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
			return 0, errors.Newf(errors.ErrCodeStoreDelete, "failed to delete %q", key).WithCause(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreDelete, "failed to commit deletes").WithCause(err)
	}
	return live, nil
}

// Sweep deletes expired rows
func (s *Store) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE expires_at > 0 AND expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStoreDelete, "failed to sweep expired entries").WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("Swept expired sqlite entries", map[string]interface{}{"removed": n})
	}
	return int(n), nil
}

// Len returns the number of stored rows, expired or not
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n)
	return n, err
}

// Close stops the sweeper and closes the database
func (s *Store) Close() error {
	s.sweeper.Stop()
	return s.db.Close()
}
