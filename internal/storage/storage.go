// Package storage holds helpers shared by the L2 key-value store backends.
//
// Every backend implements types.KVStore: entries carry an absolute expiry, expired
// entries are never returned, and DeleteMatching takes the glob syntax accepted by
// CompilePattern.
package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/objectfs/syncengine/pkg/errors"
)

// Backend names accepted by storage.backend
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendPebble = "pebble"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

// CompilePattern compiles a key glob. '*' matches any run of characters including
// separators, '?' matches one character, and '[...]' and '{a,b}' work as in a shell.
func CompilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, errors.NewError(errors.ErrCodeBadPattern, "empty pattern")
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeBadPattern, "invalid pattern %q", pattern).WithCause(err)
	}
	return g, nil
}

// LiteralPrefix returns the part of pattern before its first metacharacter. Backends
// with ordered keys use it to narrow scans.
func LiteralPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// PrefixEnd returns the smallest key greater than every key starting with prefix, or
// nil when no such key exists (empty or all-0xff prefix).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Sweeper periodically calls a function until stopped
type Sweeper struct {
	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// StartSweeper runs fn every interval. A non-positive interval returns a stopped sweeper.
func StartSweeper(interval time.Duration, fn func()) *Sweeper {
	s := &Sweeper{stopCh: make(chan struct{}), stopped: make(chan struct{})}
	if interval <= 0 {
		close(s.stopped)
		return s
	}

	go func() {
		defer close(s.stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return s
}

// Stop halts the sweeper and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.stopped
}
