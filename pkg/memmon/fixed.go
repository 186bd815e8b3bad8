package memmon

import (
	"sync"

	"github.com/objectfs/syncengine/pkg/types"
)

// Fixed is a MetricsProvider that reports configured values. It pins adaptive
// sizing, for example in benchmarks or when the host's numbers are meaningless.
type Fixed struct {
	mu       sync.RWMutex
	usage    uint64
	limit    uint64
	load     float64
	reclaims int
}

var _ types.MetricsProvider = (*Fixed)(nil)

// NewFixed creates a provider with the given usage, limit and load average
func NewFixed(usage, limit uint64, load float64) *Fixed {
	return &Fixed{usage: usage, limit: limit, load: load}
}

// Set replaces the reported values
func (f *Fixed) Set(usage, limit uint64, load float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage, f.limit, f.load = usage, limit, load
}

// SetUsageRatio sets usage to ratio*limit
func (f *Fixed) SetUsageRatio(ratio float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = uint64(ratio * float64(f.limit))
}

func (f *Fixed) CurrentMemoryUsage() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.usage
}

func (f *Fixed) MemoryLimit() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.limit
}

func (f *Fixed) SystemLoadAverage() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.load
}

// Reclaim counts the call without touching the runtime
func (f *Fixed) Reclaim() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims++
}

// Reclaims returns how often Reclaim was called
func (f *Fixed) Reclaims() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reclaims
}
