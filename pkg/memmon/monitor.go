// Package memmon samples process memory and system load for adaptive sizing
package memmon

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often the background loop collects samples
	SampleInterval time.Duration

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// MemoryLimit overrides limit detection when non-zero
	MemoryLimit uint64

	// ProcMount is the procfs mount point
	ProcMount string

	Logger types.Logger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 5 * time.Second,
		MaxSamples:     100,
		ProcMount:      procfs.DefaultMountPoint,
	}
}

// MemorySample represents one observation of memory and load
type MemorySample struct {
	Timestamp    time.Time
	Alloc        uint64 // heap bytes allocated and still in use
	Sys          uint64 // bytes obtained from the OS
	RSS          uint64 // resident set size, 0 when procfs is unavailable
	Limit        uint64
	NumGC        uint32
	NumGoroutine int
	Load1        float64
	Load5        float64
	Load15       float64
}

// UsageRatio returns Alloc/Limit, or 0 when the limit is unknown
func (s MemorySample) UsageRatio() float64 {
	if s.Limit == 0 {
		return 0
	}
	return float64(s.Alloc) / float64(s.Limit)
}

// PressureLevel classifies memory usage against the limit
type PressureLevel int

const (
	PressureNone PressureLevel = iota
	PressureLow
	PressureMedium
	PressureHigh
	PressureCritical
)

// String returns the string representation of the pressure level
func (p PressureLevel) String() string {
	switch p {
	case PressureNone:
		return "none"
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// LevelFor maps a usage ratio onto a pressure level
func LevelFor(ratio float64) PressureLevel {
	switch {
	case ratio >= 0.95:
		return PressureCritical
	case ratio >= 0.85:
		return PressureHigh
	case ratio >= 0.75:
		return PressureMedium
	case ratio >= 0.6:
		return PressureLow
	default:
		return PressureNone
	}
}

// MemoryMonitor tracks memory usage and load average. It implements types.MetricsProvider.
type MemoryMonitor struct {
	config MonitorConfig
	logger types.Logger
	fs     *procfs.FS

	mu            sync.RWMutex
	samples       []MemorySample
	currentSample MemorySample
	lastPressure  PressureLevel

	reclaims uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	active   int32
}

var _ types.MetricsProvider = (*MemoryMonitor)(nil)

// NewMemoryMonitor creates a new memory monitor. A missing procfs is tolerated:
// load average then reads as 0 and the limit falls back to the runtime's.
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	defaults := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = defaults.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.ProcMount == "" {
		config.ProcMount = defaults.ProcMount
	}
	if config.Logger == nil {
		config.Logger = utils.NopLogger()
	}

	mm := &MemoryMonitor{
		config:  config,
		logger:  config.Logger,
		samples: make([]MemorySample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}

	if fs, err := procfs.NewFS(config.ProcMount); err == nil {
		mm.fs = &fs
	} else {
		mm.logger.Debug("procfs unavailable, load average disabled", map[string]interface{}{
			"mount": config.ProcMount,
			"error": err.Error(),
		})
	}

	return mm
}

// Start begins background sampling
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval.String(),
		"memory_limit":    mm.MemoryLimit(),
	})

	mm.takeSample()

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops background sampling
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	close(mm.stopCh)
	mm.wg.Wait()
	return nil
}

func (mm *MemoryMonitor) running() bool {
	return atomic.LoadInt32(&mm.active) == 1
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.takeSample()
		}
	}
}

// takeSample collects a sample and appends it to the bounded history
func (mm *MemoryMonitor) takeSample() MemorySample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	sample := MemorySample{
		Timestamp:    time.Now(),
		Alloc:        memStats.Alloc,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
		Limit:        mm.MemoryLimit(),
	}

	if mm.fs != nil {
		if load, err := mm.fs.LoadAvg(); err == nil {
			sample.Load1, sample.Load5, sample.Load15 = load.Load1, load.Load5, load.Load15
		}
		if self, err := mm.fs.Self(); err == nil {
			if stat, err := self.Stat(); err == nil {
				sample.RSS = uint64(stat.ResidentMemory())
			}
		}
	}

	mm.mu.Lock()
	mm.currentSample = sample
	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}
	previous := mm.lastPressure
	level := LevelFor(sample.UsageRatio())
	mm.lastPressure = level
	mm.mu.Unlock()

	if level != previous && level >= PressureHigh {
		mm.logger.Warn("Memory pressure increased", map[string]interface{}{
			"level": level.String(),
			"alloc": sample.Alloc,
			"limit": sample.Limit,
		})
	}

	return sample
}

// current returns the cached sample while the loop runs, or a fresh one otherwise
func (mm *MemoryMonitor) current() MemorySample {
	if mm.running() {
		mm.mu.RLock()
		s := mm.currentSample
		mm.mu.RUnlock()
		if !s.Timestamp.IsZero() {
			return s
		}
	}
	return mm.takeSample()
}

// CurrentMemoryUsage returns heap bytes in use
func (mm *MemoryMonitor) CurrentMemoryUsage() uint64 {
	return mm.current().Alloc
}

// MemoryLimit returns the configured limit, else the runtime soft limit, else total system memory
func (mm *MemoryMonitor) MemoryLimit() uint64 {
	if mm.config.MemoryLimit > 0 {
		return mm.config.MemoryLimit
	}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return uint64(limit)
	}
	if mm.fs != nil {
		if info, err := mm.fs.Meminfo(); err == nil && info.MemTotal != nil {
			return *info.MemTotal * 1024
		}
	}
	return 0
}

// SystemLoadAverage returns the one-minute load average
func (mm *MemoryMonitor) SystemLoadAverage() float64 {
	return mm.current().Load1
}

// Reclaim forces a garbage collection and returns freed memory to the OS
func (mm *MemoryMonitor) Reclaim() {
	debug.FreeOSMemory()
	atomic.AddUint64(&mm.reclaims, 1)
}

// Pressure returns the current pressure level
func (mm *MemoryMonitor) Pressure() PressureLevel {
	return LevelFor(mm.current().UsageRatio())
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	CurrentSample MemorySample
	SampleCount   int
	Reclaims      uint64
	Pressure      PressureLevel
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	return MemoryStats{
		CurrentSample: mm.currentSample,
		SampleCount:   len(mm.samples),
		Reclaims:      atomic.LoadUint64(&mm.reclaims),
		Pressure:      LevelFor(mm.currentSample.UsageRatio()),
	}
}

// GetSamples returns memory sample history
func (mm *MemoryMonitor) GetSamples() []MemorySample {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	samples := make([]MemorySample, len(mm.samples))
	copy(samples, mm.samples)
	return samples
}
