// Package batch sizes and dispatches request batches against the connection pool
package batch

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/objectfs/syncengine/internal/circuit"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/pool"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/retry"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// ConnPool is the part of the connection pool the controller uses
type ConnPool interface {
	Acquire(ctx context.Context) (*pool.PooledConnection, error)
	Release(conn *pool.PooledConnection) error
}

// Observer receives per-request and per-batch outcomes, typically a metrics collector
type Observer interface {
	ObserveRequest(res *types.RequestResult)
	ObserveBatch(summary Summary)
}

// Factors is one sizing decision and the inputs behind it
type Factors struct {
	Load        float64       `json:"load"`
	Memory      float64       `json:"memory"`
	Latency     float64       `json:"latency"`
	LoadRatio   float64       `json:"load_ratio"`
	MemoryUsage float64       `json:"memory_usage"`
	AvgLatency  time.Duration `json:"avg_latency"`
	Concurrency int           `json:"concurrency"`
}

// Stats accumulates controller activity
type Stats struct {
	Batches         uint64 `json:"batches"`
	SubBatches      uint64 `json:"sub_batches"`
	Requests        uint64 `json:"requests"`
	Succeeded       uint64 `json:"succeeded"`
	Failed          uint64 `json:"failed"`
	TimedOut        uint64 `json:"timed_out"`
	NotAttempted    uint64 `json:"not_attempted"`
	LastConcurrency int    `json:"last_concurrency"`
	Samples         int    `json:"samples"`
}

// Controller computes a safe in-flight limit from load, memory and recent latency
// and executes batches in sub-batches of that size.
type Controller struct {
	pool     ConnPool
	metrics  types.MetricsProvider
	logger   types.Logger
	breakers *circuit.Breakers
	observer Observer
	tracer   trace.Tracer
	numCPU   int
	now      func() time.Time

	mu      sync.RWMutex
	config  config.ConcurrencyConfig
	retry   retry.Config
	limiter *rate.Limiter

	window *Window

	batches, subBatches, requests           atomic.Uint64
	succeeded, failed, timedOut, notStarted atomic.Uint64
	lastConcurrency                         atomic.Int64
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(l types.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithBreakers guards each request with its host's circuit breaker
func WithBreakers(b *circuit.Breakers) Option {
	return func(c *Controller) { c.breakers = b }
}

// WithObserver reports outcomes to o
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithTracer replaces the global tracer
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// WithNumCPU overrides the CPU count used to normalize load average
func WithNumCPU(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.numCPU = n
		}
	}
}

// New creates a controller
func New(cfg config.ConcurrencyConfig, retryCfg retry.Config, p ConnPool, metrics types.MetricsProvider, opts ...Option) (*Controller, error) {
	if p == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "controller requires a connection pool")
	}
	if metrics == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "controller requires a metrics provider")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid concurrency config")
	}

	c := &Controller{
		pool:    p,
		metrics: metrics,
		logger:  utils.NopLogger(),
		tracer:  otel.Tracer("github.com/objectfs/syncengine/internal/batch"),
		numCPU:  runtime.NumCPU(),
		now:     time.Now,
		config:  cfg,
		retry:   retryCfg,
		limiter: newLimiter(cfg),
		window:  NewWindow(cfg.SampleWindow, cfg.SampleMaxAge),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newLimiter(cfg config.ConcurrencyConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

// Configure replaces the concurrency configuration. It takes effect at the next
// sizing decision; a sub-batch already in flight keeps its size.
func (c *Controller) Configure(cfg config.ConcurrencyConfig) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid concurrency config")
	}

	c.mu.Lock()
	c.config = cfg
	c.limiter = newLimiter(cfg)
	c.mu.Unlock()

	c.window.Resize(cfg.SampleWindow, cfg.SampleMaxAge)
	c.logger.Info("Concurrency configuration updated", map[string]interface{}{
		"min":  cfg.MinConcurrent,
		"max":  cfg.MaxConcurrent,
		"base": cfg.BaseConcurrent,
	})
	return nil
}

// SetRetry replaces the per-request retry configuration
func (c *Controller) SetRetry(cfg retry.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retry = cfg
}

// Config returns the current configuration
func (c *Controller) Config() config.ConcurrencyConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// OptimalConcurrency returns base * load * memory * latency, rounded and clamped
// to [MinConcurrent, MaxConcurrent].
func (c *Controller) OptimalConcurrency() int {
	return c.Decide().Concurrency
}

// Decide computes a sizing decision with its factors
func (c *Controller) Decide() Factors {
	cfg := c.Config()

	f := Factors{
		LoadRatio:   c.metrics.SystemLoadAverage() / float64(c.numCPU),
		MemoryUsage: types.MemoryUsageRatio(c.metrics),
	}
	f.AvgLatency, _ = c.window.Average(c.now())

	f.Load = loadFactor(cfg, f.LoadRatio)
	f.Memory = memoryFactor(cfg, f.MemoryUsage, c.metrics.MemoryLimit() > 0)
	f.Latency = latencyFactor(cfg, f.AvgLatency)

	n := int(math.Round(float64(cfg.BaseConcurrent) * f.Load * f.Memory * f.Latency))
	f.Concurrency = clamp(n, cfg.MinConcurrent, cfg.MaxConcurrent)
	return f
}

func loadFactor(cfg config.ConcurrencyConfig, ratio float64) float64 {
	switch {
	case ratio > cfg.LoadHighWater:
		return math.Max(cfg.MinFactor, cfg.LoadHighWater/ratio)
	case ratio < cfg.LoadLowWater:
		return cfg.LoadScaleUp
	default:
		return 1
	}
}

// memoryFactor falls continuously from MemoryScaleDown at the high-water mark
// to a fifth of it at full usage.
func memoryFactor(cfg config.ConcurrencyConfig, usage float64, known bool) float64 {
	if !known {
		return 1
	}
	switch {
	case usage > cfg.MemoryHighWater:
		over := math.Min(1, (usage-cfg.MemoryHighWater)/(1-cfg.MemoryHighWater))
		return cfg.MemoryScaleDown * (1 - 0.8*over)
	case usage < cfg.MemoryLowWater:
		return cfg.MemoryScaleUp
	default:
		return 1
	}
}

func latencyFactor(cfg config.ConcurrencyConfig, avg time.Duration) float64 {
	if avg <= cfg.LatencyThreshold || avg == 0 {
		return 1
	}
	return math.Max(cfg.MinFactor, float64(cfg.LatencyThreshold)/float64(avg))
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// RecordLatency adds a latency sample to the rolling window
func (c *Controller) RecordLatency(d time.Duration) {
	c.window.Add(d, c.now())
}

// Window exposes the latency window
func (c *Controller) Window() *Window {
	return c.window
}

// Stats returns accumulated counters
func (c *Controller) Stats() Stats {
	return Stats{
		Batches:         c.batches.Load(),
		SubBatches:      c.subBatches.Load(),
		Requests:        c.requests.Load(),
		Succeeded:       c.succeeded.Load(),
		Failed:          c.failed.Load(),
		TimedOut:        c.timedOut.Load(),
		NotAttempted:    c.notStarted.Load(),
		LastConcurrency: int(c.lastConcurrency.Load()),
		Samples:         c.window.Len(),
	}
}

// ResetStats zeroes counters and drops latency samples
func (c *Controller) ResetStats() {
	for _, v := range []*atomic.Uint64{&c.batches, &c.subBatches, &c.requests, &c.succeeded, &c.failed, &c.timedOut, &c.notStarted} {
		v.Store(0)
	}
	c.lastConcurrency.Store(0)
	c.window.Reset()
}
