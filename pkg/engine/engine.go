// Package engine assembles the connection pool, concurrency controller, tiered
// cache, stream processor and metrics collector from one Configuration.
package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/objectfs/syncengine/internal/batch"
	"github.com/objectfs/syncengine/internal/cache"
	"github.com/objectfs/syncengine/internal/circuit"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/metrics"
	"github.com/objectfs/syncengine/internal/pool"
	"github.com/objectfs/syncengine/internal/storage"
	"github.com/objectfs/syncengine/internal/storage/disk"
	"github.com/objectfs/syncengine/internal/storage/memory"
	"github.com/objectfs/syncengine/internal/storage/pebblekv"
	"github.com/objectfs/syncengine/internal/storage/s3"
	"github.com/objectfs/syncengine/internal/storage/sqlite"
	"github.com/objectfs/syncengine/internal/stream"
	"github.com/objectfs/syncengine/internal/transport"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/health"
	"github.com/objectfs/syncengine/pkg/memmon"
	"github.com/objectfs/syncengine/pkg/retry"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// Engine owns every component and shuts them down in reverse construction order
type Engine struct {
	config     *config.Configuration
	logger     types.Logger
	ownsLogger *utils.StructuredLogger

	metrics    types.MetricsProvider
	monitor    *memmon.MemoryMonitor
	transport  types.Transport
	pool       *pool.Pool
	breakers   *circuit.Breakers
	controller *batch.Controller
	store      types.KVStore
	ownsStore  bool
	cache      *cache.Tiered
	stream     *stream.Processor
	collector  *metrics.Collector
	health     *health.Tracker

	stopSampler chan struct{}
	samplerDone chan struct{}
	stopChecks  context.CancelFunc
	checksDone  chan struct{}
	shutdown    sync.Once
	shutdownErr error
}

// Stats is the snapshot served on /stats
type Stats struct {
	Concurrency int                      `json:"concurrency"`
	Batch       batch.Stats              `json:"batch"`
	Pool        types.PoolStats          `json:"pool"`
	Cache       types.CacheStats         `json:"cache"`
	Breakers    map[string]circuit.Stats `json:"breakers,omitempty"`
	Memory      *memmon.MemoryStats      `json:"memory,omitempty"`
	MemoryUsage float64                  `json:"memory_usage"`
	Health      string                   `json:"health"`
}

type options struct {
	transport types.Transport
	store     types.KVStore
	metrics   types.MetricsProvider
	logger    types.Logger
	registry  *prometheus.Registry
	health    *health.TrackerConfig
}

// Option overrides a component New would otherwise build from configuration
type Option func(*options)

// WithTransport replaces the HTTP transport
func WithTransport(t types.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStore replaces the configured L2 store. The engine does not close it.
func WithStore(s types.KVStore) Option {
	return func(o *options) { o.store = s }
}

// WithMetricsProvider replaces the memory monitor
func WithMetricsProvider(m types.MetricsProvider) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger replaces the logger built from the global section
func WithLogger(l types.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics with reg
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithHealthConfig overrides the error thresholds of the component health tracker
func WithHealthConfig(c health.TrackerConfig) Option {
	return func(o *options) { o.health = &c }
}

// New validates cfg and builds the engine. Components are created in dependency
// order; if one fails, those already built are shut down.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid configuration")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{config: cfg}
	if err := e.build(ctx, o); err != nil {
		_ = e.Shutdown(context.Background())
		return nil, err
	}

	e.logger.Info("Engine started", map[string]interface{}{
		"storage":         cfg.Storage.Backend,
		"pool_max":        cfg.Pool.MaxSize,
		"max_concurrent":  cfg.Concurrency.MaxConcurrent,
		"metrics_enabled": cfg.Metrics.Enabled,
	})
	return e, nil
}

func (e *Engine) build(ctx context.Context, o options) error {
	cfg := e.config

	if o.logger != nil {
		e.logger = o.logger
	} else {
		logger, err := NewLogger(cfg.Global)
		if err != nil {
			return err
		}
		e.logger, e.ownsLogger = logger, logger
	}

	if o.metrics != nil {
		e.metrics = o.metrics
	} else {
		e.monitor = memmon.NewMemoryMonitor(memmon.MonitorConfig{
			SampleInterval: cfg.Metrics.SampleInterval,
			MemoryLimit:    cfg.Metrics.MemoryLimit,
			Logger:         component(e.logger, "memmon"),
		})
		if err := e.monitor.Start(context.Background()); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternalError, "failed to start memory monitor")
		}
		e.metrics = e.monitor
	}

	e.transport = o.transport
	if e.transport == nil {
		e.transport = transport.NewHTTP(cfg.Transport, component(e.logger, "transport"))
	}

	p, err := pool.New(e.transport, pool.FromConfig(cfg.Pool), component(e.logger, "pool"))
	if err != nil {
		return err
	}
	e.pool = p

	if n := cfg.Pool.WarmupSize; n > 0 {
		if err := p.Warmup(ctx, n); err != nil {
			e.logger.Warn("Connection pool warmup incomplete", map[string]interface{}{
				"requested": n,
				"idle":      p.Stats().Idle,
				"error":     err.Error(),
			})
		}
	}

	if cfg.CircuitBreaker.Enabled {
		e.breakers = circuit.NewBreakers(circuit.FromConfig(cfg.CircuitBreaker))
	}

	e.health = newHealthTracker(o.health, component(e.logger, "health"))

	collector, err := metrics.NewCollector(cfg.Metrics,
		metrics.WithRegistry(o.registry),
		metrics.WithLogger(component(e.logger, "metrics")),
		metrics.WithStatsSource(func() interface{} { return e.Stats() }),
		metrics.WithHealthTracker(e.health),
	)
	if err != nil {
		return err
	}

	controllerOpts := []batch.Option{
		batch.WithLogger(component(e.logger, "batch")),
		batch.WithObserver(collector),
	}
	if e.breakers != nil {
		controllerOpts = append(controllerOpts, batch.WithBreakers(e.breakers))
	}
	controller, err := batch.New(cfg.Concurrency, retry.FromConfig(cfg.Retry), e.pool, e.metrics, controllerOpts...)
	if err != nil {
		return err
	}
	e.controller = controller

	if o.store != nil {
		e.store = o.store
	} else {
		store, err := OpenStore(ctx, cfg.Storage, component(e.logger, "storage"))
		if err != nil {
			return err
		}
		e.store, e.ownsStore = store, true
	}

	tiered, err := cache.New(cfg.Cache, e.store, cache.WithLogger(component(e.logger, "cache")))
	if err != nil {
		return err
	}
	e.cache = tiered

	processor, err := stream.New(cfg.Stream, e.metrics,
		stream.WithLogger(component(e.logger, "stream")),
		stream.WithObserver(collector),
	)
	if err != nil {
		return err
	}
	e.stream = processor

	if err := collector.Start(ctx); err != nil {
		return err
	}
	e.collector = collector

	e.startSampler()
	e.startHealthChecks()
	return nil
}

// healthCheckKey is written, read and removed to check an unhealthy L2 store
const healthCheckKey = "__syncengine_health__"

func (e *Engine) startHealthChecks() {
	ctx, cancel := context.WithCancel(context.Background())
	e.stopChecks = cancel
	e.checksDone = make(chan struct{})

	go func() {
		defer close(e.checksDone)
		e.health.RunHealthChecks(ctx, map[string]health.CheckFunc{
			health.ComponentStorage: e.checkStore,
		})
	}()
}

func (e *Engine) checkStore(ctx context.Context) error {
	if err := e.store.Set(ctx, healthCheckKey, []byte("ok"), time.Minute); err != nil {
		return storeError(err, errors.ErrCodeStoreWrite)
	}
	if _, _, err := e.store.Get(ctx, healthCheckKey); err != nil {
		return storeError(err, errors.ErrCodeStoreRead)
	}
	if err := e.store.Delete(ctx, healthCheckKey); err != nil {
		return storeError(err, errors.ErrCodeStoreDelete)
	}
	return nil
}

func newHealthTracker(c *health.TrackerConfig, logger types.Logger) *health.Tracker {
	cfg := health.DefaultConfig()
	if c != nil {
		cfg = *c
	}
	tracker := health.NewTracker(cfg)
	for _, name := range []string{health.ComponentRemote, health.ComponentStorage, health.ComponentPool} {
		tracker.RegisterComponent(name)
	}
	tracker.OnStateChange(func(name string, oldState, newState health.HealthState, err error) {
		fields := map[string]interface{}{
			"component": name,
			"from":      oldState.String(),
			"to":        newState.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		if newState > oldState {
			logger.Warn("Component health degraded", fields)
		} else {
			logger.Info("Component health recovered", fields)
		}
	})
	return tracker
}

// OpenStore opens the L2 store named by cfg.Backend
func OpenStore(ctx context.Context, cfg config.StorageConfig, logger types.Logger) (types.KVStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", storage.BackendMemory:
		return memory.New(cfg.Memory), nil
	case storage.BackendDisk:
		return disk.Open(cfg.Disk, logger)
	case storage.BackendPebble:
		return pebblekv.Open(cfg.Pebble, logger)
	case storage.BackendSQLite:
		return sqlite.Open(cfg.SQLite, logger)
	case storage.BackendS3:
		return s3.Open(ctx, cfg.S3, logger)
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown storage backend %q", cfg.Backend)
	}
}

// NewLogger builds the structured logger described by the global section
func NewLogger(g config.GlobalConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(g.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "invalid log level")
	}
	return utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:  level,
		Format: utils.LogFormat(strings.ToLower(g.LogFormat)),
		File:   g.LogFile,
	})
}

func component(l types.Logger, name string) types.Logger {
	if sl, ok := l.(*utils.StructuredLogger); ok {
		return sl.WithComponent(name)
	}
	return l
}

// startSampler mirrors pool and cache state into the collector
func (e *Engine) startSampler() {
	interval := e.config.Metrics.SampleInterval
	if interval <= 0 {
		return
	}
	e.stopSampler = make(chan struct{})
	e.samplerDone = make(chan struct{})

	go func() {
		defer close(e.samplerDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopSampler:
				return
			case <-ticker.C:
				e.sample()
			}
		}
	}()
}

func (e *Engine) sample() {
	e.collector.UpdatePool(e.pool.Stats())
	e.collector.UpdateCache(e.cache.Stats())
}

// ExecuteBatch runs reqs through the controller. Cacheable requests are answered
// from the tiered cache when present; successful cacheable responses are written
// through with the request's CacheType and CacheTTL. Results keep input order.
func (e *Engine) ExecuteBatch(ctx context.Context, reqs []*types.Request) *batch.BatchResult {
	results := make([]*types.RequestResult, len(reqs))
	prepared := make([]*types.Request, len(reqs))
	pending := make([]*types.Request, 0, len(reqs))
	index := make([]int, 0, len(reqs))

	for i, req := range reqs {
		if req.ID == "" {
			withID := *req
			withID.ID = uuid.NewString()
			req = &withID
		}
		prepared[i] = req
		if res := e.fromCache(ctx, req); res != nil {
			results[i] = res
			e.collector.ObserveRequest(res)
			continue
		}
		pending = append(pending, req)
		index = append(index, i)
	}

	var out *batch.BatchResult
	if len(pending) > 0 {
		out = e.controller.ExecuteBatch(ctx, pending)
	} else {
		out = &batch.BatchResult{}
	}

	for j, res := range out.Results {
		i := index[j]
		results[i] = res
		e.recordOutcome(res)
		if res.Success && prepared[i].Cacheable() {
			e.writeThrough(ctx, prepared[i], res)
		}
	}

	cached := len(reqs) - len(pending)
	out.Results = results
	out.Summary.Total = len(reqs)
	out.Summary.Cached = cached
	out.Summary.Succeeded += cached
	return out
}

// recordOutcome feeds a fetch result into the remote and pool health states.
// Non-retryable failures such as 404 say nothing about the remote's health.
func (e *Engine) recordOutcome(res *types.RequestResult) {
	switch {
	case res.Success:
		e.health.RecordSuccess(health.ComponentRemote)
	case errors.CodeOf(res.Err) == errors.ErrCodePoolExhausted:
		e.health.RecordError(health.ComponentPool, res.Err)
		return
	case res.Attempted && errors.IsRetryable(res.Err):
		e.health.RecordError(health.ComponentRemote, res.Err)
	}
	if res.Attempted {
		e.health.RecordSuccess(health.ComponentPool)
	}
}

func (e *Engine) fromCache(ctx context.Context, req *types.Request) *types.RequestResult {
	if !req.Cacheable() || !e.health.CanRead(health.ComponentStorage) {
		return nil
	}
	body, ok, err := e.cache.Get(ctx, req.CacheKey, req.CacheType)
	if err != nil {
		e.health.RecordError(health.ComponentStorage, storeError(err, errors.ErrCodeStoreRead))
		e.logger.Warn("Cache read failed, fetching", map[string]interface{}{
			"key":   req.CacheKey,
			"error": err.Error(),
		})
		return nil
	}
	e.health.RecordSuccess(health.ComponentStorage)
	if !ok {
		return nil
	}
	return &types.RequestResult{
		RequestID:  req.ID,
		StatusCode: http.StatusOK,
		Body:       body,
		Success:    true,
		FromCache:  true,
		Completed:  time.Now(),
	}
}

func (e *Engine) writeThrough(ctx context.Context, req *types.Request, res *types.RequestResult) {
	if !e.health.CanWrite(health.ComponentStorage) {
		return
	}
	if err := e.cache.Set(ctx, req.CacheKey, res.Body, req.CacheTTL, req.CacheType); err != nil {
		e.health.RecordError(health.ComponentStorage, storeError(err, errors.ErrCodeStoreWrite))
		e.logger.Warn("Cache write failed", map[string]interface{}{
			"key":        req.CacheKey,
			"request_id": req.ID,
			"error":      err.Error(),
		})
		return
	}
	e.health.RecordSuccess(health.ComponentStorage)
}

// storeError gives uncoded store errors the code of the operation that failed
func storeError(err error, code errors.ErrorCode) error {
	if errors.CodeOf(err) != "" {
		return err
	}
	return errors.Wrap(err, code, "cache store failure")
}

// Invalidate removes every cached key matching pattern from both tiers
func (e *Engine) Invalidate(ctx context.Context, pattern string) (int, error) {
	return e.cache.InvalidatePattern(ctx, pattern)
}

// Stream returns the bounded-memory chunk processor
func (e *Engine) Stream() *stream.Processor { return e.stream }

// Cache returns the tiered cache
func (e *Engine) Cache() *cache.Tiered { return e.cache }

// Pool returns the connection pool
func (e *Engine) Pool() *pool.Pool { return e.pool }

// Controller returns the concurrency controller
func (e *Engine) Controller() *batch.Controller { return e.controller }

// Collector returns the metrics collector
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// Health returns the component health tracker
func (e *Engine) Health() *health.Tracker { return e.health }

// Config returns the configuration the engine was built from
func (e *Engine) Config() *config.Configuration { return e.config }

// Stats gathers a snapshot of every component
func (e *Engine) Stats() Stats {
	s := Stats{
		Concurrency: e.controller.OptimalConcurrency(),
		Batch:       e.controller.Stats(),
		Pool:        e.pool.Stats(),
		Cache:       e.cache.Stats(),
		MemoryUsage: types.MemoryUsageRatio(e.metrics),
		Health:      e.health.GetOverallHealth().String(),
	}
	if e.breakers != nil {
		s.Breakers = e.breakers.GetStats()
	}
	if e.monitor != nil {
		mem := e.monitor.GetStats()
		s.Memory = &mem
	}
	return s
}

// Shutdown stops the sampler and health checks, then the collector, cache, store,
// pool and memory monitor. It is safe to call more than once.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown.Do(func() {
		if e.stopSampler != nil {
			close(e.stopSampler)
			<-e.samplerDone
		}
		if e.stopChecks != nil {
			e.stopChecks()
			<-e.checksDone
		}

		var err error
		if e.collector != nil {
			err = multierr.Append(err, e.collector.Stop(ctx))
		}
		if e.cache != nil {
			err = multierr.Append(err, e.cache.Close())
		}
		if e.store != nil && e.ownsStore {
			err = multierr.Append(err, e.store.Close())
		}
		if e.pool != nil {
			err = multierr.Append(err, e.pool.Close())
		}
		if e.monitor != nil {
			err = multierr.Append(err, e.monitor.Stop())
		}
		e.shutdownErr = err

		if e.logger != nil {
			e.logger.Info("Engine stopped")
		}
		if e.ownsLogger != nil {
			e.shutdownErr = multierr.Append(e.shutdownErr, e.ownsLogger.Close())
		}
	})
	return e.shutdownErr
}
