package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/objectfs/syncengine/internal/batch"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/stream"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/health"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// Request outcomes used as the "outcome" label
const (
	OutcomeSuccess      = "success"
	OutcomeCached       = "cached"
	OutcomeHTTPError    = "http_error"
	OutcomeTransport    = "transport_error"
	OutcomeTimeout      = "timeout"
	OutcomeCircuitOpen  = "circuit_open"
	OutcomeNotAttempted = "not_attempted"
	OutcomeOther        = "other"
)

var (
	_ batch.Observer  = (*Collector)(nil)
	_ stream.Observer = (*Collector)(nil)
)

// StatsSource returns a JSON-encodable snapshot served on /stats
type StatsSource func() interface{}

// Collector records engine activity as Prometheus metrics and serves them, together
// with /stats and /health, when the metrics server is enabled.
type Collector struct {
	mu       sync.Mutex
	config   config.MetricsConfig
	registry *prometheus.Registry
	logger   types.Logger
	stats    StatsSource
	health   *health.Tracker
	started  time.Time

	// Requests
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retryCounter    prometheus.Counter

	// Batches
	batchCounter     *prometheus.CounterVec
	batchDuration    prometheus.Histogram
	concurrencyGauge prometheus.Gauge

	// Stream chunks
	chunkCounter  *prometheus.CounterVec
	chunkDuration prometheus.Histogram
	chunkItems    prometheus.Counter

	// Pool and cache state, refreshed by UpdatePool and UpdateCache
	poolConnections *prometheus.GaugeVec
	poolEvents      *prometheus.GaugeVec
	cacheLookups    *prometheus.GaugeVec
	cacheEntries    prometheus.Gauge
	cacheBytes      prometheus.Gauge
	cacheUtil       prometheus.Gauge
	cacheHitRate    prometheus.Gauge

	server *http.Server
	addr   string
}

// Option configures a Collector
type Option func(*Collector)

// WithRegistry registers metrics with reg instead of a private registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *Collector) {
		if reg != nil {
			c.registry = reg
		}
	}
}

// WithLogger sets the collector logger
func WithLogger(logger types.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStatsSource sets the snapshot served on /stats
func WithStatsSource(src StatsSource) Option {
	return func(c *Collector) { c.stats = src }
}

// WithHealthTracker reports the tracker's component states on /health
func WithHealthTracker(t *health.Tracker) Option {
	return func(c *Collector) { c.health = t }
}

// NewCollector creates a collector. Metrics are always recorded; cfg.Enabled only
// controls whether Start serves them.
func NewCollector(cfg config.MetricsConfig, opts ...Option) (*Collector, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "syncengine"
	}

	c := &Collector{
		config:  cfg,
		logger:  utils.NopLogger(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
		c.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to register metrics").WithCause(err)
	}
	return c, nil
}

// Registry returns the registry the collector writes to
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "requests_total",
		Help:      "Requests by outcome",
	}, []string{"outcome"})
	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "request_duration_seconds",
		Help:      "Request latency including retries",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"outcome"})
	c.retryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "request_retries_total",
		Help:      "Attempts beyond the first",
	})

	c.batchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "batch_requests_total",
		Help:      "Requests per batch outcome, counted when the batch ends",
	}, []string{"outcome"})
	c.batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "batch_duration_seconds",
		Help:      "Wall-clock duration of batches",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	})
	c.concurrencyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "concurrency",
		Help:      "Size of the most recent sub-batch",
	})

	c.chunkCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "stream",
		Name:      "chunks_total",
		Help:      "Stream chunks by status",
	}, []string{"status"})
	c.chunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "stream",
		Name:      "chunk_duration_seconds",
		Help:      "Time spent transforming one chunk",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	})
	c.chunkItems = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "stream",
		Name:      "items_total",
		Help:      "Items handed to transforms",
	})

	c.poolConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Pooled connections by state",
	}, []string{"state"})
	c.poolEvents = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "pool",
		Name:      "events",
		Help:      "Pool lifecycle counters since the last reset",
	}, []string{"event"})

	c.cacheLookups = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "lookups",
		Help:      "Cache lookups by tier and result since the last reset",
	}, []string{"tier", "result"})
	c.cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "l1_entries",
		Help:      "Entries held in the memory tier",
	})
	c.cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "l1_bytes",
		Help:      "Value bytes held in the memory tier",
	})
	c.cacheUtil = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "l1_utilization_percent",
		Help:      "Memory tier occupancy as a percentage of capacity",
	})
	c.cacheHitRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "cache",
		Name:      "hit_rate",
		Help:      "Fraction of lookups served by either tier",
	})
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requestCounter,
		c.requestDuration,
		c.retryCounter,
		c.batchCounter,
		c.batchDuration,
		c.concurrencyGauge,
		c.chunkCounter,
		c.chunkDuration,
		c.chunkItems,
		c.poolConnections,
		c.poolEvents,
		c.cacheLookups,
		c.cacheEntries,
		c.cacheBytes,
		c.cacheUtil,
		c.cacheHitRate,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records one finished request
func (c *Collector) ObserveRequest(res *types.RequestResult) {
	outcome := classify(res)
	c.requestCounter.WithLabelValues(outcome).Inc()
	if res.Attempted {
		c.requestDuration.WithLabelValues(outcome).Observe(res.Timing.Total.Seconds())
	}
	if res.Attempts > 1 {
		c.retryCounter.Add(float64(res.Attempts - 1))
	}
}

// ObserveBatch records a finished batch
func (c *Collector) ObserveBatch(s batch.Summary) {
	c.batchCounter.WithLabelValues(OutcomeSuccess).Add(float64(s.Succeeded))
	c.batchCounter.WithLabelValues(OutcomeOther).Add(float64(s.Failed))
	c.batchCounter.WithLabelValues(OutcomeTimeout).Add(float64(s.TimedOut))
	c.batchCounter.WithLabelValues(OutcomeNotAttempted).Add(float64(s.NotAttempted))
	c.batchDuration.Observe(s.Duration.Seconds())
	if n := len(s.Concurrency); n > 0 {
		c.concurrencyGauge.Set(float64(s.Concurrency[n-1]))
	}
}

// ObserveChunk records one stream chunk
func (c *Collector) ObserveChunk(size int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
		if errors.CodeOf(err) == errors.ErrCodeTransformPanic {
			status = "panicked"
		}
	}
	c.chunkCounter.WithLabelValues(status).Inc()
	c.chunkDuration.Observe(d.Seconds())
	c.chunkItems.Add(float64(size))
}

// UpdatePool mirrors pool statistics into gauges
func (c *Collector) UpdatePool(s types.PoolStats) {
	c.poolConnections.WithLabelValues("live").Set(float64(s.Live))
	c.poolConnections.WithLabelValues("idle").Set(float64(s.Idle))
	c.poolConnections.WithLabelValues("loaned").Set(float64(s.Loaned))
	c.poolConnections.WithLabelValues("max").Set(float64(s.MaxSize))

	c.poolEvents.WithLabelValues("created").Set(float64(s.Created))
	c.poolEvents.WithLabelValues("reused").Set(float64(s.Reused))
	c.poolEvents.WithLabelValues("evicted_unhealthy").Set(float64(s.EvictedUnhealthy))
	c.poolEvents.WithLabelValues("discarded").Set(float64(s.Discarded))
	c.poolEvents.WithLabelValues("waits").Set(float64(s.Waits))
	c.poolEvents.WithLabelValues("acquire_timeouts").Set(float64(s.AcquireTimeouts))
	c.poolEvents.WithLabelValues("errors").Set(float64(s.Errors))
}

// UpdateCache mirrors cache statistics into gauges
func (c *Collector) UpdateCache(s types.CacheStats) {
	c.cacheLookups.WithLabelValues("l1", "hit").Set(float64(s.L1Hits))
	c.cacheLookups.WithLabelValues("l1", "miss").Set(float64(s.L1Misses))
	c.cacheLookups.WithLabelValues("l2", "hit").Set(float64(s.L2Hits))
	c.cacheLookups.WithLabelValues("l2", "miss").Set(float64(s.L2Misses))
	c.cacheLookups.WithLabelValues("l2", "error").Set(float64(s.L2Errors))
	c.cacheEntries.Set(float64(s.L1Entries))
	c.cacheBytes.Set(float64(s.L1Bytes))
	c.cacheUtil.Set(s.Utilization)
	c.cacheHitRate.Set(s.HitRate)
}

// classify maps a result to its outcome label
func classify(res *types.RequestResult) string {
	switch {
	case res.FromCache:
		return OutcomeCached
	case res.Success:
		return OutcomeSuccess
	case !res.Attempted:
		return OutcomeNotAttempted
	}
	if errors.Is(res.Err, errors.ErrCircuitOpen) {
		return OutcomeCircuitOpen
	}
	switch errors.CategoryOf(res.Err) {
	case errors.CategoryHTTP:
		return OutcomeHTTPError
	case errors.CategoryTransport:
		return OutcomeTransport
	case errors.CategoryTimeout:
		return OutcomeTimeout
	default:
		return OutcomeOther
	}
}

// Handler returns the status router: /metrics, /stats, /health and, when
// profiling is enabled, /debug/pprof
func (c *Collector) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	r.Get("/stats", c.statsHandler)
	r.Get("/health", c.healthHandler)
	if c.config.Profiling {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start serves Handler on cfg.Address when metrics are enabled
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", c.config.Address)
	if err != nil {
		return errors.NewTransportError(err).WithComponent("metrics").WithOperation("listen")
	}
	c.addr = ln.Addr().String()
	c.server = &http.Server{
		Handler:           otelhttp.NewHandler(c.Handler(), "status"),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	srv := c.server
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			c.logger.Error("Metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.logger.Info("Metrics server listening", map[string]interface{}{"address": c.addr})
	return nil
}

// Addr returns the address the server is listening on, or "" when not started
func (c *Collector) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Stop shuts the server down
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.addr = ""
	c.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, _ *http.Request) {
	status, overall := http.StatusOK, health.StateHealthy
	body := map[string]interface{}{
		"service": c.config.Namespace,
		"uptime":  time.Since(c.started).Round(time.Second).String(),
	}
	if c.health != nil {
		overall = c.health.GetOverallHealth()
		body["components"] = c.health.GetAllComponents()
		if overall == health.StateUnavailable {
			status = http.StatusServiceUnavailable
		}
	}
	body["status"] = overall.String()
	writeJSON(w, status, body)
}

func (c *Collector) statsHandler(w http.ResponseWriter, _ *http.Request) {
	if c.stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no stats source configured"})
		return
	}
	writeJSON(w, http.StatusOK, c.stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) // nothing useful to do once headers are out
}
