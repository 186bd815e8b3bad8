package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of environment variables that override configuration keys.
const EnvPrefix = "SYNCENGINE"

// Configuration represents the complete engine configuration
type Configuration struct {
	Global         GlobalConfig         `yaml:"global" mapstructure:"global"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency" mapstructure:"concurrency"`
	Pool           PoolConfig           `yaml:"pool" mapstructure:"pool"`
	Retry          RetryConfig          `yaml:"retry" mapstructure:"retry"`
	Cache          CacheConfig          `yaml:"cache" mapstructure:"cache"`
	Storage        StorageConfig        `yaml:"storage" mapstructure:"storage"`
	Stream         StreamConfig         `yaml:"stream" mapstructure:"stream"`
	Transport      TransportConfig      `yaml:"transport" mapstructure:"transport"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Metrics        MetricsConfig        `yaml:"metrics" mapstructure:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing" mapstructure:"tracing"`
}

// GlobalConfig represents logging settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" mapstructure:"log_level"`
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
	LogFile   string `yaml:"log_file" mapstructure:"log_file"`
}

// ConcurrencyConfig bounds and tunes the batch controller. Factors multiply a baseline;
// the product is clamped to [MinConcurrent, MaxConcurrent].
type ConcurrencyConfig struct {
	MinConcurrent  int `yaml:"min_concurrent" mapstructure:"min_concurrent"`
	MaxConcurrent  int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	BaseConcurrent int `yaml:"base_concurrent" mapstructure:"base_concurrent"`

	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	BatchTimeout   time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`

	// Load average per CPU
	LoadHighWater float64 `yaml:"load_high_water" mapstructure:"load_high_water"`
	LoadLowWater  float64 `yaml:"load_low_water" mapstructure:"load_low_water"`
	LoadScaleUp   float64 `yaml:"load_scale_up" mapstructure:"load_scale_up"`

	// Memory usage as a fraction of the limit
	MemoryHighWater float64 `yaml:"memory_high_water" mapstructure:"memory_high_water"`
	MemoryLowWater  float64 `yaml:"memory_low_water" mapstructure:"memory_low_water"`
	MemoryScaleDown float64 `yaml:"memory_scale_down" mapstructure:"memory_scale_down"`
	MemoryScaleUp   float64 `yaml:"memory_scale_up" mapstructure:"memory_scale_up"`

	LatencyThreshold time.Duration `yaml:"latency_threshold" mapstructure:"latency_threshold"`
	MinFactor        float64       `yaml:"min_factor" mapstructure:"min_factor"`
	SampleWindow     int           `yaml:"sample_window" mapstructure:"sample_window"`
	SampleMaxAge     time.Duration `yaml:"sample_max_age" mapstructure:"sample_max_age"`

	// Zero disables rate limiting
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// PoolConfig represents connection pool limits and health rules
type PoolConfig struct {
	MaxSize             int           `yaml:"max_size" mapstructure:"max_size"`
	MaxIdle             int           `yaml:"max_idle" mapstructure:"max_idle"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	MaxConnectTime      time.Duration `yaml:"max_connect_time" mapstructure:"max_connect_time"`
	MaxAge              time.Duration `yaml:"max_age" mapstructure:"max_age"`
	MaxIdleTime         time.Duration `yaml:"max_idle_time" mapstructure:"max_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	WarmupSize          int           `yaml:"warmup_size" mapstructure:"warmup_size"`
}

// RetryConfig represents per-operation retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier  float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter      bool          `yaml:"jitter" mapstructure:"jitter"`
}

// CacheConfig represents tiered cache settings
type CacheConfig struct {
	L1         L1Config                   `yaml:"l1" mapstructure:"l1"`
	DefaultTTL time.Duration              `yaml:"default_ttl" mapstructure:"default_ttl"`
	Types      map[string]CacheTypePolicy `yaml:"types" mapstructure:"types"`
}

// L1Config represents the in-process LRU tier
type L1Config struct {
	MaxEntries      int           `yaml:"max_entries" mapstructure:"max_entries"`
	MaxEntrySize    int           `yaml:"max_entry_size" mapstructure:"max_entry_size"`
	MaxBytes        int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// CacheTypePolicy is one row of the cache-type table
type CacheTypePolicy struct {
	TTL        time.Duration `yaml:"ttl" mapstructure:"ttl"`
	L1Eligible bool          `yaml:"l1_eligible" mapstructure:"l1_eligible"`
}

// DefaultCacheType is the policy applied to unknown cache types.
const DefaultCacheType = "default"

// StorageConfig selects and configures the L2 store
type StorageConfig struct {
	Backend string             `yaml:"backend" mapstructure:"backend"`
	Memory  MemoryStoreConfig  `yaml:"memory" mapstructure:"memory"`
	Disk    DiskStoreConfig    `yaml:"disk" mapstructure:"disk"`
	Pebble  PebbleStoreConfig  `yaml:"pebble" mapstructure:"pebble"`
	SQLite  SQLiteStoreConfig  `yaml:"sqlite" mapstructure:"sqlite"`
	S3      S3StoreConfig      `yaml:"s3" mapstructure:"s3"`
}

// MemoryStoreConfig configures the in-process store
type MemoryStoreConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// DiskStoreConfig configures the file-backed store
type DiskStoreConfig struct {
	Directory     string        `yaml:"directory" mapstructure:"directory"`
	Compression   bool          `yaml:"compression" mapstructure:"compression"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	SyncInterval  time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
}

// PebbleStoreConfig configures the Pebble store
type PebbleStoreConfig struct {
	Directory     string        `yaml:"directory" mapstructure:"directory"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Sync          bool          `yaml:"sync" mapstructure:"sync"`
}

// SQLiteStoreConfig configures the SQLite store
type SQLiteStoreConfig struct {
	Path          string        `yaml:"path" mapstructure:"path"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// S3StoreConfig configures the S3 store
type S3StoreConfig struct {
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix" mapstructure:"prefix"`
	Region          string `yaml:"region" mapstructure:"region"`
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`

	// Values at or above the threshold are uploaded through CargoShip
	UseCargoShip       bool  `yaml:"use_cargoship" mapstructure:"use_cargoship"`
	CargoShipThreshold int64 `yaml:"cargoship_threshold" mapstructure:"cargoship_threshold"`
}

// StreamConfig tunes chunk sizing
type StreamConfig struct {
	DefaultChunk    int     `yaml:"default_chunk" mapstructure:"default_chunk"`
	MinChunk        int     `yaml:"min_chunk" mapstructure:"min_chunk"`
	MaxChunk        int     `yaml:"max_chunk" mapstructure:"max_chunk"`
	MemoryHighWater float64 `yaml:"memory_high_water" mapstructure:"memory_high_water"`
	MemoryLowWater  float64 `yaml:"memory_low_water" mapstructure:"memory_low_water"`
	HighMemoryScale float64 `yaml:"high_memory_scale" mapstructure:"high_memory_scale"`
	LowMemoryScale  float64 `yaml:"low_memory_scale" mapstructure:"low_memory_scale"`
	LargeCollection int     `yaml:"large_collection" mapstructure:"large_collection"`
	SmallCollection int     `yaml:"small_collection" mapstructure:"small_collection"`
	LargeScale      float64 `yaml:"large_scale" mapstructure:"large_scale"`
	SmallScale      float64 `yaml:"small_scale" mapstructure:"small_scale"`
	GCEveryChunks   int     `yaml:"gc_every_chunks" mapstructure:"gc_every_chunks"`
}

// TransportConfig represents HTTP transport settings
type TransportConfig struct {
	DialTimeout         time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	UserAgent           string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxResponseBytes    int64         `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
}

// CircuitBreakerConfig represents per-host breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" mapstructure:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" mapstructure:"half_open_requests"`
}

// MetricsConfig represents metrics exposition and resource sampling
type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	Address        string        `yaml:"address" mapstructure:"address"`
	Namespace      string        `yaml:"namespace" mapstructure:"namespace"`
	SampleInterval time.Duration `yaml:"sample_interval" mapstructure:"sample_interval"`
	MemoryLimit    uint64        `yaml:"memory_limit" mapstructure:"memory_limit"`

	// Profiling mounts net/http/pprof under /debug on the metrics listener
	Profiling bool `yaml:"profiling" mapstructure:"profiling"`
}

// TracingConfig represents OpenTelemetry settings
type TracingConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	ServiceName   string  `yaml:"service_name" mapstructure:"service_name"`
	SamplingRatio float64 `yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
}

// NewDefault creates a configuration with default values
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Concurrency: ConcurrencyConfig{
			MinConcurrent:    1,
			MaxConcurrent:    20,
			BaseConcurrent:   10,
			RequestTimeout:   30 * time.Second,
			BatchTimeout:     90 * time.Second,
			LoadHighWater:    0.8,
			LoadLowWater:     0.3,
			LoadScaleUp:      1.2,
			MemoryHighWater:  0.8,
			MemoryLowWater:   0.3,
			MemoryScaleDown:  0.5,
			MemoryScaleUp:    1.2,
			LatencyThreshold: 2 * time.Second,
			MinFactor:        0.25,
			SampleWindow:     100,
			SampleMaxAge:     5 * time.Minute,
			Burst:            1,
		},
		Pool: PoolConfig{
			MaxSize:             10,
			AcquireTimeout:      30 * time.Second,
			MaxConnectTime:      5 * time.Second,
			MaxAge:              5 * time.Minute,
			MaxIdleTime:         90 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			Multiplier:  2.0,
		},
		Cache: CacheConfig{
			L1: L1Config{
				MaxEntries:      1000,
				MaxEntrySize:    64 * 1024,
				CleanupInterval: time.Minute,
			},
			DefaultTTL: 5 * time.Minute,
			Types:      DefaultCacheTypes(),
		},
		Storage: StorageConfig{
			Backend: "memory",
			Memory:  MemoryStoreConfig{SweepInterval: time.Minute},
			Disk: DiskStoreConfig{
				Directory:     filepath.Join(os.TempDir(), "syncengine", "cache"),
				Compression:   true,
				SweepInterval: 5 * time.Minute,
				SyncInterval:  30 * time.Second,
			},
			Pebble: PebbleStoreConfig{
				Directory:     filepath.Join(os.TempDir(), "syncengine", "pebble"),
				SweepInterval: 5 * time.Minute,
			},
			SQLite: SQLiteStoreConfig{
				Path:          filepath.Join(os.TempDir(), "syncengine", "cache.db"),
				SweepInterval: 5 * time.Minute,
			},
			S3: S3StoreConfig{
				Prefix:             "syncengine/",
				Region:             "us-east-1",
				CargoShipThreshold: 8 * 1024 * 1024,
			},
		},
		Stream: StreamConfig{
			DefaultChunk:    100,
			MinChunk:        10,
			MaxChunk:        500,
			MemoryHighWater: 0.7,
			MemoryLowWater:  0.3,
			HighMemoryScale: 0.5,
			LowMemoryScale:  1.5,
			LargeCollection: 10000,
			SmallCollection: 100,
			LargeScale:      0.8,
			SmallScale:      2.0,
			GCEveryChunks:   10,
		},
		Transport: TransportConfig{
			DialTimeout:         10 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			UserAgent:           "syncengine/1.0",
			MaxResponseBytes:    32 * 1024 * 1024,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
		Metrics: MetricsConfig{
			Address:        ":9090",
			Namespace:      "syncengine",
			SampleInterval: 5 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName:   "syncengine",
			SamplingRatio: 1.0,
		},
	}
}

// DefaultCacheTypes returns the built-in cache-type table. Small, hot lookups are
// L1-eligible; listings and media payloads stay in L2.
func DefaultCacheTypes() map[string]CacheTypePolicy {
	return map[string]CacheTypePolicy{
		DefaultCacheType: {TTL: 5 * time.Minute, L1Eligible: true},
		"user":           {TTL: 10 * time.Minute, L1Eligible: true},
		"session":        {TTL: 30 * time.Minute, L1Eligible: true},
		"api_response":   {TTL: 5 * time.Minute, L1Eligible: true},
		"listing":        {TTL: time.Hour, L1Eligible: false},
		"media":          {TTL: 24 * time.Hour, L1Eligible: false},
	}
}

// Load builds a configuration from defaults, an optional YAML file and
// SYNCENGINE_* environment variables, in increasing precedence.
func Load(path string) (*Configuration, error) {
	cfg := NewDefault()

	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile writes the configuration as YAML
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validators := []func() error{
		c.validateGlobal,
		c.Concurrency.Validate,
		c.Pool.Validate,
		c.Retry.Validate,
		c.Cache.Validate,
		c.validateStorage,
		c.Stream.Validate,
		c.validateCircuitBreaker,
		c.validateTracing,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Configuration) validateGlobal() error {
	validLevels := []string{"trace", "debug", "info", "warn", "error"}
	level := strings.ToLower(c.Global.LogLevel)
	if !contains(validLevels, level) {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLevels, ", "))
	}

	validFormats := []string{"json", "console", "text"}
	if !contains(validFormats, strings.ToLower(c.Global.LogFormat)) {
		return fmt.Errorf("invalid log_format: %s (must be one of: %s)",
			c.Global.LogFormat, strings.Join(validFormats, ", "))
	}
	return nil
}

// Validate checks the concurrency bounds and factor thresholds
func (c ConcurrencyConfig) Validate() error {
	if c.MinConcurrent < 1 {
		return fmt.Errorf("concurrency.min_concurrent must be at least 1")
	}
	if c.MaxConcurrent < c.MinConcurrent {
		return fmt.Errorf("concurrency.max_concurrent (%d) must be >= min_concurrent (%d)",
			c.MaxConcurrent, c.MinConcurrent)
	}
	if c.BaseConcurrent < 1 {
		return fmt.Errorf("concurrency.base_concurrent must be at least 1")
	}
	if c.RequestTimeout <= 0 || c.BatchTimeout <= 0 {
		return fmt.Errorf("concurrency.request_timeout and batch_timeout must be positive")
	}
	if c.LoadLowWater < 0 || c.LoadHighWater <= c.LoadLowWater {
		return fmt.Errorf("concurrency.load_high_water must be greater than load_low_water")
	}
	if c.MemoryLowWater < 0 || c.MemoryHighWater <= c.MemoryLowWater || c.MemoryHighWater >= 1 {
		return fmt.Errorf("concurrency memory watermarks must satisfy 0 <= low < high < 1")
	}
	if c.MemoryScaleDown <= 0 || c.MemoryScaleDown > 1 {
		return fmt.Errorf("concurrency.memory_scale_down must be in (0, 1]")
	}
	if c.MemoryScaleUp < 1 || c.LoadScaleUp < 1 {
		return fmt.Errorf("concurrency scale-up factors must be >= 1")
	}
	if c.MinFactor <= 0 || c.MinFactor > 1 {
		return fmt.Errorf("concurrency.min_factor must be in (0, 1]")
	}
	if c.LatencyThreshold <= 0 {
		return fmt.Errorf("concurrency.latency_threshold must be positive")
	}
	if c.SampleWindow < 1 {
		return fmt.Errorf("concurrency.sample_window must be at least 1")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("concurrency.requests_per_second cannot be negative")
	}
	if c.RequestsPerSecond > 0 && c.Burst < 1 {
		return fmt.Errorf("concurrency.burst must be at least 1 when rate limiting")
	}
	return nil
}

// Validate checks pool limits
func (c PoolConfig) Validate() error {
	if c.MaxSize < 1 {
		return fmt.Errorf("pool.max_size must be at least 1")
	}
	if c.MaxIdle < 0 || c.MaxIdle > c.MaxSize {
		return fmt.Errorf("pool.max_idle must be between 0 and max_size")
	}
	if c.WarmupSize < 0 || c.WarmupSize > c.MaxSize {
		return fmt.Errorf("pool.warmup_size must be between 0 and max_size")
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if c.MaxConnectTime < 0 || c.MaxAge < 0 || c.MaxIdleTime < 0 || c.HealthCheckInterval < 0 {
		return fmt.Errorf("pool durations cannot be negative")
	}
	return nil
}

// Validate checks retry settings
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.BaseDelay < 0 || c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 <= base_delay <= max_delay")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

// Validate checks the L1 limits and the cache-type table
func (c CacheConfig) Validate() error {
	if c.L1.MaxEntries < 1 {
		return fmt.Errorf("cache.l1.max_entries must be at least 1")
	}
	if c.L1.MaxEntrySize < 1 {
		return fmt.Errorf("cache.l1.max_entry_size must be at least 1")
	}
	if c.L1.MaxBytes < 0 {
		return fmt.Errorf("cache.l1.max_bytes cannot be negative")
	}
	if c.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl cannot be negative")
	}
	if _, ok := c.Types[DefaultCacheType]; !ok {
		return fmt.Errorf("cache.types must define a %q entry", DefaultCacheType)
	}
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "" {
			return fmt.Errorf("cache.types contains an empty type name")
		}
		if c.Types[name].TTL < 0 {
			return fmt.Errorf("cache.types.%s.ttl cannot be negative", name)
		}
	}
	return nil
}

func (c *Configuration) validateStorage() error {
	s := c.Storage
	switch s.Backend {
	case "memory":
	case "disk":
		if s.Disk.Directory == "" {
			return fmt.Errorf("storage.disk.directory is required")
		}
	case "pebble":
		if s.Pebble.Directory == "" {
			return fmt.Errorf("storage.pebble.directory is required")
		}
	case "sqlite":
		if s.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
		if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3 access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be one of: memory, disk, pebble, sqlite, s3)", s.Backend)
	}
	return nil
}

// Validate checks chunk sizing settings
func (c StreamConfig) Validate() error {
	if c.MinChunk < 1 || c.MaxChunk < c.MinChunk {
		return fmt.Errorf("stream chunk bounds must satisfy 1 <= min_chunk <= max_chunk")
	}
	if c.DefaultChunk < 1 {
		return fmt.Errorf("stream.default_chunk must be at least 1")
	}
	if c.MemoryLowWater < 0 || c.MemoryHighWater <= c.MemoryLowWater {
		return fmt.Errorf("stream.memory_high_water must be greater than memory_low_water")
	}
	if c.HighMemoryScale <= 0 || c.LowMemoryScale <= 0 || c.LargeScale <= 0 || c.SmallScale <= 0 {
		return fmt.Errorf("stream scale factors must be positive")
	}
	if c.SmallCollection < 0 || c.LargeCollection < c.SmallCollection {
		return fmt.Errorf("stream collection thresholds must satisfy 0 <= small_collection <= large_collection")
	}
	if c.GCEveryChunks < 0 {
		return fmt.Errorf("stream.gc_every_chunks cannot be negative")
	}
	return nil
}

func (c *Configuration) validateCircuitBreaker() error {
	if !c.CircuitBreaker.Enabled {
		return nil
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.OpenTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.open_timeout must be positive")
	}
	if c.CircuitBreaker.HalfOpenRequests < 1 {
		return fmt.Errorf("circuit_breaker.half_open_requests must be at least 1")
	}
	return nil
}

func (c *Configuration) validateTracing() error {
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing.sampling_ratio must be in [0, 1]")
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
