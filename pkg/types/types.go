package types

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/objectfs/syncengine/internal/config"
)

// Request describes one call against the remote API. It is not modified once submitted.
type Request struct {
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	URL     string        `json:"url"`
	Headers http.Header   `json:"headers,omitempty"`
	Body    []byte        `json:"body,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`

	// Cache placement for responses. An empty CacheKey disables caching for the request.
	CacheKey  string        `json:"cache_key,omitempty"`
	CacheType string        `json:"cache_type,omitempty"`
	CacheTTL  time.Duration `json:"cache_ttl,omitempty"`
}

// Host returns the request's target host, or "" when the URL does not parse.
func (r *Request) Host() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Cacheable reports whether responses to the request may be read from or written to the cache.
func (r *Request) Cacheable() bool {
	if r.CacheKey == "" {
		return false
	}
	m := strings.ToUpper(r.Method)
	return m == "" || m == http.MethodGet
}

// Timing is the latency breakdown of a request.
type Timing struct {
	Connect time.Duration `json:"connect"`
	Total   time.Duration `json:"total"`
	Reused  bool          `json:"reused"`
}

// RequestResult is the outcome of a Request.
type RequestResult struct {
	RequestID  string      `json:"request_id"`
	StatusCode int         `json:"status_code"`
	Body       []byte      `json:"body,omitempty"`
	Headers    http.Header `json:"headers,omitempty"`
	Timing     Timing      `json:"timing"`
	Err        error       `json:"-"`

	Success   bool      `json:"success"`
	Attempted bool      `json:"attempted"`
	Attempts  int       `json:"attempts"`
	FromCache bool      `json:"from_cache"`
	Completed time.Time `json:"completed"`
}

// PoolStats represents connection pool counters. Counters only grow until reset.
type PoolStats struct {
	Created          uint64 `json:"created"`
	Reused           uint64 `json:"reused"`
	EvictedUnhealthy uint64 `json:"evicted_unhealthy"`
	Discarded        uint64 `json:"discarded"`
	Waits            uint64 `json:"waits"`
	AcquireTimeouts  uint64 `json:"acquire_timeouts"`
	Errors           uint64 `json:"errors"`

	Live    int `json:"live"`
	Idle    int `json:"idle"`
	Loaned  int `json:"loaned"`
	MaxSize int `json:"max_size"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// CacheStats represents tiered cache statistics.
type CacheStats struct {
	L1Hits     uint64 `json:"l1_hits"`
	L1Misses   uint64 `json:"l1_misses"`
	L2Hits     uint64 `json:"l2_hits"`
	L2Misses   uint64 `json:"l2_misses"`
	L2Errors   uint64 `json:"l2_errors"`
	Promotions uint64 `json:"promotions"`
	Evictions  uint64 `json:"evictions"`

	L1Entries   int     `json:"l1_entries"`
	L1Capacity  int     `json:"l1_capacity"`
	L1Bytes     int64   `json:"l1_bytes"`
	Utilization float64 `json:"utilization"`
	HitRate     float64 `json:"hit_rate"`
}

// Configuration type aliases for callers outside the module.
type (
	Configuration     = config.Configuration
	GlobalConfig      = config.GlobalConfig
	ConcurrencyConfig = config.ConcurrencyConfig
	PoolConfig        = config.PoolConfig
	RetryConfig       = config.RetryConfig
	CacheConfig       = config.CacheConfig
	CacheTypePolicy   = config.CacheTypePolicy
	StorageConfig     = config.StorageConfig
	StreamConfig      = config.StreamConfig
	TransportConfig   = config.TransportConfig
	MetricsConfig     = config.MetricsConfig
)
