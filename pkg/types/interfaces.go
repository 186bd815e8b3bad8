package types

import (
	"context"
	"time"
)

// Conn is a single reusable transport handle. It is used by one request at a time.
type Conn interface {
	// Execute performs the request. A transport failure is returned as an error;
	// any HTTP response, including 4xx and 5xx, is returned as a result.
	Execute(ctx context.Context, req *Request) (*RequestResult, error)

	// ConnectTime reports how long the most recent connection establishment took.
	ConnectTime() time.Duration

	Close() error
}

// Transport creates connections for the pool.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f TransportFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// KVStore is the persistent TTL store behind the L2 cache tier.
type KVStore interface {
	// Get returns the entry for key. Expired entries are reported as absent.
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Set stores value under key. A ttl of zero means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// DeleteMatching removes every key matching the glob pattern and returns the count.
	DeleteMatching(ctx context.Context, pattern string) (int, error)

	Close() error
}

// MetricsProvider reports process resource usage for adaptive sizing.
type MetricsProvider interface {
	CurrentMemoryUsage() uint64
	MemoryLimit() uint64
	SystemLoadAverage() float64

	// Reclaim asks the runtime to return freed memory.
	Reclaim()
}

// Logger is the structured logging interface used across the engine.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
}

// MemoryUsageRatio returns usage/limit, or 0 when the limit is unknown.
func MemoryUsageRatio(p MetricsProvider) float64 {
	limit := p.MemoryLimit()
	if limit == 0 {
		return 0
	}
	return float64(p.CurrentMemoryUsage()) / float64(limit)
}
