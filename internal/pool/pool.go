// Package pool manages a bounded set of reusable transport connections
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// Config holds pool limits and health rules. Zero durations disable the matching rule.
type Config struct {
	MaxSize             int
	MaxIdle             int
	AcquireTimeout      time.Duration
	MaxConnectTime      time.Duration
	MaxAge              time.Duration
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration
}

// FromConfig converts the configuration section into a pool Config
func FromConfig(c config.PoolConfig) Config {
	return Config{
		MaxSize:             c.MaxSize,
		MaxIdle:             c.MaxIdle,
		AcquireTimeout:      c.AcquireTimeout,
		MaxConnectTime:      c.MaxConnectTime,
		MaxAge:              c.MaxAge,
		MaxIdleTime:         c.MaxIdleTime,
		HealthCheckInterval: c.HealthCheckInterval,
	}
}

// Pool hands out connections LIFO from the idle set, dials new ones up to MaxSize,
// and otherwise makes the caller wait. Live connections (idle + loaned) never exceed MaxSize.
type Pool struct {
	transport types.Transport
	config    Config
	logger    types.Logger

	// loans bounds loaned connections; waiting on it blocks only the caller
	loans *semaphore.Weighted

	mu     sync.Mutex
	idle   []*PooledConnection
	live   int
	loaned int
	nextID uint64
	closed bool
	stats  types.PoolStats

	healthCheck *HealthChecker
	now         func() time.Time
}

// New creates a pool over transport and starts its health checker
func New(transport types.Transport, cfg Config, logger types.Logger) (*Pool, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.MaxIdle <= 0 || cfg.MaxIdle > cfg.MaxSize {
		cfg.MaxIdle = cfg.MaxSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	p := &Pool{
		transport: transport,
		config:    cfg,
		logger:    logger,
		loans:     semaphore.NewWeighted(int64(cfg.MaxSize)),
		idle:      make([]*PooledConnection, 0, cfg.MaxIdle),
		now:       time.Now,
	}

	if cfg.HealthCheckInterval > 0 {
		p.healthCheck = newHealthChecker(p, cfg.HealthCheckInterval)
		go p.healthCheck.run()
	}

	return p, nil
}

// Acquire returns a healthy connection, reusing the most recently released idle one first.
// Unhealthy idle connections are discarded and replaced transparently. When MaxSize
// connections are loaned the call waits up to AcquireTimeout, then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*PooledConnection, error) {
	if p.isClosed() {
		return nil, errors.ErrPoolClosed
	}

	if !p.loans.TryAcquire(1) {
		p.mu.Lock()
		p.stats.Waits++
		p.mu.Unlock()

		waitCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
		err := p.loans.Acquire(waitCtx, 1)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.NewTransportError(ctxErr).WithComponent("pool").WithOperation("acquire")
			}
			p.mu.Lock()
			p.stats.AcquireTimeouts++
			p.mu.Unlock()
			return nil, errors.Wrap(errors.ErrPoolExhausted, errors.ErrCodePoolExhausted,
				fmt.Sprintf("waited %s for a connection", p.config.AcquireTimeout))
		}
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.loans.Release(1)
			return nil, errors.ErrPoolClosed
		}

		if n := len(p.idle); n > 0 {
			c := p.idle[n-1]
			p.idle[n-1] = nil
			p.idle = p.idle[:n-1]

			if !p.healthy(c, p.now()) {
				p.live--
				p.stats.EvictedUnhealthy++
				p.mu.Unlock()
				p.closeConn(c, "unhealthy on acquire")
				continue
			}

			c.loaned = true
			c.reused = true
			p.loaned++
			p.stats.Reused++
			p.mu.Unlock()
			return c, nil
		}

		// Reserve the slot before dialing so the lock is not held across I/O
		p.live++
		p.loaned++
		p.nextID++
		id := p.nextID
		p.mu.Unlock()

		conn, err := p.transport.Dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.loaned--
			p.stats.Errors++
			p.stats.LastError = err.Error()
			p.stats.LastErrorAt = p.now()
			p.mu.Unlock()
			p.loans.Release(1)

			var engineErr *errors.EngineError
			if errors.As(err, &engineErr) {
				return nil, err
			}
			return nil, errors.NewTransportError(err).WithComponent("pool").WithOperation("dial")
		}

		now := p.now()
		c := &PooledConnection{conn: conn, id: id, createdAt: now, lastUsed: now, loaned: true}

		p.mu.Lock()
		p.stats.Created++
		p.mu.Unlock()

		p.logger.Debug("Created connection", map[string]interface{}{
			"id":           id,
			"connect_time": conn.ConnectTime().String(),
		})
		return c, nil
	}
}

// Release returns a loaned connection. Per-request state is reset; the connection is
// closed instead of queued when it is unhealthy, when the idle set is full, or when
// the pool has been closed.
func (p *Pool) Release(c *PooledConnection) error {
	if c == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "release of nil connection")
	}

	p.mu.Lock()
	if !c.loaned {
		p.mu.Unlock()
		return errors.Newf(errors.ErrCodeInvalidState, "connection %d is not loaned", c.id).
			WithComponent("pool").WithOperation("release")
	}

	now := p.now()
	c.loaned = false
	c.reused = false
	c.uses++
	c.lastUsed = now
	p.loaned--

	reason := ""
	switch {
	case p.closed:
		reason = "pool closed"
	case !p.healthy(c, now):
		reason = "unhealthy on release"
		p.stats.EvictedUnhealthy++
	case len(p.idle) >= p.config.MaxIdle:
		reason = "idle set full"
		p.stats.Discarded++
	default:
		p.idle = append(p.idle, c)
	}
	if reason != "" {
		p.live--
	}
	p.mu.Unlock()

	if reason != "" {
		p.closeConn(c, reason)
	}
	p.loans.Release(1)
	return nil
}

// HealthCheck reports whether c may be reused. It rejects connections whose last
// connect exceeded MaxConnectTime, that carry a transport error, that are older than
// MaxAge, or that sat idle longer than MaxIdleTime. The caller must own c.
func (p *Pool) HealthCheck(c *PooledConnection) bool {
	return p.healthy(c, p.now())
}

func (p *Pool) healthy(c *PooledConnection, now time.Time) bool {
	if c.lastErr != nil {
		return false
	}
	if p.config.MaxConnectTime > 0 && c.conn.ConnectTime() > p.config.MaxConnectTime {
		return false
	}
	if p.config.MaxAge > 0 && now.Sub(c.createdAt) > p.config.MaxAge {
		return false
	}
	if p.config.MaxIdleTime > 0 && now.Sub(c.lastUsed) > p.config.MaxIdleTime {
		return false
	}
	return true
}

// Warmup dials up to n idle connections without exceeding MaxSize or MaxIdle.
// It stops early when every slot is loaned.
func (p *Pool) Warmup(ctx context.Context, n int) error {
	var errs error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		// A dial in progress counts against MaxSize like a loan, so Acquire
		// cannot dial past the limit while warmup is connecting
		if !p.loans.TryAcquire(1) {
			break
		}
		p.mu.Lock()
		if p.closed || p.live >= p.config.MaxSize || len(p.idle) >= p.config.MaxIdle {
			p.mu.Unlock()
			p.loans.Release(1)
			break
		}
		p.live++
		p.nextID++
		id := p.nextID
		p.mu.Unlock()

		conn, err := p.transport.Dial(ctx)
		p.mu.Lock()
		if err != nil {
			p.live--
			p.stats.Errors++
			p.stats.LastError = err.Error()
			p.stats.LastErrorAt = p.now()
			p.mu.Unlock()
			p.loans.Release(1)
			errs = multierr.Append(errs, err)
			continue
		}
		now := p.now()
		p.idle = append(p.idle, &PooledConnection{conn: conn, id: id, createdAt: now, lastUsed: now})
		p.stats.Created++
		p.mu.Unlock()
		p.loans.Release(1)
	}

	if errs != nil {
		return fmt.Errorf("warmup partially failed: %w", errs)
	}
	return nil
}

// Stats returns current pool statistics
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Live = p.live
	stats.Idle = len(p.idle)
	stats.Loaned = p.loaned
	stats.MaxSize = p.config.MaxSize
	return stats
}

// ResetStats zeroes the accumulated counters
func (p *Pool) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = types.PoolStats{}
}

// Close stops the health checker and closes idle connections. Loaned connections are
// closed when they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	if p.healthCheck != nil {
		p.healthCheck.stop()
	}

	var errs error
	for _, c := range idle {
		errs = multierr.Append(errs, c.conn.Close())
	}
	return errs
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) closeConn(c *PooledConnection, reason string) {
	if err := c.conn.Close(); err != nil {
		p.logger.Warn("Failed to close connection", map[string]interface{}{
			"id":    c.id,
			"error": err.Error(),
		})
	}
	p.logger.Debug("Discarded connection", map[string]interface{}{
		"id":     c.id,
		"reason": reason,
		"uses":   c.uses,
	})
}
