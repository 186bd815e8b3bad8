package pool

import (
	"time"
)

// HealthChecker periodically evicts idle connections that fail the health check
type HealthChecker struct {
	pool     *Pool
	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

func newHealthChecker(p *Pool, interval time.Duration) *HealthChecker {
	return &HealthChecker{
		pool:     p,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (hc *HealthChecker) run() {
	defer close(hc.stopped)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.pool.sweep()
		}
	}
}

func (hc *HealthChecker) stop() {
	close(hc.stopCh)
	<-hc.stopped
}

// sweep removes unhealthy idle connections and returns how many were evicted
func (p *Pool) sweep() int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}

	now := p.now()
	kept := p.idle[:0]
	var evicted []*PooledConnection
	for _, c := range p.idle {
		if p.healthy(c, now) {
			kept = append(kept, c)
		} else {
			evicted = append(evicted, c)
		}
	}
	for i := len(kept); i < len(p.idle); i++ {
		p.idle[i] = nil
	}
	p.idle = kept
	p.live -= len(evicted)
	p.stats.EvictedUnhealthy += uint64(len(evicted))
	p.mu.Unlock()

	for _, c := range evicted {
		p.closeConn(c, "unhealthy on sweep")
	}
	if len(evicted) > 0 {
		p.logger.Info("Health check evicted idle connections", map[string]interface{}{
			"evicted": len(evicted),
			"idle":    len(kept),
		})
	}
	return len(evicted)
}
