package batch

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/internal/pool"
	"github.com/objectfs/syncengine/pkg/memmon"
	"github.com/objectfs/syncengine/pkg/retry"
	"github.com/objectfs/syncengine/pkg/types"
)

type handlerFunc func(ctx context.Context, req *types.Request) (*types.RequestResult, error)

type scriptConn struct{ handle handlerFunc }

func (c *scriptConn) Execute(ctx context.Context, req *types.Request) (*types.RequestResult, error) {
	return c.handle(ctx, req)
}
func (c *scriptConn) ConnectTime() time.Duration { return 0 }
func (c *scriptConn) Close() error               { return nil }

func scriptTransport(h handlerFunc) types.Transport {
	return types.TransportFunc(func(ctx context.Context) (types.Conn, error) {
		return &scriptConn{handle: h}, nil
	})
}

func status(req *types.Request, code int) *types.RequestResult {
	return &types.RequestResult{RequestID: req.ID, StatusCode: code, Success: code < 400}
}

func sleepThen(d time.Duration, code int) handlerFunc {
	return func(ctx context.Context, req *types.Request) (*types.RequestResult, error) {
		select {
		case <-time.After(d):
			return status(req, code), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func concurrencyConfig(min, max, base int) config.ConcurrencyConfig {
	cfg := config.NewDefault().Concurrency
	cfg.MinConcurrent = min
	cfg.MaxConcurrent = max
	cfg.BaseConcurrent = base
	return cfg
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// neutralMetrics yields factors of exactly 1 with four CPUs
func neutralMetrics() *memmon.Fixed {
	return memmon.NewFixed(50, 100, 2.0)
}

func newTestPool(t *testing.T, h handlerFunc, size int, acquireTimeout time.Duration) *pool.Pool {
	t.Helper()
	p, err := pool.New(scriptTransport(h), pool.Config{MaxSize: size, AcquireTimeout: acquireTimeout}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestController(t *testing.T, cfg config.ConcurrencyConfig, p ConnPool, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithNumCPU(4)}, opts...)
	c, err := New(cfg, fastRetry(5), p, neutralMetrics(), opts...)
	require.NoError(t, err)
	return c
}

func makeRequests(n int) []*types.Request {
	reqs := make([]*types.Request, n)
	for i := range reqs {
		reqs[i] = &types.Request{ID: "req-" + strconv.Itoa(i), URL: "http://api.example.com/items/" + strconv.Itoa(i)}
	}
	return reqs
}
