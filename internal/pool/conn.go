package pool

import (
	"context"
	"time"

	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
)

// PooledConnection is a transport handle owned by the pool while idle and loaned to
// exactly one request at a time. Fields are written by the pool under its mutex, or
// by the borrower while loaned.
type PooledConnection struct {
	conn      types.Conn
	id        uint64
	createdAt time.Time
	lastUsed  time.Time

	uses       int
	errorCount int
	lastErr    error

	loaned bool
	reused bool
}

// ID returns the pool-unique connection id
func (c *PooledConnection) ID() uint64 { return c.id }

// CreatedAt returns when the connection was dialed
func (c *PooledConnection) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when the connection was last released
func (c *PooledConnection) LastUsed() time.Time { return c.lastUsed }

// Uses returns how many loans the connection has completed
func (c *PooledConnection) Uses() int { return c.uses }

// ErrorCount returns the number of transport errors seen on the connection
func (c *PooledConnection) ErrorCount() int { return c.errorCount }

// Err returns the transport error that marked the connection, if any
func (c *PooledConnection) Err() error { return c.lastErr }

// Reused reports whether this loan came from the idle set
func (c *PooledConnection) Reused() bool { return c.reused }

// Conn returns the underlying transport handle
func (c *PooledConnection) Conn() types.Conn { return c.conn }

// MarkError records a transport-level failure; the connection will fail its next health check
func (c *PooledConnection) MarkError(err error) {
	if err == nil {
		return
	}
	c.errorCount++
	c.lastErr = err
}

// Execute runs req on the connection. Transport failures mark the connection and are
// returned as retryable transport errors.
func (c *PooledConnection) Execute(ctx context.Context, req *types.Request) (*types.RequestResult, error) {
	res, err := c.conn.Execute(ctx, req)
	if err != nil {
		c.MarkError(err)
		var engineErr *errors.EngineError
		if errors.As(err, &engineErr) {
			return nil, err
		}
		return nil, errors.NewTransportError(err).WithRequestID(req.ID)
	}
	res.Timing.Reused = c.reused
	if res.Timing.Connect == 0 && !c.reused {
		res.Timing.Connect = c.conn.ConnectTime()
	}
	return res, nil
}
