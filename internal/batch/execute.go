package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/objectfs/syncengine/internal/transport"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/retry"
	"github.com/objectfs/syncengine/pkg/types"
)

// Summary counts the outcomes of one batch
type Summary struct {
	Total        int           `json:"total"`
	Succeeded    int           `json:"succeeded"`
	Failed       int           `json:"failed"`
	TimedOut     int           `json:"timed_out"`
	NotAttempted int           `json:"not_attempted"`
	Cached       int           `json:"cached"`
	SubBatches   int           `json:"sub_batches"`
	Attempts     int           `json:"attempts"`
	Concurrency  []int         `json:"concurrency"`
	Duration     time.Duration `json:"duration"`
}

// BatchResult holds one result per input request, in input order. Err is set only
// when the batch itself stopped early: the wall-clock ceiling, caller
// cancellation, or pool exhaustion.
type BatchResult struct {
	Results []*types.RequestResult `json:"results"`
	Summary Summary                `json:"summary"`
	Err     error                  `json:"-"`
}

// ExecuteBatch runs reqs in sub-batches sized by OptimalConcurrency, recomputing the
// size between sub-batches. Individual failures are recorded in their results and
// never abort the batch.
func (c *Controller) ExecuteBatch(ctx context.Context, reqs []*types.Request) *BatchResult {
	start := c.now()
	cfg := c.Config()

	out := &BatchResult{
		Results: make([]*types.RequestResult, len(reqs)),
		Summary: Summary{Total: len(reqs)},
	}

	ctx, span := c.tracer.Start(ctx, "batch.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(reqs)))

	// IDs are assigned before dispatch so not-attempted results can be correlated too
	reqs = withIDs(reqs)

	batchCtx, cancel := context.WithTimeout(ctx, cfg.BatchTimeout)
	defer cancel()

	next := 0
	for next < len(reqs) {
		if batchCtx.Err() != nil {
			break
		}

		n := c.OptimalConcurrency()
		end := next + n
		if end > len(reqs) {
			end = len(reqs)
		}
		out.Summary.SubBatches++
		out.Summary.Concurrency = append(out.Summary.Concurrency, n)
		c.lastConcurrency.Store(int64(n))
		c.subBatches.Add(1)

		exhausted := c.runSubBatch(batchCtx, reqs[next:end], out.Results[next:end], cfg.RequestTimeout)
		next = end

		if exhausted {
			out.Err = errors.ErrPoolExhausted
			c.logger.Warn("Connection pool exhausted, stopping batch", map[string]interface{}{
				"dispatched": next,
				"remaining":  len(reqs) - next,
			})
			break
		}
	}

	for i := next; i < len(reqs); i++ {
		out.Results[i] = notAttempted(reqs[i], c.now())
	}

	if out.Err == nil && batchCtx.Err() != nil {
		if ctx.Err() != nil {
			out.Err = errors.Wrap(ctx.Err(), errors.ErrCodeBatchTimeout, "batch cancelled by caller")
		} else {
			out.Err = errors.ErrBatchTimeout
		}
	}

	for _, res := range out.Results {
		out.Summary.Attempts += res.Attempts
		switch {
		case res.Success:
			out.Summary.Succeeded++
		case !res.Attempted:
			out.Summary.NotAttempted++
		case errors.CategoryOf(res.Err) == errors.CategoryTimeout:
			out.Summary.TimedOut++
		default:
			out.Summary.Failed++
		}
	}
	out.Summary.Duration = c.now().Sub(start)

	c.batches.Add(1)
	c.requests.Add(uint64(len(reqs)))
	c.succeeded.Add(uint64(out.Summary.Succeeded))
	c.failed.Add(uint64(out.Summary.Failed))
	c.timedOut.Add(uint64(out.Summary.TimedOut))
	c.notStarted.Add(uint64(out.Summary.NotAttempted))

	span.SetAttributes(
		attribute.Int("batch.succeeded", out.Summary.Succeeded),
		attribute.Int("batch.failed", out.Summary.Failed),
		attribute.Int("batch.sub_batches", out.Summary.SubBatches),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	if c.observer != nil {
		c.observer.ObserveBatch(out.Summary)
	}

	c.logger.Debug("Batch finished", map[string]interface{}{
		"total":         out.Summary.Total,
		"succeeded":     out.Summary.Succeeded,
		"failed":        out.Summary.Failed,
		"timed_out":     out.Summary.TimedOut,
		"not_attempted": out.Summary.NotAttempted,
		"sub_batches":   out.Summary.SubBatches,
		"duration":      out.Summary.Duration.String(),
	})
	return out
}

// withIDs returns reqs with a generated ID on every request that has none. The
// caller's requests are copied, never modified.
func withIDs(reqs []*types.Request) []*types.Request {
	var out []*types.Request
	for i, req := range reqs {
		if req.ID != "" {
			continue
		}
		if out == nil {
			out = make([]*types.Request, len(reqs))
			copy(out, reqs)
		}
		withID := *req
		withID.ID = uuid.NewString()
		out[i] = &withID
	}
	if out == nil {
		return reqs
	}
	return out
}

// runSubBatch executes reqs concurrently and waits for all of them. It reports
// whether any request failed to obtain a connection before the acquire timeout.
func (c *Controller) runSubBatch(ctx context.Context, reqs []*types.Request, results []*types.RequestResult, defaultTimeout time.Duration) bool {
	ctx, span := c.tracer.Start(ctx, "batch.sub_batch")
	defer span.End()
	span.SetAttributes(attribute.Int("sub_batch.size", len(reqs)))

	c.mu.RLock()
	retryer := retry.New(c.retry)
	limiter := c.limiter
	c.mu.RUnlock()

	var (
		g         errgroup.Group
		exhausted atomic.Bool
	)
	for i, req := range reqs {
		g.Go(func() error {
			res := c.execute(ctx, req, retryer, limiter, defaultTimeout)
			if errors.Is(res.Err, errors.ErrPoolExhausted) {
				exhausted.Store(true)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return exhausted.Load()
}

// execute runs one request with retry. A connection is acquired per attempt so none
// is held during backoff.
func (c *Controller) execute(ctx context.Context, req *types.Request, retryer *retry.Retryer, limiter *rate.Limiter, defaultTimeout time.Duration) *types.RequestResult {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	start := c.now()

	var last *types.RequestResult
	attempt := func(ctx context.Context) error {
		// Only the final attempt's response describes the outcome
		last = nil
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		conn, err := c.pool.Acquire(attemptCtx)
		if err != nil {
			return err
		}
		sent := c.now()
		res, err := conn.Execute(attemptCtx, req)
		if relErr := c.pool.Release(conn); relErr != nil {
			c.logger.Error("Failed to release connection", map[string]interface{}{"error": relErr.Error()})
		}
		c.RecordLatency(c.now().Sub(sent))
		if err != nil {
			return err
		}
		last = res
		return transport.CheckStatus(res)
	}

	attempts, err := retryer.Do(ctx, func(ctx context.Context, _ int) error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return errors.NewTransportError(err).WithOperation("rate_limit")
			}
		}
		if c.breakers != nil {
			return c.breakers.For(req.Host()).Execute(ctx, attempt)
		}
		return attempt(ctx)
	})

	res := &types.RequestResult{RequestID: req.ID, Attempted: true, Attempts: attempts}
	if last != nil {
		res.StatusCode = last.StatusCode
		res.Body = last.Body
		res.Headers = last.Headers
		res.Timing = last.Timing
	} else {
		res.Timing.Total = c.now().Sub(start)
	}

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, errors.ErrPoolExhausted) {
			err = errors.Wrap(err, errors.ErrCodeBatchTimeout, "request cut off by batch deadline").
				WithRequestID(req.ID)
		}
		res.Err = err
	} else {
		res.Success = true
	}
	res.Completed = c.now()

	if c.observer != nil {
		c.observer.ObserveRequest(res)
	}
	return res
}

func notAttempted(req *types.Request, now time.Time) *types.RequestResult {
	return &types.RequestResult{
		RequestID: req.ID,
		Err:       errors.ErrNotAttempted,
		Completed: now,
	}
}
