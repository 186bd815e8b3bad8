// Package stream processes large collections in bounded-memory chunks.
//
// Chunks run one after another. Only the current chunk's input window is referenced
// by the processor at any time, and every GCEveryChunks chunks the metrics provider
// is asked to reclaim memory. A chunk whose transform fails or panics is recorded
// and skipped; the remaining chunks still run.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/types"
	"github.com/objectfs/syncengine/pkg/utils"
)

// Transform converts one chunk of inputs into outputs
type Transform[T, R any] func(ctx context.Context, chunk []T) ([]R, error)

// Phase identifies where in a chunk's lifecycle a ChunkEvent fired
type Phase int

const (
	PhaseStart Phase = iota
	PhaseDone
	PhaseReleased
)

func (p Phase) String() string {
	switch p {
	case PhaseStart:
		return "start"
	case PhaseDone:
		return "done"
	case PhaseReleased:
		return "released"
	default:
		return "unknown"
	}
}

// ChunkEvent reports processor state at a chunk boundary
type ChunkEvent struct {
	Phase Phase
	Index int
	Size  int

	// LiveChunks is the number of input windows currently held
	LiveChunks int

	// PendingResults is the number of results produced by the current chunk that
	// have not yet been handed on
	PendingResults int

	Err error
}

// Hook observes chunk events. It runs synchronously on the processing goroutine.
type Hook func(ChunkEvent)

// Observer receives per-chunk measurements, for example a metrics collector
type Observer interface {
	ObserveChunk(size int, duration time.Duration, err error)
}

// Processor holds chunk sizing policy and the collaborators shared by Process and Chunks
type Processor struct {
	config   config.StreamConfig
	metrics  types.MetricsProvider
	logger   types.Logger
	hook     Hook
	observer Observer
	tracer   trace.Tracer
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the processor logger
func WithLogger(logger types.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithHook installs a chunk event hook
func WithHook(hook Hook) Option {
	return func(p *Processor) { p.hook = hook }
}

// WithObserver installs a chunk observer
func WithObserver(o Observer) Option {
	return func(p *Processor) { p.observer = o }
}

// WithTracer overrides the tracer used for stream spans
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// New validates cfg and creates a Processor
func New(cfg config.StreamConfig, metrics types.MetricsProvider, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid stream configuration").WithCause(err)
	}
	if metrics == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "stream processor requires a metrics provider")
	}

	p := &Processor{
		config:  cfg,
		metrics: metrics,
		logger:  utils.NopLogger(),
		tracer:  otel.Tracer("github.com/objectfs/syncengine/internal/stream"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Config returns the processor's configuration
func (p *Processor) Config() config.StreamConfig {
	return p.config
}

// OptimalChunkSize scales suggested (DefaultChunk when <= 0) by memory pressure and
// collection size, then clamps it to [MinChunk, MaxChunk].
func (p *Processor) OptimalChunkSize(total, suggested int) int {
	c := p.config
	if suggested <= 0 {
		suggested = c.DefaultChunk
	}
	size := float64(suggested)

	// An unknown memory limit leaves the size unscaled
	if p.metrics.MemoryLimit() > 0 {
		usage := types.MemoryUsageRatio(p.metrics)
		switch {
		case usage > c.MemoryHighWater:
			size *= c.HighMemoryScale
		case usage < c.MemoryLowWater:
			size *= c.LowMemoryScale
		}
	}

	switch {
	case total > c.LargeCollection:
		size *= c.LargeScale
	case total < c.SmallCollection:
		size *= c.SmallScale
	}

	return max(c.MinChunk, min(c.MaxChunk, int(size)))
}

// TransformError describes a chunk that failed and was skipped
type TransformError struct {
	ChunkIndex int
	Start      int
	End        int
	Cause      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("chunk %d [%d:%d]: %v", e.ChunkIndex, e.Start, e.End, e.Cause)
}

func (e *TransformError) Unwrap() error {
	return e.Cause
}

// chunkSize resolves the requested size for a collection
func (p *Processor) chunkSize(total, requested int) int {
	if requested > 0 {
		return requested
	}
	return p.OptimalChunkSize(total, 0)
}

func (p *Processor) emit(ev ChunkEvent) {
	if p.hook != nil {
		p.hook(ev)
	}
}

// runChunk applies fn to one window, turning a panic into an error
func runChunk[T, R any](ctx context.Context, p *Processor, index, start, end int, window []T, fn Transform[T, R]) ([]R, error) {
	ctx, span := p.tracer.Start(ctx, "stream.chunk", trace.WithAttributes(
		attribute.Int("chunk.index", index),
		attribute.Int("chunk.size", len(window)),
	))
	defer span.End()

	began := time.Now()
	p.emit(ChunkEvent{Phase: PhaseStart, Index: index, Size: len(window), LiveChunks: 1})

	var (
		out []R
		err error
		pc  panics.Catcher
	)
	pc.Try(func() { out, err = fn(ctx, window) })
	if r := pc.Recovered(); r != nil {
		out = nil
		err = errors.Newf(errors.ErrCodeTransformPanic, "transform panicked: %v", r.Value).WithCause(r.AsError())
	} else if err != nil {
		out = nil
		err = errors.Wrap(err, errors.ErrCodeTransformFailed, "transform failed")
	}

	if err != nil {
		err = &TransformError{ChunkIndex: index, Start: start, End: end, Cause: err}
		span.RecordError(err)
		p.logger.Warn("Skipping failed chunk", map[string]interface{}{
			"chunk": index,
			"start": start,
			"end":   end,
			"error": err.Error(),
		})
	}
	if p.observer != nil {
		p.observer.ObserveChunk(len(window), time.Since(began), err)
	}
	p.emit(ChunkEvent{Phase: PhaseDone, Index: index, Size: len(window), LiveChunks: 1, PendingResults: len(out), Err: err})
	return out, err
}

// reclaimAfter runs the periodic memory reclamation after a chunk and reports whether it ran
func (p *Processor) reclaimAfter(index int) bool {
	if n := p.config.GCEveryChunks; n > 0 && (index+1)%n == 0 {
		p.metrics.Reclaim()
		return true
	}
	return false
}
