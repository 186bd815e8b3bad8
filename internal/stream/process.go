package stream

import (
	"context"
	"iter"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/objectfs/syncengine/pkg/errors"
)

// ChunkOutcome records how one chunk went
type ChunkOutcome struct {
	Index    int           `json:"index"`
	Start    int           `json:"start"`
	End      int           `json:"end"`
	Results  int           `json:"results"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Report is the result of Process
type Report[R any] struct {
	Results []R
	Chunks  []ChunkOutcome

	// Processed and Failed count input items
	Processed int
	Failed    int

	ChunkSize      int
	PeakLiveChunks int
	PeakPending    int
	Reclaims       int
	Cancelled      bool

	errs []error
}

// Err combines every chunk failure and any cancellation into one error
func (r *Report[R]) Err() error {
	return multierr.Combine(r.errs...)
}

// ChunkResult is one element of the Chunks sequence
type ChunkResult[R any] struct {
	Index   int
	Start   int
	End     int
	Results []R
	Err     error
}

// Process applies fn to items chunk by chunk and accumulates the results. A
// non-positive chunkSize is chosen by OptimalChunkSize. Failed chunks contribute no
// results; cancellation stops before the next chunk.
func Process[T, R any](ctx context.Context, p *Processor, items []T, fn Transform[T, R], chunkSize int) *Report[R] {
	size := p.chunkSize(len(items), chunkSize)
	report := &Report[R]{ChunkSize: size}

	ctx, span := p.tracer.Start(ctx, "stream.process", trace.WithAttributes(
		attribute.Int("stream.items", len(items)),
		attribute.Int("stream.chunk_size", size),
	))
	defer span.End()

	live := 0
	index := 0
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			report.errs = append(report.errs, errors.Wrap(err, errors.ErrCodeBatchTimeout, "stream cancelled"))
			break
		}
		end := min(start+size, len(items))

		window := items[start:end:end]
		live++
		report.PeakLiveChunks = max(report.PeakLiveChunks, live)

		began := time.Now()
		out, err := runChunk(ctx, p, index, start, end, window, fn)
		report.PeakPending = max(report.PeakPending, len(out))

		outcome := ChunkOutcome{Index: index, Start: start, End: end, Results: len(out), Duration: time.Since(began), Err: err}
		if err != nil {
			report.Failed += end - start
			report.errs = append(report.errs, err)
		} else {
			report.Processed += end - start
			report.Results = append(report.Results, out...)
		}
		report.Chunks = append(report.Chunks, outcome)

		live--
		p.emit(ChunkEvent{Phase: PhaseReleased, Index: index, Size: end - start, LiveChunks: live})

		if p.reclaimAfter(index) {
			report.Reclaims++
		}
		index++
	}

	span.SetAttributes(
		attribute.Int("stream.processed", report.Processed),
		attribute.Int("stream.failed", report.Failed),
	)
	p.logger.Debug("Stream processed", map[string]interface{}{
		"items":      len(items),
		"chunks":     len(report.Chunks),
		"chunk_size": size,
		"processed":  report.Processed,
		"failed":     report.Failed,
	})
	return report
}

// Chunks is the lazy form of Process: it yields each chunk's results as soon as the
// chunk finishes and holds nothing once the consumer has taken them. Iteration stops
// when the consumer breaks or ctx is done; a cancellation is yielded as a final
// element carrying the error.
func Chunks[T, R any](ctx context.Context, p *Processor, items []T, fn Transform[T, R], chunkSize int) iter.Seq[ChunkResult[R]] {
	return func(yield func(ChunkResult[R]) bool) {
		size := p.chunkSize(len(items), chunkSize)
		index := 0
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if err := ctx.Err(); err != nil {
				yield(ChunkResult[R]{Index: index, Start: start, End: end,
					Err: errors.Wrap(err, errors.ErrCodeBatchTimeout, "stream cancelled")})
				return
			}

			out, err := runChunk(ctx, p, index, start, end, items[start:end:end], fn)
			p.emit(ChunkEvent{Phase: PhaseReleased, Index: index, Size: end - start})
			p.reclaimAfter(index)

			if !yield(ChunkResult[R]{Index: index, Start: start, End: end, Results: out, Err: err}) {
				return
			}
			index++
		}
	}
}
