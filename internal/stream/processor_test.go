package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/memmon"
)

func newProcessor(t *testing.T, usageRatio float64, opts ...Option) (*Processor, *memmon.Fixed) {
	t.Helper()
	metrics := memmon.NewFixed(0, 1000, 1.0)
	metrics.SetUsageRatio(usageRatio)
	p, err := New(config.NewDefault().Stream, metrics, opts...)
	require.NoError(t, err)
	return p, metrics
}

func seq(n int) []int {
	items := make([]int, n)
	for i := range items {
		items[i] = i
	}
	return items
}

func double(_ context.Context, chunk []int) ([]int, error) {
	out := make([]int, len(chunk))
	for i, v := range chunk {
		out[i] = v * 2
	}
	return out, nil
}

func TestNew_Validation(t *testing.T) {
	cfg := config.NewDefault().Stream
	cfg.MinChunk = 0
	_, err := New(cfg, memmon.NewFixed(0, 0, 0))
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	_, err = New(config.NewDefault().Stream, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestOptimalChunkSize(t *testing.T) {
	tests := []struct {
		name      string
		usage     float64
		total     int
		suggested int
		want      int
	}{
		{"neutral", 0.5, 1000, 100, 100},
		{"high memory halves", 0.8, 1000, 100, 50},
		{"low memory grows", 0.2, 1000, 100, 150},
		{"large collection shrinks", 0.5, 20000, 100, 80},
		{"small collection doubles", 0.5, 50, 100, 200},
		{"factors combine", 0.8, 20000, 100, 40},
		{"clamped to max", 0.2, 50, 300, 500},
		{"clamped to min", 0.8, 20000, 20, 10},
		{"default suggestion", 0.5, 1000, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newProcessor(t, tt.usage)
			assert.Equal(t, tt.want, p.OptimalChunkSize(tt.total, tt.suggested))
		})
	}

	t.Run("unknown limit is neutral", func(t *testing.T) {
		p, err := New(config.NewDefault().Stream, memmon.NewFixed(500, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, 100, p.OptimalChunkSize(1000, 100))
	})
}

func TestProcess_BoundedMemory(t *testing.T) {
	const chunkSize = 7
	var (
		peakLive    int
		maxSize     int
		maxPending  int
		transformed int
	)
	hook := func(ev ChunkEvent) {
		peakLive = max(peakLive, ev.LiveChunks)
		maxSize = max(maxSize, ev.Size)
		maxPending = max(maxPending, ev.PendingResults)
	}
	p, _ := newProcessor(t, 0.5, WithHook(hook))

	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		transformed++
		if len(chunk) > chunkSize {
			return nil, fmt.Errorf("chunk of %d items", len(chunk))
		}
		return double(ctx, chunk)
	}

	report := Process(context.Background(), p, seq(1000), fn, chunkSize)
	require.NoError(t, report.Err())

	assert.LessOrEqual(t, peakLive, 1)
	assert.Equal(t, 1, report.PeakLiveChunks)
	assert.LessOrEqual(t, maxSize, chunkSize)
	assert.LessOrEqual(t, maxPending, chunkSize)
	assert.LessOrEqual(t, report.PeakPending, chunkSize)
	assert.Equal(t, 143, transformed)
	assert.Len(t, report.Chunks, 143)

	require.Len(t, report.Results, 1000)
	for i, v := range report.Results {
		if v != i*2 {
			t.Fatalf("result %d = %d, want %d", i, v, i*2)
		}
	}
	assert.Equal(t, 1000, report.Processed)
}

func TestProcess_TransformCannotAppendIntoNextChunk(t *testing.T) {
	p, _ := newProcessor(t, 0.5)
	items := seq(20)

	fn := func(_ context.Context, chunk []int) ([]int, error) {
		_ = append(chunk, -1)
		return chunk, nil
	}
	report := Process(context.Background(), p, items, fn, 10)
	require.NoError(t, report.Err())
	assert.Equal(t, 10, items[10], "append must not overwrite the next chunk")
}

func TestProcess_FailedChunksAreSkipped(t *testing.T) {
	p, _ := newProcessor(t, 0.5)

	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		switch chunk[0] {
		case 20:
			return nil, stderrors.New("bad record")
		case 40:
			panic("nil field")
		}
		return double(ctx, chunk)
	}

	report := Process(context.Background(), p, seq(60), fn, 10)

	assert.Len(t, report.Results, 40)
	assert.Equal(t, 40, report.Processed)
	assert.Equal(t, 20, report.Failed)
	assert.Len(t, report.Chunks, 6)

	err := report.Err()
	require.Error(t, err)

	var te *TransformError
	require.True(t, stderrors.As(err, &te))
	assert.Equal(t, 2, te.ChunkIndex)
	assert.Equal(t, 20, te.Start)
	assert.Equal(t, 30, te.End)
	assert.Equal(t, errors.ErrCodeTransformFailed, errors.CodeOf(te))

	require.Error(t, report.Chunks[4].Err)
	assert.Equal(t, errors.ErrCodeTransformPanic, errors.CodeOf(report.Chunks[4].Err))
	assert.Contains(t, report.Chunks[4].Err.Error(), "nil field")
}

func TestProcess_ReclaimsPeriodically(t *testing.T) {
	p, metrics := newProcessor(t, 0.5)

	report := Process(context.Background(), p, seq(100), double, 5)
	require.NoError(t, report.Err())
	assert.Equal(t, 2, metrics.Reclaims())
	assert.Equal(t, 2, report.Reclaims)
}

func TestProcess_Cancellation(t *testing.T) {
	p, _ := newProcessor(t, 0.5)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return double(ctx, chunk)
	}

	report := Process(ctx, p, seq(100), fn, 10)
	assert.Equal(t, 2, calls)
	assert.True(t, report.Cancelled)
	assert.Len(t, report.Results, 20)
	assert.True(t, stderrors.Is(report.Err(), context.Canceled))
}

func TestProcess_DefaultChunkSize(t *testing.T) {
	p, _ := newProcessor(t, 0.5)
	report := Process(context.Background(), p, seq(1000), double, 0)
	assert.Equal(t, 100, report.ChunkSize)
	assert.Len(t, report.Chunks, 10)
}

func TestProcess_Empty(t *testing.T) {
	p, _ := newProcessor(t, 0.5)
	report := Process(context.Background(), p, nil, double, 10)
	assert.NoError(t, report.Err())
	assert.Empty(t, report.Results)
	assert.Empty(t, report.Chunks)
}

type recordingObserver struct {
	mu     sync.Mutex
	sizes  []int
	failed int
}

func (o *recordingObserver) ObserveChunk(size int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizes = append(o.sizes, size)
	if err != nil {
		o.failed++
	}
}

func TestProcess_Observer(t *testing.T) {
	obs := &recordingObserver{}
	p, _ := newProcessor(t, 0.5, WithObserver(obs))

	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		if chunk[0] == 0 {
			return nil, stderrors.New("first chunk fails")
		}
		return double(ctx, chunk)
	}
	Process(context.Background(), p, seq(25), fn, 10)

	assert.Equal(t, []int{10, 10, 5}, obs.sizes)
	assert.Equal(t, 1, obs.failed)
}

func TestChunks_Lazy(t *testing.T) {
	p, _ := newProcessor(t, 0.5)

	calls := 0
	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		calls++
		return double(ctx, chunk)
	}

	var got []int
	for chunk := range Chunks(context.Background(), p, seq(100), fn, 10) {
		require.NoError(t, chunk.Err)
		got = append(got, chunk.Results...)
		if chunk.Index == 1 {
			break
		}
	}
	assert.Equal(t, 2, calls, "no chunk runs after the consumer stops")
	assert.Len(t, got, 20)
}

func TestChunks_ErrorsAndCancellation(t *testing.T) {
	p, _ := newProcessor(t, 0.5)
	ctx, cancel := context.WithCancel(context.Background())

	fn := func(ctx context.Context, chunk []int) ([]int, error) {
		if chunk[0] == 10 {
			cancel()
			return nil, stderrors.New("upstream gone")
		}
		return double(ctx, chunk)
	}

	var results []ChunkResult[int]
	for chunk := range Chunks(ctx, p, seq(50), fn, 10) {
		results = append(results, chunk)
	}

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	var te *TransformError
	assert.True(t, stderrors.As(results[1].Err, &te))
	assert.True(t, stderrors.Is(results[2].Err, context.Canceled))
	assert.Equal(t, 20, results[2].Start)
}
