package retry

import (
	"context"
	stderr "errors"
	"testing"
	"time"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestRetryer_Success(t *testing.T) {
	retryer := New(fastConfig(3))

	calls := 0
	attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})

	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	if attempts != 1 || calls != 1 {
		t.Errorf("Expected 1 attempt, got %d (calls %d)", attempts, calls)
	}
}

func TestRetryer_RetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"server error", errors.NewHTTPError(500)},
		{"bad gateway", errors.NewHTTPError(502)},
		{"rate limited", errors.NewHTTPError(429)},
		{"transport", errors.NewTransportError(stderr.New("connection reset by peer"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retryer := New(fastConfig(3))
			attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
				if attempt < 3 {
					return tt.err
				}
				return nil
			})
			if err != nil {
				t.Errorf("Expected success, got %v", err)
			}
			if attempts != 3 {
				t.Errorf("Expected 3 attempts, got %d", attempts)
			}
		})
	}
}

func TestRetryer_NonRetryableError(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		retryer := New(fastConfig(5))

		calls := 0
		attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
			calls++
			return errors.NewHTTPError(status)
		})

		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if attempts != 1 || calls != 1 {
			t.Errorf("status %d: expected a single attempt, got %d", status, attempts)
		}
		if errors.CodeOf(err) != errors.ErrCodeHTTPClient {
			t.Errorf("status %d: expected the original error, got %v", status, err)
		}
	}
}

func TestRetryer_PlainErrorsAreNotRetried(t *testing.T) {
	retryer := New(fastConfig(5))
	attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return stderr.New("boom")
	})
	if err == nil || attempts != 1 {
		t.Errorf("Expected one failed attempt, got %d, %v", attempts, err)
	}
}

func TestRetryer_MaxAttemptsExhausted(t *testing.T) {
	retryer := New(fastConfig(4))

	last := errors.NewHTTPError(503)
	attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 4 {
			return last
		}
		return errors.NewHTTPError(500)
	})

	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
	if err != last {
		t.Errorf("Expected the last error to be returned, got %v", err)
	}
}

func TestRetryer_FailsThreeTimesThenSucceeds(t *testing.T) {
	retryer := New(fastConfig(5))

	attempts, err := retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt <= 3 {
			return errors.NewHTTPError(500)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if attempts != 4 {
		t.Errorf("Expected 4 attempts, got %d", attempts)
	}
}

func TestRetryer_ContextCancellation(t *testing.T) {
	cfg := fastConfig(5)
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Second
	retryer := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	attempts, err := retryer.Do(ctx, func(ctx context.Context, attempt int) error {
		return errors.NewHTTPError(500)
	})

	if time.Since(start) > 500*time.Millisecond {
		t.Error("Cancellation did not interrupt the backoff wait")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", attempts)
	}
	if errors.CodeOf(err) != errors.ErrCodeRequestTimeout {
		t.Errorf("Expected request timeout, got %v", err)
	}
	if !stderr.Is(err, context.DeadlineExceeded) {
		t.Error("Expected the context error as cause")
	}
}

func TestRetryer_ExponentialBackoff(t *testing.T) {
	retryer := New(Config{
		MaxAttempts: 6,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
	}

	for _, tt := range tests {
		if got := retryer.calculateDelay(tt.attempt, errors.NewHTTPError(500)); got != tt.want {
			t.Errorf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryer_RetryAfterHint(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	hinted := errors.NewHTTPError(429).WithRetryAfter(300 * time.Millisecond)
	if got := retryer.calculateDelay(1, hinted); got != 300*time.Millisecond {
		t.Errorf("Expected Retry-After to raise delay, got %v", got)
	}

	capped := errors.NewHTTPError(429).WithRetryAfter(time.Hour)
	if got := retryer.calculateDelay(1, capped); got != time.Second {
		t.Errorf("Expected Retry-After to be capped at MaxDelay, got %v", got)
	}
}

func TestRetryer_JitterBounds(t *testing.T) {
	retryer := New(Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true})

	for i := 0; i < 100; i++ {
		d := retryer.calculateDelay(1, errors.NewHTTPError(500))
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("Jittered delay %v outside ±20%%", d)
		}
	}
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	var seen []int
	retryer := New(fastConfig(3)).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	})

	_, _ = retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.NewHTTPError(500)
	})

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected callbacks for attempts 1 and 2, got %v", seen)
	}
}

func TestRetryer_Stats(t *testing.T) {
	retryer := New(fastConfig(3))

	_, _ = retryer.Do(context.Background(), func(ctx context.Context, attempt int) error { return nil })
	_, _ = retryer.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return errors.NewHTTPError(500)
	})

	stats := retryer.Stats()
	if stats.Operations != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
	if stats.TotalAttempts != 4 || stats.Retried != 1 || stats.MaxAttemptsUsed != 3 {
		t.Errorf("Unexpected attempt accounting %+v", stats)
	}

	retryer.ResetStats()
	if retryer.Stats().Operations != 0 {
		t.Error("ResetStats did not clear counters")
	}
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{})
	cfg := r.Config()
	if cfg.MaxAttempts != 3 || cfg.Multiplier != 2.0 || cfg.MaxDelay != 30*time.Second {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}

func TestFromConfig(t *testing.T) {
	c := config.NewDefault().Retry
	cfg := FromConfig(c)
	if cfg.MaxAttempts != c.MaxAttempts || cfg.BaseDelay != c.BaseDelay || cfg.Multiplier != c.Multiplier {
		t.Errorf("FromConfig mismatch: %+v vs %+v", cfg, c)
	}
}

func TestExecute(t *testing.T) {
	retryer := New(fastConfig(2))
	err := retryer.Execute(context.Background(), func(ctx context.Context) error {
		return errors.NewHTTPError(404)
	})
	if errors.CodeOf(err) != errors.ErrCodeHTTPClient {
		t.Errorf("Expected HTTP client error, got %v", err)
	}
}
