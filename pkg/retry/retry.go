// Package retry provides bounded exponential-backoff retry for single engine operations
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps every delay, including server-requested ones
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each backoff wait
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// FromConfig converts the configuration section into a retry Config
func FromConfig(c config.RetryConfig) Config {
	return Config{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Multiplier:  c.Multiplier,
		Jitter:      c.Jitter,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
	stats  *StatsCollector
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	// Apply defaults for zero values
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay < 0 {
		config.BaseDelay = 0
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config, stats: NewStatsCollector()}
}

// Config returns the retryer's effective configuration
func (r *Retryer) Config() Config {
	return r.config
}

// Stats returns the statistics accumulated by this retryer
func (r *Retryer) Stats() Stats {
	return r.stats.GetStats()
}

// ResetStats clears the accumulated statistics
func (r *Retryer) ResetStats() {
	r.stats.Reset()
}

// Do runs fn until it succeeds, fails with a non-retryable error, or MaxAttempts is
// reached. attempt starts at 1. It returns the number of attempts made and the last
// error. Retryability is read from the error's EngineError metadata: transport
// errors, 5xx and 429 retry; other 4xx return immediately.
func (r *Retryer) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	var (
		lastErr    error
		totalDelay time.Duration
	)

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = canceled(err)
			}
			r.stats.RecordAttempt(attempt-1, false, totalDelay)
			return attempt - 1, lastErr
		}

		err := fn(ctx, attempt)
		if err == nil {
			r.stats.RecordAttempt(attempt, true, totalDelay)
			return attempt, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt == r.config.MaxAttempts {
			r.stats.RecordAttempt(attempt, false, totalDelay)
			return attempt, err
		}

		delay := r.calculateDelay(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.stats.RecordAttempt(attempt, false, totalDelay)
			return attempt, canceled(ctx.Err()).WithDetail("last_error", err.Error())
		case <-timer.C:
		}
		totalDelay += delay
	}

	r.stats.RecordAttempt(r.config.MaxAttempts, false, totalDelay)
	return r.config.MaxAttempts, lastErr
}

// Execute runs fn with retry and returns only the final error
func (r *Retryer) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := r.Do(ctx, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
	return err
}

func canceled(cause error) *errors.EngineError {
	err := errors.NewError(errors.ErrCodeRequestTimeout, "retry interrupted by cancellation").WithCause(cause)
	err.Retryable = false
	return err
}

// calculateDelay returns the wait after the given 1-based attempt:
// BaseDelay * Multiplier^(attempt-1), raised to any Retry-After hint and capped at MaxDelay.
func (r *Retryer) calculateDelay(attempt int, err error) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	if hint := errors.RetryAfterOf(err); float64(hint) > delay {
		delay = float64(hint)
	}

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithBaseDelay returns a new Retryer with modified base delay
func (r *Retryer) WithBaseDelay(delay time.Duration) *Retryer {
	newConfig := r.config
	newConfig.BaseDelay = delay
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// Stats tracks retry statistics
type Stats struct {
	Operations      int           `json:"operations"`
	TotalAttempts   int           `json:"total_attempts"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	Retried         int           `json:"retried"`
	AverageAttempts float64       `json:"average_attempts"`
	TotalDelay      time.Duration `json:"total_delay"`
	MaxAttemptsUsed int           `json:"max_attempts_used"`
}

// StatsCollector collects retry statistics. It is safe for concurrent use.
type StatsCollector struct {
	mu    sync.Mutex
	stats Stats
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// RecordAttempt records one finished operation
func (sc *StatsCollector) RecordAttempt(attempts int, success bool, delay time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.Operations++
	sc.stats.TotalAttempts += attempts
	if success {
		sc.stats.Succeeded++
	} else {
		sc.stats.Failed++
	}
	if attempts > 1 {
		sc.stats.Retried++
	}

	sc.stats.TotalDelay += delay
	if attempts > sc.stats.MaxAttemptsUsed {
		sc.stats.MaxAttemptsUsed = attempts
	}
	sc.stats.AverageAttempts = float64(sc.stats.TotalAttempts) / float64(sc.stats.Operations)
}

// GetStats returns current statistics
func (sc *StatsCollector) GetStats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stats
}

// Reset resets statistics
func (sc *StatsCollector) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats = Stats{}
}
