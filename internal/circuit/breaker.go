// Package circuit provides per-host circuit breakers for remote calls
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed passes calls through
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses
	StateOpen
	// StateHalfOpen admits a limited number of trial calls
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures that trip a closed breaker
	FailureThreshold uint32

	// Time spent open before probing
	OpenTimeout time.Duration

	// Trial calls admitted while half-open
	HalfOpenRequests uint32

	// Called on every transition
	OnStateChange func(name string, from State, to State)

	// Decides whether an error counts against the remote. Defaults to IsRemoteFailure.
	IsFailure func(err error) bool
}

// FromConfig converts the configuration section into a breaker Config
func FromConfig(c config.CircuitBreakerConfig) Config {
	return Config{
		FailureThreshold: uint32(c.FailureThreshold),
		OpenTimeout:      c.OpenTimeout,
		HalfOpenRequests: uint32(c.HalfOpenRequests),
	}
}

// IsRemoteFailure counts only retryable errors: transport failures, timeouts, 5xx and 429.
// A 4xx means the remote answered and stays healthy.
func IsRemoteFailure(err error) bool {
	return err != nil && errors.IsRetryable(err)
}

// Counts holds the numbers of calls and their outcomes since the last transition
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// CircuitBreaker guards calls to one remote
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	rejected uint64
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = IsRemoteFailure
	}

	return &CircuitBreaker{name: name, config: config, now: time.Now}
}

// Execute runs fn unless the breaker rejects the call. Rejections return a
// CIRCUIT_OPEN error without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		cb.rejected++
		return cb.rejection()
	case StateHalfOpen:
		if cb.counts.Requests >= cb.config.HalfOpenRequests {
			cb.rejected++
			return cb.rejection()
		}
	}

	cb.counts.Requests++
	cb.counts.LastActivity = cb.now()
	return nil
}

func (cb *CircuitBreaker) rejection() error {
	return errors.Wrap(errors.ErrCircuitOpen, errors.ErrCodeCircuitOpen, "remote "+cb.name+" is failing").
		WithComponent("circuit").WithDetail("host", cb.name)
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.currentState(now)

	if !cb.config.IsFailure(err) {
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed, now)
		}
		return
	}

	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.config.OpenTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	prev := cb.state
	if prev == state {
		return
	}

	cb.state = state
	cb.counts = Counts{}
	if state == StateOpen {
		cb.openedAt = now
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.now())
}

// GetCounts returns a copy of the current counts
func (cb *CircuitBreaker) GetCounts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Reset closes the breaker and clears its counts
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed, cb.now())
	cb.counts = Counts{}
}

// Name returns the remote the breaker guards
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Breakers lazily creates one breaker per host
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewBreakers creates an empty breaker set sharing config
func NewBreakers(config Config) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// For returns the breaker for host, creating it on first use
func (m *Breakers) For(host string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, exists := m.breakers[host]; exists {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists := m.breakers[host]; exists {
		return breaker
	}
	breaker := NewCircuitBreaker(host, m.config)
	m.breakers[host] = breaker
	return breaker
}

// ResetAll closes every breaker
func (m *Breakers) ResetAll() {
	for _, breaker := range m.snapshot() {
		breaker.Reset()
	}
}

// Stats represents the state of one breaker
type Stats struct {
	Host     string `json:"host"`
	State    string `json:"state"`
	Counts   Counts `json:"counts"`
	Rejected uint64 `json:"rejected"`
}

// GetStats returns statistics for every host seen so far
func (m *Breakers) GetStats() map[string]Stats {
	stats := make(map[string]Stats)
	for host, breaker := range m.snapshot() {
		breaker.mu.Lock()
		stats[host] = Stats{
			Host:     host,
			State:    breaker.currentState(breaker.now()).String(),
			Counts:   breaker.counts,
			Rejected: breaker.rejected,
		}
		breaker.mu.Unlock()
	}
	return stats
}

// OpenHosts lists hosts whose breakers are currently open
func (m *Breakers) OpenHosts() []string {
	var open []string
	for host, breaker := range m.snapshot() {
		if breaker.GetState() == StateOpen {
			open = append(open, host)
		}
	}
	return open
}

func (m *Breakers) snapshot() map[string]*CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		result[name] = breaker
	}
	return result
}
