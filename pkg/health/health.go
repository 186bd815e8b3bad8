// Package health tracks per-component health so the engine can degrade gracefully:
// a failing L2 store stops being written to, then stops being read, while fetches
// continue without the cache.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/objectfs/syncengine/pkg/errors"
)

// Component names tracked by the engine
const (
	ComponentRemote  = "remote"
	ComponentStorage = "storage"
	ComponentPool    = "pool"
)

// HealthState represents the health state of a component. Higher is worse.
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component works but keeps failing
	StateDegraded

	// StateReadOnly indicates writes fail while reads may still succeed
	StateReadOnly

	// StateUnavailable indicates the component should not be used
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

func (s HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval between checks of unhealthy components
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// StateChangeCallback is called after a component changes state
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// Tracker tracks component health and derives the overall state. It is safe for
// concurrent use.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
	now        func() time.Time
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = defaults.HealthCheckInterval
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		now:        time.Now,
	}
}

// RegisterComponent starts tracking name in the healthy state
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// OnStateChange registers a callback run after every state change
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful operation. Each success cancels one
// consecutive error; the component is healthy again once none are left.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	old := h.State
	h.LastHealthCheck = t.now()
	if h.ConsecutiveErrors > 0 {
		h.ConsecutiveErrors--
		if h.ConsecutiveErrors == 0 && h.State != StateHealthy {
			t.transition(h, StateHealthy)
		}
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	notify(callbacks, component, old, h.State, nil)
}

// RecordError records a failed operation
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	old := h.State
	h.LastHealthCheck = t.now()
	h.ConsecutiveErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	next := h.State
	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		next = StateUnavailable
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			next = max(next, StateReadOnly)
		} else {
			next = max(next, StateDegraded)
		}
	}
	if next != old {
		t.transition(h, next)
	}
	newState := h.State
	callbacks := t.callbacks
	t.mu.Unlock()

	notify(callbacks, component, old, newState, err)
}

// GetState returns the state of a component; unknown components are unavailable
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of one component's health
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, errors.Newf(errors.ErrCodeInvalidRequest, "component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns copies of every component's health
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, h := range t.components {
		result[name] = *h
	}
	return result
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		overall = max(overall, h.State)
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// CanRead returns true unless the component is unavailable
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) < StateUnavailable
}

// CanWrite returns true if the component accepts writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// CheckFunc checks one component
type CheckFunc func(ctx context.Context) error

// RunHealthChecks checks every unhealthy component that has a check, once per
// HealthCheckInterval, until ctx is done. A component that is no longer used while
// unavailable can only recover through its check.
func (t *Tracker) RunHealthChecks(ctx context.Context, checks map[string]CheckFunc) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.performHealthChecks(ctx, checks)
		}
	}
}

func (t *Tracker) performHealthChecks(ctx context.Context, checks map[string]CheckFunc) {
	for name, check := range checks {
		if t.IsHealthy(name) {
			continue
		}
		if err := check(ctx); err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}

// transition must be called with t.mu held
func (t *Tracker) transition(h *ComponentHealth, state HealthState) {
	h.State = state
	h.LastStateChange = t.now()
	if state == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

func notify(callbacks []StateChangeCallback, component string, old, next HealthState, err error) {
	if old == next {
		return
	}
	for _, cb := range callbacks {
		cb(component, old, next, err)
	}
}

// isWriteError reports whether err is a write failure that leaves reads usable
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeStoreWrite, errors.ErrCodeStoreDelete:
		return true
	}
	return false
}
