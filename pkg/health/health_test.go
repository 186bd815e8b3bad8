package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/syncengine/pkg/errors"
)

func TestTracker_RegisterComponent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentStorage)

	if state := tracker.GetState(ComponentStorage); state != StateHealthy {
		t.Errorf("Expected initial state to be StateHealthy, got %s", state)
	}
	if state := tracker.GetState("unknown"); state != StateUnavailable {
		t.Errorf("Expected unknown components to be unavailable, got %s", state)
	}
}

func TestTracker_RecordSuccess(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentRemote)

	tracker.RecordError(ComponentRemote, fmt.Errorf("test error"))
	tracker.RecordError(ComponentRemote, fmt.Errorf("test error"))
	tracker.RecordSuccess(ComponentRemote)
	tracker.RecordSuccess(ComponentRemote)

	h, err := tracker.GetComponentHealth(ComponentRemote)
	if err != nil {
		t.Fatalf("Failed to get component health: %v", err)
	}
	if h.ConsecutiveErrors != 0 {
		t.Errorf("Expected ConsecutiveErrors=0 after successes, got %d", h.ConsecutiveErrors)
	}
}

func TestTracker_Degradation(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 3, UnavailableThreshold: 5})
	tracker.RegisterComponent(ComponentRemote)

	for i := 0; i < 2; i++ {
		tracker.RecordError(ComponentRemote, fmt.Errorf("error %d", i))
	}
	if state := tracker.GetState(ComponentRemote); state != StateHealthy {
		t.Errorf("Expected StateHealthy before threshold, got %s", state)
	}

	tracker.RecordError(ComponentRemote, fmt.Errorf("error 3"))
	if state := tracker.GetState(ComponentRemote); state != StateDegraded {
		t.Errorf("Expected StateDegraded after threshold, got %s", state)
	}
	if !tracker.CanWrite(ComponentRemote) || !tracker.CanRead(ComponentRemote) {
		t.Error("A degraded component should still be usable")
	}

	tracker.RecordError(ComponentRemote, fmt.Errorf("error 4"))
	tracker.RecordError(ComponentRemote, fmt.Errorf("error 5"))
	if state := tracker.GetState(ComponentRemote); state != StateUnavailable {
		t.Errorf("Expected StateUnavailable, got %s", state)
	}
	if tracker.CanRead(ComponentRemote) {
		t.Error("An unavailable component cannot be read")
	}
}

func TestTracker_WriteErrorsMakeReadOnly(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 10})
	tracker.RegisterComponent(ComponentStorage)

	writeErr := errors.NewError(errors.ErrCodeStoreWrite, "disk full")
	tracker.RecordError(ComponentStorage, writeErr)
	tracker.RecordError(ComponentStorage, writeErr)

	if state := tracker.GetState(ComponentStorage); state != StateReadOnly {
		t.Fatalf("Expected StateReadOnly, got %s", state)
	}
	if tracker.CanWrite(ComponentStorage) {
		t.Error("Read-only component accepted writes")
	}
	if !tracker.CanRead(ComponentStorage) {
		t.Error("Read-only component refused reads")
	}

	// A later read error does not improve the state
	tracker.RecordError(ComponentStorage, errors.NewError(errors.ErrCodeStoreRead, "io"))
	if state := tracker.GetState(ComponentStorage); state != StateReadOnly {
		t.Errorf("Expected StateReadOnly to persist, got %s", state)
	}
}

func TestTracker_Recovery(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 4})
	tracker.RegisterComponent(ComponentPool)

	for i := 0; i < 4; i++ {
		tracker.RecordError(ComponentPool, errors.ErrPoolExhausted)
	}
	for i := 0; i < 4; i++ {
		tracker.RecordSuccess(ComponentPool)
	}

	h, _ := tracker.GetComponentHealth(ComponentPool)
	if h.State != StateHealthy || h.LastErrorMessage != "" {
		t.Errorf("Expected full recovery, got %+v", h)
	}
}

func TestTracker_OverallHealth(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2})
	if tracker.GetOverallHealth() != StateHealthy {
		t.Error("Empty tracker should be healthy")
	}

	tracker.RegisterComponent(ComponentRemote)
	tracker.RegisterComponent(ComponentStorage)
	tracker.RecordError(ComponentStorage, fmt.Errorf("slow"))

	if got := tracker.GetOverallHealth(); got != StateDegraded {
		t.Errorf("Expected overall StateDegraded, got %s", got)
	}
	if n := len(tracker.GetAllComponents()); n != 2 {
		t.Errorf("Expected 2 components, got %d", n)
	}
}

func TestTracker_StateChangeCallback(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 3})
	tracker.RegisterComponent(ComponentRemote)

	var transitions []string
	tracker.OnStateChange(func(component string, oldState, newState HealthState, err error) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, oldState, newState))
	})

	tracker.RecordError(ComponentRemote, fmt.Errorf("a"))
	tracker.RecordError(ComponentRemote, fmt.Errorf("b"))
	tracker.RecordSuccess(ComponentRemote)
	tracker.RecordSuccess(ComponentRemote)

	want := []string{"remote:healthy->degraded", "remote:degraded->healthy"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestTracker_Concurrent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())
	tracker.RegisterComponent(ComponentRemote)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if (i+j)%2 == 0 {
					tracker.RecordError(ComponentRemote, fmt.Errorf("e"))
				} else {
					tracker.RecordSuccess(ComponentRemote)
				}
				_ = tracker.GetOverallHealth()
			}
		}(i)
	}
	wg.Wait()
}

func TestHealthState_JSON(t *testing.T) {
	data, err := json.Marshal(ComponentHealth{Name: "storage", State: StateReadOnly})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["state"] != "read-only" {
		t.Errorf("state encoded as %v", decoded["state"])
	}
}

func TestTracker_RunHealthChecks(t *testing.T) {
	tracker := NewTracker(TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2, HealthCheckInterval: 5 * time.Millisecond})
	tracker.RegisterComponent(ComponentStorage)
	tracker.RegisterComponent(ComponentRemote)

	tracker.RecordError(ComponentStorage, fmt.Errorf("down"))
	tracker.RecordError(ComponentStorage, fmt.Errorf("down"))

	var checks atomic.Int64
	var remoteChecks atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		tracker.RunHealthChecks(ctx, map[string]CheckFunc{
			ComponentStorage: func(context.Context) error {
				checks.Add(1)
				return nil
			},
			ComponentRemote: func(context.Context) error {
				remoteChecks.Add(1)
				return nil
			},
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !tracker.IsHealthy(ComponentStorage) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !tracker.IsHealthy(ComponentStorage) {
		t.Fatalf("storage did not recover, state %s", tracker.GetState(ComponentStorage))
	}
	if checks.Load() < 2 {
		t.Errorf("Expected at least 2 checks, got %d", checks.Load())
	}
	if remoteChecks.Load() != 0 {
		t.Errorf("Healthy components should not be checked, got %d checks", remoteChecks.Load())
	}
}
