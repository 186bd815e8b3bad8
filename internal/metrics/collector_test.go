package metrics

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/objectfs/syncengine/internal/batch"
	"github.com/objectfs/syncengine/internal/config"
	"github.com/objectfs/syncengine/pkg/errors"
	"github.com/objectfs/syncengine/pkg/health"
	"github.com/objectfs/syncengine/pkg/types"
)

func newCollector(t *testing.T, opts ...Option) *Collector {
	t.Helper()
	c, err := NewCollector(config.MetricsConfig{Namespace: "test"}, opts...)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("default namespace", func(t *testing.T) {
		c, err := NewCollector(config.MetricsConfig{})
		if err != nil {
			t.Fatalf("NewCollector() error = %v", err)
		}
		if c.config.Namespace != "syncengine" {
			t.Errorf("namespace = %q, want syncengine", c.config.Namespace)
		}
		if c.Registry() == nil {
			t.Error("registry is nil")
		}
	})

	t.Run("shared registry", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		c := newCollector(t, WithRegistry(reg))
		if c.Registry() != reg {
			t.Error("collector did not use the supplied registry")
		}
		if _, err := NewCollector(config.MetricsConfig{Namespace: "test"}, WithRegistry(reg)); err == nil {
			t.Error("registering the same metrics twice should fail")
		} else if errors.CodeOf(err) != errors.ErrCodeInvalidConfig {
			t.Errorf("code = %v, want INVALID_CONFIG", errors.CodeOf(err))
		}
	})
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		res  *types.RequestResult
		want string
	}{
		{"success", &types.RequestResult{Attempted: true, Success: true}, OutcomeSuccess},
		{"cached", &types.RequestResult{Success: true, FromCache: true}, OutcomeCached},
		{"not attempted", &types.RequestResult{Err: errors.ErrNotAttempted}, OutcomeNotAttempted},
		{"http", &types.RequestResult{Attempted: true, Err: errors.NewHTTPError(503)}, OutcomeHTTPError},
		{"transport", &types.RequestResult{Attempted: true, Err: errors.NewTransportError(stderrors.New("connection reset"))}, OutcomeTransport},
		{"timeout", &types.RequestResult{Attempted: true, Err: errors.NewError(errors.ErrCodeBatchTimeout, "cut off")}, OutcomeTimeout},
		{"circuit", &types.RequestResult{Attempted: true, Err: errors.ErrCircuitOpen}, OutcomeCircuitOpen},
		{"plain", &types.RequestResult{Attempted: true, Err: stderrors.New("boom")}, OutcomeOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.res); got != tt.want {
				t.Errorf("classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObserveRequest(t *testing.T) {
	t.Parallel()
	c := newCollector(t)

	c.ObserveRequest(&types.RequestResult{Attempted: true, Success: true, Attempts: 3, Timing: types.Timing{Total: 20 * time.Millisecond}})
	c.ObserveRequest(&types.RequestResult{Attempted: true, Success: true, Attempts: 1})
	c.ObserveRequest(&types.RequestResult{Attempted: true, Attempts: 2, Err: errors.NewHTTPError(500)})

	if got := testutil.ToFloat64(c.requestCounter.WithLabelValues(OutcomeSuccess)); got != 2 {
		t.Errorf("success count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.requestCounter.WithLabelValues(OutcomeHTTPError)); got != 1 {
		t.Errorf("http_error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.retryCounter); got != 3 {
		t.Errorf("retries = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestObserveBatch(t *testing.T) {
	t.Parallel()
	c := newCollector(t)

	c.ObserveBatch(batch.Summary{
		Total:        10,
		Succeeded:    6,
		Failed:       2,
		TimedOut:     1,
		NotAttempted: 1,
		Concurrency:  []int{4, 8},
		Duration:     time.Second,
	})

	if got := testutil.ToFloat64(c.concurrencyGauge); got != 8 {
		t.Errorf("concurrency = %v, want last sub-batch size 8", got)
	}
	if got := testutil.ToFloat64(c.batchCounter.WithLabelValues(OutcomeNotAttempted)); got != 1 {
		t.Errorf("not_attempted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.batchCounter.WithLabelValues(OutcomeSuccess)); got != 6 {
		t.Errorf("success = %v, want 6", got)
	}
}

func TestObserveChunk(t *testing.T) {
	t.Parallel()
	c := newCollector(t)

	c.ObserveChunk(10, time.Millisecond, nil)
	c.ObserveChunk(10, time.Millisecond, errors.NewError(errors.ErrCodeTransformFailed, "bad"))
	c.ObserveChunk(5, time.Millisecond, errors.NewError(errors.ErrCodeTransformPanic, "panic"))

	for status, want := range map[string]float64{"ok": 1, "failed": 1, "panicked": 1} {
		if got := testutil.ToFloat64(c.chunkCounter.WithLabelValues(status)); got != want {
			t.Errorf("%s chunks = %v, want %v", status, got, want)
		}
	}
	if got := testutil.ToFloat64(c.chunkItems); got != 25 {
		t.Errorf("items = %v, want 25", got)
	}
}

func TestUpdatePoolAndCache(t *testing.T) {
	t.Parallel()
	c := newCollector(t)

	c.UpdatePool(types.PoolStats{Created: 5, Reused: 12, Live: 3, Idle: 2, Loaned: 1, MaxSize: 8})
	if got := testutil.ToFloat64(c.poolConnections.WithLabelValues("idle")); got != 2 {
		t.Errorf("idle = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.poolEvents.WithLabelValues("reused")); got != 12 {
		t.Errorf("reused = %v, want 12", got)
	}

	c.UpdateCache(types.CacheStats{L1Hits: 7, L2Misses: 3, L1Entries: 40, L1Capacity: 100, Utilization: 40, HitRate: 0.7})
	if got := testutil.ToFloat64(c.cacheLookups.WithLabelValues("l1", "hit")); got != 7 {
		t.Errorf("l1 hits = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.cacheUtil); got != 40 {
		t.Errorf("utilization = %v, want 40", got)
	}
	if got := testutil.ToFloat64(c.cacheHitRate); got != 0.7 {
		t.Errorf("hit rate = %v, want 0.7", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	c := newCollector(t, WithStatsSource(func() interface{} {
		return map[string]int{"batches": 3}
	}))
	c.ObserveRequest(&types.RequestResult{Attempted: true, Success: true, Attempts: 1})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	t.Run("metrics", func(t *testing.T) {
		body := get(t, srv.URL+"/metrics", http.StatusOK)
		if !strings.Contains(body, `test_requests_total{outcome="success"} 1`) {
			t.Errorf("metrics output missing request counter:\n%s", body)
		}
	})

	t.Run("stats", func(t *testing.T) {
		var stats map[string]int
		if err := json.Unmarshal([]byte(get(t, srv.URL+"/stats", http.StatusOK)), &stats); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if stats["batches"] != 3 {
			t.Errorf("stats = %v", stats)
		}
	})

	t.Run("health", func(t *testing.T) {
		var health map[string]string
		if err := json.Unmarshal([]byte(get(t, srv.URL+"/health", http.StatusOK)), &health); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		if health["status"] != "healthy" || health["service"] != "test" {
			t.Errorf("health = %v", health)
		}
	})
}

func TestHealthTracker(t *testing.T) {
	t.Parallel()

	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 1, UnavailableThreshold: 2})
	tracker.RegisterComponent(health.ComponentStorage)
	c, err := NewCollector(config.MetricsConfig{Namespace: "test"}, WithHealthTracker(tracker))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	decode := func(body string) map[string]interface{} {
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(body), &out); err != nil {
			t.Fatalf("decode health: %v", err)
		}
		return out
	}

	tracker.RecordError(health.ComponentStorage, errors.NewError(errors.ErrCodeStoreRead, "io"))
	if got := decode(get(t, srv.URL+"/health", http.StatusOK)); got["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", got["status"])
	}

	tracker.RecordError(health.ComponentStorage, errors.NewError(errors.ErrCodeStoreRead, "io"))
	got := decode(get(t, srv.URL+"/health", http.StatusServiceUnavailable))
	if got["status"] != "unavailable" {
		t.Errorf("status = %v, want unavailable", got["status"])
	}
	components, ok := got["components"].(map[string]interface{})
	if !ok || components["storage"] == nil {
		t.Errorf("components = %v", got["components"])
	}
}

func TestHandler_Profiling(t *testing.T) {
	t.Parallel()

	off := httptest.NewServer(newCollector(t).Handler())
	defer off.Close()
	get(t, off.URL+"/debug/pprof/", http.StatusNotFound)

	c, err := NewCollector(config.MetricsConfig{Namespace: "test", Profiling: true})
	if err != nil {
		t.Fatal(err)
	}
	on := httptest.NewServer(c.Handler())
	defer on.Close()
	if body := get(t, on.URL+"/debug/pprof/", http.StatusOK); !strings.Contains(body, "goroutine") {
		t.Errorf("pprof index missing profiles:\n%s", body)
	}
}

func TestStatsWithoutSource(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(newCollector(t).Handler())
	defer srv.Close()
	get(t, srv.URL+"/stats", http.StatusNotFound)
}

func TestStartStop(t *testing.T) {
	t.Run("disabled does not listen", func(t *testing.T) {
		c := newCollector(t)
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if c.Addr() != "" {
			t.Errorf("disabled collector listening on %s", c.Addr())
		}
	})

	t.Run("enabled serves health", func(t *testing.T) {
		c, err := NewCollector(config.MetricsConfig{Enabled: true, Address: "127.0.0.1:0", Namespace: "test"})
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		addr := c.Addr()
		if addr == "" {
			t.Fatal("Addr() empty after Start")
		}
		get(t, "http://"+addr+"/health", http.StatusOK)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Stop(ctx); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
		if c.Addr() != "" {
			t.Error("Addr() should be empty after Stop")
		}
	})
}

func get(t *testing.T, url string, wantStatus int) string {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	return string(body)
}
