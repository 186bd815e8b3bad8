package batch

import (
	"sync"
	"time"
)

// Sample is one latency observation
type Sample struct {
	Latency time.Duration
	At      time.Time
}

// Window is a bounded rolling window of latency samples. When full, the oldest
// sample is overwritten.
type Window struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	count   int
	maxAge  time.Duration
}

// NewWindow creates a window holding up to size samples. Samples older than
// maxAge are ignored by Average; zero keeps them forever.
func NewWindow(size int, maxAge time.Duration) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{samples: make([]Sample, size), maxAge: maxAge}
}

// Add records a sample
func (w *Window) Add(latency time.Duration, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = Sample{Latency: latency, At: at}
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// Average returns the mean latency of fresh samples and how many were used
func (w *Window) Average(now time.Time) (time.Duration, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		total time.Duration
		n     int
	)
	for i := 0; i < w.count; i++ {
		s := w.samples[i]
		if w.maxAge > 0 && now.Sub(s.At) > w.maxAge {
			continue
		}
		total += s.Latency
		n++
	}
	if n == 0 {
		return 0, 0
	}
	return total / time.Duration(n), n
}

// Snapshot returns samples oldest first
func (w *Window) Snapshot() []Sample {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Sample, 0, w.count)
	start := 0
	if w.count == len(w.samples) {
		start = w.next
	}
	for i := 0; i < w.count; i++ {
		out = append(out, w.samples[(start+i)%len(w.samples)])
	}
	return out
}

// Len returns the number of stored samples
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Resize changes capacity and age limit, keeping the newest samples
func (w *Window) Resize(size int, maxAge time.Duration) {
	if size < 1 {
		size = 1
	}
	kept := w.Snapshot()
	if len(kept) > size {
		kept = kept[len(kept)-size:]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = make([]Sample, size)
	copy(w.samples, kept)
	w.count = len(kept)
	w.next = w.count % size
	w.maxAge = maxAge
}

// Reset drops every sample
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next, w.count = 0, 0
}
