package stats

import (
	"math"
	"sync"
	"time"
)

type sample struct {
	at    time.Time
	value float64
}

// window is a rolling collection of timestamped samples. Samples older than
// maxAge are evicted on every write and read.
type window struct {
	mu      sync.Mutex
	maxAge  time.Duration
	samples []sample
	head    int // index of the oldest live sample
}

func newWindow(maxAge time.Duration) *window {
	return &window{maxAge: maxAge}
}

func (w *window) add(now time.Time, v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	w.samples = append(w.samples, sample{at: now, value: v})
}

func (w *window) evictLocked(now time.Time) {
	if w.maxAge <= 0 {
		return
	}
	cutoff := now.Add(-w.maxAge)
	for w.head < len(w.samples) && w.samples[w.head].at.Before(cutoff) {
		w.head++
	}
	w.compactLocked()
}

func (w *window) compactLocked() {
	if w.head > 64 && w.head*2 > len(w.samples) {
		w.samples = append(w.samples[:0:0], w.samples[w.head:]...)
		w.head = 0
	}
}

func (w *window) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	return len(w.samples) - w.head
}

func (w *window) mean(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	n := len(w.samples) - w.head
	if n == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples[w.head:] {
		sum += s.value
	}
	return sum / float64(n)
}

func (w *window) stddev(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evictLocked(now)
	n := len(w.samples) - w.head
	if n < 2 {
		return 0
	}
	var sum float64
	for _, s := range w.samples[w.head:] {
		sum += s.value
	}
	mean := sum / float64(n)
	var sq float64
	for _, s := range w.samples[w.head:] {
		d := s.value - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}
