package condition

import (
	"sync"
	"time"
)

// Sample is one timestamped numeric observation of a metric field.
type Sample struct {
	Value float64
	At    time.Time
}

// History keeps a bounded rolling window of samples for one metric field.
// It is safe for concurrent use.
type History struct {
	mu      sync.Mutex
	max     int
	samples []Sample
}

// NewHistory creates a history retaining at most max samples.
func NewHistory(max int) *History {
	if max <= 0 {
		max = 256
	}
	return &History{max: max}
}

// Append records a sample, evicting the oldest when at capacity.
func (h *History) Append(value float64, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.max {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:len(h.samples)-1]
	}
	h.samples = append(h.samples, Sample{Value: value, At: at})
}

// Recent returns the samples observed within window of now, oldest first.
// A non-positive window returns every retained sample.
func (h *History) Recent(window time.Duration, now time.Time) []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	if window <= 0 {
		out := make([]Sample, len(h.samples))
		copy(out, h.samples)
		return out
	}
	cutoff := now.Add(-window)
	var out []Sample
	for _, s := range h.samples {
		if !s.At.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}
