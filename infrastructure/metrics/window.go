package metrics

import (
	"sync"
	"time"

	"github.com/fleetroute/fleetroute/domain/entity"
)

// Window is a time-bounded ring of metric samples. Entries older than the
// retention window are evicted on append, and a hard cap bounds memory even
// if timestamps misbehave.
type Window struct {
	mu        sync.RWMutex
	samples   []entity.MetricSample
	retention time.Duration
	maxSize   int
}

// NewWindow creates a window keeping at most maxSize samples within
// retention.
func NewWindow(retention time.Duration, maxSize int) *Window {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if maxSize <= 0 {
		maxSize = 2880 // 24h of 30s samples
	}
	return &Window{retention: retention, maxSize: maxSize}
}

// Append clamps the sample and stores it, evicting expired entries first.
func (w *Window) Append(sample entity.MetricSample) {
	sample.Clamp()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := sample.Timestamp.Add(-w.retention)
	idx := 0
	for idx < len(w.samples) && w.samples[idx].Timestamp.Before(cutoff) {
		idx++
	}
	w.samples = w.samples[idx:]

	w.samples = append(w.samples, sample)
	if len(w.samples) > w.maxSize {
		w.samples = w.samples[len(w.samples)-w.maxSize:]
	}
}

// All returns a copy of the retained samples in insertion order.
func (w *Window) All() []entity.MetricSample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]entity.MetricSample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the most recent sample, if any.
func (w *Window) Latest() (entity.MetricSample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return entity.MetricSample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}
