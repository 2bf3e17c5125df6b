package retry

import (
	"sync"
	"time"
)

const defaultQualityWindow = 50

type sample struct {
	ok      bool
	latency time.Duration
}

// QualityTracker scores a connection 0..100 from a sliding window of request
// outcomes. Success rate weighs 70 points, latency relative to the
// configured threshold the remaining 30. An empty window scores 100.
type QualityTracker struct {
	mu        sync.Mutex
	samples   []sample
	next      int
	filled    bool
	threshold time.Duration
}

// NewQualityTracker builds a tracker holding the last defaultQualityWindow
// samples. latencyThreshold is the latency considered fully degraded.
func NewQualityTracker(latencyThreshold time.Duration) *QualityTracker {
	if latencyThreshold <= 0 {
		latencyThreshold = time.Second
	}
	return &QualityTracker{
		samples:   make([]sample, defaultQualityWindow),
		threshold: latencyThreshold,
	}
}

// Observe records one request outcome.
func (q *QualityTracker) Observe(ok bool, latency time.Duration) {
	q.mu.Lock()
	q.samples[q.next] = sample{ok: ok, latency: latency}
	q.next++
	if q.next == len(q.samples) {
		q.next = 0
		q.filled = true
	}
	q.mu.Unlock()
}

// Reset clears the window, typically after a reconnect.
func (q *QualityTracker) Reset() {
	q.mu.Lock()
	q.next = 0
	q.filled = false
	q.mu.Unlock()
}

func (q *QualityTracker) window() []sample {
	if q.filled {
		return q.samples
	}
	return q.samples[:q.next]
}

// Score returns the current quality 0..100.
func (q *QualityTracker) Score() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	window := q.window()
	if len(window) == 0 {
		return 100
	}

	var okCount int
	var totalLatency time.Duration
	for _, s := range window {
		if s.ok {
			okCount++
		}
		totalLatency += s.latency
	}
	successRate := float64(okCount) / float64(len(window))
	mean := totalLatency / time.Duration(len(window))

	latencyFactor := 1.0 - float64(mean)/float64(q.threshold)
	if latencyFactor < 0 {
		latencyFactor = 0
	}
	score := int(successRate*70 + latencyFactor*30)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

// FailureRate returns the fraction of failed samples in the window.
func (q *QualityTracker) FailureRate() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	window := q.window()
	if len(window) == 0 {
		return 0
	}
	var failures int
	for _, s := range window {
		if !s.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(window))
}

// MeanLatency returns the average latency over the window.
func (q *QualityTracker) MeanLatency() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	window := q.window()
	if len(window) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range window {
		total += s.latency
	}
	return total / time.Duration(len(window))
}
