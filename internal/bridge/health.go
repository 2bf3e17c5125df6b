package bridge

import (
	"sync"
	"time"
)

// healthWindow tracks routed traffic and failures over a sliding 24 h of
// hourly buckets; the error ratio drives the router's health signal.
type healthWindow struct {
	mu      sync.Mutex
	buckets [24]healthBucket
}

type healthBucket struct {
	hour     int64 // unix hour the bucket currently represents
	messages int64
	events   int64
	errors   int64
}

func (h *healthWindow) bucket(now time.Time) *healthBucket {
	hour := now.Unix() / 3600
	b := &h.buckets[hour%24]
	if b.hour != hour {
		*b = healthBucket{hour: hour}
	}
	return b
}

func (h *healthWindow) recordMessage(now time.Time) {
	h.mu.Lock()
	h.bucket(now).messages++
	h.mu.Unlock()
}

func (h *healthWindow) recordEvent(now time.Time) {
	h.mu.Lock()
	h.bucket(now).events++
	h.mu.Unlock()
}

func (h *healthWindow) recordError(now time.Time) {
	h.mu.Lock()
	h.bucket(now).errors++
	h.mu.Unlock()
}

// stats returns the totals over the trailing 24 hours.
func (h *healthWindow) stats(now time.Time) (messages, events, errors int64) {
	hour := now.Unix() / 3600
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buckets {
		b := &h.buckets[i]
		if b.hour > hour-24 && b.hour <= hour {
			messages += b.messages
			events += b.events
			errors += b.errors
		}
	}
	return
}

// errorRate returns errors/(messages+events) over the trailing 24 hours.
func (h *healthWindow) errorRate(now time.Time) float64 {
	messages, events, errors := h.stats(now)
	total := messages + events
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total)
}
