package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// DeliverFunc pushes one matched event toward the owning session. It runs
// on the subscription's pump goroutine, so per-subscription order follows
// arrival order. Errors are counted, not retried.
type DeliverFunc func(sub *Subscription, event types.Event) error

// Config carries the bus tunables.
type Config struct {
	QueueSize       int
	FloodThreshold  int
	SubscriptionTTL time.Duration
	SweepInterval   time.Duration
}

// Subscription is one standing interest in events, owned by one session.
type Subscription struct {
	ID        string
	SessionID string
	Filter    Filter
	CreatedAt time.Time

	deliver DeliverFunc
	queue   chan types.Event

	mu           sync.Mutex
	lastActivity time.Time
	active       bool
	dropped      int64
}

// LastActivity returns the time of the last delivery attempt or refresh.
func (s *Subscription) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Dropped reports events discarded by this subscription's backpressure.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Active reports whether the subscription still delivers.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

type floodKey struct {
	serverID string
	kind     string
	minute   int64
}

// Bus fans events out to matching subscriptions and in-process taps. It
// exclusively owns the subscription table and the flood counters.
type Bus struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.Metrics
	alerter monitoring.Alerter
	now     func() time.Time

	mu    sync.Mutex
	subs  map[string]*Subscription
	flood map[floodKey]int
	// alerted marks (server, kind, minute) triples that already raised the
	// one eventFlood alert for their window.
	alerted map[floodKey]bool
	taps    []func(types.Event)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewBus builds the bus. Call Start to begin the GC sweeper.
func NewBus(cfg Config, logger zerolog.Logger, metrics *monitoring.Metrics, alerter monitoring.Alerter) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if alerter == nil {
		alerter = monitoring.NopAlerter{}
	}
	return &Bus{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		alerter: alerter,
		now:     time.Now,
		subs:    make(map[string]*Subscription),
		flood:   make(map[floodKey]int),
		alerted: make(map[floodKey]bool),
		stop:    make(chan struct{}),
	}
}

// Start launches the inactivity sweeper.
func (b *Bus) Start() {
	if b.cfg.SweepInterval <= 0 || b.cfg.SubscriptionTTL <= 0 {
		return
	}
	b.wg.Add(1)
	go b.sweepLoop()
}

// Tap registers an in-process consumer that sees every non-suppressed
// event. The message router registers its event-binding tap here at wiring
// time. Taps run synchronously on the publisher's goroutine and must not
// block.
func (b *Bus) Tap(fn func(types.Event)) {
	b.mu.Lock()
	b.taps = append(b.taps, fn)
	b.mu.Unlock()
}

// Subscribe creates a subscription delivering through fn.
func (b *Bus) Subscribe(sessionID string, filter Filter, fn DeliverFunc) *Subscription {
	now := b.now()
	sub := &Subscription{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Filter:       filter,
		CreatedAt:    now,
		lastActivity: now,
		active:       true,
		deliver:      fn,
		queue:        make(chan types.Event, b.cfg.QueueSize),
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	count := len(b.subs)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Events.Subscriptions.Set(float64(count))
	}
	b.wg.Add(1)
	go b.pump(sub)
	b.log.Debug().Str("subscription_id", sub.ID).Str("session_id", sessionID).Msg("Subscription created")
	return sub
}

// Unsubscribe destroys the subscription. Returns false for unknown ids.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()
	if !ok {
		return false
	}

	// Closing under sub.mu serializes with enqueue's active check, so a
	// publisher holding a stale snapshot can never send on the closed queue.
	sub.mu.Lock()
	sub.active = false
	close(sub.queue)
	sub.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Events.Subscriptions.Set(float64(count))
	}
	b.log.Debug().Str("subscription_id", id).Msg("Subscription removed")
	return true
}

// DropSession removes every subscription owned by the session.
func (b *Bus) DropSession(sessionID string) {
	for _, sub := range b.BySession(sessionID) {
		b.Unsubscribe(sub.ID)
	}
}

// BySession lists the session's subscriptions.
func (b *Bus) BySession(sessionID string) []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Subscription
	for _, sub := range b.subs {
		if sub.SessionID == sessionID {
			out = append(out, sub)
		}
	}
	return out
}

// Get returns the subscription, if present.
func (b *Bus) Get(id string) (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	return sub, ok
}

// Count reports the live subscription count.
func (b *Bus) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish runs the delivery pipeline for one event: flood accounting, taps,
// then fan-out to matching subscriptions. Pure matching never suspends;
// backpressure drops the oldest queued event for the affected subscription.
func (b *Bus) Publish(event types.Event) {
	now := b.now()
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	key := floodKey{serverID: event.ServerID, kind: event.Kind, minute: now.Unix() / 60}
	b.mu.Lock()
	b.flood[key]++
	count := b.flood[key]
	suppressed := b.cfg.FloodThreshold > 0 && count > b.cfg.FloodThreshold
	firstOver := suppressed && !b.alerted[key]
	if firstOver {
		b.alerted[key] = true
	}
	taps := b.taps
	var matched []*Subscription
	if !suppressed {
		for _, sub := range b.subs {
			if sub.Filter.Match(event) {
				matched = append(matched, sub)
			}
		}
	}
	b.mu.Unlock()

	if suppressed {
		if b.metrics != nil {
			b.metrics.Events.Suppressed.Inc()
		}
		if firstOver {
			b.alerter.Alert(monitoring.AlertWarning, monitoring.AlertEventFlood,
				"Event flood suppressed for the remainder of the minute",
				map[string]any{"server_id": event.ServerID, "kind": event.Kind, "count": count})
		}
		return
	}

	for _, tap := range taps {
		tap(event)
	}
	for _, sub := range matched {
		b.enqueue(sub, event, now)
	}
}

// enqueue runs under sub.mu: Publish works off a snapshot taken outside
// b.mu, so the subscription may have been destroyed since. The sends never
// block, only shuffle the bounded queue, so holding the mutex is safe.
func (b *Bus) enqueue(sub *Subscription, event types.Event, now time.Time) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.active {
		return
	}
	sub.lastActivity = now
	for {
		select {
		case sub.queue <- event:
			return
		default:
		}
		// Queue full: drop the oldest queued event, then retry.
		select {
		case <-sub.queue:
			sub.dropped++
			if b.metrics != nil {
				b.metrics.Events.Dropped.Inc()
			}
		default:
		}
	}
}

func (b *Bus) pump(sub *Subscription) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.log, "subscription pump")

	for event := range sub.queue {
		if err := sub.deliver(sub, event); err != nil {
			b.log.Debug().Err(err).Str("subscription_id", sub.ID).Msg("Event delivery failed")
			continue
		}
		if b.metrics != nil {
			b.metrics.Events.Delivered.Inc()
		}
	}
}

func (b *Bus) sweepLoop() {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.log, "bus sweepLoop")

	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweep()
		case <-b.stop:
			return
		}
	}
}

// sweep GCs inactive subscriptions and stale flood counters.
func (b *Bus) sweep() {
	now := b.now()
	minute := now.Unix() / 60

	b.mu.Lock()
	var stale []string
	for id, sub := range b.subs {
		sub.mu.Lock()
		idle := now.Sub(sub.lastActivity)
		sub.mu.Unlock()
		if idle > b.cfg.SubscriptionTTL {
			stale = append(stale, id)
		}
	}
	for key := range b.flood {
		if key.minute < minute {
			delete(b.flood, key)
			delete(b.alerted, key)
		}
	}
	b.mu.Unlock()

	for _, id := range stale {
		b.log.Info().Str("subscription_id", id).Msg("Removing inactive subscription")
		b.Unsubscribe(id)
	}
}

// Close stops the sweeper and destroys all subscriptions.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		ids := make([]string, 0, len(b.subs))
		for id := range b.subs {
			ids = append(ids, id)
		}
		b.mu.Unlock()
		for _, id := range ids {
			b.Unsubscribe(id)
		}
		b.wg.Wait()
	})
}
