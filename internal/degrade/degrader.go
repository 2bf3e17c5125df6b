// Package degrade keeps operations flowing when servers are unreachable:
// it caches deferrable side-effects for replay, re-routes what it can,
// escalates repeated permission denials and settles sync conflicts.
package degrade

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/audit"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// cacheable is the set of operations that may be deferred for an
// unreachable server.
var cacheable = map[string]bool{
	protocol.OpWhitelistAdd:    true,
	protocol.OpWhitelistRemove: true,
	protocol.OpPlayerKick:      true,
	protocol.OpServerBroadcast: true,
	protocol.OpPlayerMessage:   true,
}

// Cacheable reports whether op may be deferred.
func Cacheable(op string) bool { return cacheable[op] }

// Executor replays one cached operation against a now-reachable server.
type Executor func(ctx context.Context, serverID, op string, data map[string]any) error

// Rerouter attempts delivery of a broadcast through another reachable
// server bound to the same group. Returns false when no such server exists.
type Rerouter func(ctx context.Context, serverID, op string, data map[string]any) bool

// Config carries the degrader tunables.
type Config struct {
	Enabled              bool
	MaxCachedOperations  int
	CacheExpiration      time.Duration
	Strategy             types.ResolutionStrategy
	MaxPermissionRetries int
	SweepInterval        time.Duration
}

type denialKey struct {
	userID   string
	serverID string
}

// Degrader owns the pending-operation queues, the denial counters and the
// unresolved conflict list.
type Degrader struct {
	cfg     Config
	log     zerolog.Logger
	metrics *monitoring.Metrics
	alerter monitoring.Alerter
	audit   *audit.Logger
	exec    Executor
	reroute Rerouter
	now     func() time.Time

	mu        sync.Mutex
	queues    map[string][]*types.PendingOperation
	denials   map[denialKey]int
	conflicts []types.SyncConflict

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds the degrader. exec replays cached operations on recovery;
// reroute (optional) serves the broadcast fallback.
func New(cfg Config, logger zerolog.Logger, metrics *monitoring.Metrics,
	alerter monitoring.Alerter, auditLog *audit.Logger, exec Executor, reroute Rerouter) *Degrader {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if alerter == nil {
		alerter = monitoring.NopAlerter{}
	}
	return &Degrader{
		cfg:     cfg,
		log:     logger,
		metrics: metrics,
		alerter: alerter,
		audit:   auditLog,
		exec:    exec,
		reroute: reroute,
		now:     time.Now,
		queues:  make(map[string][]*types.PendingOperation),
		denials: make(map[denialKey]int),
		stop:    make(chan struct{}),
	}
}

// Start launches the expiry sweeper.
func (d *Degrader) Start() {
	d.wg.Add(1)
	go d.sweepLoop()
}

// HandleUnavailable decides the degradation path for one operation against
// an unreachable server. On the caching path it returns the pending record
// for the deferred acknowledgement; otherwise it returns the error the
// caller must surface.
func (d *Degrader) HandleUnavailable(ctx context.Context, userID, serverID, op string, data map[string]any) (*types.PendingOperation, *protocol.Error) {
	if !d.cfg.Enabled {
		return nil, unavailable(serverID)
	}

	switch {
	case op == protocol.OpPlayerKick:
		// Kicks are time-critical; a deferred kick is a wrong kick.
		d.auditAction(userID, serverID, op, data, "degradation_refused_critical")
		return nil, unavailable(serverID).WithDetail("degradation", "critical_operation")

	case op == protocol.OpServerBroadcast:
		if d.reroute != nil && d.reroute(ctx, serverID, op, data) {
			d.auditAction(userID, serverID, op, data, "rerouted_broadcast")
			return nil, nil
		}
		return d.enqueue(userID, serverID, op, data)

	case cacheable[op]:
		return d.enqueue(userID, serverID, op, data)
	}

	return nil, unavailable(serverID).WithDetail("degradation", "not_available")
}

func unavailable(serverID string) *protocol.Error {
	return protocol.Errorf(protocol.CodeServerUnavailable, "server %s is unreachable", serverID)
}

// enqueue appends a pending operation, evicting the oldest pending entry
// when the server's queue is at capacity.
func (d *Degrader) enqueue(userID, serverID, op string, data map[string]any) (*types.PendingOperation, *protocol.Error) {
	now := d.now()
	pending := &types.PendingOperation{
		OpID:      uuid.NewString(),
		ServerID:  serverID,
		Kind:      op,
		Data:      data,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.CacheExpiration),
		Status:    types.OpPending,
	}

	d.mu.Lock()
	queue := d.queues[serverID]
	if d.cfg.MaxCachedOperations > 0 && len(queue) >= d.cfg.MaxCachedOperations {
		evicted := queue[0]
		queue = queue[1:]
		d.log.Warn().Str("server_id", serverID).Str("op_id", evicted.OpID).
			Msg("Pending queue full, evicting oldest operation")
	}
	d.queues[serverID] = append(queue, pending)
	d.updateGaugeLocked()
	d.mu.Unlock()

	d.auditAction(userID, serverID, op, data, "operation_cached")
	d.log.Info().Str("server_id", serverID).Str("op", op).Str("op_id", pending.OpID).
		Msg("Operation cached for unreachable server")
	return pending, nil
}

// OnServerRecovered replays the server's pending operations in FIFO order.
// A successful replay marks the entry replayed; a failed one stays pending
// until it expires.
func (d *Degrader) OnServerRecovered(ctx context.Context, serverID string) {
	d.mu.Lock()
	queue := d.queues[serverID]
	d.mu.Unlock()
	if len(queue) == 0 {
		return
	}

	d.log.Info().Str("server_id", serverID).Int("pending", len(queue)).Msg("Replaying cached operations")
	var remaining []*types.PendingOperation
	now := d.now()
	for _, pending := range queue {
		if pending.Status != types.OpPending || now.After(pending.ExpiresAt) {
			continue
		}
		if err := d.exec(ctx, serverID, pending.Kind, pending.Data); err != nil {
			d.log.Warn().Str("op_id", pending.OpID).Str("op", pending.Kind).Err(err).
				Msg("Replay failed, keeping operation pending")
			remaining = append(remaining, pending)
			continue
		}
		pending.Status = types.OpReplayed
		if d.metrics != nil {
			d.metrics.Degrade.Replayed.Inc()
		}
		d.auditAction(pending.UserID, serverID, pending.Kind, pending.Data, "operation_replayed")
	}

	snapshot := make(map[string]bool, len(queue))
	for _, pending := range queue {
		snapshot[pending.OpID] = true
	}

	d.mu.Lock()
	// Operations cached while the replay ran live only in the current queue;
	// they stay pending behind the replay survivors.
	for _, pending := range d.queues[serverID] {
		if !snapshot[pending.OpID] {
			remaining = append(remaining, pending)
		}
	}
	d.queues[serverID] = remaining
	d.updateGaugeLocked()
	d.mu.Unlock()
}

// Pending returns a copy of the server's queue.
func (d *Degrader) Pending(serverID string) []types.PendingOperation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.PendingOperation, 0, len(d.queues[serverID]))
	for _, p := range d.queues[serverID] {
		out = append(out, *p)
	}
	return out
}

// Find returns the pending operation by id for status lookups.
func (d *Degrader) Find(opID string) (types.PendingOperation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, queue := range d.queues {
		for _, p := range queue {
			if p.OpID == opID {
				return *p, true
			}
		}
	}
	return types.PendingOperation{}, false
}

// OnPermissionDenied advances the denial counter for (user, server). Above
// the threshold it raises a permissionEscalation alert, audits it and
// resets the counter so the refreshed permission set gets a clean slate.
// Returns true when the escalation fired.
func (d *Degrader) OnPermissionDenied(userID, serverID, op string) bool {
	key := denialKey{userID: userID, serverID: serverID}
	d.mu.Lock()
	d.denials[key]++
	count := d.denials[key]
	escalate := count > d.cfg.MaxPermissionRetries
	if escalate {
		delete(d.denials, key)
	}
	d.mu.Unlock()

	d.auditAction(userID, serverID, op, nil, "permission_denied")
	if !escalate {
		d.log.Debug().Str("user_id", userID).Str("server_id", serverID).
			Int("denials", count).Msg("Permission denied")
		return false
	}

	d.alerter.Alert(monitoring.AlertWarning, monitoring.AlertPermissionEscalation,
		"Repeated permission denials, requesting permission refresh",
		map[string]any{"user_id": userID, "server_id": serverID, "op": op, "denials": count})
	d.log.Warn().Str("user_id", userID).Str("server_id", serverID).
		Msg("Permission denial escalated")
	return true
}

func (d *Degrader) auditAction(userID, serverID, op string, data map[string]any, action string) {
	if d.audit == nil {
		return
	}
	payload := map[string]any{"degrader_action": action}
	for k, v := range data {
		payload[k] = v
	}
	d.audit.Record(types.AuditEntry{
		UserID:   userID,
		ServerID: serverID,
		Op:       op,
		Payload:  payload,
		Result:   types.AuditSuccess,
	})
}

func (d *Degrader) updateGaugeLocked() {
	if d.metrics == nil {
		return
	}
	total := 0
	for _, queue := range d.queues {
		total += len(queue)
	}
	d.metrics.Degrade.PendingOperations.Set(float64(total))
}

func (d *Degrader) sweepLoop() {
	defer d.wg.Done()
	defer logging.RecoverPanic(d.log, "degrader sweepLoop")

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

// sweep expires overdue pending operations.
func (d *Degrader) sweep() {
	now := d.now()
	d.mu.Lock()
	for serverID, queue := range d.queues {
		var keep []*types.PendingOperation
		for _, p := range queue {
			if now.After(p.ExpiresAt) {
				p.Status = types.OpExpired
				if d.metrics != nil {
					d.metrics.Degrade.Expired.Inc()
				}
				d.log.Info().Str("op_id", p.OpID).Str("server_id", serverID).
					Str("op", p.Kind).Msg("Pending operation expired")
				continue
			}
			keep = append(keep, p)
		}
		d.queues[serverID] = keep
	}
	d.updateGaugeLocked()
	d.mu.Unlock()
}

// Close stops the sweeper.
func (d *Degrader) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.wg.Wait()
	})
}
