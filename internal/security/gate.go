// Package security implements the connection admission gate: socket caps,
// per-IP flood limiting, progressive authentication backoff and the IP
// whitelist bypass. The gate owns all of its counters; other components
// consult it only through method calls.
package security

import (
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Retry hint returned for cap rejections, where no backoff record exists to
// derive a better number from.
const capRetryAfter = 5 * time.Second

const cleanupInterval = time.Minute

// Config carries the gate's tunables.
type Config struct {
	MaxTotal     int
	MaxPerIP     int
	MaxPerServer int

	BaseDelay              time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
	ResetWindow            time.Duration
	MaxFailuresBeforeBlock int
	BlockDuration          time.Duration

	AlertCooldown time.Duration

	// Socket flood limits. Zero or negative rates disable the limiter.
	GlobalRate  float64
	GlobalBurst int
	PerIPRate   float64
	PerIPBurst  int

	// Whitelisted sources bypass every admission check.
	Whitelist []string
}

type failKey struct {
	ip       string
	serverID string
}

type alertKey struct {
	kind     string
	ip       string
	serverID string
}

type ipLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Gate is the connection-security gate.
type Gate struct {
	cfg     Config
	log     zerolog.Logger
	alerter monitoring.Alerter
	metrics *monitoring.Metrics
	now     func() time.Time

	mu         sync.Mutex
	total      int
	perIP      map[string]int
	perServer  map[string]int
	failures   map[failKey]*types.AuthFailureRecord
	lastAlert  map[alertKey]time.Time
	ipLimiters map[string]*ipLimiterEntry

	whitelist []netip.Prefix
	global    *rate.Limiter

	stopOnce sync.Once
	stop     chan struct{}
}

// NewGate builds the gate. Whitelist entries that fail to parse are logged
// and skipped.
func NewGate(cfg Config, logger zerolog.Logger, alerter monitoring.Alerter, metrics *monitoring.Metrics) *Gate {
	g := &Gate{
		cfg:        cfg,
		log:        logger,
		alerter:    alerter,
		metrics:    metrics,
		now:        time.Now,
		perIP:      make(map[string]int),
		perServer:  make(map[string]int),
		failures:   make(map[failKey]*types.AuthFailureRecord),
		lastAlert:  make(map[alertKey]time.Time),
		ipLimiters: make(map[string]*ipLimiterEntry),
		global:     rate.NewLimiter(limitOf(cfg.GlobalRate), burstOf(cfg.GlobalBurst)),
		stop:       make(chan struct{}),
	}
	for _, entry := range cfg.Whitelist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("Skipping unparseable whitelist entry")
			continue
		}
		g.whitelist = append(g.whitelist, prefix)
	}
	go g.cleanupLoop()
	return g
}

func limitOf(r float64) rate.Limit {
	if r <= 0 {
		return rate.Inf
	}
	return rate.Limit(r)
}

func burstOf(b int) int {
	if b <= 0 {
		return 1
	}
	return b
}

func parsePrefix(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Whitelisted reports whether ip bypasses all admission checks.
func (g *Gate) Whitelisted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range g.whitelist {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// AdmitSocket runs the socket-time admission checks: flood limiters, the
// total cap and the per-IP cap, in that order. A nil result admits.
func (g *Gate) AdmitSocket(ip string) *protocol.Error {
	if g.Whitelisted(ip) {
		return nil
	}

	if !g.global.Allow() || !g.ipLimiter(ip).Allow() {
		g.reject("flood")
		g.alert(monitoring.AlertConnectionFlood, monitoring.AlertWarning, ip, "",
			"Connection rate exceeded", map[string]any{"ip": ip})
		return protocol.NewError(protocol.CodeRateLimited, "connection rate exceeded").
			WithRetryAfter(capRetryAfter).WithDetail("reason", "flood")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.total >= g.cfg.MaxTotal {
		g.reject("max_total")
		g.alertLocked(monitoring.AlertConnectionLimitExceeded, monitoring.AlertError, ip, "",
			"Total connection limit reached", map[string]any{"limit": g.cfg.MaxTotal})
		return protocol.NewError(protocol.CodeRateLimited, "total connection limit reached").
			WithRetryAfter(capRetryAfter).WithDetail("reason", "max_total")
	}
	if g.perIP[ip] >= g.cfg.MaxPerIP {
		g.reject("max_per_ip")
		g.alertLocked(monitoring.AlertConnectionLimitExceeded, monitoring.AlertWarning, ip, "",
			"Per-IP connection limit reached", map[string]any{"ip": ip, "limit": g.cfg.MaxPerIP})
		return protocol.NewError(protocol.CodeRateLimited, "per-ip connection limit reached").
			WithRetryAfter(capRetryAfter).WithDetail("reason", "max_per_ip")
	}
	return nil
}

// AdmitAuth runs the auth-time admission checks: the per-server cap, then
// the (ip, serverId) failure record. Check order is fixed; the first
// failing check dictates the retry hint.
func (g *Gate) AdmitAuth(ip, serverID string) *protocol.Error {
	if g.Whitelisted(ip) {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.perServer[serverID] >= g.cfg.MaxPerServer {
		g.reject("max_per_server")
		g.alertLocked(monitoring.AlertConnectionLimitExceeded, monitoring.AlertWarning, ip, serverID,
			"Per-server connection limit reached", map[string]any{"server_id": serverID, "limit": g.cfg.MaxPerServer})
		return protocol.NewError(protocol.CodeRateLimited, "per-server connection limit reached").
			WithRetryAfter(capRetryAfter).WithDetail("reason", "max_per_server")
	}

	record, ok := g.failures[failKey{ip: ip, serverID: serverID}]
	if !ok {
		return nil
	}
	now := g.now()
	if record.Blocked {
		if now.Before(record.BlockUntil) {
			g.reject("blocked")
			return protocol.NewError(protocol.CodeIPBlocked, "address blocked after repeated auth failures").
				WithRetryAfter(record.BlockUntil.Sub(now)).WithDetail("blocked", true)
		}
		// Block elapsed; allow the attempt, keep the record until it is
		// cleared by a success or advanced by another failure.
		record.Blocked = false
	}
	if now.Before(record.NextAllowedAt) {
		g.reject("backoff")
		return protocol.NewError(protocol.CodeIPBlocked, "auth attempts throttled").
			WithRetryAfter(record.NextAllowedAt.Sub(now)).WithDetail("blocked", false)
	}
	return nil
}

// OnAuthFailure advances the failure record and returns the wait imposed on
// the next attempt plus whether this failure tripped the hard block.
func (g *Gate) OnAuthFailure(ip, serverID string) (retryAfter time.Duration, blocked bool) {
	if g.metrics != nil {
		g.metrics.Security.AuthFailures.Inc()
	}

	g.mu.Lock()
	now := g.now()
	key := failKey{ip: ip, serverID: serverID}
	record, ok := g.failures[key]
	if !ok {
		record = &types.AuthFailureRecord{IP: ip, ServerID: serverID, FirstFailure: now}
		g.failures[key] = record
	}

	if record.Count > 0 && g.cfg.ResetWindow > 0 && now.Sub(record.LastFailure) > g.cfg.ResetWindow {
		record.Count = 0
		record.FirstFailure = now
		record.Blocked = false
	}

	record.Count++
	record.LastFailure = now

	delay := g.backoffDelay(record.Count)
	record.NextAllowedAt = now.Add(delay)
	retryAfter = delay

	count := record.Count
	if count >= g.cfg.MaxFailuresBeforeBlock {
		record.Blocked = true
		record.BlockUntil = now.Add(g.cfg.BlockDuration)
		record.NextAllowedAt = record.BlockUntil
		retryAfter = g.cfg.BlockDuration
		blocked = true
	}
	g.updateBlockedGauge()
	g.mu.Unlock()

	if blocked {
		g.alert(monitoring.AlertAuthFailureRate, monitoring.AlertError, ip, serverID,
			"Address blocked after repeated auth failures",
			map[string]any{"ip": ip, "server_id": serverID, "failures": count})
	}
	return retryAfter, blocked
}

// OnAuthSuccess clears the failure record for (ip, serverId).
func (g *Gate) OnAuthSuccess(ip, serverID string) {
	g.mu.Lock()
	delete(g.failures, failKey{ip: ip, serverID: serverID})
	g.updateBlockedGauge()
	g.mu.Unlock()
}

// FailureRecord returns a copy of the backoff record, if any.
func (g *Gate) FailureRecord(ip, serverID string) (types.AuthFailureRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	record, ok := g.failures[failKey{ip: ip, serverID: serverID}]
	if !ok {
		return types.AuthFailureRecord{}, false
	}
	return *record, true
}

// SocketOpened counts an admitted socket. Whitelisted sockets are counted
// too so SocketClosed never underflows.
func (g *Gate) SocketOpened(ip string) {
	g.mu.Lock()
	g.total++
	g.perIP[ip]++
	g.mu.Unlock()
}

// ServerBound counts an authenticated session against its server.
func (g *Gate) ServerBound(serverID string) {
	g.mu.Lock()
	g.perServer[serverID]++
	g.mu.Unlock()
}

// SocketClosed releases the counters taken by SocketOpened/ServerBound.
// serverID is empty when the socket never authenticated.
func (g *Gate) SocketClosed(ip, serverID string) {
	g.mu.Lock()
	if g.total > 0 {
		g.total--
	}
	if g.perIP[ip] > 0 {
		g.perIP[ip]--
		if g.perIP[ip] == 0 {
			delete(g.perIP, ip)
		}
	}
	if serverID != "" && g.perServer[serverID] > 0 {
		g.perServer[serverID]--
		if g.perServer[serverID] == 0 {
			delete(g.perServer, serverID)
		}
	}
	g.mu.Unlock()
}

// ActiveSessions reports the gate's total counter.
func (g *Gate) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total
}

// Close stops the cleanup loop.
func (g *Gate) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// backoffDelay computes baseDelay * multiplier^(count-1) capped at MaxDelay.
func (g *Gate) backoffDelay(count int) time.Duration {
	delay := float64(g.cfg.BaseDelay)
	for i := 1; i < count; i++ {
		delay *= g.cfg.Multiplier
		if time.Duration(delay) >= g.cfg.MaxDelay {
			return g.cfg.MaxDelay
		}
	}
	if time.Duration(delay) > g.cfg.MaxDelay {
		return g.cfg.MaxDelay
	}
	return time.Duration(delay)
}

func (g *Gate) ipLimiter(ip string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.ipLimiters[ip]
	if !ok {
		entry = &ipLimiterEntry{limiter: rate.NewLimiter(limitOf(g.cfg.PerIPRate), burstOf(g.cfg.PerIPBurst))}
		g.ipLimiters[ip] = entry
	}
	entry.lastSeen = g.now()
	return entry.limiter
}

func (g *Gate) reject(reason string) {
	if g.metrics != nil {
		g.metrics.Security.AdmissionRejected.WithLabelValues(reason).Inc()
	}
}

func (g *Gate) updateBlockedGauge() {
	if g.metrics == nil {
		return
	}
	blocked := 0
	for _, record := range g.failures {
		if record.Blocked {
			blocked++
		}
	}
	g.metrics.Security.BlockedRecords.Set(float64(blocked))
}

// alert emits with per-(kind, ip, serverId) cooldown.
func (g *Gate) alert(kind string, level monitoring.AlertLevel, ip, serverID, message string, metadata map[string]any) {
	g.mu.Lock()
	ok := g.shouldAlertLocked(kind, ip, serverID)
	g.mu.Unlock()
	if ok {
		g.alerter.Alert(level, kind, message, metadata)
	}
}

// alertLocked is alert for callers already holding g.mu.
func (g *Gate) alertLocked(kind string, level monitoring.AlertLevel, ip, serverID, message string, metadata map[string]any) {
	if g.shouldAlertLocked(kind, ip, serverID) {
		go g.alerter.Alert(level, kind, message, metadata)
	}
}

func (g *Gate) shouldAlertLocked(kind, ip, serverID string) bool {
	key := alertKey{kind: kind, ip: ip, serverID: serverID}
	now := g.now()
	if last, ok := g.lastAlert[key]; ok && now.Sub(last) < g.cfg.AlertCooldown {
		return false
	}
	g.lastAlert[key] = now
	return true
}

func (g *Gate) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.cleanup()
		case <-g.stop:
			return
		}
	}
}

// cleanup promotes expired blocks back to unblocked, drops stale failure
// records and stale per-IP limiters.
func (g *Gate) cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	for key, record := range g.failures {
		if record.Blocked && now.After(record.BlockUntil) {
			record.Blocked = false
		}
		if !record.Blocked && g.cfg.ResetWindow > 0 && now.Sub(record.LastFailure) > g.cfg.ResetWindow {
			delete(g.failures, key)
		}
	}
	for ip, entry := range g.ipLimiters {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(g.ipLimiters, ip)
		}
	}
	for key, at := range g.lastAlert {
		if now.Sub(at) > g.cfg.AlertCooldown {
			delete(g.lastAlert, key)
		}
	}
	g.updateBlockedGauge()
}
