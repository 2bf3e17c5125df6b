package connection

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/retry"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// ServerState is the per-server connection state machine.
type ServerState string

const (
	StateNone         ServerState = "none"
	StateConnecting   ServerState = "connecting"
	StateConnected    ServerState = "connected"
	StateDegraded     ServerState = "degraded"
	StateReconnecting ServerState = "reconnecting"
	StateClosed       ServerState = "closed"
	// StateError is non-absorbing: an explicit Reconnect re-enters
	// StateConnecting.
	StateError ServerState = "error"
)

// Hooks are the manager's outbound notifications. All are optional and are
// invoked without manager locks held.
type Hooks struct {
	// OnModeSwitch fires when failover moves a server to the next mode.
	OnModeSwitch func(serverID string, oldMode, newMode types.Mode)
	// OnConnected fires when a session is established or re-established.
	OnConnected func(serverID string)
	// OnUnreachable fires after every candidate mode has exhausted its
	// retry budget; the degrader takes over from here.
	OnUnreachable func(serverID string)
}

// ManagerConfig carries the manager's tunables.
type ManagerConfig struct {
	Policy               retry.Policy
	EnableFailover       bool
	FailoverDelay        time.Duration
	HealthProbeInterval  time.Duration
	QualityThreshold     float64
	FailureRateThreshold float64
	LatencyThreshold     time.Duration
	Timing               Timing
}

type serverEntry struct {
	server  *types.ServerDescriptor
	state   ServerState
	modes   []types.Mode
	modeIdx int
	quality *retry.QualityTracker

	reconnectTimer *time.Timer
}

// Manager establishes and supervises one session per registered server:
// preference-ordered mode selection, exponential backoff per mode, failover
// to the next mode on exhaustion, periodic health probes and quality-driven
// reconnects.
type Manager struct {
	cfg      ManagerConfig
	factory  adapter.Factory
	registry *Registry
	log      zerolog.Logger
	metrics  *monitoring.Metrics
	sink     EventSink
	hooks    Hooks

	mu      sync.Mutex
	entries map[string]*serverEntry

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds the manager. Call Start to begin health probing.
func NewManager(cfg ManagerConfig, factory adapter.Factory, registry *Registry,
	logger zerolog.Logger, metrics *monitoring.Metrics, sink EventSink, hooks Hooks) *Manager {
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		registry: registry,
		log:      logger,
		metrics:  metrics,
		sink:     sink,
		hooks:    hooks,
		entries:  make(map[string]*serverEntry),
		stop:     make(chan struct{}),
	}
}

// Start launches the health probe loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.probeLoop()
}

// State returns the server's connection state.
func (m *Manager) State(serverID string) ServerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[serverID]; ok {
		return e.state
	}
	return StateNone
}

// ActiveMode returns the mode currently serving the server, if connected.
func (m *Manager) ActiveMode(serverID string) (types.Mode, bool) {
	if s, ok := m.registry.Connected(serverID); ok {
		return s.Mode(), true
	}
	return "", false
}

// Quality returns the server's connection quality score (0-100).
func (m *Manager) Quality(serverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[serverID]; ok {
		return e.quality.Score()
	}
	return 100
}

// Observe feeds one request outcome into the server's quality tracker.
func (m *Manager) Observe(serverID string, ok bool, latency time.Duration) {
	m.mu.Lock()
	e, found := m.entries[serverID]
	m.mu.Unlock()
	if found {
		e.quality.Observe(ok, latency)
	}
}

func (m *Manager) entry(server *types.ServerDescriptor) *serverEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[server.ID]
	if !ok {
		e = &serverEntry{
			server:  server,
			state:   StateNone,
			quality: retry.NewQualityTracker(m.cfg.LatencyThreshold),
		}
		m.entries[server.ID] = e
	}
	e.server = server
	return e
}

// Establish connects the server, walking its candidate modes in preference
// order. Each mode gets the full retry budget; on exhaustion the manager
// fails over to the next mode. When every mode fails the server enters
// StateError and OnUnreachable fires.
func (m *Manager) Establish(ctx context.Context, server *types.ServerDescriptor) error {
	e := m.entry(server)

	m.mu.Lock()
	if e.state == StateConnecting || e.state == StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	reconnect := e.state == StateConnected || e.state == StateDegraded
	if reconnect {
		e.state = StateReconnecting
	} else {
		e.state = StateConnecting
	}
	modes := server.CandidateModes()
	if !m.cfg.EnableFailover && len(modes) > 1 {
		modes = modes[:1]
	}
	e.modes = modes
	e.modeIdx = 0
	m.mu.Unlock()

	if len(modes) == 0 {
		m.setState(e, StateError)
		return protocol.Errorf(protocol.CodeInvalidRequest, "server %s has no configured connection modes", server.ID)
	}

	var lastErr error
	for idx, mode := range modes {
		if idx > 0 {
			prev := modes[idx-1]
			m.log.Warn().Str("server_id", server.ID).
				Str("old_mode", string(prev)).Str("new_mode", string(mode)).
				Msg("Connection mode switched")
			if m.metrics != nil {
				m.metrics.Sessions.ModeSwitches.Inc()
			}
			if m.hooks.OnModeSwitch != nil {
				m.hooks.OnModeSwitch(server.ID, prev, mode)
			}
			if m.cfg.FailoverDelay > 0 {
				select {
				case <-time.After(m.cfg.FailoverDelay):
				case <-ctx.Done():
					m.setState(e, StateError)
					return ctx.Err()
				}
			}
		}
		m.mu.Lock()
		e.modeIdx = idx
		m.mu.Unlock()

		err := m.tryMode(ctx, e, server, mode)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	m.setState(e, StateError)
	m.log.Error().Str("server_id", server.ID).Err(lastErr).Msg("Connection failed on all modes")
	if m.hooks.OnUnreachable != nil {
		m.hooks.OnUnreachable(server.ID)
	}
	return lastErr
}

// tryMode runs the retry schedule for one mode.
func (m *Manager) tryMode(ctx context.Context, e *serverEntry, server *types.ServerDescriptor, mode types.Mode) error {
	var lastErr error
	for attempt := 1; !m.cfg.Policy.Exhausted(attempt); attempt++ {
		if attempt > 1 {
			delay := m.cfg.Policy.Delay(attempt - 1)
			if m.metrics != nil {
				m.metrics.Sessions.Reconnects.Inc()
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			case <-m.stop:
				return protocol.NewError(protocol.CodeSessionClosed, "manager shutting down")
			}
		}

		ad, err := m.factory.New(server, mode)
		if err != nil {
			return err // misconfiguration, not retryable
		}
		if err = ad.Connect(ctx); err != nil {
			lastErr = err
			m.log.Debug().Str("server_id", server.ID).Str("mode", string(mode)).
				Int("attempt", attempt).Err(err).Msg("Connect attempt failed")
			continue
		}

		m.attach(e, server.ID, ad)
		return nil
	}
	return lastErr
}

func (m *Manager) attach(e *serverEntry, serverID string, ad adapter.Adapter) {
	session := NewSession(serverID, ad, m.cfg.Timing, m.log, m.metrics, m.sink, m.onSessionClose)
	m.registry.Attach(session)

	m.mu.Lock()
	e.state = StateConnected
	m.mu.Unlock()
	e.quality.Reset()

	m.log.Info().Str("server_id", serverID).Str("mode", string(ad.Mode())).Msg("Server connected")
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected(serverID)
	}
}

// NewInboundSession wraps a transport accepted by the inbound listener in
// a session wired to the manager's event sink and close handling. Hand the
// result to AttachInbound.
func (m *Manager) NewInboundSession(serverID string, ad adapter.Adapter) *Session {
	return NewSession(serverID, ad, m.cfg.Timing, m.log, m.metrics, m.sink, m.onSessionClose)
}

// AttachInbound installs a session created by the hub's inbound listener
// (a connector that dialed us) as the server's active link. The mode
// manager treats it as a satisfied plugin connection.
func (m *Manager) AttachInbound(server *types.ServerDescriptor, session *Session) {
	e := m.entry(server)

	m.mu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
		e.reconnectTimer = nil
	}
	e.state = StateConnected
	m.mu.Unlock()
	e.quality.Reset()

	m.registry.Attach(session)
	m.log.Info().Str("server_id", server.ID).Msg("Inbound connector attached")
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected(server.ID)
	}
}

// Reconnect re-enters the connect path explicitly, also from StateError.
func (m *Manager) Reconnect(ctx context.Context, server *types.ServerDescriptor) error {
	m.mu.Lock()
	if e, ok := m.entries[server.ID]; ok {
		if e.state == StateError || e.state == StateClosed {
			e.state = StateNone
		}
	}
	m.mu.Unlock()
	return m.Establish(ctx, server)
}

func (m *Manager) onSessionClose(s *Session, reason string) {
	m.registry.Detach(s)
	if reason == ReasonShutdown || reason == ReasonReplaced {
		return
	}

	m.mu.Lock()
	e, ok := m.entries[s.ServerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.state = StateDegraded
	server := e.server
	already := e.reconnectTimer != nil
	m.mu.Unlock()

	if already {
		return
	}
	m.log.Warn().Str("server_id", s.ServerID).Str("reason", reason).Msg("Session lost, scheduling reconnect")
	m.scheduleReconnect(e, server, m.cfg.Policy.Delay(1))
}

// scheduleReconnect arms a cancelable timer; Shutdown drains all of them.
func (m *Manager) scheduleReconnect(e *serverEntry, server *types.ServerDescriptor, delay time.Duration) {
	m.mu.Lock()
	if e.reconnectTimer != nil {
		e.reconnectTimer.Stop()
	}
	e.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		e.reconnectTimer = nil
		m.mu.Unlock()

		select {
		case <-m.stop:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		m.Establish(ctx, server)
	})
	m.mu.Unlock()
}

func (m *Manager) setState(e *serverEntry, state ServerState) {
	m.mu.Lock()
	e.state = state
	m.mu.Unlock()
}

// probeLoop verifies connected sessions at the configured interval. A
// failed probe, or a quality score below the threshold, triggers
// re-selection through the normal Establish path.
func (m *Manager) probeLoop() {
	defer m.wg.Done()
	defer logging.RecoverPanic(m.log, "manager probeLoop")

	interval := m.cfg.HealthProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probeAll()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) probeAll() {
	m.mu.Lock()
	targets := make([]*serverEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.state == StateConnected || e.state == StateDegraded {
			targets = append(targets, e)
		}
	}
	m.mu.Unlock()

	for _, e := range targets {
		m.probe(e)
	}
}

func (m *Manager) probe(e *serverEntry) {
	serverID := e.server.ID
	session, ok := m.registry.Connected(serverID)
	if !ok {
		m.log.Warn().Str("server_id", serverID).Msg("Health probe found no live session")
		m.scheduleReconnect(e, e.server, 0)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timing.RequestTimeout)
	started := time.Now()
	_, perr := session.Request(ctx, protocol.OpSystemPing, nil)
	cancel()
	latency := time.Since(started)
	e.quality.Observe(perr == nil, latency)

	score := e.quality.Score()
	switch {
	case perr != nil:
		m.log.Warn().Str("server_id", serverID).Err(perr).Msg("Health probe failed")
		session.Close(ReasonTransportLost)
	case float64(score) < m.cfg.QualityThreshold,
		e.quality.FailureRate() > m.cfg.FailureRateThreshold:
		// The link answers but too poorly to trust; count it as a failure
		// for failover purposes.
		m.log.Warn().Str("server_id", serverID).Int("quality", score).
			Float64("failure_rate", e.quality.FailureRate()).
			Msg("Connection quality below threshold, failing over")
		session.Close(ReasonTransportLost)
	default:
		m.log.Debug().Str("server_id", serverID).Int("quality", score).
			Dur("latency", latency).Msg("Health probe ok")
	}
}

// Shutdown cancels all reconnect timers, stops probing and closes every
// session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		for _, e := range m.entries {
			if e.reconnectTimer != nil {
				e.reconnectTimer.Stop()
				e.reconnectTimer = nil
			}
			e.state = StateClosed
		}
		m.mu.Unlock()
		m.registry.CloseAll(ReasonShutdown)
		m.wg.Wait()
	})
}
