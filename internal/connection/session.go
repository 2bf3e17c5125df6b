// Package connection owns the live link state: sessions with their
// pending-request correlation tables, the one-session-per-server registry,
// and the mode manager that establishes, probes and fails over transports.
package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Close reasons surfaced on session teardown.
const (
	ReasonShutdown          = "shutdown"
	ReasonReplaced          = "replaced"
	ReasonTransportLost     = "transport_lost"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonProtocolViolation = "protocol_violation"
)

// EventSink receives events arriving on a session, in adapter order.
type EventSink func(types.Event)

// Timing carries the protocol timers a session enforces.
type Timing struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration
}

type pendingResult struct {
	frame protocol.Frame
	err   *protocol.Error
}

type pendingRequest struct {
	op   string
	done chan pendingResult // buffered(1); resolved exactly once
}

// Session is one live link to one server over one adapter. It owns the
// pending-request table: every request it sends is resolved by a response,
// failed by deadline, or failed when the session closes. Nothing else
// touches the table.
type Session struct {
	ID       string
	ServerID string

	adapter adapter.Adapter
	timing  Timing
	log     zerolog.Logger
	metrics *monitoring.Metrics
	idGen   *protocol.IDGenerator
	now     func() time.Time

	eventSink EventSink
	onClose   func(s *Session, reason string)

	mu            sync.Mutex
	status        types.SessionStatus
	pending       map[string]*pendingRequest
	lastActivity  time.Time
	lastHeartbeat time.Time
	closeReason   string

	stop      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps a connected adapter. The read loop and, for framed
// transports, the heartbeat loop start immediately.
func NewSession(serverID string, ad adapter.Adapter, timing Timing, logger zerolog.Logger,
	metrics *monitoring.Metrics, sink EventSink, onClose func(*Session, string)) *Session {

	id := uuid.NewString()
	s := &Session{
		ID:        id,
		ServerID:  serverID,
		adapter:   ad,
		timing:    timing,
		log:       logger.With().Str("session_id", id).Str("server_id", serverID).Str("mode", string(ad.Mode())).Logger(),
		metrics:   metrics,
		idGen:     protocol.NewIDGenerator(id[:8]),
		now:       time.Now,
		eventSink: sink,
		onClose:   onClose,
		status:    types.StatusConnected,
		pending:   make(map[string]*pendingRequest),
		stop:      make(chan struct{}),
	}
	s.lastActivity = s.now()
	s.lastHeartbeat = s.now()

	if metrics != nil {
		metrics.Sessions.Opened.Inc()
		metrics.Sessions.Active.Inc()
	}

	go s.readLoop()
	if ad.Capabilities().Has(adapter.CapRaw) && timing.HeartbeatInterval > 0 {
		go s.heartbeatLoop()
	}
	return s
}

// Mode returns the transport variant backing the session.
func (s *Session) Mode() types.Mode { return s.adapter.Mode() }

// Capabilities returns the adapter's feature set.
func (s *Session) Capabilities() adapter.CapabilitySet { return s.adapter.Capabilities() }

// Status returns the current lifecycle state.
func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns the time of the last frame in either direction.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Connected reports whether the underlying transport is up.
func (s *Session) Connected() bool { return s.adapter.Connected() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// Request sends op with payload and awaits the correlated response. The
// deadline is the earliest of ctx and the configured request timeout. On
// timeout the pending entry is removed so a late response is dropped.
func (s *Session) Request(ctx context.Context, op string, payload any) (protocol.Frame, *protocol.Error) {
	if !s.adapter.Capabilities().Has(adapter.CapRaw) {
		return s.emulateRequest(ctx, op, payload)
	}

	id := s.idGen.Next()
	req, err := protocol.NewRequest(id, op, s.ServerID, payload)
	if err != nil {
		return protocol.Frame{}, protocol.Errorf(protocol.CodeInvalidRequest, "building request: %v", err)
	}

	pr := &pendingRequest{op: op, done: make(chan pendingResult, 1)}
	s.mu.Lock()
	if s.status == types.StatusClosed || s.status == types.StatusClosing {
		s.mu.Unlock()
		return protocol.Frame{}, protocol.NewError(protocol.CodeSessionClosed, "session is closed")
	}
	s.pending[id] = pr
	s.mu.Unlock()

	if sendErr := s.adapter.SendRaw(req); sendErr != nil {
		s.dropPending(id)
		if pe, ok := protocol.AsError(sendErr); ok {
			return protocol.Frame{}, pe
		}
		return protocol.Frame{}, protocol.Errorf(protocol.CodeConnectionFailed, "sending request: %v", sendErr)
	}
	s.touch()

	timeout := s.timing.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.done:
		return res.frame, res.err
	case <-timer.C:
		s.dropPending(id)
		return protocol.Frame{}, protocol.Errorf(protocol.CodeTimeout, "request %s timed out after %s", op, timeout)
	case <-ctx.Done():
		s.dropPending(id)
		return protocol.Frame{}, protocol.NewError(protocol.CodeTimeout, "request canceled")
	}
}

// emulateRequest maps the operation namespace onto command-only transports.
func (s *Session) emulateRequest(ctx context.Context, op string, payload any) (protocol.Frame, *protocol.Error) {
	switch op {
	case protocol.OpSystemPing:
		if !s.adapter.Connected() {
			return protocol.Frame{}, protocol.NewError(protocol.CodeSessionClosed, "transport not connected")
		}
		return responseFrame(op, s.ServerID, map[string]any{"success": true, "pong": true})
	case protocol.OpCommandExecute:
		var req struct {
			Command string `json:"command"`
		}
		if err := reparse(payload, &req); err != nil || req.Command == "" {
			return protocol.Frame{}, protocol.NewError(protocol.CodeInvalidRequest, "command.execute requires a command")
		}
		result, err := s.SendCommand(ctx, req.Command)
		if err != nil {
			if pe, ok := protocol.AsError(err); ok {
				return protocol.Frame{}, pe
			}
			return protocol.Frame{}, protocol.Errorf(protocol.CodeRequestFailed, "command failed: %v", err)
		}
		return responseFrame(op, s.ServerID, map[string]any{
			"success":       result.Success,
			"output":        result.Output,
			"executionTime": result.Elapsed.Milliseconds(),
		})
	}
	return protocol.Frame{}, protocol.Errorf(protocol.CodeInvalidRequest,
		"operation %s is not served by the %s transport", op, s.adapter.Mode())
}

func responseFrame(op, serverID string, payload any) (protocol.Frame, *protocol.Error) {
	frame, err := protocol.NewResponse(protocol.Frame{ID: "local", Op: op, ServerID: serverID}, payload)
	if err != nil {
		return protocol.Frame{}, protocol.Errorf(protocol.CodeRequestFailed, "encoding response: %v", err)
	}
	return frame, nil
}

func reparse(payload any, out any) error {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, out)
}

// SendCommand executes a console command over the session's transport.
func (s *Session) SendCommand(ctx context.Context, command string) (*adapter.CommandResult, error) {
	s.touch()
	if s.adapter.Capabilities().Has(adapter.CapRaw) {
		frame, perr := s.Request(ctx, protocol.OpCommandExecute, map[string]any{"command": command})
		if perr != nil {
			return nil, perr
		}
		var result adapter.CommandResult
		var body struct {
			Success       bool     `json:"success"`
			Output        []string `json:"output"`
			ExecutionTime int64    `json:"executionTime"`
		}
		if err := json.Unmarshal(frame.Data, &body); err != nil {
			return nil, protocol.Errorf(protocol.CodeRequestFailed, "decoding command response: %v", err)
		}
		result.Success = body.Success
		result.Output = body.Output
		result.Elapsed = time.Duration(body.ExecutionTime) * time.Millisecond
		return &result, nil
	}
	return s.adapter.SendCommand(ctx, command)
}

// SendEvent pushes an event frame to the connector (framed transports only).
func (s *Session) SendEvent(serverID, kind string, payload any) error {
	frame, err := protocol.NewEvent(serverID, kind, payload)
	if err != nil {
		return err
	}
	s.touch()
	return s.adapter.SendRaw(frame)
}

func (s *Session) readLoop() {
	defer logging.RecoverPanic(s.log, "session readLoop")

	for frame := range s.adapter.Inbound() {
		s.touch()
		switch frame.Type {
		case protocol.TypeResponse:
			s.resolve(frame)
		case protocol.TypeEvent:
			s.deliverEvent(frame)
		case protocol.TypeHeartbeat:
			s.onHeartbeat()
		case protocol.TypeRequest:
			// Outbound sessions do not serve peer requests; the hub's
			// inbound listener routes those before they reach a session.
			s.log.Warn().Str("op", frame.Op).Msg("Ignoring request frame on outbound session")
		}
	}
	s.Close(ReasonTransportLost)
}

func (s *Session) resolve(frame protocol.Frame) {
	s.mu.Lock()
	pr, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()
	if !ok {
		// Late response after timeout; the pending entry is already gone.
		s.log.Debug().Str("id", frame.ID).Msg("Dropping uncorrelated response")
		return
	}
	if frame.Error != nil {
		pr.done <- pendingResult{frame: frame, err: frame.Error}
		return
	}
	pr.done <- pendingResult{frame: frame}
}

func (s *Session) deliverEvent(frame protocol.Frame) {
	if s.eventSink == nil {
		return
	}
	serverID := frame.ServerID
	if serverID == "" {
		serverID = s.ServerID
	}
	var data map[string]any
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			s.log.Debug().Err(err).Str("op", frame.Op).Msg("Event payload is not an object, delivering without data")
		}
	}
	s.eventSink(types.Event{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Kind:      frame.Op,
		Timestamp: time.UnixMilli(frame.Timestamp),
		Data:      data,
	})
}

func (s *Session) onHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = s.now()
	if s.status == types.StatusDegraded {
		s.status = types.StatusConnected
		s.log.Info().Msg("Session recovered, heartbeats resumed")
	}
	s.mu.Unlock()
}

// heartbeatLoop emits heartbeats at the configured interval and enforces
// the watchdog: two missed peer heartbeats mark the session degraded,
// heartbeatTimeout beyond that closes it.
func (s *Session) heartbeatLoop() {
	defer logging.RecoverPanic(s.log, "session heartbeatLoop")

	ticker := time.NewTicker(s.timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.adapter.SendRaw(protocol.NewHeartbeat()); err != nil {
				s.log.Debug().Err(err).Msg("Heartbeat send failed")
			}
			s.checkWatchdog()
		case <-s.stop:
			return
		}
	}
}

func (s *Session) checkWatchdog() {
	s.mu.Lock()
	silent := s.now().Sub(s.lastHeartbeat)
	degradeAt := 2 * s.timing.HeartbeatInterval
	closeAt := degradeAt + s.timing.HeartbeatTimeout
	var degrade, shut bool
	switch {
	case silent >= closeAt:
		shut = true
	case silent >= degradeAt && s.status == types.StatusConnected:
		s.status = types.StatusDegraded
		degrade = true
	}
	s.mu.Unlock()

	if degrade {
		s.log.Warn().Dur("silent", silent).Msg("Session degraded, heartbeats missing")
	}
	if shut {
		s.log.Warn().Dur("silent", silent).Msg("Closing session, heartbeat timeout")
		s.Close(ReasonHeartbeatTimeout)
	}
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// PendingCount reports the in-flight request count.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CloseReason returns the reason recorded by Close, empty while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Close tears the session down: every pending request fails with
// SESSION_CLOSED, the adapter is closed and the onClose hook fires once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = types.StatusClosed
		s.closeReason = reason
		orphans := s.pending
		s.pending = make(map[string]*pendingRequest)
		s.mu.Unlock()

		close(s.stop)
		for id, pr := range orphans {
			pr.done <- pendingResult{err: protocol.Errorf(protocol.CodeSessionClosed,
				"session closed (%s) with request %s in flight", reason, id)}
		}
		s.adapter.Close()

		if s.metrics != nil {
			s.metrics.Sessions.Closed.Inc()
			s.metrics.Sessions.Active.Dec()
		}
		s.log.Info().Str("reason", reason).Int("orphaned_requests", len(orphans)).Msg("Session closed")

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}
