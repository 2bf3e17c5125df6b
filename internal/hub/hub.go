// Package hub is the inbound listener: it accepts connector websockets,
// walks them through admission and the auth-first handshake, and installs
// the survivors as live sessions. It also serves the health and metrics
// endpoints.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/auth"
	"github.com/ubridge-dev/ubridge/internal/connection"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/security"
	"github.com/ubridge-dev/ubridge/internal/service"
	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

const defaultAuthTimeout = 10 * time.Second

// Config carries the listener's tunables.
type Config struct {
	Addr           string
	MaxFrameSize   int
	AuthTimeout    time.Duration
	RequestTimeout time.Duration
}

// Deps are the collaborators the listener consults.
type Deps struct {
	Gate     *security.Gate
	Auth     *auth.Manager
	Store    store.Store
	Manager  *connection.Manager
	Registry *connection.Registry
	Router   *router.Router
	Metrics  *monitoring.Metrics
	Admin    *service.Admin
	Health   func(ctx context.Context) service.HealthReport
	Log      zerolog.Logger
}

type link struct {
	session   *connection.Session
	transport *inboundTransport
}

// Listener accepts and serves connector sockets.
type Listener struct {
	cfg   Config
	deps  Deps
	codec *protocol.Codec
	srv   *http.Server

	mu    sync.Mutex
	links map[string]*link // session id -> link
}

// NewListener builds the listener; call Start to begin accepting.
func NewListener(cfg Config, deps Deps) *Listener {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	l := &Listener{
		cfg:   cfg,
		deps:  deps,
		codec: protocol.NewCodec(cfg.MaxFrameSize),
		links: make(map[string]*link),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", l.handleWS)
	mux.HandleFunc("/healthz", l.handleHealthz)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}
	if deps.Admin != nil {
		mux.HandleFunc("/admin/execute", l.handleAdminExecute)
	}
	l.srv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return l
}

// Start begins serving. The returned error channel reports a listener
// failure after start-up; http.ErrServerClosed is swallowed.
func (l *Listener) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		defer logging.RecoverPanic(l.deps.Log, "hub listener")
		l.deps.Log.Info().Str("addr", l.cfg.Addr).Msg("Hub listening")
		if err := l.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop drains the HTTP server and closes every connector socket.
func (l *Listener) Stop(ctx context.Context) {
	l.srv.Shutdown(ctx)

	l.mu.Lock()
	links := make([]*link, 0, len(l.links))
	for _, lk := range l.links {
		links = append(links, lk)
	}
	l.mu.Unlock()
	for _, lk := range links {
		lk.session.Close(connection.ReasonShutdown)
	}
}

func (l *Listener) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := service.HealthReport{Status: service.Healthy, At: time.Now()}
	if l.deps.Health != nil {
		report = l.deps.Health(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	if report.Status == service.Unhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// adminExecuteRequest is the body of POST /admin/execute, the operator
// tooling entry point. The caller's user id comes from the fronting proxy's
// auth header; ACL enforcement happens in the admin service.
type adminExecuteRequest struct {
	UserID   string          `json:"userId"`
	ServerID string          `json:"serverId,omitempty"`
	Op       string          `json:"op"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (l *Listener) handleAdminExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body adminExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if header := r.Header.Get("X-User-Id"); header != "" {
		body.UserID = header
	}
	if body.UserID == "" || body.Op == "" {
		http.Error(w, "userId and op are required", http.StatusBadRequest)
		return
	}

	payload, perr := l.deps.Admin.Execute(r.Context(), body.UserID, body.ServerID, body.Op, body.Data)
	w.Header().Set("Content-Type", "application/json")
	if perr != nil {
		w.WriteHeader(adminStatus(perr))
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": perr})
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{"success":true}`)
	}
	w.Write(payload)
}

func adminStatus(perr *protocol.Error) int {
	switch perr.Code {
	case protocol.CodePermissionDenied:
		return http.StatusForbidden
	case protocol.CodeInvalidRequest, protocol.CodeUnknownOperation:
		return http.StatusBadRequest
	case protocol.CodeServerUnavailable:
		return http.StatusServiceUnavailable
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (l *Listener) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if perr := l.deps.Gate.AdmitSocket(ip); perr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"error": perr})
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		l.deps.Log.Debug().Str("ip", ip).Err(err).Msg("Websocket upgrade failed")
		return
	}
	l.deps.Gate.SocketOpened(ip)
	l.handshake(conn, ip)
}

// authRequest is the payload of the mandatory first frame.
type authRequest struct {
	ServerID string `json:"serverId"`
	Token    string `json:"token"`
}

// handshake enforces auth-first: the opening frame must be the auth
// request, answered before any other traffic. Every exit path that does
// not attach a session closes the socket and returns its slot to the gate.
func (l *Listener) handshake(conn net.Conn, ip string) {
	transport := newInboundTransport(conn, l.codec, "", ip, l.deps.Log, nil, nil)
	fail := func(frame protocol.Frame, perr *protocol.Error) {
		if frame.ID != "" {
			transport.SendRaw(protocol.NewErrorResponse(frame, perr))
		}
		conn.Close()
		l.deps.Gate.SocketClosed(ip, "")
	}

	frame, err := transport.readFrame(time.Now().Add(l.cfg.AuthTimeout))
	if err != nil {
		l.deps.Log.Debug().Str("ip", ip).Err(err).Msg("No auth frame before deadline")
		fail(protocol.Frame{}, nil)
		return
	}
	if frame.Type != protocol.TypeRequest || frame.Op != protocol.OpAuth {
		fail(frame, protocol.NewError(protocol.CodeProtocolViolation, "first frame must be the auth request"))
		return
	}

	var body authRequest
	if len(frame.Data) > 0 {
		json.Unmarshal(frame.Data, &body)
	}
	if body.ServerID == "" || body.Token == "" {
		fail(frame, protocol.NewError(protocol.CodeAuthInvalid, "auth requires serverId and token"))
		return
	}

	if perr := l.deps.Gate.AdmitAuth(ip, body.ServerID); perr != nil {
		fail(frame, perr)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.AuthTimeout)
	defer cancel()

	decision, err := l.deps.Auth.Validate(ctx, body.Token, ip)
	if err != nil {
		l.deps.Log.Error().Err(err).Str("ip", ip).Msg("Token validation failed")
		fail(frame, protocol.NewError(protocol.CodeRequestFailed, "token validation failed"))
		return
	}
	if !decision.Valid || decision.ServerID != body.ServerID {
		perr := authFailure(decision, body.ServerID)
		retryAfter, blocked := l.deps.Gate.OnAuthFailure(ip, body.ServerID)
		perr = perr.WithRetryAfter(retryAfter).WithDetail("blocked", blocked)
		l.deps.Log.Warn().Str("ip", ip).Str("server_id", body.ServerID).
			Str("reason", decision.Reason).Msg("Connector auth rejected")
		fail(frame, perr)
		return
	}

	server, err := l.deps.Store.GetServer(ctx, body.ServerID)
	if err != nil {
		if err == store.ErrNotFound {
			fail(frame, protocol.Errorf(protocol.CodeAuthInvalid, "server %s is not registered", body.ServerID))
		} else {
			l.deps.Log.Error().Err(err).Msg("Server lookup failed during handshake")
			fail(frame, protocol.NewError(protocol.CodeRequestFailed, "server lookup failed"))
		}
		return
	}

	l.deps.Gate.OnAuthSuccess(ip, body.ServerID)
	l.deps.Gate.ServerBound(body.ServerID)

	transport.serverID = body.ServerID
	session := l.deps.Manager.NewInboundSession(body.ServerID, transport)
	transport.onRequest = func(req protocol.Frame) {
		go l.serveRequest(session, transport, ip, req)
	}
	transport.onClosed = func() {
		l.deps.Gate.SocketClosed(ip, body.ServerID)
		l.dropLink(session.ID)
	}

	l.mu.Lock()
	l.links[session.ID] = &link{session: session, transport: transport}
	l.mu.Unlock()
	l.deps.Manager.AttachInbound(server, session)

	resp, rerr := protocol.NewResponse(frame, map[string]any{
		"success":   true,
		"sessionId": session.ID,
	})
	if rerr != nil || transport.SendRaw(resp) != nil {
		session.Close(connection.ReasonTransportLost)
		return
	}
	go transport.readPump()
}

// authFailure maps a validation decision onto the wire error taxonomy.
func authFailure(d auth.Decision, serverID string) *protocol.Error {
	switch {
	case d.Expired:
		return protocol.NewError(protocol.CodeAuthExpired, "token expired")
	case d.Valid && !d.IPAllowed:
		return protocol.NewError(protocol.CodeIPNotAllowed, "source address not allowed for this token")
	case d.Valid && d.ServerID != serverID:
		return protocol.NewError(protocol.CodeAuthInvalid, "token is bound to another server")
	default:
		return protocol.NewError(protocol.CodeAuthInvalid, "token rejected")
	}
}

// serveRequest dispatches one wire request from a connector and writes the
// correlated response back on the same socket.
func (l *Listener) serveRequest(session *connection.Session, transport *inboundTransport, ip string, frame protocol.Frame) {
	defer logging.RecoverPanic(l.deps.Log, "hub serveRequest")

	timeout := l.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp := l.deps.Router.Dispatch(ctx, frame, router.Caller{
		SessionID: session.ID,
		ServerID:  session.ServerID,
		IP:        ip,
	})
	if err := transport.SendRaw(resp); err != nil {
		l.deps.Log.Debug().Str("id", frame.ID).Err(err).Msg("Response write failed")
	}
}

// DeliverEvent pushes one matched event to the subscribing session's
// socket. Satisfies the handler layer's deliverer contract.
func (l *Listener) DeliverEvent(sessionID string, event types.Event) error {
	l.mu.Lock()
	lk, ok := l.links[sessionID]
	l.mu.Unlock()
	if !ok {
		return protocol.Errorf(protocol.CodeSessionClosed, "session %s has no live socket", sessionID)
	}

	frame, err := protocol.NewEvent(event.ServerID, event.Kind, event.Data)
	if err != nil {
		return err
	}
	if !event.Timestamp.IsZero() {
		frame.Timestamp = event.Timestamp.UnixMilli()
	}
	return lk.transport.SendRaw(frame)
}

func (l *Listener) dropLink(sessionID string) {
	l.mu.Lock()
	delete(l.links, sessionID)
	l.mu.Unlock()
}

// ActiveLinks reports the number of live connector sockets.
func (l *Listener) ActiveLinks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.links)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
