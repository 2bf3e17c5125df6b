package adapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

const (
	pluginDialTimeout  = 10 * time.Second
	pluginWriteTimeout = 10 * time.Second
	pluginAuthTimeout  = 10 * time.Second
	inboundQueueSize   = 256
)

// PluginAdapter dials out to a server's plugin websocket endpoint and speaks
// framed U-WBP v2. It is the only transport with the full capability set.
//
// The adapter is pure transport: it decodes frames onto Inbound and writes
// frames via SendRaw. Request correlation lives in the owning session, which
// is Inbound's single reader. SendCommand therefore returns ErrNotSupported
// here; command execution over plugin goes through the session as a
// command.execute request frame.
type PluginAdapter struct {
	serverID string
	endpoint types.PluginEndpoint
	codec    *protocol.Codec
	log      zerolog.Logger

	mu        sync.Mutex // guards conn writes and state transitions
	conn      *websocket.Conn
	connected bool

	inbound   chan protocol.Frame
	closeOnce sync.Once
}

// NewPluginAdapter builds an unconnected plugin adapter.
func NewPluginAdapter(serverID string, endpoint types.PluginEndpoint, codec *protocol.Codec, logger zerolog.Logger) *PluginAdapter {
	return &PluginAdapter{
		serverID: serverID,
		endpoint: endpoint,
		codec:    codec,
		log:      logger.With().Str("server_id", serverID).Str("mode", "plugin").Logger(),
		inbound:  make(chan protocol.Frame, inboundQueueSize),
	}
}

func (a *PluginAdapter) Mode() types.Mode            { return types.ModePlugin }
func (a *PluginAdapter) Capabilities() CapabilitySet { return capsOf(types.ModePlugin) }

// Connect dials the endpoint and completes the auth handshake: the first
// frame after socket open must be the auth request, and the peer must answer
// it with success before any other traffic.
func (a *PluginAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: pluginDialTimeout}
	conn, resp, err := dialer.DialContext(ctx, a.endpoint.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "dialing plugin endpoint: %v", err)
	}

	if err := a.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	a.conn = conn
	a.connected = true
	go a.readLoop(conn)
	a.log.Debug().Str("url", a.endpoint.URL).Msg("Plugin transport connected")
	return nil
}

func (a *PluginAdapter) handshake(conn *websocket.Conn) error {
	authReq, err := protocol.NewRequest("auth-1", protocol.OpAuth, a.serverID, map[string]any{
		"serverId": a.serverID,
		"token":    a.endpoint.Token,
	})
	if err != nil {
		return err
	}
	data, err := a.codec.Encode(authReq)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(pluginWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "writing auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(pluginAuthTimeout))
	defer conn.SetReadDeadline(time.Time{})
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "awaiting auth response: %v", err)
	}
	frame, err := a.codec.Decode(raw)
	if err != nil {
		return err
	}
	if frame.Type != protocol.TypeResponse || frame.ID != authReq.ID {
		return protocol.NewError(protocol.CodeProtocolViolation, "first peer frame is not the auth response")
	}
	if frame.Error != nil {
		return frame.Error
	}
	return nil
}

func (a *PluginAdapter) readLoop(conn *websocket.Conn) {
	defer logging.RecoverPanic(a.log, "plugin readLoop")
	// The loop is Inbound's only sender, so it alone may close the channel.
	defer func() {
		a.mu.Lock()
		a.disconnectLocked()
		a.mu.Unlock()
		a.closeOnce.Do(func() { close(a.inbound) })
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			a.log.Debug().Err(err).Msg("Plugin transport closed")
			return
		}
		frame, err := a.codec.Decode(raw)
		if err != nil {
			// Protocol violations close the session per the wire contract.
			a.log.Warn().Err(err).Msg("Closing plugin transport on protocol violation")
			return
		}
		select {
		case a.inbound <- frame:
		default:
			// The session reader has stalled. Dropping a response frame
			// surfaces as a request timeout, which is the right failure.
			a.log.Warn().Str("type", string(frame.Type)).Msg("Inbound queue full, dropping frame")
		}
	}
}

// SendRaw writes one frame to the peer.
func (a *PluginAdapter) SendRaw(frame protocol.Frame) error {
	data, err := a.codec.Encode(frame)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return protocol.NewError(protocol.CodeSessionClosed, "plugin transport not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(pluginWriteTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "writing frame: %v", err)
	}
	return nil
}

// SendCommand is not served at the transport level for plugin; commands flow
// as correlated request frames through the session.
func (a *PluginAdapter) SendCommand(ctx context.Context, command string) (*CommandResult, error) {
	return nil, fmt.Errorf("plugin adapter: %w", ErrNotSupported)
}

func (a *PluginAdapter) Inbound() <-chan protocol.Frame { return a.inbound }

func (a *PluginAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close tears the transport down. With a read loop running it only closes
// the socket; the loop's exit path closes Inbound, so no in-flight send can
// race the close. Without a loop the channel is closed here.
func (a *PluginAdapter) Close() error {
	a.mu.Lock()
	looping := a.conn != nil
	a.disconnectLocked()
	a.mu.Unlock()
	if !looping {
		a.closeOnce.Do(func() { close(a.inbound) })
	}
	return nil
}

func (a *PluginAdapter) disconnectLocked() {
	a.connected = false
	if a.conn != nil {
		a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		a.conn.Close()
	}
}
