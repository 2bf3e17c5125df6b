package hub

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

const (
	inboundQueueSize = 256
	writeTimeout     = 10 * time.Second
)

// inboundTransport adapts an accepted connector socket to the adapter
// contract so the session layer treats it like any plugin link. Request
// frames from the peer bypass the session and go to onRequest; everything
// else feeds Inbound for the session's correlation and event machinery.
type inboundTransport struct {
	conn      net.Conn
	codec     *protocol.Codec
	serverID  string
	remoteIP  string
	log       zerolog.Logger
	onRequest func(frame protocol.Frame)
	onClosed  func()

	writeMu sync.Mutex
	inbound chan protocol.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

func newInboundTransport(conn net.Conn, codec *protocol.Codec, serverID, remoteIP string,
	logger zerolog.Logger, onRequest func(protocol.Frame), onClosed func()) *inboundTransport {
	return &inboundTransport{
		conn:      conn,
		codec:     codec,
		serverID:  serverID,
		remoteIP:  remoteIP,
		log:       logger,
		onRequest: onRequest,
		onClosed:  onClosed,
		inbound:   make(chan protocol.Frame, inboundQueueSize),
		closed:    make(chan struct{}),
	}
}

func (t *inboundTransport) Mode() types.Mode { return types.ModePlugin }

func (t *inboundTransport) Capabilities() adapter.CapabilitySet {
	return adapter.CapabilitySet{
		adapter.CapCommands:      true,
		adapter.CapEvents:        true,
		adapter.CapMetrics:       true,
		adapter.CapSubscriptions: true,
		adapter.CapRaw:           true,
	}
}

// Connect is satisfied at accept time.
func (t *inboundTransport) Connect(_ context.Context) error { return nil }

func (t *inboundTransport) Connected() bool {
	select {
	case <-t.closed:
		return false
	default:
		return true
	}
}

// SendCommand is the session's job on framed transports.
func (t *inboundTransport) SendCommand(_ context.Context, _ string) (*adapter.CommandResult, error) {
	return nil, adapter.ErrNotSupported
}

func (t *inboundTransport) SendRaw(frame protocol.Frame) error {
	data, err := t.codec.Encode(frame)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if !t.Connected() {
		return protocol.NewError(protocol.CodeSessionClosed, "connector socket closed")
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := wsutil.WriteServerMessage(t.conn, ws.OpText, data); err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "writing frame: %v", err)
	}
	return nil
}

func (t *inboundTransport) Inbound() <-chan protocol.Frame { return t.inbound }

func (t *inboundTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *inboundTransport) shutdown() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
		close(t.inbound)
		if t.onClosed != nil {
			t.onClosed()
		}
	})
}

// readPump drains the socket until it errors or violates the protocol.
// Control frames are answered inline; request frames route to the hub's
// dispatcher, everything else to the owning session.
func (t *inboundTransport) readPump() {
	defer logging.RecoverPanic(t.log, "inbound readPump")
	defer t.shutdown()

	reader := wsutil.NewReader(t.conn, ws.StateServerSide)
	for {
		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Msg("Connector socket read failed")
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			wsutil.WriteServerMessage(t.conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			t.writeMu.Lock()
			err := wsutil.WriteServerMessage(t.conn, ws.OpPong, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		case ws.OpText, ws.OpBinary:
			// The length is peer-claimed; reject it before allocating.
			if head.Length > int64(t.codec.MaxFrameSize) {
				t.log.Warn().Int64("length", head.Length).Str("server_id", t.serverID).
					Msg("Closing connector socket on oversized frame")
				return
			}
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				t.log.Debug().Err(err).Msg("Connector socket payload read failed")
				return
			}
			frame, err := t.codec.Decode(payload)
			if err != nil {
				t.log.Warn().Err(err).Str("server_id", t.serverID).
					Msg("Closing connector socket on protocol violation")
				return
			}
			if frame.Type == protocol.TypeRequest {
				t.onRequest(frame)
				continue
			}
			select {
			case t.inbound <- frame:
			default:
				// A stalled session reader surfaces as request timeouts.
				t.log.Warn().Str("type", string(frame.Type)).Msg("Inbound queue full, dropping frame")
			}
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}

// readFrame reads exactly one data frame, used for the auth handshake
// before the pump starts. The deadline bounds the whole exchange.
func (t *inboundTransport) readFrame(deadline time.Time) (protocol.Frame, error) {
	t.conn.SetReadDeadline(deadline)
	defer t.conn.SetReadDeadline(time.Time{})

	reader := wsutil.NewReader(t.conn, ws.StateServerSide)
	for {
		head, err := reader.NextFrame()
		if err != nil {
			return protocol.Frame{}, err
		}
		switch head.OpCode {
		case ws.OpText, ws.OpBinary:
			// The length is peer-claimed and the peer is unauthenticated
			// here; reject it before allocating.
			if head.Length > int64(t.codec.MaxFrameSize) {
				return protocol.Frame{}, protocol.Errorf(protocol.CodeProtocolViolation,
					"frame size %d exceeds limit %d", head.Length, t.codec.MaxFrameSize)
			}
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return protocol.Frame{}, err
			}
			return t.codec.Decode(payload)
		case ws.OpClose:
			return protocol.Frame{}, io.EOF
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return protocol.Frame{}, err
			}
		}
	}
}
