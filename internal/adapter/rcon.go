package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Source RCON packet types.
const (
	rconAuth          int32 = 3
	rconAuthResponse  int32 = 2
	rconExecCommand   int32 = 2
	rconResponseValue int32 = 0
)

const (
	rconDialTimeout    = 5 * time.Second
	rconDefaultTimeout = 5 * time.Second
	rconMaxPacketSize  = 4096 + 14
)

// RCONAdapter speaks the Source RCON protocol over TCP. Command execution
// only; the transport carries no inbound events, so Inbound stays empty
// until close.
//
// Packets are little-endian: int32 length, int32 request id, int32 type,
// null-terminated body, trailing null. An auth failure is signaled by an
// auth response carrying request id -1.
type RCONAdapter struct {
	serverID string
	endpoint types.RCONEndpoint
	log      zerolog.Logger

	mu        sync.Mutex // serializes the request/response exchange
	conn      net.Conn
	connected bool
	nextID    int32

	inbound   chan protocol.Frame
	closeOnce sync.Once
}

// NewRCONAdapter builds an unconnected RCON adapter.
func NewRCONAdapter(serverID string, endpoint types.RCONEndpoint, logger zerolog.Logger) *RCONAdapter {
	return &RCONAdapter{
		serverID: serverID,
		endpoint: endpoint,
		log:      logger.With().Str("server_id", serverID).Str("mode", "rcon").Logger(),
		nextID:   1,
		inbound:  make(chan protocol.Frame),
	}
}

func (a *RCONAdapter) Mode() types.Mode            { return types.ModeRCON }
func (a *RCONAdapter) Capabilities() CapabilitySet { return capsOf(types.ModeRCON) }

// Connect dials the endpoint and authenticates with the configured password.
func (a *RCONAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: rconDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", a.endpoint.Address)
	if err != nil {
		return protocol.Errorf(protocol.CodeConnectionFailed, "dialing rcon endpoint: %v", err)
	}

	id := a.nextID
	a.nextID++
	if err := writeRCONPacket(conn, id, rconAuth, a.endpoint.Password); err != nil {
		conn.Close()
		return protocol.Errorf(protocol.CodeConnectionFailed, "sending rcon auth: %v", err)
	}

	// Some servers send an empty response value before the auth response.
	conn.SetReadDeadline(time.Now().Add(rconDialTimeout))
	for {
		respID, respType, _, err := readRCONPacket(conn)
		if err != nil {
			conn.Close()
			return protocol.Errorf(protocol.CodeConnectionFailed, "reading rcon auth response: %v", err)
		}
		if respType != rconAuthResponse {
			continue
		}
		if respID == -1 {
			conn.Close()
			return protocol.NewError(protocol.CodeAuthInvalid, "rcon password rejected")
		}
		break
	}
	conn.SetReadDeadline(time.Time{})

	a.conn = conn
	a.connected = true
	a.log.Debug().Str("address", a.endpoint.Address).Msg("RCON transport connected")
	return nil
}

// SendCommand executes one command and collects its response body.
func (a *RCONAdapter) SendCommand(ctx context.Context, command string) (*CommandResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return nil, protocol.NewError(protocol.CodeSessionClosed, "rcon transport not connected")
	}

	deadline := time.Now().Add(rconDefaultTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	a.conn.SetDeadline(deadline)
	defer a.conn.SetDeadline(time.Time{})

	started := time.Now()
	id := a.nextID
	a.nextID++
	if err := writeRCONPacket(a.conn, id, rconExecCommand, command); err != nil {
		a.dropConnLocked()
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "sending rcon command: %v", err)
	}

	respID, _, body, err := readRCONPacket(a.conn)
	if err != nil {
		a.dropConnLocked()
		if isTimeout(err) {
			return nil, protocol.NewError(protocol.CodeTimeout, "rcon command timed out")
		}
		return nil, protocol.Errorf(protocol.CodeConnectionFailed, "reading rcon response: %v", err)
	}
	if respID != id {
		return nil, protocol.Errorf(protocol.CodeProtocolViolation, "rcon response id %d does not match request %d", respID, id)
	}

	result := &CommandResult{Success: true, Elapsed: time.Since(started)}
	if body != "" {
		result.Output = strings.Split(strings.TrimRight(body, "\n"), "\n")
	}
	return result, nil
}

// SendRaw is outside the RCON capability set.
func (a *RCONAdapter) SendRaw(protocol.Frame) error {
	return fmt.Errorf("rcon adapter: %w", ErrNotSupported)
}

func (a *RCONAdapter) Inbound() <-chan protocol.Frame { return a.inbound }

func (a *RCONAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Close tears the transport down.
func (a *RCONAdapter) Close() error {
	a.mu.Lock()
	a.dropConnLocked()
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.inbound) })
	return nil
}

func (a *RCONAdapter) dropConnLocked() {
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.connected = false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeRCONPacket(w io.Writer, id, packetType int32, body string) error {
	size := int32(4 + 4 + len(body) + 2)
	buf := bytes.NewBuffer(make([]byte, 0, size+4))
	binary.Write(buf, binary.LittleEndian, size)
	binary.Write(buf, binary.LittleEndian, id)
	binary.Write(buf, binary.LittleEndian, packetType)
	buf.WriteString(body)
	buf.Write([]byte{0, 0})
	_, err := w.Write(buf.Bytes())
	return err
}

func readRCONPacket(r io.Reader) (id, packetType int32, body string, err error) {
	var size int32
	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return
	}
	if size < 10 || size > rconMaxPacketSize {
		err = fmt.Errorf("rcon packet size %d out of range", size)
		return
	}
	payload := make([]byte, size)
	if _, err = io.ReadFull(r, payload); err != nil {
		return
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	packetType = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return
}
