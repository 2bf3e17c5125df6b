// Package protocol implements the U-WBP v2 wire format: JSON frames carrying
// requests, responses, events and heartbeats between the hub and server
// connectors. The codec validates version and size on decode; correlation
// ids are allocated per session by IDGenerator.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Version is the only protocol version this hub speaks.
const Version = 2

// DefaultMaxFrameSize bounds a single encoded frame. Frames above the limit
// close the session with reason protocol_violation.
const DefaultMaxFrameSize = 1 << 20

// FrameType discriminates the four frame shapes.
type FrameType string

const (
	TypeRequest   FrameType = "request"
	TypeResponse  FrameType = "response"
	TypeEvent     FrameType = "event"
	TypeHeartbeat FrameType = "heartbeat"
)

// Core operation namespace. Handlers register under these tags; adapters map
// them onto transport-specific actions.
const (
	OpAuth = "auth"

	OpEventSubscribe   = "event.subscribe"
	OpEventUnsubscribe = "event.unsubscribe"
	OpEventList        = "event.list"

	OpServerGetInfo    = "server.get_info"
	OpServerGetStatus  = "server.get_status"
	OpServerGetMetrics = "server.get_metrics"
	OpServerSave       = "server.save"
	OpServerRestart    = "server.restart"
	OpServerShutdown   = "server.shutdown"
	OpServerBroadcast  = "server.broadcast"

	OpPlayerList    = "player.list"
	OpPlayerGetInfo = "player.get_info"
	OpPlayerKick    = "player.kick"
	OpPlayerMessage = "player.message"

	OpWhitelistGet    = "whitelist.get"
	OpWhitelistAdd    = "whitelist.add"
	OpWhitelistRemove = "whitelist.remove"

	OpCommandExecute = "command.execute"
	OpSystemPing     = "system.ping"
)

// Well-known event kinds carried in the op field of event frames.
const (
	EventPlayerJoin       = "player.join"
	EventPlayerLeave      = "player.leave"
	EventPlayerChat       = "player.chat"
	EventPlayerCommand    = "player.command"
	EventServerStatus     = "server.status"
	EventServerLog        = "server.log"
	EventServerDiagnostic = "server.diagnostic"
	EventWorldChange      = "world.change"
)

// Frame is one U-WBP v2 wire unit.
//
// Requests carry id+op; responses echo both. Events carry op (the event
// kind) but no id. Heartbeats carry only type+timestamp; the version field
// is optional for them and mandatory elsewhere.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Version   int             `json:"version,omitempty"`
	ServerID  string          `json:"serverId,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Ack is the minimal success payload; richer payloads embed it.
type Ack struct {
	Success bool `json:"success"`
}

// OK returns a positive Ack for embedding in response payloads.
func OK() Ack { return Ack{Success: true} }

var failData = json.RawMessage(`{"success":false}`)

// Codec encodes and decodes frames with a size guard.
type Codec struct {
	MaxFrameSize int
}

// NewCodec returns a codec enforcing maxFrameSize, or DefaultMaxFrameSize
// when maxFrameSize <= 0.
func NewCodec(maxFrameSize int) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{MaxFrameSize: maxFrameSize}
}

// Encode serializes f, stamping the protocol version if unset.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	if f.Version == 0 {
		f.Version = Version
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	if len(data) > c.MaxFrameSize {
		return nil, Errorf(CodeProtocolViolation, "frame size %d exceeds limit %d", len(data), c.MaxFrameSize)
	}
	return data, nil
}

// Decode parses and validates one frame. Violations (oversize, bad JSON,
// wrong version, malformed shape) return a PROTOCOL_VIOLATION error; the
// session owning the transport must close on them.
func (c *Codec) Decode(data []byte) (Frame, error) {
	var f Frame
	if len(data) > c.MaxFrameSize {
		return f, Errorf(CodeProtocolViolation, "frame size %d exceeds limit %d", len(data), c.MaxFrameSize)
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, Errorf(CodeProtocolViolation, "malformed frame: %v", err)
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	return f, nil
}

// Validate checks the structural rules for the frame's type.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeRequest:
		if f.ID == "" || f.Op == "" {
			return NewError(CodeProtocolViolation, "request frame requires id and op")
		}
	case TypeResponse:
		if f.ID == "" {
			return NewError(CodeProtocolViolation, "response frame requires id")
		}
	case TypeEvent:
		if f.Op == "" {
			return NewError(CodeProtocolViolation, "event frame requires op")
		}
		if f.ID != "" {
			return NewError(CodeProtocolViolation, "event frame must not carry id")
		}
	case TypeHeartbeat:
		if f.Version != 0 && f.Version != Version {
			return Errorf(CodeProtocolViolation, "unsupported protocol version %d", f.Version)
		}
		return nil
	default:
		return Errorf(CodeProtocolViolation, "unknown frame type %q", f.Type)
	}
	if f.Version != Version {
		return Errorf(CodeProtocolViolation, "unsupported protocol version %d", f.Version)
	}
	return nil
}

// NewRequest builds a request frame with marshaled payload.
func NewRequest(id, op, serverID string, payload any) (Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      TypeRequest,
		ID:        id,
		Op:        op,
		Data:      data,
		Timestamp: nowMillis(),
		Version:   Version,
		ServerID:  serverID,
	}, nil
}

// NewResponse builds the success response for req with marshaled payload.
// The payload should embed Ack with Success=true.
func NewResponse(req Frame, payload any) (Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      TypeResponse,
		ID:        req.ID,
		Op:        req.Op,
		Data:      data,
		Timestamp: nowMillis(),
		Version:   Version,
		ServerID:  req.ServerID,
	}, nil
}

// NewErrorResponse builds the failure response for req.
func NewErrorResponse(req Frame, perr *Error) Frame {
	return Frame{
		Type:      TypeResponse,
		ID:        req.ID,
		Op:        req.Op,
		Data:      failData,
		Timestamp: nowMillis(),
		Version:   Version,
		ServerID:  req.ServerID,
		Error:     perr,
	}
}

// NewEvent builds an event frame for the given server and kind.
func NewEvent(serverID, kind string, payload any) (Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Type:      TypeEvent,
		Op:        kind,
		Data:      data,
		Timestamp: nowMillis(),
		Version:   Version,
		ServerID:  serverID,
	}, nil
}

// NewHeartbeat builds a heartbeat frame.
func NewHeartbeat() Frame {
	return Frame{Type: TypeHeartbeat, Timestamp: nowMillis(), Version: Version}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// IDGenerator allocates correlation ids unique within one session.
type IDGenerator struct {
	prefix string
	seq    atomic.Uint64
}

// NewIDGenerator returns a generator producing "<prefix>-<n>" ids.
func NewIDGenerator(prefix string) *IDGenerator {
	return &IDGenerator{prefix: prefix}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	return g.prefix + "-" + strconv.FormatUint(g.seq.Add(1), 10)
}
