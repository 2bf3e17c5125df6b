// Package adapter implements the transports for reaching a game server:
// plugin (framed websocket), rcon and terminal. All three satisfy Adapter;
// capability differences are expressed as a capability set, not a type
// hierarchy, so the connection manager can pick transports by what they can
// actually serve.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Capability names one feature a transport can serve.
type Capability string

const (
	CapCommands      Capability = "commands"
	CapEvents        Capability = "events"
	CapMetrics       Capability = "metrics"
	CapSubscriptions Capability = "subscriptions"
	// CapRaw marks full-duplex framed transports that accept arbitrary
	// protocol frames (only the plugin adapter).
	CapRaw Capability = "raw"
)

// CapabilitySet is the feature set one adapter variant serves.
type CapabilitySet map[Capability]bool

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// List returns the capabilities in stable order.
func (s CapabilitySet) List() []string {
	order := []Capability{CapCommands, CapEvents, CapMetrics, CapSubscriptions, CapRaw}
	out := make([]string, 0, len(s))
	for _, c := range order {
		if s[c] {
			out = append(out, string(c))
		}
	}
	return out
}

func capsOf(mode types.Mode) CapabilitySet {
	switch mode {
	case types.ModePlugin:
		return CapabilitySet{CapCommands: true, CapEvents: true, CapMetrics: true, CapSubscriptions: true, CapRaw: true}
	case types.ModeRCON:
		return CapabilitySet{CapCommands: true}
	case types.ModeTerminal:
		return CapabilitySet{CapCommands: true, CapEvents: true}
	}
	return CapabilitySet{}
}

// ErrNotSupported is returned when an operation is outside the adapter's
// capability set.
var ErrNotSupported = errors.New("adapter: operation not supported by this transport")

// CommandResult is the outcome of one command execution on a server.
type CommandResult struct {
	Success bool          `json:"success"`
	Output  []string      `json:"output,omitempty"`
	Elapsed time.Duration `json:"executionTime"`
	Error   string        `json:"error,omitempty"`
}

// Adapter is one live transport to one server. Implementations must report
// Connected truthfully and close their Inbound channel when the transport
// goes away, so the owning session observes asynchronous closure.
type Adapter interface {
	Mode() types.Mode
	Capabilities() CapabilitySet

	Connect(ctx context.Context) error
	Close() error
	Connected() bool

	// SendCommand executes one console command. The context deadline bounds
	// the call.
	SendCommand(ctx context.Context, command string) (*CommandResult, error)

	// SendRaw writes one protocol frame. ErrNotSupported unless CapRaw.
	SendRaw(frame protocol.Frame) error

	// Inbound delivers frames from the transport: decoded plugin frames, or
	// synthesized event frames for the terminal adapter. Closed on
	// disconnect.
	Inbound() <-chan protocol.Frame
}

// Factory builds an unconnected adapter for the given server and mode.
// Returns an error when the server carries no transport settings for mode.
type Factory interface {
	New(server *types.ServerDescriptor, mode types.Mode) (Adapter, error)
}
