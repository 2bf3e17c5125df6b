package adapter

import (
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// DefaultFactory builds the three concrete transports from a server's
// per-mode connection config.
type DefaultFactory struct {
	codec *protocol.Codec
	log   zerolog.Logger
}

// NewFactory returns the production adapter factory.
func NewFactory(codec *protocol.Codec, logger zerolog.Logger) *DefaultFactory {
	return &DefaultFactory{codec: codec, log: logger}
}

// New builds an unconnected adapter for the given mode.
func (f *DefaultFactory) New(server *types.ServerDescriptor, mode types.Mode) (Adapter, error) {
	cc := server.ConnectionConfig
	switch mode {
	case types.ModePlugin:
		if cc.Plugin == nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "server %s has no plugin endpoint", server.ID)
		}
		return NewPluginAdapter(server.ID, *cc.Plugin, f.codec, f.log), nil
	case types.ModeRCON:
		if cc.RCON == nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "server %s has no rcon endpoint", server.ID)
		}
		return NewRCONAdapter(server.ID, *cc.RCON, f.log), nil
	case types.ModeTerminal:
		if cc.Terminal == nil {
			return nil, protocol.Errorf(protocol.CodeInvalidRequest, "server %s has no terminal endpoint", server.ID)
		}
		return NewTerminalAdapter(server.ID, *cc.Terminal, f.log), nil
	}
	return nil, protocol.Errorf(protocol.CodeInvalidRequest, "unknown connection mode %q", mode)
}
