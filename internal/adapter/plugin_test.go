package adapter

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

func TestPluginCloseWithoutConnectClosesInbound(t *testing.T) {
	a := NewPluginAdapter("srv-1", types.PluginEndpoint{URL: "ws://127.0.0.1:1/ws"},
		protocol.NewCodec(0), zerolog.Nop())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, open := <-a.Inbound()
	require.False(t, open)
	require.False(t, a.Connected())
}

func TestPluginSendRawBeforeConnect(t *testing.T) {
	a := NewPluginAdapter("srv-1", types.PluginEndpoint{URL: "ws://127.0.0.1:1/ws"},
		protocol.NewCodec(0), zerolog.Nop())
	err := a.SendRaw(protocol.Frame{Type: protocol.TypeHeartbeat})
	var perr *protocol.Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, protocol.CodeSessionClosed, perr.Code)
}
