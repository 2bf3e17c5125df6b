package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/audit"
	"github.com/ubridge-dev/ubridge/internal/cache"
	"github.com/ubridge-dev/ubridge/internal/connection"
	"github.com/ubridge-dev/ubridge/internal/degrade"
	"github.com/ubridge-dev/ubridge/internal/events"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/retry"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// echoAdapter is a framed transport that answers every request with a
// success payload, standing in for a live plugin connector.
type echoAdapter struct {
	mu        sync.Mutex
	connected bool
	requests  []protocol.Frame
	inbound   chan protocol.Frame
	closeOnce sync.Once
}

func newEchoAdapter() *echoAdapter {
	return &echoAdapter{connected: true, inbound: make(chan protocol.Frame, 64)}
}

func (a *echoAdapter) Mode() types.Mode { return types.ModePlugin }

func (a *echoAdapter) Capabilities() adapter.CapabilitySet {
	return adapter.CapabilitySet{
		adapter.CapCommands: true, adapter.CapEvents: true,
		adapter.CapMetrics: true, adapter.CapSubscriptions: true, adapter.CapRaw: true,
	}
}

func (a *echoAdapter) Connect(context.Context) error { return nil }

func (a *echoAdapter) Close() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.closeOnce.Do(func() { close(a.inbound) })
	return nil
}

func (a *echoAdapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *echoAdapter) SendCommand(context.Context, string) (*adapter.CommandResult, error) {
	return &adapter.CommandResult{Success: true}, nil
}

func (a *echoAdapter) SendRaw(frame protocol.Frame) error {
	a.mu.Lock()
	a.requests = append(a.requests, frame)
	a.mu.Unlock()
	if frame.Type == protocol.TypeRequest {
		resp, err := protocol.NewResponse(frame, map[string]any{"success": true, "echoedOp": frame.Op})
		if err != nil {
			return err
		}
		a.inbound <- resp
	}
	return nil
}

func (a *echoAdapter) Inbound() <-chan protocol.Frame { return a.inbound }

func (a *echoAdapter) sentOps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.requests))
	for _, frame := range a.requests {
		out = append(out, frame.Op)
	}
	return out
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	st := store.NewMemory()
	registry := connection.NewRegistry()
	manager := connection.NewManager(connection.ManagerConfig{
		Policy: retry.Policy{MaxAttempts: 1, BaseInterval: time.Millisecond,
			MaxInterval: time.Millisecond, Multiplier: 1},
		Timing: connection.Timing{RequestTimeout: 2 * time.Second},
	}, nil, registry, zerolog.Nop(), monitoring.NewMetrics(), nil, connection.Hooks{})
	t.Cleanup(manager.Shutdown)

	bus := events.NewBus(events.Config{QueueSize: 16}, zerolog.Nop(), monitoring.NewMetrics(), nil)
	t.Cleanup(bus.Close)

	degrader := degrade.New(degrade.Config{
		Enabled:              true,
		MaxCachedOperations:  16,
		CacheExpiration:      time.Hour,
		Strategy:             types.ResolveServerWins,
		MaxPermissionRetries: 3,
	}, zerolog.Nop(), monitoring.NewMetrics(), nil, nil, nil, nil)
	t.Cleanup(degrader.Close)

	c := cache.New(cache.Config{MaxBytes: 1 << 20}, zerolog.Nop(), monitoring.NewMetrics())
	t.Cleanup(c.Close)

	return &Deps{
		Store:    st,
		Registry: registry,
		Manager:  manager,
		Bus:      bus,
		Degrader: degrader,
		Audit:    audit.NewLogger(zerolog.Nop()),
		Cache:    c,
		System:   monitoring.NewSystemMonitor(),
		Log:      zerolog.Nop(),
	}
}

// attachSession puts a live echo session for serverID into the registry.
func attachSession(t *testing.T, deps *Deps, serverID string) *echoAdapter {
	t.Helper()
	ad := newEchoAdapter()
	session := connection.NewSession(serverID, ad, connection.Timing{RequestTimeout: 2 * time.Second},
		zerolog.Nop(), monitoring.NewMetrics(), nil, nil)
	t.Cleanup(func() { session.Close(connection.ReasonShutdown) })
	deps.Registry.Attach(session)
	return ad
}

func makeRequest(t *testing.T, op, serverID string, payload any, caller router.Caller) *router.Request {
	t.Helper()
	frame, err := protocol.NewRequest("req-1", op, serverID, payload)
	require.NoError(t, err)
	return &router.Request{Frame: frame, Caller: caller}
}

func TestCommandTranslations(t *testing.T) {
	cases := []struct {
		op   string
		data map[string]any
		want string
	}{
		{protocol.OpServerSave, nil, "save-all"},
		{protocol.OpServerRestart, nil, "restart"},
		{protocol.OpServerShutdown, nil, "stop"},
		{protocol.OpServerBroadcast, map[string]any{"message": "maintenance at noon"}, "say maintenance at noon"},
		{protocol.OpPlayerList, nil, "list"},
		{protocol.OpPlayerKick, map[string]any{"playerName": "griefer"}, "kick griefer"},
		{protocol.OpPlayerKick, map[string]any{"playerName": "griefer", "reason": "stealing"}, "kick griefer stealing"},
		{protocol.OpPlayerMessage, map[string]any{"playerName": "alice", "message": "hi"}, "tell alice hi"},
		{protocol.OpWhitelistGet, nil, "whitelist list"},
		{protocol.OpWhitelistAdd, map[string]any{"playerName": "alice"}, "whitelist add alice"},
		{protocol.OpWhitelistRemove, map[string]any{"playerId": "alice"}, "whitelist remove alice"},
	}
	for _, tc := range cases {
		got, perr := commandFor(tc.op, tc.data)
		require.Nil(t, perr, "op %s", tc.op)
		require.Equal(t, tc.want, got)
	}
}

func TestCommandTranslationErrors(t *testing.T) {
	_, perr := commandFor(protocol.OpServerBroadcast, nil)
	require.NotNil(t, perr)

	_, perr = commandFor(protocol.OpPlayerKick, map[string]any{})
	require.NotNil(t, perr)

	_, perr = commandFor(protocol.OpServerGetInfo, nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestCommandArgumentsAreSanitized(t *testing.T) {
	got, perr := commandFor(protocol.OpServerBroadcast,
		map[string]any{"message": "hello\nstop"})
	require.Nil(t, perr)
	require.Equal(t, "say hello stop", got)
}

func TestTargetServerPrefersFrameField(t *testing.T) {
	req := makeRequest(t, protocol.OpServerSave, "srv-frame",
		map[string]any{"serverId": "srv-body"}, router.Caller{})
	require.Equal(t, "srv-frame", targetServer(req))

	req = makeRequest(t, protocol.OpServerSave, "",
		map[string]any{"serverId": "srv-body"}, router.Caller{})
	require.Equal(t, "srv-body", targetServer(req))
}

func TestPing(t *testing.T) {
	deps := newTestDeps(t)
	payload, perr := deps.handlePing(context.Background(),
		makeRequest(t, protocol.OpSystemPing, "", nil, router.Caller{}))
	require.Nil(t, perr)
	body := payload.(map[string]any)
	require.Equal(t, true, body["pong"])
}

func TestServerGetInfoUnknownServer(t *testing.T) {
	deps := newTestDeps(t)
	_, perr := deps.handleServerGetInfo(context.Background(),
		makeRequest(t, protocol.OpServerGetInfo, "ghost", nil, router.Caller{}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestServerGetInfoServesFromCache(t *testing.T) {
	deps := newTestDeps(t)
	ctx := context.Background()
	require.NoError(t, deps.Store.PutServer(ctx, &types.ServerDescriptor{
		ID: "srv-1", Name: "alpha", PreferredMode: types.ModePlugin,
	}))

	payload, perr := deps.handleServerGetInfo(ctx,
		makeRequest(t, protocol.OpServerGetInfo, "srv-1", nil, router.Caller{}))
	require.Nil(t, perr)
	require.Equal(t, true, payload.(map[string]any)["success"])

	// A warm cache keeps serving after the record disappears from the store.
	require.NoError(t, deps.Store.DeleteServer(ctx, "srv-1"))
	_, perr = deps.handleServerGetInfo(ctx,
		makeRequest(t, protocol.OpServerGetInfo, "srv-1", nil, router.Caller{}))
	require.Nil(t, perr)
}

func TestForwardToLiveSession(t *testing.T) {
	deps := newTestDeps(t)
	ad := attachSession(t, deps, "srv-1")

	payload, perr := deps.forward(context.Background(),
		makeRequest(t, protocol.OpServerSave, "srv-1", nil, router.Caller{UserID: "u1"}),
		protocol.OpServerSave)
	require.Nil(t, perr)
	require.NotNil(t, payload)
	require.Contains(t, ad.sentOps(), protocol.OpServerSave)
}

func TestForwardDegradesWhenUnreachable(t *testing.T) {
	deps := newTestDeps(t)

	payload, perr := deps.forward(context.Background(),
		makeRequest(t, protocol.OpWhitelistAdd, "srv-down",
			map[string]any{"playerId": "alice"}, router.Caller{UserID: "u1"}),
		protocol.OpWhitelistAdd)
	require.Nil(t, perr)
	body := payload.(map[string]any)
	require.Equal(t, true, body["deferred"])
	require.NotEmpty(t, body["pendingOperationId"])
	require.Len(t, deps.Degrader.Pending("srv-down"), 1)
}

func TestForwardRefusesCriticalWhenUnreachable(t *testing.T) {
	deps := newTestDeps(t)

	_, perr := deps.forward(context.Background(),
		makeRequest(t, protocol.OpPlayerKick, "srv-down",
			map[string]any{"playerId": "griefer"}, router.Caller{UserID: "u1"}),
		protocol.OpPlayerKick)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeServerUnavailable, perr.Code)
}

func TestForwardRequiresServerID(t *testing.T) {
	deps := newTestDeps(t)
	_, perr := deps.forward(context.Background(),
		makeRequest(t, protocol.OpServerSave, "", nil, router.Caller{}),
		protocol.OpServerSave)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestCommandExecuteOnLiveSession(t *testing.T) {
	deps := newTestDeps(t)
	attachSession(t, deps, "srv-1")

	payload, perr := deps.handleCommandExecute(context.Background(),
		makeRequest(t, protocol.OpCommandExecute, "srv-1",
			map[string]any{"command": "time set day"}, router.Caller{UserID: "u1"}))
	require.Nil(t, perr)
	require.Equal(t, true, payload.(map[string]any)["success"])
}

func TestCommandExecuteNeverCached(t *testing.T) {
	deps := newTestDeps(t)

	_, perr := deps.handleCommandExecute(context.Background(),
		makeRequest(t, protocol.OpCommandExecute, "srv-down",
			map[string]any{"command": "time set day"}, router.Caller{UserID: "u1"}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeServerUnavailable, perr.Code)
	require.Empty(t, deps.Degrader.Pending("srv-down"))
}

func TestCommandExecuteRequiresCommand(t *testing.T) {
	deps := newTestDeps(t)
	attachSession(t, deps, "srv-1")

	_, perr := deps.handleCommandExecute(context.Background(),
		makeRequest(t, protocol.OpCommandExecute, "srv-1", nil, router.Caller{}))
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}
