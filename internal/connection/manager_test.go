package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/retry"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// fakeFactory builds fake adapters, failing Connect for the modes named in
// fail.
type fakeFactory struct {
	mu    sync.Mutex
	fail  map[types.Mode]bool
	built map[types.Mode]int
}

func newFakeFactory(fail ...types.Mode) *fakeFactory {
	f := &fakeFactory{fail: make(map[types.Mode]bool), built: make(map[types.Mode]int)}
	for _, mode := range fail {
		f.fail[mode] = true
	}
	return f
}

func (f *fakeFactory) New(_ *types.ServerDescriptor, mode types.Mode) (adapter.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built[mode]++
	ad := newFakeAdapter(mode)
	ad.connected = false
	if f.fail[mode] {
		ad.connectErr = errors.New("connection refused")
	}
	return ad, nil
}

func (f *fakeFactory) attempts(mode types.Mode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[mode]
}

type hookRecorder struct {
	mu          sync.Mutex
	switches    []string
	connected   chan string
	unreachable chan string
}

func newHookRecorder() *hookRecorder {
	return &hookRecorder{
		connected:   make(chan string, 8),
		unreachable: make(chan string, 8),
	}
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		OnModeSwitch: func(_ string, oldMode, newMode types.Mode) {
			h.mu.Lock()
			h.switches = append(h.switches, string(oldMode)+">"+string(newMode))
			h.mu.Unlock()
		},
		OnConnected:   func(serverID string) { h.connected <- serverID },
		OnUnreachable: func(serverID string) { h.unreachable <- serverID },
	}
}

func (h *hookRecorder) modeSwitches() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.switches))
	copy(out, h.switches)
	return out
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Policy: retry.Policy{
			MaxAttempts:  2,
			BaseInterval: time.Millisecond,
			MaxInterval:  time.Millisecond,
			Multiplier:   1,
		},
		EnableFailover: true,
		Timing:         testTiming(),
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig, factory adapter.Factory, hooks Hooks) (*Manager, *Registry) {
	t.Helper()
	registry := NewRegistry()
	m := NewManager(cfg, factory, registry, zerolog.Nop(), monitoring.NewMetrics(), nil, hooks)
	t.Cleanup(m.Shutdown)
	return m, registry
}

func testServer() *types.ServerDescriptor {
	return &types.ServerDescriptor{
		ID:            "srv-1",
		Name:          "alpha",
		PreferredMode: types.ModePlugin,
		FailoverModes: []types.Mode{types.ModeRCON},
		ConnectionConfig: types.ConnectionConfig{
			Plugin: &types.PluginEndpoint{URL: "ws://127.0.0.1:8080/ws"},
			RCON:   &types.RCONEndpoint{Address: "127.0.0.1:25575"},
		},
	}
}

func TestEstablishUsesPreferredMode(t *testing.T) {
	rec := newHookRecorder()
	m, registry := newTestManager(t, testManagerConfig(), newFakeFactory(), rec.hooks())

	require.NoError(t, m.Establish(context.Background(), testServer()))
	require.Equal(t, StateConnected, m.State("srv-1"))

	session, ok := registry.Connected("srv-1")
	require.True(t, ok)
	require.Equal(t, types.ModePlugin, session.Mode())
	require.Empty(t, rec.modeSwitches())
	require.Equal(t, "srv-1", <-rec.connected)
}

func TestEstablishFailsOverAfterRetryBudget(t *testing.T) {
	rec := newHookRecorder()
	factory := newFakeFactory(types.ModePlugin)
	m, registry := newTestManager(t, testManagerConfig(), factory, rec.hooks())

	require.NoError(t, m.Establish(context.Background(), testServer()))

	session, ok := registry.Connected("srv-1")
	require.True(t, ok)
	require.Equal(t, types.ModeRCON, session.Mode())
	// The preferred mode burned its whole retry budget before failover.
	require.Equal(t, 2, factory.attempts(types.ModePlugin))
	require.Equal(t, []string{"plugin>rcon"}, rec.modeSwitches())
}

func TestEstablishUnreachableAfterAllModes(t *testing.T) {
	rec := newHookRecorder()
	factory := newFakeFactory(types.ModePlugin, types.ModeRCON)
	m, _ := newTestManager(t, testManagerConfig(), factory, rec.hooks())

	err := m.Establish(context.Background(), testServer())
	require.Error(t, err)
	require.Equal(t, StateError, m.State("srv-1"))
	require.Equal(t, "srv-1", <-rec.unreachable)
}

func TestEstablishWithoutConfiguredModes(t *testing.T) {
	m, _ := newTestManager(t, testManagerConfig(), newFakeFactory(), Hooks{})

	err := m.Establish(context.Background(), &types.ServerDescriptor{
		ID:            "srv-bare",
		PreferredMode: types.ModePlugin,
	})
	require.Error(t, err)
	require.Equal(t, StateError, m.State("srv-bare"))
}

func TestFailoverDisabledStaysOnPreferredMode(t *testing.T) {
	cfg := testManagerConfig()
	cfg.EnableFailover = false
	factory := newFakeFactory(types.ModePlugin)
	m, _ := newTestManager(t, cfg, factory, Hooks{})

	err := m.Establish(context.Background(), testServer())
	require.Error(t, err)
	require.Equal(t, 0, factory.attempts(types.ModeRCON))
}

func TestAttachInbound(t *testing.T) {
	rec := newHookRecorder()
	m, registry := newTestManager(t, testManagerConfig(), newFakeFactory(), rec.hooks())

	server := testServer()
	session := m.NewInboundSession(server.ID, newFakeAdapter(types.ModePlugin))
	m.AttachInbound(server, session)

	require.Equal(t, StateConnected, m.State("srv-1"))
	got, ok := registry.Connected("srv-1")
	require.True(t, ok)
	require.Same(t, session, got)
	require.Equal(t, "srv-1", <-rec.connected)
}

func TestSessionLossTriggersReconnect(t *testing.T) {
	rec := newHookRecorder()
	factory := newFakeFactory()
	m, registry := newTestManager(t, testManagerConfig(), factory, rec.hooks())

	require.NoError(t, m.Establish(context.Background(), testServer()))
	<-rec.connected

	first, ok := registry.Get("srv-1")
	require.True(t, ok)
	first.Close(ReasonTransportLost)

	// The scheduled reconnect establishes a fresh session.
	select {
	case <-rec.connected:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect after session loss")
	}
	require.Eventually(t, func() bool { return m.State("srv-1") == StateConnected },
		2*time.Second, 10*time.Millisecond)
}

func TestReconnectClearsErrorState(t *testing.T) {
	factory := newFakeFactory(types.ModePlugin, types.ModeRCON)
	m, _ := newTestManager(t, testManagerConfig(), factory, Hooks{})

	server := testServer()
	require.Error(t, m.Establish(context.Background(), server))
	require.Equal(t, StateError, m.State("srv-1"))

	factory.mu.Lock()
	factory.fail = map[types.Mode]bool{}
	factory.mu.Unlock()

	require.NoError(t, m.Reconnect(context.Background(), server))
	require.Equal(t, StateConnected, m.State("srv-1"))
}

func TestShutdownClosesSessions(t *testing.T) {
	m, registry := newTestManager(t, testManagerConfig(), newFakeFactory(), Hooks{})

	require.NoError(t, m.Establish(context.Background(), testServer()))
	session, ok := registry.Get("srv-1")
	require.True(t, ok)

	m.Shutdown()
	require.Equal(t, ReasonShutdown, session.CloseReason())
	require.Equal(t, StateClosed, m.State("srv-1"))
}
