package degrade

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

type captureAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *captureAlerter) Alert(_ monitoring.AlertLevel, kind, _ string, _ map[string]any) {
	a.mu.Lock()
	a.alerts = append(a.alerts, kind)
	a.mu.Unlock()
}

func (a *captureAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

// replayRecorder is a test executor that records replayed operations and
// fails the ops named in failOps.
type replayRecorder struct {
	mu       sync.Mutex
	replayed []string
	failOps  map[string]bool
}

func (r *replayRecorder) exec(_ context.Context, _ string, op string, data map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOps[op] {
		return protocol.NewError(protocol.CodeRequestFailed, "replay rejected")
	}
	if player, ok := data["playerId"].(string); ok {
		r.replayed = append(r.replayed, op+":"+player)
	} else {
		r.replayed = append(r.replayed, op)
	}
	return nil
}

func (r *replayRecorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.replayed))
	copy(out, r.replayed)
	return out
}

func testConfig() Config {
	return Config{
		Enabled:              true,
		MaxCachedOperations:  100,
		CacheExpiration:      time.Hour,
		Strategy:             types.ResolveServerWins,
		MaxPermissionRetries: 3,
	}
}

func newTestDegrader(t *testing.T, cfg Config, exec Executor, reroute Rerouter) (*Degrader, *captureAlerter) {
	t.Helper()
	alerter := &captureAlerter{}
	d := New(cfg, zerolog.Nop(), monitoring.NewMetrics(), alerter, nil, exec, reroute)
	t.Cleanup(d.Close)
	return d, alerter
}

func TestCacheableSet(t *testing.T) {
	require.True(t, Cacheable(protocol.OpWhitelistAdd))
	require.True(t, Cacheable(protocol.OpServerBroadcast))
	require.False(t, Cacheable(protocol.OpCommandExecute))
	require.False(t, Cacheable(protocol.OpServerGetInfo))
}

func TestKickIsRefusedNotCached(t *testing.T) {
	d, _ := newTestDegrader(t, testConfig(), nil, nil)

	pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpPlayerKick, map[string]any{"playerId": "griefer"})
	require.Nil(t, pending)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeServerUnavailable, perr.Code)
	require.Equal(t, "critical_operation", perr.Details["degradation"])
	require.Empty(t, d.Pending("srv-1"))
}

func TestWhitelistCachedAndReplayedInOrder(t *testing.T) {
	rec := &replayRecorder{}
	d, _ := newTestDegrader(t, testConfig(), rec.exec, nil)

	for _, player := range []string{"alice", "bob", "carol"} {
		pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
			protocol.OpWhitelistAdd, map[string]any{"playerId": player})
		require.Nil(t, perr)
		require.NotNil(t, pending)
		require.Equal(t, types.OpPending, pending.Status)
	}
	require.Len(t, d.Pending("srv-1"), 3)

	d.OnServerRecovered(context.Background(), "srv-1")
	require.Equal(t, []string{
		"whitelist.add:alice",
		"whitelist.add:bob",
		"whitelist.add:carol",
	}, rec.ops())
	require.Empty(t, d.Pending("srv-1"))
}

func TestFailedReplayStaysPending(t *testing.T) {
	rec := &replayRecorder{failOps: map[string]bool{protocol.OpPlayerMessage: true}}
	d, _ := newTestDegrader(t, testConfig(), rec.exec, nil)

	d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpWhitelistAdd, map[string]any{"playerId": "alice"})
	d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpPlayerMessage, map[string]any{"playerId": "bob", "message": "hi"})

	d.OnServerRecovered(context.Background(), "srv-1")

	remaining := d.Pending("srv-1")
	require.Len(t, remaining, 1)
	require.Equal(t, protocol.OpPlayerMessage, remaining[0].Kind)
	require.Equal(t, types.OpPending, remaining[0].Status)
}

func TestOperationCachedDuringReplayIsKept(t *testing.T) {
	var d *Degrader
	rec := &replayRecorder{}
	exec := func(ctx context.Context, serverID, op string, data map[string]any) error {
		// The server flapped: a new operation arrives while the replay of
		// the previous outage is still in flight. It must survive the
		// queue swap at the end of the replay.
		if data["playerId"] == "alice" {
			_, perr := d.HandleUnavailable(ctx, "u2", serverID,
				protocol.OpWhitelistAdd, map[string]any{"playerId": "late"})
			require.Nil(t, perr)
		}
		return rec.exec(ctx, serverID, op, data)
	}
	d, _ = newTestDegrader(t, testConfig(), exec, nil)

	_, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpWhitelistAdd, map[string]any{"playerId": "alice"})
	require.Nil(t, perr)

	d.OnServerRecovered(context.Background(), "srv-1")

	require.Equal(t, []string{"whitelist.add:alice"}, rec.ops())
	remaining := d.Pending("srv-1")
	require.Len(t, remaining, 1)
	require.Equal(t, "late", remaining[0].Data["playerId"])
	require.Equal(t, types.OpPending, remaining[0].Status)
}

func TestQueueOverflowEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCachedOperations = 2
	d, _ := newTestDegrader(t, cfg, nil, nil)

	for _, player := range []string{"first", "second", "third"} {
		d.HandleUnavailable(context.Background(), "u1", "srv-1",
			protocol.OpWhitelistAdd, map[string]any{"playerId": player})
	}

	pending := d.Pending("srv-1")
	require.Len(t, pending, 2)
	require.Equal(t, "second", pending[0].Data["playerId"])
	require.Equal(t, "third", pending[1].Data["playerId"])
}

func TestExpiredOperationsSwept(t *testing.T) {
	cfg := testConfig()
	cfg.CacheExpiration = time.Minute
	d, _ := newTestDegrader(t, cfg, nil, nil)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return clock }

	d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpWhitelistAdd, map[string]any{"playerId": "alice"})

	clock = clock.Add(2 * time.Minute)
	d.sweep()
	require.Empty(t, d.Pending("srv-1"))
}

func TestBroadcastPrefersReroute(t *testing.T) {
	rerouted := false
	reroute := func(_ context.Context, serverID, op string, _ map[string]any) bool {
		rerouted = true
		return true
	}
	d, _ := newTestDegrader(t, testConfig(), nil, reroute)

	pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpServerBroadcast, map[string]any{"message": "restarting soon"})
	require.Nil(t, perr)
	require.Nil(t, pending)
	require.True(t, rerouted)
	require.Empty(t, d.Pending("srv-1"))
}

func TestBroadcastFallsBackToCache(t *testing.T) {
	reroute := func(_ context.Context, _, _ string, _ map[string]any) bool { return false }
	d, _ := newTestDegrader(t, testConfig(), nil, reroute)

	pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpServerBroadcast, map[string]any{"message": "restarting soon"})
	require.Nil(t, perr)
	require.NotNil(t, pending)
	require.Len(t, d.Pending("srv-1"), 1)
}

func TestNonCacheableOperationRefused(t *testing.T) {
	d, _ := newTestDegrader(t, testConfig(), nil, nil)

	pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpServerSave, nil)
	require.Nil(t, pending)
	require.NotNil(t, perr)
	require.Equal(t, "not_available", perr.Details["degradation"])
}

func TestDisabledDegradationRefusesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	d, _ := newTestDegrader(t, cfg, nil, nil)

	pending, perr := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpWhitelistAdd, map[string]any{"playerId": "alice"})
	require.Nil(t, pending)
	require.NotNil(t, perr)
}

func TestPermissionEscalation(t *testing.T) {
	d, alerter := newTestDegrader(t, testConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		require.False(t, d.OnPermissionDenied("u1", "srv-1", protocol.OpPlayerKick))
	}
	require.True(t, d.OnPermissionDenied("u1", "srv-1", protocol.OpPlayerKick))
	require.Equal(t, 1, alerter.count())

	// Counter resets after escalation.
	require.False(t, d.OnPermissionDenied("u1", "srv-1", protocol.OpPlayerKick))
}

func TestFindPendingOperation(t *testing.T) {
	d, _ := newTestDegrader(t, testConfig(), nil, nil)

	pending, _ := d.HandleUnavailable(context.Background(), "u1", "srv-1",
		protocol.OpWhitelistAdd, map[string]any{"playerId": "alice"})

	got, ok := d.Find(pending.OpID)
	require.True(t, ok)
	require.Equal(t, "srv-1", got.ServerID)

	_, ok = d.Find("nope")
	require.False(t, ok)
}
