package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/degrade"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

func TestPermissionCovers(t *testing.T) {
	cases := []struct {
		perm string
		op   string
		want bool
	}{
		{"*", "server.restart", true},
		{"server.restart", "server.restart", true},
		{"server.restart", "server.save", false},
		{"server.*", "server.save", true},
		{"server.*", "servers.save", false},
		{"server.*", "whitelist.add", false},
		{"whitelist.*", "whitelist.remove", true},
		{"server", "server.save", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, permissionCovers(tc.perm, tc.op),
			"perm %q op %q", tc.perm, tc.op)
	}
}

func newTestAdmin(t *testing.T) (*Admin, store.Store, *router.Router, *degrade.Degrader) {
	t.Helper()
	st := store.NewMemory()
	rt := router.New(zerolog.Nop(), monitoring.NewMetrics(), nil)
	dg := degrade.New(degrade.Config{
		Enabled:              true,
		MaxCachedOperations:  8,
		CacheExpiration:      time.Hour,
		Strategy:             types.ResolveServerWins,
		MaxPermissionRetries: 3,
	}, zerolog.Nop(), monitoring.NewMetrics(), nil, nil, nil, nil)
	t.Cleanup(dg.Close)
	return NewAdmin(st, rt, dg, zerolog.Nop()), st, rt, dg
}

func grant(t *testing.T, st store.Store, userID, serverID string, perms ...string) {
	t.Helper()
	require.NoError(t, st.PutACL(context.Background(), types.ACLEntry{
		UserID:      userID,
		ServerID:    serverID,
		Permissions: perms,
		GrantedAt:   time.Now(),
	}))
}

func TestExecuteRequiresOp(t *testing.T) {
	admin, _, _, _ := newTestAdmin(t)
	_, perr := admin.Execute(context.Background(), "u1", "srv-1", "", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeInvalidRequest, perr.Code)
}

func TestExecuteDeniedWithoutGrant(t *testing.T) {
	admin, _, _, _ := newTestAdmin(t)
	_, perr := admin.Execute(context.Background(), "u1", "srv-1", "server.save", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodePermissionDenied, perr.Code)
}

func TestExecuteWithGrantDispatches(t *testing.T) {
	admin, st, rt, _ := newTestAdmin(t)
	grant(t, st, "u1", "srv-1", "server.*")

	var gotCaller router.Caller
	rt.Register("server.save", func(_ context.Context, req *router.Request) (any, *protocol.Error) {
		gotCaller = req.Caller
		return map[string]any{"success": true, "saved": true}, nil
	})

	data, perr := admin.Execute(context.Background(), "u1", "srv-1", "server.save", nil)
	require.Nil(t, perr)
	require.Equal(t, "u1", gotCaller.UserID)
	require.Equal(t, "srv-1", gotCaller.ServerID)

	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	require.Equal(t, true, body["saved"])
}

func TestExecuteWildcardServerGrant(t *testing.T) {
	admin, st, rt, _ := newTestAdmin(t)
	grant(t, st, "u1", "*", "server.save")
	rt.Register("server.save", func(context.Context, *router.Request) (any, *protocol.Error) {
		return protocol.OK(), nil
	})

	_, perr := admin.Execute(context.Background(), "u1", "srv-any", "server.save", nil)
	require.Nil(t, perr)
}

func TestExecuteGrantScopedToServer(t *testing.T) {
	admin, st, _, _ := newTestAdmin(t)
	grant(t, st, "u1", "srv-1", "*")

	_, perr := admin.Execute(context.Background(), "u1", "srv-2", "server.save", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodePermissionDenied, perr.Code)
}

func TestHubLevelOperationSkipsGrantCheck(t *testing.T) {
	admin, _, rt, _ := newTestAdmin(t)
	rt.Register("system.ping", func(context.Context, *router.Request) (any, *protocol.Error) {
		return map[string]any{"success": true, "pong": true}, nil
	})

	data, perr := admin.Execute(context.Background(), "u1", "", "system.ping", nil)
	require.Nil(t, perr)
	require.NotEmpty(t, data)
}

func TestRepeatedDenialsEscalate(t *testing.T) {
	admin, _, _, dg := newTestAdmin(t)

	for i := 0; i < 4; i++ {
		_, perr := admin.Execute(context.Background(), "u1", "srv-1", "server.save", nil)
		require.NotNil(t, perr)
	}
	// Three strikes escalate on the fourth; the degrader then resets the
	// counter, so a fifth denial starts a new count.
	require.False(t, dg.OnPermissionDenied("u1", "srv-1", "server.save"))
}

func TestExecutePropagatesHandlerError(t *testing.T) {
	admin, st, rt, _ := newTestAdmin(t)
	grant(t, st, "u1", "srv-1", "*")
	rt.Register("server.restart", func(context.Context, *router.Request) (any, *protocol.Error) {
		return nil, protocol.NewError(protocol.CodeServerUnavailable, "server offline")
	})

	_, perr := admin.Execute(context.Background(), "u1", "srv-1", "server.restart", nil)
	require.NotNil(t, perr)
	require.Equal(t, protocol.CodeServerUnavailable, perr.Code)
}
