package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/types"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	badgerStore, err := OpenBadger(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { badgerStore.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"badger": badgerStore,
	}
}

func testServer(id string) *types.ServerDescriptor {
	return &types.ServerDescriptor{
		ID:            id,
		Name:          "Server " + id,
		CoreKind:      "paper",
		PreferredMode: types.ModePlugin,
		ConnectionConfig: types.ConnectionConfig{
			Plugin: &types.PluginEndpoint{URL: "ws://10.0.0.1:8321/ws"},
			RCON:   &types.RCONEndpoint{Address: "10.0.0.1:25575", Password: "rc"},
		},
		OwnerID:   "admin",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestServerCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetServer(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.PutServer(ctx, testServer("s1")))
			require.NoError(t, s.PutServer(ctx, testServer("s2")))

			got, err := s.GetServer(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "Server s1", got.Name)
			require.NotNil(t, got.ConnectionConfig.Plugin)

			servers, err := s.ListServers(ctx)
			require.NoError(t, err)
			require.Len(t, servers, 2)

			require.NoError(t, s.DeleteServer(ctx, "s1"))
			_, err = s.GetServer(ctx, "s1")
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.DeleteServer(ctx, "s1"), ErrNotFound)
		})
	}
}

func TestDeleteServerCascades(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.PutServer(ctx, testServer("s1")))
			require.NoError(t, s.PutServer(ctx, testServer("s2")))
			require.NoError(t, s.PutBinding(ctx, &types.Binding{
				ID: "b1", GroupID: "g1", ServerID: "s1", Kind: types.BindingChat,
			}))
			require.NoError(t, s.PutBinding(ctx, &types.Binding{
				ID: "b2", GroupID: "g1", ServerID: "s2", Kind: types.BindingChat,
			}))
			require.NoError(t, s.PutToken(ctx, &types.TokenRecord{ID: "t1", ServerID: "s1", Secret: "x"}))
			require.NoError(t, s.PutACL(ctx, types.ACLEntry{
				UserID: "u1", ServerID: "s1", Permissions: []string{"*"},
			}))
			require.NoError(t, s.PutACL(ctx, types.ACLEntry{
				UserID: "u1", ServerID: "s2", Permissions: []string{"server.*"},
			}))

			require.NoError(t, s.DeleteServer(ctx, "s1"))

			bindings, err := s.ListBindings(ctx)
			require.NoError(t, err)
			require.Len(t, bindings, 1)
			require.Equal(t, "b2", bindings[0].ID)

			_, err = s.GetToken(ctx, "t1")
			require.ErrorIs(t, err, ErrNotFound)

			acls, err := s.ListACLByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, acls, 1)
			require.Equal(t, "s2", acls[0].ServerID)

			// The freed triple can be bound again.
			require.NoError(t, s.PutBinding(ctx, &types.Binding{
				ID: "b3", GroupID: "g1", ServerID: "s1", Kind: types.BindingChat,
			}))
		})
	}
}

func TestBindingUniqueness(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := &types.Binding{ID: "b1", GroupID: "g1", ServerID: "s1", Kind: types.BindingChat}
			require.NoError(t, s.PutBinding(ctx, first))

			dup := &types.Binding{ID: "b2", GroupID: "g1", ServerID: "s1", Kind: types.BindingChat}
			require.ErrorIs(t, s.PutBinding(ctx, dup), ErrDuplicateBinding)

			// Same id updates in place.
			first.Config.Template = "<{username}> {content}"
			require.NoError(t, s.PutBinding(ctx, first))

			// A different kind on the same pair is a distinct binding.
			require.NoError(t, s.PutBinding(ctx, &types.Binding{
				ID: "b3", GroupID: "g1", ServerID: "s1", Kind: types.BindingEvent,
			}))

			got, err := s.GetBinding(ctx, "b1")
			require.NoError(t, err)
			require.Equal(t, "<{username}> {content}", got.Config.Template)

			require.NoError(t, s.DeleteBinding(ctx, "b1"))
			// Triple is free after delete.
			require.NoError(t, s.PutBinding(ctx, dup))
		})
	}
}

func TestAuditQueryAndCleanup(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

			for i := 0; i < 10; i++ {
				entry := types.AuditEntry{
					ID:       string(rune('a' + i)),
					UserID:   "admin",
					ServerID: "s1",
					Op:       "command.execute",
					Result:   types.AuditSuccess,
					At:       base.Add(time.Duration(i) * time.Minute),
				}
				if i%2 == 1 {
					entry.ServerID = "s2"
				}
				require.NoError(t, s.AppendAudit(ctx, entry))
			}

			all, err := s.QueryAudit(ctx, types.AuditFilter{})
			require.NoError(t, err)
			require.Len(t, all, 10)

			s1Only, err := s.QueryAudit(ctx, types.AuditFilter{ServerID: "s1"})
			require.NoError(t, err)
			require.Len(t, s1Only, 5)

			limited, err := s.QueryAudit(ctx, types.AuditFilter{Limit: 3})
			require.NoError(t, err)
			require.Len(t, limited, 3)

			since, err := s.QueryAudit(ctx, types.AuditFilter{Since: base.Add(5 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, since, 5)

			removed, err := s.CleanupAudit(ctx, base.Add(5*time.Minute))
			require.NoError(t, err)
			require.Equal(t, 5, removed)

			rest, err := s.QueryAudit(ctx, types.AuditFilter{})
			require.NoError(t, err)
			require.Len(t, rest, 5)
		})
	}
}

func TestTokenCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.PutToken(ctx, &types.TokenRecord{ID: "t1", ServerID: "s1", Secret: "a"}))
			require.NoError(t, s.PutToken(ctx, &types.TokenRecord{ID: "t2", ServerID: "s1", Secret: "b"}))
			require.NoError(t, s.PutToken(ctx, &types.TokenRecord{ID: "t3", ServerID: "s2", Secret: "c"}))

			got, err := s.GetToken(ctx, "t2")
			require.NoError(t, err)
			require.Equal(t, "b", got.Secret)

			byServer, err := s.ListTokensByServer(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, byServer, 2)

			require.NoError(t, s.DeleteToken(ctx, "t1"))
			require.ErrorIs(t, s.DeleteToken(ctx, "t1"), ErrNotFound)
		})
	}
}
