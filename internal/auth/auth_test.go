package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewManager("unit-test-secret", time.Hour, mem), mem
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	raw, record, err := mgr.Issue(ctx, "s1", nil)
	require.NoError(t, err)
	require.Equal(t, "s1", record.ServerID)
	require.NotEmpty(t, raw)

	decision, err := mgr.Validate(ctx, raw, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, decision.Valid)
	require.True(t, decision.IPAllowed)
	require.False(t, decision.Expired)
	require.Equal(t, "s1", decision.ServerID)
	require.Equal(t, record.ID, decision.TokenID)
}

func TestValidateRejectsForgedToken(t *testing.T) {
	ctx := context.Background()
	mgr, mem := newTestManager(t)

	other := NewManager("other-secret", time.Hour, mem)
	raw, _, err := other.Issue(ctx, "s1", nil)
	require.NoError(t, err)

	decision, err := mgr.Validate(ctx, raw, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, decision.Valid)
	require.False(t, decision.Expired)
}

func TestValidateExpiredToken(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	raw, _, err := mgr.Issue(ctx, "s1", nil)
	require.NoError(t, err)

	// Move the validator's clock past the ttl.
	mgr.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	decision, err := mgr.Validate(ctx, raw, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, decision.Valid)
	require.True(t, decision.Expired)
	require.Equal(t, "s1", decision.ServerID)
}

func TestValidateRevokedToken(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	raw, record, err := mgr.Issue(ctx, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, record.ID))

	decision, err := mgr.Validate(ctx, raw, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, decision.Valid)
	require.Equal(t, "token revoked", decision.Reason)
}

func TestValidateIPRestrictions(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	raw, _, err := mgr.Issue(ctx, "s1", []string{"10.0.0.0/8", "192.168.1.7"})
	require.NoError(t, err)

	cases := []struct {
		ip      string
		allowed bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.7", true},
		{"192.168.1.8", false},
		{"203.0.113.5", false},
		{"not-an-ip", false},
	}
	for _, tc := range cases {
		decision, err := mgr.Validate(ctx, raw, tc.ip)
		require.NoError(t, err)
		require.Equal(t, tc.allowed, decision.IPAllowed, "ip %s", tc.ip)
		require.Equal(t, tc.allowed, decision.Valid, "ip %s", tc.ip)
	}

	_, _, err = mgr.Issue(ctx, "s1", []string{"300.0.0.1/8"})
	require.Error(t, err)
}

func TestValidateUnknownToken(t *testing.T) {
	ctx := context.Background()
	mgr, mem := newTestManager(t)

	raw, record, err := mgr.Issue(ctx, "s1", nil)
	require.NoError(t, err)
	require.NoError(t, mem.DeleteToken(ctx, record.ID))

	decision, err := mgr.Validate(ctx, raw, "203.0.113.5")
	require.NoError(t, err)
	require.False(t, decision.Valid)
	require.Equal(t, "unknown token", decision.Reason)
}
