package connection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/types"
)

func TestAttachReplacesPreviousSession(t *testing.T) {
	r := NewRegistry()
	ad1 := newFakeAdapter(types.ModePlugin)
	ad2 := newFakeAdapter(types.ModePlugin)
	first := newTestSession(t, ad1, testTiming(), nil, nil)
	second := newTestSession(t, ad2, testTiming(), nil, nil)

	r.Attach(first)
	r.Attach(second)

	require.Equal(t, ReasonReplaced, first.CloseReason())
	got, ok := r.Get("srv-1")
	require.True(t, ok)
	require.Same(t, second, got)
	require.Equal(t, 1, r.Count())
}

func TestDetachIgnoresStaleSession(t *testing.T) {
	r := NewRegistry()
	first := newTestSession(t, newFakeAdapter(types.ModePlugin), testTiming(), nil, nil)
	second := newTestSession(t, newFakeAdapter(types.ModePlugin), testTiming(), nil, nil)

	r.Attach(first)
	r.Attach(second)

	// The replaced session detaching must not evict its successor.
	r.Detach(first)
	got, ok := r.Get("srv-1")
	require.True(t, ok)
	require.Same(t, second, got)

	r.Detach(second)
	_, ok = r.Get("srv-1")
	require.False(t, ok)
}

func TestConnectedFiltersDeadSessions(t *testing.T) {
	r := NewRegistry()
	ad := newFakeAdapter(types.ModePlugin)
	s := newTestSession(t, ad, testTiming(), nil, nil)
	r.Attach(s)

	_, ok := r.Connected("srv-1")
	require.True(t, ok)

	ad.mu.Lock()
	ad.connected = false
	ad.mu.Unlock()
	_, ok = r.Connected("srv-1")
	require.False(t, ok)

	_, ok = r.Connected("unknown")
	require.False(t, ok)
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry()
	s := newTestSession(t, newFakeAdapter(types.ModePlugin), testTiming(), nil, nil)
	r.Attach(s)

	r.CloseAll(ReasonShutdown)
	require.Equal(t, ReasonShutdown, s.CloseReason())
}
