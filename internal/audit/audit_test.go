package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

type captureSink struct {
	mu      sync.Mutex
	entries []types.AuditEntry
}

func (c *captureSink) Write(_ context.Context, entry types.AuditEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

func (c *captureSink) snapshot() []types.AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AuditEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func TestLoggerWritesToSink(t *testing.T) {
	sink := &captureSink{}
	logger := NewLogger(zerolog.Nop(), sink)

	logger.Record(types.AuditEntry{
		UserID:   "admin",
		ServerID: "s1",
		Op:       protocol.OpCommandExecute,
		Result:   types.AuditSuccess,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, logger.Close(ctx))

	entries := sink.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, "admin", entries[0].UserID)
	require.Equal(t, protocol.OpCommandExecute, entries[0].Op)
	require.NotEmpty(t, entries[0].ID)
	require.False(t, entries[0].At.IsZero())
}

func TestRecordOpDerivesResult(t *testing.T) {
	sink := &captureSink{}
	logger := NewLogger(zerolog.Nop(), sink)

	logger.RecordOp("admin", "s1", protocol.OpServerSave, nil, nil, "203.0.113.5")
	logger.RecordOp("admin", "s1", protocol.OpServerSave, nil,
		protocol.NewError(protocol.CodePermissionDenied, "no grant"), "")
	logger.RecordOp("admin", "s1", protocol.OpServerSave, nil, errors.New("disk full"), "")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, logger.Close(ctx))

	entries := sink.snapshot()
	require.Len(t, entries, 3)
	require.Equal(t, types.AuditSuccess, entries[0].Result)
	require.Equal(t, "203.0.113.5", entries[0].IP)
	require.Equal(t, types.AuditFailure, entries[1].Result)
	require.Contains(t, entries[1].ErrorMessage, "no grant")
	require.Equal(t, types.AuditError, entries[2].Result)
}

func TestCloseDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	logger := NewLogger(zerolog.Nop(), sink)

	for i := 0; i < 50; i++ {
		logger.Record(types.AuditEntry{Op: protocol.OpSystemPing, Result: types.AuditSuccess})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, logger.Close(ctx))
	require.Len(t, sink.snapshot(), 50)
}
