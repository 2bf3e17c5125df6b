// Package store persists the hub's control-plane records: server
// descriptors, ACL entries, bindings, connector tokens and the audit trail.
// Two backends exist: a Badger-backed store for production and an in-memory
// store for tests and ephemeral deployments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ubridge-dev/ubridge/internal/types"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateBinding is returned when a second binding is created for
	// the same (groupId, serverId, kind) triple.
	ErrDuplicateBinding = errors.New("store: binding already exists for group/server/kind")
)

// Store is the persistence contract the hub depends on.
type Store interface {
	// Servers
	GetServer(ctx context.Context, id string) (*types.ServerDescriptor, error)
	ListServers(ctx context.Context) ([]types.ServerDescriptor, error)
	PutServer(ctx context.Context, server *types.ServerDescriptor) error
	// DeleteServer removes the server and cascades to its bindings, tokens
	// and ACL entries.
	DeleteServer(ctx context.Context, id string) error

	// ACL
	ListACLByUser(ctx context.Context, userID string) ([]types.ACLEntry, error)
	PutACL(ctx context.Context, entry types.ACLEntry) error
	DeleteACL(ctx context.Context, userID, serverID string) error

	// Bindings
	GetBinding(ctx context.Context, id string) (*types.Binding, error)
	ListBindings(ctx context.Context) ([]types.Binding, error)
	PutBinding(ctx context.Context, binding *types.Binding) error
	DeleteBinding(ctx context.Context, id string) error

	// Tokens
	GetToken(ctx context.Context, id string) (*types.TokenRecord, error)
	PutToken(ctx context.Context, token *types.TokenRecord) error
	DeleteToken(ctx context.Context, id string) error
	ListTokensByServer(ctx context.Context, serverID string) ([]types.TokenRecord, error)

	// Audit
	AppendAudit(ctx context.Context, entry types.AuditEntry) error
	QueryAudit(ctx context.Context, filter types.AuditFilter) ([]types.AuditEntry, error)
	CleanupAudit(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

func matchAudit(entry types.AuditEntry, filter types.AuditFilter) bool {
	if filter.UserID != "" && entry.UserID != filter.UserID {
		return false
	}
	if filter.ServerID != "" && entry.ServerID != filter.ServerID {
		return false
	}
	if filter.Op != "" && entry.Op != filter.Op {
		return false
	}
	if !filter.Since.IsZero() && entry.At.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && entry.At.After(filter.Until) {
		return false
	}
	return true
}
