package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/degrade"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/store"
)

// Admin is the programmatic entry point for operator tooling: it checks
// the caller's ACL grant for the target server and operation, then routes
// through the same dispatch table the wire requests use.
type Admin struct {
	store    store.Store
	router   *router.Router
	degrader *degrade.Degrader
	ids      *protocol.IDGenerator
	log      zerolog.Logger
}

// NewAdmin wires the admin surface.
func NewAdmin(st store.Store, rt *router.Router, dg *degrade.Degrader, logger zerolog.Logger) *Admin {
	return &Admin{
		store:    st,
		router:   rt,
		degrader: dg,
		ids:      protocol.NewIDGenerator("admin"),
		log:      logger,
	}
}

// Execute runs one operation as userID against serverID. Hub-level
// operations pass an empty serverID and skip the per-server grant check;
// everything targeting a server requires a matching ACL permission.
func (a *Admin) Execute(ctx context.Context, userID, serverID, op string, data any) (json.RawMessage, *protocol.Error) {
	if op == "" {
		return nil, protocol.NewError(protocol.CodeInvalidRequest, "operation is required")
	}
	if serverID != "" {
		allowed, err := a.permitted(ctx, userID, serverID, op)
		if err != nil {
			a.log.Error().Err(err).Str("user_id", userID).Msg("ACL lookup failed")
			return nil, protocol.NewError(protocol.CodeRequestFailed, "permission lookup failed")
		}
		if !allowed {
			if a.degrader != nil {
				a.degrader.OnPermissionDenied(userID, serverID, op)
			}
			return nil, protocol.Errorf(protocol.CodePermissionDenied,
				"user %s lacks %s on %s", userID, op, serverID)
		}
	}

	frame, err := protocol.NewRequest(a.ids.Next(), op, serverID, data)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "encoding payload: %v", err)
	}

	resp := a.router.Dispatch(ctx, frame, router.Caller{UserID: userID, ServerID: serverID})
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Data, nil
}

// permitted reports whether the user's grant on serverID covers op.
func (a *Admin) permitted(ctx context.Context, userID, serverID, op string) (bool, error) {
	entries, err := a.store.ListACLByUser(ctx, userID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	for _, entry := range entries {
		if entry.ServerID != serverID && entry.ServerID != "*" {
			continue
		}
		for _, perm := range entry.Permissions {
			if permissionCovers(perm, op) {
				return true, nil
			}
		}
	}
	return false, nil
}

// permissionCovers matches a dotted permission against an operation tag:
// exact, "*", or a namespace glob like "server.*".
func permissionCovers(perm, op string) bool {
	if perm == "*" || perm == op {
		return true
	}
	if prefix, ok := strings.CutSuffix(perm, ".*"); ok {
		return strings.HasPrefix(op, prefix+".")
	}
	return false
}
