package degrade

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// Resolution is the outcome of settling one sync conflict.
type Resolution struct {
	Conflict types.SyncConflict
	// Manual marks conflicts recorded for admin review instead of being
	// settled automatically.
	Manual bool
	// Whitelist carries the merged list for whitelist_mismatch conflicts.
	Whitelist []types.WhitelistEntry
	// Operations carries the optimized queue for operation_conflict.
	Operations []types.PendingOperation
	// AcceptRemote marks data_version conflicts settled in the server's
	// favor.
	AcceptRemote bool
}

// ResolveConflict settles one conflict per its kind and the configured
// strategy. Conflicts it cannot settle are recorded for admin review and
// returned with Manual set.
func (d *Degrader) ResolveConflict(conflict types.SyncConflict,
	hubList, serverList []types.WhitelistEntry, ops []types.PendingOperation) Resolution {

	if conflict.ID == "" {
		conflict.ID = uuid.NewString()
	}
	if conflict.Strategy == "" {
		conflict.Strategy = d.cfg.Strategy
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = d.now()
	}
	if d.metrics != nil {
		d.metrics.Degrade.Conflicts.WithLabelValues(string(conflict.Kind)).Inc()
	}

	res := Resolution{Conflict: conflict}
	switch conflict.Kind {
	case types.ConflictWhitelistMismatch:
		res.Whitelist = resolveWhitelist(conflict.Strategy, hubList, serverList)
		res.Conflict.Resolved = true

	case types.ConflictPlayerIdentity:
		// Identity clashes are never settled automatically.
		res.Manual = true

	case types.ConflictOperation:
		res.Operations = OptimizeOperations(ops)
		res.Conflict.Resolved = true

	case types.ConflictDataVersion:
		if conflict.Strategy == types.ResolveServerWins {
			res.AcceptRemote = true
			res.Conflict.Resolved = true
		} else {
			res.Manual = true
		}

	default:
		res.Manual = true
	}

	if res.Manual {
		d.mu.Lock()
		d.conflicts = append(d.conflicts, res.Conflict)
		d.mu.Unlock()
		d.log.Warn().Str("conflict_id", res.Conflict.ID).Str("server_id", conflict.ServerID).
			Str("kind", string(conflict.Kind)).Msg("Conflict recorded for admin review")
	} else {
		d.log.Info().Str("conflict_id", res.Conflict.ID).Str("server_id", conflict.ServerID).
			Str("kind", string(conflict.Kind)).Str("strategy", string(conflict.Strategy)).
			Msg("Conflict resolved")
	}
	d.auditAction("", conflict.ServerID, "sync."+string(conflict.Kind), conflict.Data, "conflict_"+resultOf(res))
	return res
}

func resultOf(res Resolution) string {
	if res.Manual {
		return "manual"
	}
	return "resolved"
}

// UnresolvedConflicts returns the conflicts awaiting admin review.
func (d *Degrader) UnresolvedConflicts() []types.SyncConflict {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.SyncConflict, len(d.conflicts))
	copy(out, d.conflicts)
	return out
}

// resolveWhitelist settles a whitelist mismatch. server_wins and
// client_wins pick one side wholesale; merge unions by player id with the
// newest write winning overlaps.
func resolveWhitelist(strategy types.ResolutionStrategy, hub, server []types.WhitelistEntry) []types.WhitelistEntry {
	switch strategy {
	case types.ResolveServerWins:
		return server
	case types.ResolveClientWins:
		return hub
	}

	merged := make(map[string]types.WhitelistEntry, len(hub)+len(server))
	for _, entry := range hub {
		merged[entry.PlayerID] = entry
	}
	for _, entry := range server {
		if existing, ok := merged[entry.PlayerID]; !ok || entry.AddedAt.After(existing.AddedAt) {
			merged[entry.PlayerID] = entry
		}
	}
	out := make([]types.WhitelistEntry, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlayerID < out[j].PlayerID })
	return out
}

// OptimizeOperations collapses conflicting queued operations on the same
// target: only the newest operation per target survives, regardless of
// direction, so add-then-remove reduces to the remove and vice versa.
// Timestamp ties break deterministically by opId ordering.
func OptimizeOperations(ops []types.PendingOperation) []types.PendingOperation {
	newest := make(map[string]types.PendingOperation, len(ops))
	for _, op := range ops {
		target := operationTarget(op)
		if target == "" {
			// Untargeted operations never conflict with each other.
			newest[op.OpID] = op
			continue
		}
		current, ok := newest[target]
		if !ok || wins(op, current) {
			newest[target] = op
		}
	}

	out := make([]types.PendingOperation, 0, len(newest))
	for _, op := range newest {
		out = append(out, op)
	}
	// Keep replay order FIFO by enqueue time.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OpID < out[j].OpID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func wins(candidate, current types.PendingOperation) bool {
	if candidate.CreatedAt.Equal(current.CreatedAt) {
		return candidate.OpID > current.OpID
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}

// operationTarget keys the conflict domain for one operation: whitelist
// add/remove collapse on the player id.
func operationTarget(op types.PendingOperation) string {
	switch op.Kind {
	case protocol.OpWhitelistAdd, protocol.OpWhitelistRemove:
		if id, ok := op.Data["playerId"].(string); ok {
			return "whitelist:" + id
		}
	}
	return ""
}
