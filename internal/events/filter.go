// Package events implements the hub's event bus: the subscription table,
// filter evaluation, per-minute flood suppression, bounded per-subscription
// delivery queues and the inactivity GC.
package events

import (
	"path"
	"time"

	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/types"
)

// BasicKinds is the default subscription preset installed when a subscribe
// request asks for useDefaults.
var BasicKinds = []string{
	protocol.EventPlayerJoin,
	protocol.EventPlayerLeave,
	protocol.EventPlayerChat,
	protocol.EventServerStatus,
}

// ExtendedKinds adds command, world-state and diagnostic events on top of
// the basic preset.
var ExtendedKinds = append(append([]string{}, BasicKinds...),
	protocol.EventPlayerCommand,
	protocol.EventWorldChange,
	protocol.EventServerDiagnostic,
)

// Filter is a subscription's predicate set. A zero field means "any"; an
// event matches when every specified predicate holds.
type Filter struct {
	ServerID string    `json:"serverId,omitempty"`
	Kinds    []string  `json:"kinds,omitempty"`
	PlayerID string    `json:"playerId,omitempty"`
	Severity string    `json:"severity,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Until    time.Time `json:"until,omitempty"`
}

// Match reports whether e passes every specified predicate.
func (f Filter) Match(e types.Event) bool {
	if f.ServerID != "" && e.ServerID != f.ServerID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if kindMatch(k, e.Kind) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.PlayerID != "" && stringField(e.Data, "playerId") != f.PlayerID {
		return false
	}
	if f.Severity != "" && stringField(e.Data, "severity") != f.Severity {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// kindMatch accepts exact kinds and glob patterns ("player.*").
func kindMatch(pattern, kind string) bool {
	if pattern == kind {
		return true
	}
	ok, err := path.Match(pattern, kind)
	return err == nil && ok
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
