// Package types holds the domain records shared across the hub: server
// descriptors, bindings, tokens, ACL entries and the live-state enums that
// several components agree on. Nothing here owns behavior; components keep
// their state tables private and exchange these values by copy.
package types

import (
	"time"
)

// Mode identifies a transport variant for reaching a game server.
type Mode string

const (
	ModePlugin   Mode = "plugin"
	ModeRCON     Mode = "rcon"
	ModeTerminal Mode = "terminal"
)

// ValidMode reports whether m names a known transport.
func ValidMode(m Mode) bool {
	switch m {
	case ModePlugin, ModeRCON, ModeTerminal:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of one live session.
type SessionStatus string

const (
	StatusConnecting     SessionStatus = "connecting"
	StatusAuthenticating SessionStatus = "authenticating"
	StatusConnected      SessionStatus = "connected"
	StatusDegraded       SessionStatus = "degraded"
	StatusClosing        SessionStatus = "closing"
	StatusClosed         SessionStatus = "closed"
	StatusError          SessionStatus = "error"
)

// PluginEndpoint configures the framed websocket transport.
type PluginEndpoint struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// RCONEndpoint configures the RCON transport.
type RCONEndpoint struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
}

// TerminalEndpoint configures the process-attached transport.
type TerminalEndpoint struct {
	Command    string   `json:"command"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"workingDir,omitempty"`
}

// ConnectionConfig carries per-mode transport settings. A nil entry means
// the mode is not configured for the server and is skipped during failover.
type ConnectionConfig struct {
	Plugin   *PluginEndpoint   `json:"plugin,omitempty"`
	RCON     *RCONEndpoint     `json:"rcon,omitempty"`
	Terminal *TerminalEndpoint `json:"terminal,omitempty"`
}

// Has reports whether the config carries settings for mode m.
func (c ConnectionConfig) Has(m Mode) bool {
	switch m {
	case ModePlugin:
		return c.Plugin != nil
	case ModeRCON:
		return c.RCON != nil
	case ModeTerminal:
		return c.Terminal != nil
	}
	return false
}

// ServerDescriptor is the registered identity of one managed game server.
type ServerDescriptor struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	CoreKind         string           `json:"coreKind"`
	PreferredMode    Mode             `json:"preferredMode"`
	FailoverModes    []Mode           `json:"failoverModes,omitempty"`
	ConnectionConfig ConnectionConfig `json:"connectionConfig"`
	OwnerID          string           `json:"ownerId"`
	Tags             []string         `json:"tags,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// CandidateModes returns the preference-ordered list of modes the server can
/// be reached through: the preferred mode first, then configured failover
// modes, skipping duplicates and modes without transport settings.
func (d *ServerDescriptor) CandidateModes() []Mode {
	out := make([]Mode, 0, 3)
	seen := map[Mode]bool{}
	add := func(m Mode) {
		if seen[m] || !ValidMode(m) || !d.ConnectionConfig.Has(m) {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	add(d.PreferredMode)
	for _, m := range d.FailoverModes {
		add(m)
	}
	return out
}

// BindingKind tags the routing direction/purpose of a group↔server binding.
type BindingKind string

const (
	BindingChat       BindingKind = "chat"
	BindingEvent      BindingKind = "event"
	BindingCommand    BindingKind = "command"
	BindingMonitoring BindingKind = "monitoring"
)

// FilterAction tells the filter pipeline what to do on a rule match.
type FilterAction string

const (
	FilterBlock     FilterAction = "block"
	FilterTransform FilterAction = "transform"
)

// FilterRule is one step of a binding's filter pipeline. Type selects the
// predicate: "regex" matches Pattern, "keyword" matches any of Keywords,
// "length" matches content longer than MaxLength.
type FilterRule struct {
	Type      string       `json:"type"`
	Pattern   string       `json:"pattern,omitempty"`
	Keywords  []string     `json:"keywords,omitempty"`
	MaxLength int          `json:"maxLength,omitempty"`
	Action    FilterAction `json:"action"`
	Replace   string       `json:"replace,omitempty"`
}

// BindingConfig is the per-binding routing policy.
type BindingConfig struct {
	Disabled   bool         `json:"disabled,omitempty"`
	Filters    []FilterRule `json:"filters,omitempty"`
	Template   string       `json:"template,omitempty"`
	EventKinds []string     `json:"eventKinds,omitempty"`
	RateMax    int          `json:"rateMax,omitempty"`
	RateWindow int64        `json:"rateWindowMs,omitempty"`
}

// Binding maps one external chat group to one server for one routing kind.
// At most one binding may exist per (GroupID, ServerID, Kind).
type Binding struct {
	ID           string        `json:"id"`
	GroupID      string        `json:"groupId"`
	ServerID     string        `json:"serverId"`
	Kind         BindingKind   `json:"kind"`
	Config       BindingConfig `json:"config"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastActivity time.Time     `json:"lastActivity,omitempty"`
}

// TokenRecord is a stored connector credential. AllowedCIDRs, when set,
// restricts the source addresses a token may authenticate from.
type TokenRecord struct {
	ID           string    `json:"id"`
	ServerID     string    `json:"serverId"`
	Secret       string    `json:"secret"`
	AllowedCIDRs []string  `json:"allowedCidrs,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Revoked      bool      `json:"revoked,omitempty"`
}

// ACLEntry grants a user a set of operation permissions on one server.
// Permissions are dotted operation tags; "*" and prefix globs such as
// "server.*" are honored by the permission check.
type ACLEntry struct {
	UserID      string    `json:"userId"`
	ServerID    string    `json:"serverId"`
	Permissions []string  `json:"permissions"`
	GrantedBy   string    `json:"grantedBy,omitempty"`
	GrantedAt   time.Time `json:"grantedAt"`
}

// Event is one occurrence reported by a server. Immutable once created.
type Event struct {
	ID        string         `json:"eventId,omitempty"`
	ServerID  string         `json:"serverId"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// GroupMessage is the chat-platform envelope handed to the message router.
type GroupMessage struct {
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	At        time.Time `json:"at"`
	MessageID string    `json:"messageId,omitempty"`
	ReplyTo   string    `json:"replyTo,omitempty"`
}

// PendingOpStatus is the lifecycle of a deferred operation.
type PendingOpStatus string

const (
	OpPending  PendingOpStatus = "pending"
	OpReplayed PendingOpStatus = "replayed"
	OpExpired  PendingOpStatus = "expired"
)

// PendingOperation is a side-effect queued while its target was unreachable.
type PendingOperation struct {
	OpID      string          `json:"opId"`
	ServerID  string          `json:"serverId"`
	Kind      string          `json:"kind"`
	Data      map[string]any  `json:"data,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Status    PendingOpStatus `json:"status"`
}

// ConflictKind classifies a synchronization conflict.
type ConflictKind string

const (
	ConflictWhitelistMismatch ConflictKind = "whitelist_mismatch"
	ConflictPlayerIdentity    ConflictKind = "player_identity"
	ConflictOperation         ConflictKind = "operation_conflict"
	ConflictDataVersion       ConflictKind = "data_version"
)

// ResolutionStrategy selects how a sync conflict is settled.
type ResolutionStrategy string

const (
	ResolveServerWins ResolutionStrategy = "server_wins"
	ResolveClientWins ResolutionStrategy = "client_wins"
	ResolveMerge      ResolutionStrategy = "merge"
	ResolveManual     ResolutionStrategy = "manual"
)

// SyncConflict describes one detected divergence between hub state and a
// server's state, plus how (or whether) it was settled.
type SyncConflict struct {
	ID         string             `json:"id"`
	ServerID   string             `json:"serverId"`
	Kind       ConflictKind       `json:"kind"`
	Severity   string             `json:"severity,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
	Strategy   ResolutionStrategy `json:"strategy,omitempty"`
	Resolved   bool               `json:"resolved"`
	DetectedAt time.Time          `json:"detectedAt"`
}

// WhitelistEntry is one allowed player on a server.
type WhitelistEntry struct {
	PlayerID string    `json:"playerId"`
	Name     string    `json:"name"`
	AddedAt  time.Time `json:"addedAt"`
}

// AuthFailureRecord tracks progressive backoff state for one (ip, serverId).
type AuthFailureRecord struct {
	IP            string    `json:"ip"`
	ServerID      string    `json:"serverId"`
	Count         int       `json:"count"`
	FirstFailure  time.Time `json:"firstFailure"`
	LastFailure   time.Time `json:"lastFailure"`
	NextAllowedAt time.Time `json:"nextAllowedAt"`
	Blocked       bool      `json:"blocked"`
	BlockUntil    time.Time `json:"blockUntil,omitempty"`
}

// AuditResult is the outcome recorded for an audited action.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
	AuditError   AuditResult = "error"
)

// AuditEntry is one record of the append-only audit stream. Every command
// execution, permission denial, connection admission decision and degrader
// action produces one.
type AuditEntry struct {
	ID           string         `json:"id,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	ServerID     string         `json:"serverId,omitempty"`
	Op           string         `json:"op"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       AuditResult    `json:"result"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	At           time.Time      `json:"at"`
}

// AuditFilter selects audit entries for queries.
type AuditFilter struct {
	UserID   string
	ServerID string
	Op       string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// PlayerInfo is the hub's view of one online player.
type PlayerInfo struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	World    string         `json:"world,omitempty"`
	Online   bool           `json:"online"`
	JoinedAt time.Time      `json:"joinedAt,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}
