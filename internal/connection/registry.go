package connection

import (
	"sync"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Registry holds the live sessions, at most one per server. Attaching a new
// session for a server closes the previous one first.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Attach installs s as the server's session, closing any predecessor.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	prev := r.sessions[s.ServerID]
	r.sessions[s.ServerID] = s
	r.mu.Unlock()

	if prev != nil && prev != s {
		prev.Close(ReasonReplaced)
	}
}

// Detach removes s if it is still the server's current session. A session
// replaced by a newer one must not evict its successor.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ServerID] == s {
		delete(r.sessions, s.ServerID)
	}
	r.mu.Unlock()
}

// Get returns the server's session, if any.
func (r *Registry) Get(serverID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[serverID]
	return s, ok
}

// Connected returns the server's session only when its transport is up and
// the session is not degraded past use.
func (r *Registry) Connected(serverID string) (*Session, bool) {
	s, ok := r.Get(serverID)
	if !ok || !s.Connected() {
		return nil, false
	}
	switch s.Status() {
	case types.StatusConnected, types.StatusDegraded:
		return s, true
	}
	return nil, false
}

// List returns a snapshot of all sessions.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports the number of attached sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll closes every session with the given reason.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.List() {
		s.Close(reason)
	}
}
