package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Memory is the in-memory Store used by tests and ephemeral deployments.
type Memory struct {
	mu       sync.RWMutex
	servers  map[string]types.ServerDescriptor
	acls     map[string]map[string]types.ACLEntry // userID -> serverID -> entry
	bindings map[string]types.Binding             // bindingID -> binding
	tokens   map[string]types.TokenRecord
	audit    []types.AuditEntry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		servers:  make(map[string]types.ServerDescriptor),
		acls:     make(map[string]map[string]types.ACLEntry),
		bindings: make(map[string]types.Binding),
		tokens:   make(map[string]types.TokenRecord),
	}
}

func (m *Memory) GetServer(_ context.Context, id string) (*types.ServerDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	server, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &server, nil
}

func (m *Memory) ListServers(_ context.Context) ([]types.ServerDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.ServerDescriptor, 0, len(m.servers))
	for _, server := range m.servers {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutServer(_ context.Context, server *types.ServerDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[server.ID] = *server
	return nil
}

func (m *Memory) DeleteServer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.servers[id]; !ok {
		return ErrNotFound
	}
	delete(m.servers, id)

	// Cascade
	for bindingID, binding := range m.bindings {
		if binding.ServerID == id {
			delete(m.bindings, bindingID)
		}
	}
	for tokenID, token := range m.tokens {
		if token.ServerID == id {
			delete(m.tokens, tokenID)
		}
	}
	for userID, byServer := range m.acls {
		delete(byServer, id)
		if len(byServer) == 0 {
			delete(m.acls, userID)
		}
	}
	return nil
}

func (m *Memory) ListACLByUser(_ context.Context, userID string) ([]types.ACLEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byServer := m.acls[userID]
	out := make([]types.ACLEntry, 0, len(byServer))
	for _, entry := range byServer {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out, nil
}

func (m *Memory) PutACL(_ context.Context, entry types.ACLEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byServer, ok := m.acls[entry.UserID]
	if !ok {
		byServer = make(map[string]types.ACLEntry)
		m.acls[entry.UserID] = byServer
	}
	byServer[entry.ServerID] = entry
	return nil
}

func (m *Memory) DeleteACL(_ context.Context, userID, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byServer, ok := m.acls[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := byServer[serverID]; !ok {
		return ErrNotFound
	}
	delete(byServer, serverID)
	if len(byServer) == 0 {
		delete(m.acls, userID)
	}
	return nil
}

func (m *Memory) GetBinding(_ context.Context, id string) (*types.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	binding, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &binding, nil
}

func (m *Memory) ListBindings(_ context.Context) ([]types.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Binding, 0, len(m.bindings))
	for _, binding := range m.bindings {
		out = append(out, binding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PutBinding(_ context.Context, binding *types.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.bindings {
		if existing.ID != binding.ID &&
			existing.GroupID == binding.GroupID &&
			existing.ServerID == binding.ServerID &&
			existing.Kind == binding.Kind {
			return ErrDuplicateBinding
		}
	}
	m.bindings[binding.ID] = *binding
	return nil
}

func (m *Memory) DeleteBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(m.bindings, id)
	return nil
}

func (m *Memory) GetToken(_ context.Context, id string) (*types.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &token, nil
}

func (m *Memory) PutToken(_ context.Context, token *types.TokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.ID] = *token
	return nil
}

func (m *Memory) DeleteToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[id]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, id)
	return nil
}

func (m *Memory) ListTokensByServer(_ context.Context, serverID string) ([]types.TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.TokenRecord
	for _, token := range m.tokens {
		if token.ServerID == serverID {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry types.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) QueryAudit(_ context.Context, filter types.AuditFilter) ([]types.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.AuditEntry
	for _, entry := range m.audit {
		if matchAudit(entry, filter) {
			out = append(out, entry)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) CleanupAudit(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.audit[:0]
	removed := 0
	for _, entry := range m.audit {
		if entry.At.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	m.audit = kept
	return removed, nil
}

func (m *Memory) Close() error { return nil }
