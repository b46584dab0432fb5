package audit

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory LedgerStore for chain unit tests. Records are
// kept in insertion order; reads sort stably by CreatedAt so the per-entity
// and tenant-wide orderings match the real store's contract.
type memStore struct {
	mu      sync.Mutex
	records []AuditRecord
	users   map[string]User
}

func newMemStore() *memStore {
	return &memStore{users: make(map[string]User)}
}

func (m *memStore) FindLatest(ctx context.Context, tenantID, entityType, entityID string) (*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches := m.filter(tenantID, entityType, entityID)
	if len(matches) == 0 {
		return nil, nil
	}
	tip := matches[len(matches)-1]
	return &tip, nil
}

func (m *memStore) Insert(ctx context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memStore) FindAll(ctx context.Context, tenantID, entityType, entityID string) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(tenantID, entityType, entityID), nil
}

func (m *memStore) FindAllForTenant(ctx context.Context, tenantID string) ([]AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(tenantID, "", ""), nil
}

func (m *memStore) FindAllWithUsers(ctx context.Context, tenantID, entityType, entityID string) ([]TrailEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []TrailEntry
	for _, rec := range m.filter(tenantID, entityType, entityID) {
		user, ok := m.users[rec.UserID]
		if !ok {
			user = User{ID: rec.UserID}
		}
		entries = append(entries, TrailEntry{AuditRecord: rec, User: user})
	}
	return entries, nil
}

// filter returns copies sorted by CreatedAt ascending (stable, so insertion
// order breaks timestamp ties). Empty entityType/entityID match everything.
func (m *memStore) filter(tenantID, entityType, entityID string) []AuditRecord {
	var out []AuditRecord
	for _, rec := range m.records {
		if rec.TenantID != tenantID {
			continue
		}
		if entityType != "" && rec.EntityType != entityType {
			continue
		}
		if entityID != "" && rec.EntityID != entityID {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// tamper mutates the stored record at index i (in insertion order) without
// recomputing its hash. Test-only backdoor into "storage edited directly".
func (m *memStore) tamper(i int, mutate func(*AuditRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mutate(&m.records[i])
}
