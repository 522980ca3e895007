// ABOUTME: Mock Store implementation for testing.
// ABOUTME: Allows tests to run without SQLite.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	registry map[RegistryName]map[string]*RegistryRow
	tokens   map[string]*APIToken
	audit    []*AuditRecord

	// FailPut, when set, makes registry writes fail with the given error.
	// Used to test that failed persistence produces no partial effects.
	FailPut error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		registry: map[RegistryName]map[string]*RegistryRow{
			RegistryTools:     {},
			RegistryResources: {},
			RegistryPrompts:   {},
		},
		tokens: make(map[string]*APIToken),
	}
}

// PutRegistryRow stores a registry row.
func (m *MockStore) PutRegistryRow(_ context.Context, row *RegistryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPut != nil {
		return m.FailPut
	}

	r := *row
	m.registry[row.Registry][row.Key] = &r
	return nil
}

// GetRegistryRow retrieves a registry row by key.
func (m *MockStore) GetRegistryRow(_ context.Context, registry RegistryName, key string) (*RegistryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.registry[registry][key]
	if !ok {
		return nil, ErrNotFound
	}
	r := *row
	return &r, nil
}

// DeleteRegistryRow removes a registry row.
func (m *MockStore) DeleteRegistryRow(_ context.Context, registry RegistryName, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPut != nil {
		return m.FailPut
	}

	delete(m.registry[registry], key)
	return nil
}

// ListRegistryRows returns all rows of a registry ordered by key.
func (m *MockStore) ListRegistryRows(_ context.Context, registry RegistryName) ([]*RegistryRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.registry[registry]))
	for k := range m.registry[registry] {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*RegistryRow, 0, len(keys))
	for _, k := range keys {
		r := *m.registry[registry][k]
		out = append(out, &r)
	}
	return out, nil
}

// CreateAPIToken stores a new API token.
func (m *MockStore) CreateAPIToken(_ context.Context, token *APIToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *token
	m.tokens[t.Token] = &t
	return nil
}

// GetAPIToken retrieves a token by exact value.
func (m *MockStore) GetAPIToken(_ context.Context, token string) (*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListAPITokens returns all tokens, newest first.
func (m *MockStore) ListAPITokens(_ context.Context) ([]*APIToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*APIToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		r := *t
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RevokeAPIToken removes a token.
func (m *MockStore) RevokeAPIToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[token]; !ok {
		return ErrNotFound
	}
	delete(m.tokens, token)
	return nil
}

// AppendAuditRecord appends an audit record.
func (m *MockStore) AppendAuditRecord(_ context.Context, rec *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	m.audit = append(m.audit, &r)
	return nil
}

// ListAuditRecords returns matching audit records, newest first.
func (m *MockStore) ListAuditRecords(_ context.Context, f AuditFilter) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := normalizeAuditLimit(f.Limit)

	out := make([]*AuditRecord, 0, len(m.audit))
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		rec := m.audit[i]
		if f.Since != nil && rec.Timestamp.Before(*f.Since) {
			continue
		}
		if f.Until != nil && rec.Timestamp.After(*f.Until) {
			continue
		}
		if f.PrincipalID != nil && rec.PrincipalID != *f.PrincipalID {
			continue
		}
		if f.Action != nil && rec.Action != *f.Action {
			continue
		}
		if f.Outcome != nil && rec.Outcome != *f.Outcome {
			continue
		}
		r := *rec
		out = append(out, &r)
	}
	return out, nil
}

// AuditCount returns the number of appended audit records (test helper).
func (m *MockStore) AuditCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.audit)
}

// Close is a no-op for the mock.
func (m *MockStore) Close() error {
	return nil
}
