// ABOUTME: Tests for the SQLite store covering registry rows, API tokens, and audit log.
// ABOUTME: Uses a temp-dir database per test; no shared state between tests.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a SQLiteStore backed by a temp file.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRegistryRows_PutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	row := &RegistryRow{
		Registry:   RegistryTools,
		Key:        "echo",
		Definition: []byte(`{"description":"echoes input"}`),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.PutRegistryRow(ctx, row))

	got, err := s.GetRegistryRow(ctx, RegistryTools, "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Key)
	assert.JSONEq(t, `{"description":"echoes input"}`, string(got.Definition))
	assert.True(t, got.CreatedAt.Equal(now))

	// Upsert replaces definition but the caller controls created_at
	later := now.Add(time.Minute)
	row.Definition = []byte(`{"description":"updated"}`)
	row.UpdatedAt = later
	require.NoError(t, s.PutRegistryRow(ctx, row))

	got, err = s.GetRegistryRow(ctx, RegistryTools, "echo")
	require.NoError(t, err)
	assert.JSONEq(t, `{"description":"updated"}`, string(got.Definition))
	assert.True(t, got.CreatedAt.Equal(now))
	assert.True(t, got.UpdatedAt.Equal(later))

	require.NoError(t, s.DeleteRegistryRow(ctx, RegistryTools, "echo"))
	_, err = s.GetRegistryRow(ctx, RegistryTools, "echo")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryRows_ScopedByRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutRegistryRow(ctx, &RegistryRow{
		Registry: RegistryTools, Key: "shared-key", Definition: []byte(`{}`),
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.PutRegistryRow(ctx, &RegistryRow{
		Registry: RegistryResources, Key: "shared-key", Definition: []byte(`{}`),
		CreatedAt: now, UpdatedAt: now,
	}))

	tools, err := s.ListRegistryRows(ctx, RegistryTools)
	require.NoError(t, err)
	assert.Len(t, tools, 1)

	require.NoError(t, s.DeleteRegistryRow(ctx, RegistryTools, "shared-key"))

	// Deleting from one registry leaves the other untouched
	_, err = s.GetRegistryRow(ctx, RegistryResources, "shared-key")
	assert.NoError(t, err)
}

func TestListRegistryRows_OrderedByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, key := range []string{"charlie", "alpha", "bravo"} {
		require.NoError(t, s.PutRegistryRow(ctx, &RegistryRow{
			Registry: RegistryPrompts, Key: key, Definition: []byte(`{}`),
			CreatedAt: now, UpdatedAt: now,
		}))
	}

	rows, err := s.ListRegistryRows(ctx, RegistryPrompts)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "alpha", rows[0].Key)
	assert.Equal(t, "bravo", rows[1].Key)
	assert.Equal(t, "charlie", rows[2].Key)
}

func TestAPITokens_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expiry := time.Now().Add(24 * time.Hour).UTC().Truncate(time.Second)
	tok := &APIToken{
		Token:       "opal_abc123",
		PrincipalID: "principal-1",
		DisplayName: "ci-bot",
		Role:        "operator",
		Permissions: map[string]bool{"tools.execute": true},
		ExpiresAt:   &expiry,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateAPIToken(ctx, tok))

	got, err := s.GetAPIToken(ctx, "opal_abc123")
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", got.DisplayName)
	assert.True(t, got.Permissions["tools.execute"])
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.Equal(expiry))

	_, err = s.GetAPIToken(ctx, "opal_unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RevokeAPIToken(ctx, "opal_abc123"))
	_, err = s.GetAPIToken(ctx, "opal_abc123")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.RevokeAPIToken(ctx, "opal_abc123"), ErrNotFound)
}

func TestAPITokens_NilExpiryAndPermissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAPIToken(ctx, &APIToken{
		Token:       "opal_forever",
		PrincipalID: "principal-2",
		DisplayName: "long-lived",
		Role:        "viewer",
		CreatedAt:   time.Now().UTC(),
	}))

	got, err := s.GetAPIToken(ctx, "opal_forever")
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.Nil(t, got.Permissions)
}

func TestAuditLog_AppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	records := []*AuditRecord{
		{PrincipalID: "p1", Action: "tools/list", ParamsDigest: "d1", Outcome: OutcomeOK, DurationMs: 3, Timestamp: base},
		{PrincipalID: "p1", Action: "tools/execute", ParamsDigest: "d2", Outcome: OutcomeFailed, DurationMs: 15, Timestamp: base.Add(time.Second)},
		{PrincipalID: "p2", Action: "tools/list", ParamsDigest: "d3", Outcome: OutcomeOK, DurationMs: 2, Timestamp: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		require.NoError(t, s.AppendAuditRecord(ctx, rec))
	}

	// No filter: newest first
	all, err := s.ListAuditRecords(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "p2", all[0].PrincipalID)

	// Filter by principal
	p1 := "p1"
	got, err := s.ListAuditRecords(ctx, AuditFilter{PrincipalID: &p1})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Filter by outcome
	failed := OutcomeFailed
	got, err = s.ListAuditRecords(ctx, AuditFilter{Outcome: &failed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tools/execute", got[0].Action)

	// Limit applies
	got, err = s.ListAuditRecords(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestAppendAuditRecord_GeneratesIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &AuditRecord{PrincipalID: "p1", Action: "ping", ParamsDigest: "-", Outcome: OutcomeOK}
	require.NoError(t, s.AppendAuditRecord(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())
}
