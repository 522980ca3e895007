// ABOUTME: Tests for the credential-agnostic resolver and bearer header parsing.
// ABOUTME: Verifies shape classification routes to the correct verifier.

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-labs/opal-gateway/internal/store"
)

func newResolver(t *testing.T) (*Resolver, *SessionTokenVerifier, *store.MockStore) {
	t.Helper()
	sessions := NewSessionTokenVerifier([]byte("resolver-test-secret"))
	mock := store.NewMockStore()
	return NewResolver(sessions, NewAPITokenVerifier(mock)), sessions, mock
}

func TestResolver_SessionToken(t *testing.T) {
	r, sessions, _ := newResolver(t)

	token, err := sessions.Generate(&Principal{ID: "p1", DisplayName: "Harper", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	p, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.ID)
	assert.True(t, p.IsAdmin())
	assert.Nil(t, p.Permissions)
}

func TestResolver_APIToken(t *testing.T) {
	r, _, mock := newResolver(t)
	ctx := context.Background()

	require.NoError(t, mock.CreateAPIToken(ctx, &store.APIToken{
		Token: "opal_xyz", PrincipalID: "p2", Role: "operator", CreatedAt: time.Now(),
	}))

	p, err := r.Resolve(ctx, "opal_xyz")
	require.NoError(t, err)
	assert.Equal(t, "p2", p.ID)
	assert.False(t, p.IsAdmin())
}

func TestResolver_MissingCredential(t *testing.T) {
	r, _, _ := newResolver(t)

	_, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestResolver_JWTShapedGarbage(t *testing.T) {
	r, _, _ := newResolver(t)

	// Two dots routes to the JWT path, which rejects it; it must not fall
	// through to the API token store.
	_, err := r.Resolve(context.Background(), "aaa.bbb.ccc")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantToken  string
		wantReason string
	}{
		{"valid", "Bearer opal_abc", "opal_abc", ""},
		{"missing", "", "", "missing authorization header"},
		{"wrong scheme", "Basic dXNlcg==", "", "invalid authorization header format"},
		{"empty token", "Bearer ", "", "empty token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, reason := BearerToken(tt.header)
			assert.Equal(t, tt.wantToken, token)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}
