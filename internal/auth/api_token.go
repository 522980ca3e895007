// ABOUTME: Opaque API token verification backed by the durable token store.
// ABOUTME: Tolerates the optional "opal_" prefix by retrying the canonical alternate form.

package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/opal-labs/opal-gateway/internal/store"
)

// TokenPrefix is the canonical prefix applied to API tokens at creation.
// Verification tolerates its presence or absence for compatibility with
// tokens issued before prefixing was introduced.
const TokenPrefix = "opal_"

// TokenLookup looks up API tokens in the durable store.
type TokenLookup interface {
	GetAPIToken(ctx context.Context, token string) (*store.APIToken, error)
}

// APITokenVerifier resolves opaque API tokens to principals.
type APITokenVerifier struct {
	tokens TokenLookup
}

// NewAPITokenVerifier creates a verifier over the given token store.
func NewAPITokenVerifier(tokens TokenLookup) *APITokenVerifier {
	return &APITokenVerifier{tokens: tokens}
}

// CanonicalToken returns the prefixed form of an API token.
func CanonicalToken(token string) string {
	if strings.HasPrefix(token, TokenPrefix) {
		return token
	}
	return TokenPrefix + token
}

// alternateForm returns the other spelling of the token: prefixed if bare,
// bare if prefixed.
func alternateForm(token string) string {
	if strings.HasPrefix(token, TokenPrefix) {
		return strings.TrimPrefix(token, TokenPrefix)
	}
	return TokenPrefix + token
}

// Verify looks up the token, retrying the alternate prefixed/bare form
// before declaring it invalid. Expiry is checked after lookup; a nil
// expiry means the token never expires.
func (v *APITokenVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}

	rec, err := v.tokens.GetAPIToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		rec, err = v.tokens.GetAPIToken(ctx, alternateForm(token))
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(time.Now()) {
		return nil, ErrExpiredToken
	}

	role := Role(rec.Role)
	if !role.Valid() {
		role = RoleViewer
	}

	var perms PermissionSet
	if rec.Permissions != nil {
		perms = make(PermissionSet, len(rec.Permissions))
		for k, granted := range rec.Permissions {
			perms[k] = granted
		}
	}

	return &Principal{
		ID:          rec.PrincipalID,
		DisplayName: rec.DisplayName,
		Role:        role,
		Permissions: perms,
	}, nil
}
