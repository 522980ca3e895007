// ABOUTME: Credential-agnostic resolver combining session token and API token paths.
// ABOUTME: Classifies the credential shape and delegates to the matching verifier.

package auth

import (
	"context"
	"strings"
)

// Resolver resolves any supported credential to a Principal. The dispatcher
// and transport layers never see which credential shape was presented.
type Resolver struct {
	sessions *SessionTokenVerifier
	apiKeys  *APITokenVerifier
}

// NewResolver creates a resolver over both verifiers. Either may be nil,
// disabling that credential path.
func NewResolver(sessions *SessionTokenVerifier, apiKeys *APITokenVerifier) *Resolver {
	return &Resolver{sessions: sessions, apiKeys: apiKeys}
}

// looksLikeJWT reports whether the credential is a compact JWS: three
// dot-separated segments. Opaque API tokens never contain dots.
func looksLikeJWT(credential string) bool {
	return strings.Count(credential, ".") == 2
}

// Resolve verifies the credential and returns the principal it denotes.
// Returns ErrMissingCredential for empty input, ErrInvalidToken or
// ErrExpiredToken on verification failure.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	if looksLikeJWT(credential) {
		if r.sessions == nil {
			return nil, ErrInvalidToken
		}
		return r.sessions.Verify(credential)
	}

	if r.apiKeys == nil {
		return nil, ErrInvalidToken
	}
	return r.apiKeys.Verify(ctx, credential)
}

// BearerToken extracts a bearer credential from an Authorization header
// value. Returns the token and an empty string on success, or an empty
// token and a reason message on failure.
func BearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}
