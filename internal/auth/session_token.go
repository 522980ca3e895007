// ABOUTME: JWT session token verification and minting using HS256 signing.
// ABOUTME: Tokens carry principal identity claims and a mandatory expiry.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential errors shared by both verification paths.
var (
	ErrMissingCredential      = errors.New("missing credential")
	ErrInvalidToken           = errors.New("invalid token")
	ErrExpiredToken           = errors.New("token expired")
	ErrMissingClaim           = errors.New("missing required claim")
	ErrInsufficientRole       = errors.New("insufficient role")
	ErrInsufficientPermission = errors.New("insufficient permission")
)

// SessionTokenVerifier verifies and mints HS256-signed session tokens.
type SessionTokenVerifier struct {
	secret []byte
}

// NewSessionTokenVerifier creates a verifier with the given signing secret.
func NewSessionTokenVerifier(secret []byte) *SessionTokenVerifier {
	return &SessionTokenVerifier{secret: secret}
}

// Verify validates the token signature and expiry and extracts the principal.
// Expired tokens yield ErrExpiredToken; every other failure yields
// ErrInvalidToken with no partial trust.
func (v *SessionTokenVerifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	name, _ := claims["name"].(string)
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !role.Valid() {
		role = RoleViewer
	}

	return &Principal{
		ID:          sub,
		DisplayName: name,
		Role:        role,
	}, nil
}

// Generate mints a session token for the principal with the given lifetime.
func (v *SessionTokenVerifier) Generate(p *Principal, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  p.ID,
		"name": p.DisplayName,
		"role": string(p.Role),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
