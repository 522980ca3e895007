// ABOUTME: Unit tests for session token verification and minting.
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and claim extraction.

package auth

import (
	"errors"
	"testing"
	"time"
)

func testPrincipal() *Principal {
	return &Principal{
		ID:          "principal-123",
		DisplayName: "Harper",
		Role:        RoleOperator,
	}
}

func TestSessionTokenVerifier_ValidToken(t *testing.T) {
	verifier := NewSessionTokenVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate(testPrincipal(), time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if got.ID != "principal-123" {
		t.Errorf("ID = %q, want %q", got.ID, "principal-123")
	}
	if got.DisplayName != "Harper" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Harper")
	}
	if got.Role != RoleOperator {
		t.Errorf("Role = %q, want %q", got.Role, RoleOperator)
	}
}

func TestSessionTokenVerifier_InvalidToken(t *testing.T) {
	verifier := NewSessionTokenVerifier([]byte("test-secret-key-for-jwt-signing"))

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				otherVerifier := NewSessionTokenVerifier([]byte("different-secret"))
				token, _ := otherVerifier.Generate(testPrincipal(), time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestSessionTokenVerifier_ExpiredToken(t *testing.T) {
	verifier := NewSessionTokenVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate(testPrincipal(), -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestSessionTokenVerifier_UnknownRoleFallsBackToViewer(t *testing.T) {
	verifier := NewSessionTokenVerifier([]byte("test-secret-key-for-jwt-signing"))

	token, err := verifier.Generate(&Principal{ID: "p", Role: Role("superuser")}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got.Role != RoleViewer {
		t.Errorf("Role = %q, want viewer fallback", got.Role)
	}
}

func TestRole_AtLeast(t *testing.T) {
	tests := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleViewer, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleOperator, RoleAdmin, false},
		{RoleViewer, RoleOperator, false},
		{Role("bogus"), RoleViewer, false},
	}

	for _, tt := range tests {
		if got := tt.role.AtLeast(tt.required); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.role, tt.required, got, tt.want)
		}
	}
}

func TestPrincipal_Can(t *testing.T) {
	// No permission map: role gating only, permission checks pass
	p := &Principal{ID: "p", Role: RoleOperator}
	if !p.Can("tools.execute") {
		t.Error("principal without permission map should pass permission checks")
	}

	// Explicit map: only granted bits pass
	p.Permissions = PermissionSet{"tools.execute": true}
	if !p.Can("tools.execute") {
		t.Error("granted permission should pass")
	}
	if p.Can("registry.mutate") {
		t.Error("ungranted permission should fail")
	}
}
