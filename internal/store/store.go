// ABOUTME: Store interface and data types for opal-gateway persistence.
// ABOUTME: Defines registry entry, API token, and audit record shapes plus the Store contract.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// RegistryName identifies one of the three keyed registries.
type RegistryName string

const (
	RegistryTools     RegistryName = "tools"
	RegistryResources RegistryName = "resources"
	RegistryPrompts   RegistryName = "prompts"
)

// RegistryRow is the durable form of a registry entry. The definition is
// stored as opaque JSON; the registry layer owns the typed shape.
type RegistryRow struct {
	Registry   RegistryName
	Key        string
	Definition []byte // JSON
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// APIToken is a long-lived opaque credential resolving to a principal.
// A nil ExpiresAt means the token never expires.
type APIToken struct {
	Token       string
	PrincipalID string
	DisplayName string
	Role        string
	Permissions map[string]bool
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Audit outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// AuditRecord is one dispatched call. Append-only, immutable once written.
type AuditRecord struct {
	ID           string
	PrincipalID  string
	Action       string
	ParamsDigest string
	Outcome      string
	DurationMs   int64
	Timestamp    time.Time
}

// AuditFilter specifies filtering options for listing audit records.
type AuditFilter struct {
	Since       *time.Time
	Until       *time.Time
	PrincipalID *string
	Action      *string
	Outcome     *string
	Limit       int // default 100, max 1000
}

// Store is the persistence contract consumed by the gateway core.
type Store interface {
	// Registry persistence
	PutRegistryRow(ctx context.Context, row *RegistryRow) error
	GetRegistryRow(ctx context.Context, registry RegistryName, key string) (*RegistryRow, error)
	DeleteRegistryRow(ctx context.Context, registry RegistryName, key string) error
	ListRegistryRows(ctx context.Context, registry RegistryName) ([]*RegistryRow, error)

	// API tokens
	CreateAPIToken(ctx context.Context, token *APIToken) error
	GetAPIToken(ctx context.Context, token string) (*APIToken, error)
	ListAPITokens(ctx context.Context) ([]*APIToken, error)
	RevokeAPIToken(ctx context.Context, token string) error

	// Audit trail
	AppendAuditRecord(ctx context.Context, rec *AuditRecord) error
	ListAuditRecords(ctx context.Context, f AuditFilter) ([]*AuditRecord, error)

	Close() error
}
