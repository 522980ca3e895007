// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides registry, token, and audit persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS registry_entries (
			registry        TEXT NOT NULL,
			key             TEXT NOT NULL,
			definition_json TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			PRIMARY KEY (registry, key),
			CHECK (registry IN ('tools', 'resources', 'prompts'))
		);

		CREATE INDEX IF NOT EXISTS idx_registry_entries_registry
			ON registry_entries(registry);

		CREATE TABLE IF NOT EXISTS api_tokens (
			token            TEXT PRIMARY KEY,
			principal_id     TEXT NOT NULL,
			display_name     TEXT NOT NULL,
			role             TEXT NOT NULL,
			permissions_json TEXT,
			expires_at       TEXT,
			created_at       TEXT NOT NULL,

			CHECK (role IN ('viewer', 'operator', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_api_tokens_principal
			ON api_tokens(principal_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id      TEXT PRIMARY KEY,
			principal_id  TEXT NOT NULL,
			action        TEXT NOT NULL,
			params_digest TEXT NOT NULL,
			outcome       TEXT NOT NULL,
			duration_ms   INTEGER NOT NULL,
			ts            TEXT NOT NULL,

			CHECK (outcome IN ('ok', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_principal ON audit_log(principal_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutRegistryRow inserts or replaces a registry entry row.
func (s *SQLiteStore) PutRegistryRow(ctx context.Context, row *RegistryRow) error {
	query := `
		INSERT INTO registry_entries (registry, key, definition_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (registry, key) DO UPDATE SET
			definition_json = excluded.definition_json,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		row.Registry,
		row.Key,
		string(row.Definition),
		row.CreatedAt.UTC().Format(time.RFC3339Nano),
		row.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting registry row: %w", err)
	}

	s.logger.Debug("persisted registry entry",
		"registry", row.Registry,
		"key", row.Key,
	)
	return nil
}

// GetRegistryRow fetches one registry entry, or ErrNotFound.
func (s *SQLiteStore) GetRegistryRow(ctx context.Context, registry RegistryName, key string) (*RegistryRow, error) {
	query := `
		SELECT registry, key, definition_json, created_at, updated_at
		FROM registry_entries
		WHERE registry = ? AND key = ?
	`

	row, err := scanRegistryRow(s.db.QueryRowContext(ctx, query, registry, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// DeleteRegistryRow removes one registry entry. Missing rows are not an error.
func (s *SQLiteStore) DeleteRegistryRow(ctx context.Context, registry RegistryName, key string) error {
	query := `DELETE FROM registry_entries WHERE registry = ? AND key = ?`
	if _, err := s.db.ExecContext(ctx, query, registry, key); err != nil {
		return fmt.Errorf("deleting registry row: %w", err)
	}
	return nil
}

// ListRegistryRows returns all rows of one registry ordered by key.
func (s *SQLiteStore) ListRegistryRows(ctx context.Context, registry RegistryName) ([]*RegistryRow, error) {
	query := `
		SELECT registry, key, definition_json, created_at, updated_at
		FROM registry_entries
		WHERE registry = ?
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, registry)
	if err != nil {
		return nil, fmt.Errorf("querying registry rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*RegistryRow
	for rows.Next() {
		row, err := scanRegistryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registry rows: %w", err)
	}
	return out, nil
}

// scanRegistryRow scans a row into a RegistryRow.
func scanRegistryRow(scanner interface{ Scan(dest ...any) error }) (*RegistryRow, error) {
	var row RegistryRow
	var registry, defJSON, createdStr, updatedStr string

	if err := scanner.Scan(&registry, &row.Key, &defJSON, &createdStr, &updatedStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning registry row: %w", err)
	}

	row.Registry = RegistryName(registry)
	row.Definition = []byte(defJSON)

	var err error
	if row.CreatedAt, err = time.Parse(time.RFC3339Nano, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if row.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &row, nil
}

// CreateAPIToken stores a new API token.
func (s *SQLiteStore) CreateAPIToken(ctx context.Context, token *APIToken) error {
	var permsJSON *string
	if token.Permissions != nil {
		data, err := json.Marshal(token.Permissions)
		if err != nil {
			return fmt.Errorf("marshaling permissions: %w", err)
		}
		str := string(data)
		permsJSON = &str
	}

	var expiresStr *string
	if token.ExpiresAt != nil {
		str := token.ExpiresAt.UTC().Format(time.RFC3339)
		expiresStr = &str
	}

	query := `
		INSERT INTO api_tokens (token, principal_id, display_name, role, permissions_json, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.Token,
		token.PrincipalID,
		token.DisplayName,
		token.Role,
		permsJSON,
		expiresStr,
		token.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting api token: %w", err)
	}

	s.logger.Debug("created api token",
		"principal_id", token.PrincipalID,
		"display_name", token.DisplayName,
	)
	return nil
}

const apiTokenQuery = `
	SELECT token, principal_id, display_name, role, permissions_json, expires_at, created_at
	FROM api_tokens
`

// GetAPIToken looks up an API token by its exact value.
func (s *SQLiteStore) GetAPIToken(ctx context.Context, token string) (*APIToken, error) {
	rec, err := scanAPIToken(s.db.QueryRowContext(ctx, apiTokenQuery+` WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAPITokens returns all tokens ordered by creation time, newest first.
func (s *SQLiteStore) ListAPITokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx, apiTokenQuery+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying api tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*APIToken
	for rows.Next() {
		rec, err := scanAPIToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating api tokens: %w", err)
	}
	return out, nil
}

// RevokeAPIToken deletes a token. Returns ErrNotFound if it did not exist.
func (s *SQLiteStore) RevokeAPIToken(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("revoking api token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanAPIToken scans a row into an APIToken.
func scanAPIToken(scanner interface{ Scan(dest ...any) error }) (*APIToken, error) {
	var rec APIToken
	var permsJSON, expiresStr *string
	var createdStr string

	if err := scanner.Scan(
		&rec.Token,
		&rec.PrincipalID,
		&rec.DisplayName,
		&rec.Role,
		&permsJSON,
		&expiresStr,
		&createdStr,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scanning api token: %w", err)
	}

	if permsJSON != nil {
		if err := json.Unmarshal([]byte(*permsJSON), &rec.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshaling permissions: %w", err)
		}
	}
	if expiresStr != nil {
		t, err := time.Parse(time.RFC3339, *expiresStr)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
		rec.ExpiresAt = &t
	}

	var err error
	if rec.CreatedAt, err = time.Parse(time.RFC3339, createdStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &rec, nil
}
