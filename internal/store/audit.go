// ABOUTME: Audit log persistence for dispatched calls.
// ABOUTME: Append-only records of who called what, how long it took, and the outcome.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAuditRecord appends a record to the durable audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (audit_id, principal_id, action, params_digest, outcome, duration_ms, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.PrincipalID,
		rec.Action,
		rec.ParamsDigest,
		rec.Outcome,
		rec.DurationMs,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	s.logger.Debug("appended audit record",
		"id", rec.ID,
		"principal", rec.PrincipalID,
		"action", rec.Action,
		"outcome", rec.Outcome,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, principal_id, action, params_digest, outcome, duration_ms, ts
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR ts <= ?)
	  AND (? IS NULL OR principal_id = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR outcome = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditRecords returns audit records matching the filter criteria.
// Results are returned newest first.
func (s *SQLiteStore) ListAuditRecords(ctx context.Context, f AuditFilter) ([]*AuditRecord, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr, untilStr *string
	if f.Since != nil {
		str := f.Since.UTC().Format(time.RFC3339Nano)
		sinceStr = &str
	}
	if f.Until != nil {
		str := f.Until.UTC().Format(time.RFC3339Nano)
		untilStr = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		untilStr, untilStr,
		f.PrincipalID, f.PrincipalID,
		f.Action, f.Action,
		f.Outcome, f.Outcome,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var tsStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.PrincipalID,
			&rec.Action,
			&rec.ParamsDigest,
			&rec.Outcome,
			&rec.DurationMs,
			&tsStr,
		); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit records: %w", err)
	}

	if records == nil {
		records = []*AuditRecord{}
	}
	return records, nil
}
