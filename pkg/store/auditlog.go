package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded in the append-only log.
const (
	AuditRuleCreated       = "RULE_CREATED"
	AuditRuleApproved      = "RULE_APPROVED"
	AuditRuleRejected      = "RULE_REJECTED"
	AuditRulePublished     = "RULE_PUBLISHED"
	AuditRuleRollback      = "RULE_ROLLBACK"
	AuditConflictDetected  = "CONFLICT_DETECTED"
	AuditConflictResolved  = "CONFLICT_RESOLVED"
	AuditReleasePublished  = "RELEASE_PUBLISHED"
	AuditReleaseRolledBack = "RELEASE_ROLLED_BACK"
	AuditActionExecuted    = "ACTION_EXECUTED"
	AuditActionDenied      = "ACTION_DENIED"
	AuditWatchdogAlert     = "WATCHDOG_ALERT"
	AuditSourceDeactivated = "SOURCE_DEACTIVATED"
)

// AuditEntry is one append-only row in the audit log.
type AuditEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	PerformedBy string         `json:"performed_by,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PerformedAt time.Time      `json:"performed_at"`
}

// AuditLogStore appends to and reads the audit log. Rows are never
// updated or deleted.
type AuditLogStore struct{ s *Store }

// Append records an action. performedBy is "system" for automated steps.
func (r *AuditLogStore) Append(ctx context.Context, action, entityType, entityID, performedBy string, metadata map[string]any) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal audit metadata: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_type, entity_id, performed_by, metadata, performed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), action, entityType, entityID,
		nullEmpty(performedBy), string(meta), r.s.Clock())
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

// ListRange returns entries in [from, to), oldest first. The exporter
// streams these to JSONL.
func (r *AuditLogStore) ListRange(ctx context.Context, from, to time.Time) ([]*AuditEntry, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, COALESCE(performed_by,''),
		       COALESCE(metadata,'{}'), performed_at
		FROM audit_log
		WHERE performed_at >= $1 AND performed_at < $2
		ORDER BY performed_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("store: list audit range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListForEntity returns the full history of one entity, oldest first.
func (r *AuditLogStore) ListForEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT id, action, entity_type, entity_id, COALESCE(performed_by,''),
		       COALESCE(metadata,'{}'), performed_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at, id`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("store: list audit for %s/%s: %w", entityType, entityID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByAction counts entries with the given action since the cutoff.
func (r *AuditLogStore) CountByAction(ctx context.Context, action string, since time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE action = $1 AND performed_at >= $2`,
		action, since).Scan(&n)
	return n, err
}

func scanAuditEntry(row rowScanner) (*AuditEntry, error) {
	var e AuditEntry
	var meta string
	err := row.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID,
		&e.PerformedBy, &meta, &e.PerformedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("store: decode audit metadata for %s: %w", e.ID, err)
	}
	return &e, nil
}
