package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AlertSeverity grades a watchdog alert.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert is one deduplicated watchdog finding. Repeated findings of the
// same (Type, EntityID) inside the dedup window bump Occurrences on the
// existing row instead of creating a new one.
type Alert struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	EntityID    string         `json:"entity_id,omitempty"`
	Severity    AlertSeverity  `json:"severity"`
	Message     string         `json:"message"`
	Occurrences int            `json:"occurrences"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
}

// AlertStore persists watchdog alerts.
type AlertStore struct{ s *Store }

// Raise records an alert, deduplicating by (type, entityId) within the
// window. Returns the stored alert and whether it is a new row.
func (r *AlertStore) Raise(ctx context.Context, a *Alert, window time.Duration) (*Alert, bool, error) {
	now := r.s.Clock()
	cutoff := now.Add(-window)

	existing, err := r.latest(ctx, a.Type, a.EntityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if err == nil && !existing.LastSeen.Before(cutoff) {
		res, err := r.s.db.ExecContext(ctx, `
			UPDATE alerts SET occurrences = occurrences + 1, last_seen = $1,
				severity = $2, message = $3
			WHERE id = $4`,
			now, a.Severity, a.Message, existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("store: bump alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, false, ErrNotFound
		}
		existing.Occurrences++
		existing.LastSeen = now
		existing.Severity = a.Severity
		existing.Message = a.Message
		return existing, false, nil
	}

	a.ID = uuid.New().String()
	a.Occurrences = 1
	a.FirstSeen = now
	a.LastSeen = now
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("store: marshal alert metadata: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, entity_id, severity, message, occurrences, metadata, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)`,
		a.ID, a.Type, a.EntityID, a.Severity, a.Message, string(meta), a.FirstSeen, a.LastSeen)
	if err != nil {
		return nil, false, fmt.Errorf("store: insert alert: %w", err)
	}
	return a, true, nil
}

func (r *AlertStore) latest(ctx context.Context, alertType, entityID string) (*Alert, error) {
	row := r.s.db.QueryRowContext(ctx, alertSelect+`
		WHERE type = $1 AND entity_id = $2
		ORDER BY last_seen DESC LIMIT 1`, alertType, entityID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

const alertSelect = `
	SELECT id, type, entity_id, severity, message, occurrences,
	       COALESCE(metadata,'{}'), first_seen, last_seen
	FROM alerts`

func scanAlert(row rowScanner) (*Alert, error) {
	var a Alert
	var meta string
	err := row.Scan(&a.ID, &a.Type, &a.EntityID, &a.Severity, &a.Message,
		&a.Occurrences, &meta, &a.FirstSeen, &a.LastSeen)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		return nil, fmt.Errorf("store: decode alert metadata for %s: %w", a.ID, err)
	}
	return &a, nil
}

// ListSince returns alerts last seen at or after the cutoff, newest
// first. The daily digest reads it.
func (r *AlertStore) ListSince(ctx context.Context, since time.Time) ([]*Alert, error) {
	rows, err := r.s.db.QueryContext(ctx,
		alertSelect+` WHERE last_seen >= $1 ORDER BY last_seen DESC, id`, since)
	if err != nil {
		return nil, fmt.Errorf("store: list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountBySeverity aggregates alert counts since the cutoff.
func (r *AlertStore) CountBySeverity(ctx context.Context, since time.Time) (map[AlertSeverity]int, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*) FROM alerts
		WHERE last_seen >= $1 GROUP BY severity`, since)
	if err != nil {
		return nil, fmt.Errorf("store: count alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[AlertSeverity]int)
	for rows.Next() {
		var sev AlertSeverity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		out[sev] = n
	}
	return out, rows.Err()
}
