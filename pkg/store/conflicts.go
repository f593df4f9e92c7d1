package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/regtruth/regtruth/pkg/model"
)

// ConflictStore persists detected conflicts between sources and rules.
type ConflictStore struct{ s *Store }

func (r *ConflictStore) Insert(ctx context.Context, c *model.Conflict) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.s.Clock()
	}
	if c.Status == "" {
		c.Status = model.ConflictOpen
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal conflict metadata: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, type, item_a_id, item_b_id, status, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.Type, nullEmpty(c.ItemAID), nullEmpty(c.ItemBID), c.Status,
		c.Description, string(meta), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert conflict: %w", err)
	}
	return nil
}

func (r *ConflictStore) Get(ctx context.Context, id string) (*model.Conflict, error) {
	row := r.s.db.QueryRowContext(ctx, conflictSelect+` WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

const conflictSelect = `
	SELECT id, type, COALESCE(item_a_id,''), COALESCE(item_b_id,''), status,
	       COALESCE(description,''), COALESCE(metadata,'{}'), created_at, resolved_at
	FROM conflicts`

func scanConflict(row rowScanner) (*model.Conflict, error) {
	var c model.Conflict
	var meta string
	var resolved sql.NullTime
	err := row.Scan(&c.ID, &c.Type, &c.ItemAID, &c.ItemBID, &c.Status,
		&c.Description, &meta, &c.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	if resolved.Valid {
		t := resolved.Time
		c.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
		return nil, fmt.Errorf("store: decode conflict metadata for %s: %w", c.ID, err)
	}
	return &c, nil
}

// OpenForRule returns OPEN conflicts touching the rule either directly
// (item ids) or through the conflicting fact ids of a SOURCE_CONFLICT that
// involve one of the rule's backing facts.
func (r *ConflictStore) OpenForRule(ctx context.Context, rule *model.Rule) ([]*model.Conflict, error) {
	rows, err := r.s.db.QueryContext(ctx, conflictSelect+` WHERE status = $1`, model.ConflictOpen)
	if err != nil {
		return nil, fmt.Errorf("store: list open conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	backing := make(map[string]bool, len(rule.BackingFactIDs))
	for _, id := range rule.BackingFactIDs {
		backing[id] = true
	}

	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		if c.ItemAID == rule.ID || c.ItemBID == rule.ID {
			out = append(out, c)
			continue
		}
		if ids, ok := c.Metadata["conflictingPointerIds"].([]any); ok {
			for _, raw := range ids {
				if id, ok := raw.(string); ok && backing[id] {
					out = append(out, c)
					break
				}
			}
		}
	}
	return out, rows.Err()
}

// ListOpen returns every OPEN conflict, oldest first, for arbitration.
func (r *ConflictStore) ListOpen(ctx context.Context) ([]*model.Conflict, error) {
	rows, err := r.s.db.QueryContext(ctx,
		conflictSelect+` WHERE status = $1 ORDER BY created_at`, model.ConflictOpen)
	if err != nil {
		return nil, fmt.Errorf("store: list open conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close resolves or dismisses a conflict.
func (r *ConflictStore) Close(ctx context.Context, id string, status model.ConflictStatus) error {
	if status != model.ConflictResolved && status != model.ConflictDismissed {
		return fmt.Errorf("store: %s is not a terminal conflict status", status)
	}
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE conflicts SET status = $1, resolved_at = $2 WHERE id = $3 AND status = $4`,
		status, r.s.Clock(), id, model.ConflictOpen)
	if err != nil {
		return fmt.Errorf("store: close conflict %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
