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

// ReleaseStore persists the immutable release history and its rule
// membership. Membership edits run at serializable isolation.
type ReleaseStore struct{ s *Store }

// Insert creates the release row and its membership in one transaction.
func (r *ReleaseStore) Insert(ctx context.Context, rel *model.Release) error {
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	approvedBy, err := json.Marshal(rel.ApprovedBy)
	if err != nil {
		return fmt.Errorf("store: marshal approvers: %w", err)
	}
	trail, err := json.Marshal(rel.AuditTrail)
	if err != nil {
		return fmt.Errorf("store: marshal audit trail: %w", err)
	}

	return r.s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO releases (id, version, release_type, released_at, effective_from,
				content_hash, changelog, approved_by, audit_trail, rolled_back)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)`,
			rel.ID, rel.Version, rel.ReleaseType, rel.ReleasedAt, rel.EffectiveFrom,
			rel.ContentHash, rel.Changelog, string(approvedBy), string(trail)); err != nil {
			return fmt.Errorf("store: insert release: %w", err)
		}
		for _, ruleID := range rel.RuleIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO release_rules (release_id, rule_id) VALUES ($1, $2)`,
				rel.ID, ruleID); err != nil {
				return fmt.Errorf("store: insert release membership: %w", err)
			}
		}
		return nil
	})
}

// Latest returns the newest non-rolled-back release, or ErrNotFound when
// nothing was ever released.
func (r *ReleaseStore) Latest(ctx context.Context) (*model.Release, error) {
	row := r.s.db.QueryRowContext(ctx, releaseSelect+`
		WHERE rolled_back = 0 ORDER BY released_at DESC LIMIT 1`)
	return r.finishScan(ctx, row)
}

// Previous returns the release immediately before the given one.
func (r *ReleaseStore) Previous(ctx context.Context, before *model.Release) (*model.Release, error) {
	row := r.s.db.QueryRowContext(ctx, releaseSelect+`
		WHERE rolled_back = 0 AND released_at < $1
		ORDER BY released_at DESC LIMIT 1`, before.ReleasedAt)
	return r.finishScan(ctx, row)
}

// GetByVersion looks a release up by its semver string.
func (r *ReleaseStore) GetByVersion(ctx context.Context, version string) (*model.Release, error) {
	row := r.s.db.QueryRowContext(ctx, releaseSelect+` WHERE version = $1`, version)
	return r.finishScan(ctx, row)
}

const releaseSelect = `
	SELECT id, version, release_type, released_at, effective_from, content_hash,
	       COALESCE(changelog,''), approved_by, audit_trail, rolled_back
	FROM releases`

func (r *ReleaseStore) finishScan(ctx context.Context, row *sql.Row) (*model.Release, error) {
	var rel model.Release
	var approvedBy, trail string
	var rolled int
	err := row.Scan(&rel.ID, &rel.Version, &rel.ReleaseType, &rel.ReleasedAt,
		&rel.EffectiveFrom, &rel.ContentHash, &rel.Changelog, &approvedBy, &trail, &rolled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan release: %w", err)
	}
	rel.RolledBack = rolled != 0
	if err := json.Unmarshal([]byte(approvedBy), &rel.ApprovedBy); err != nil {
		return nil, fmt.Errorf("store: decode approvers: %w", err)
	}
	if err := json.Unmarshal([]byte(trail), &rel.AuditTrail); err != nil {
		return nil, fmt.Errorf("store: decode audit trail: %w", err)
	}

	rows, err := r.s.db.QueryContext(ctx,
		`SELECT rule_id FROM release_rules WHERE release_id = $1 ORDER BY rule_id`, rel.ID)
	if err != nil {
		return nil, fmt.Errorf("store: load release membership: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rel.RuleIDs = append(rel.RuleIDs, id)
	}
	return &rel, rows.Err()
}

// Rollback detaches all rules from the release and reverts to APPROVED
// every rule not also present in the previous release, atomically at
// serializable isolation. Returns the ids of the reverted rules.
func (r *ReleaseStore) Rollback(ctx context.Context, rel *model.Release, keepPublished map[string]bool) ([]string, error) {
	var reverted []string
	err := r.s.withTx(ctx, sql.LevelSerializable, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM release_rules WHERE release_id = $1`, rel.ID); err != nil {
			return fmt.Errorf("store: detach release rules: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE releases SET rolled_back = 1 WHERE id = $1`, rel.ID); err != nil {
			return fmt.Errorf("store: mark release rolled back: %w", err)
		}
		for _, ruleID := range rel.RuleIDs {
			if keepPublished[ruleID] {
				continue
			}
			if err := model.ValidateRuleTransition(model.RulePublished, model.RuleApproved, true); err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE rules SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
				model.RuleApproved, r.s.Clock(), ruleID, model.RulePublished)
			if err != nil {
				return fmt.Errorf("store: revert rule %s: %w", ruleID, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				reverted = append(reverted, ruleID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

// NewID mints a release id.
func (r *ReleaseStore) NewID() string { return uuid.New().String() }
