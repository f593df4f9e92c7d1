package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regtruth/regtruth/pkg/model"
)

// RuleStore persists rules, their concept anchors, backing-fact links, and
// AMENDS edges. Status transitions go through Transition so the lifecycle
// DAG is enforced at one choke point.
type RuleStore struct{ s *Store }

// Insert persists a DRAFT rule, upserts its concept, links backing facts,
// and records the AMENDS edge when the rule supersedes another.
func (r *RuleStore) Insert(ctx context.Context, rule *model.Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := r.s.Clock()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	if rule.Status == "" {
		rule.Status = model.RuleDraft
	}
	applies, err := json.Marshal(rule.AppliesWhen)
	if err != nil {
		return fmt.Errorf("store: marshal applies_when: %w", err)
	}

	return r.s.withTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO concepts (slug, title_hr, title_en, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (slug) DO NOTHING`,
			rule.ConceptSlug, rule.TitleHr, rule.TitleEn, now); err != nil {
			return fmt.Errorf("store: upsert concept %s: %w", rule.ConceptSlug, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rules (id, concept_slug, title_hr, title_en, risk_tier, authority_level,
				applies_when, value, value_type, explanation_hr, explanation_en,
				effective_from, effective_until, supersedes_id, status, confidence, approved_by,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			rule.ID, rule.ConceptSlug, rule.TitleHr, rule.TitleEn, rule.RiskTier,
			rule.AuthorityLevel, string(applies), rule.Value, rule.ValueType,
			rule.ExplanationHr, rule.ExplanationEn, rule.EffectiveFrom,
			rule.EffectiveUntil, nullEmpty(rule.SupersedesID), rule.Status,
			rule.Confidence, nullEmpty(rule.ApprovedBy), rule.CreatedAt, rule.UpdatedAt); err != nil {
			return fmt.Errorf("store: insert rule: %w", err)
		}

		for _, factID := range rule.BackingFactIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rule_facts (rule_id, fact_id) VALUES ($1, $2)
				ON CONFLICT (rule_id, fact_id) DO NOTHING`, rule.ID, factID); err != nil {
				return fmt.Errorf("store: link rule fact: %w", err)
			}
		}
		if rule.SupersedesID != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rule_amends (rule_id, supersedes_rule_id) VALUES ($1, $2)
				ON CONFLICT (rule_id, supersedes_rule_id) DO NOTHING`,
				rule.ID, rule.SupersedesID); err != nil {
				return fmt.Errorf("store: insert amends edge: %w", err)
			}
		}
		return nil
	})
}

func (r *RuleStore) Get(ctx context.Context, id string) (*model.Rule, error) {
	row := r.s.db.QueryRowContext(ctx, ruleSelect+` WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.attachFactIDs(ctx, rule)
}

// GetMany loads the given ids, erroring when any is missing.
func (r *RuleStore) GetMany(ctx context.Context, ids []string) ([]*model.Rule, error) {
	out := make([]*model.Rule, 0, len(ids))
	for _, id := range ids {
		rule, err := r.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store: rule %s: %w", id, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// ListByStatus returns rules in the given status, oldest first.
func (r *RuleStore) ListByStatus(ctx context.Context, status model.RuleStatus) ([]*model.Rule, error) {
	rows, err := r.s.db.QueryContext(ctx,
		ruleSelect+` WHERE status = $1 ORDER BY created_at, id`, status)
	if err != nil {
		return nil, fmt.Errorf("store: list rules by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, rule := range out {
		if out[i], err = r.attachFactIDs(ctx, rule); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const ruleSelect = `
	SELECT id, concept_slug, COALESCE(title_hr,''), COALESCE(title_en,''), risk_tier,
	       authority_level, applies_when, value, value_type,
	       COALESCE(explanation_hr,''), COALESCE(explanation_en,''),
	       effective_from, effective_until, COALESCE(supersedes_id,''), status,
	       confidence, COALESCE(approved_by,''), created_at, updated_at
	FROM rules`

func scanRule(row rowScanner) (*model.Rule, error) {
	var rule model.Rule
	var applies string
	var until sql.NullTime
	err := row.Scan(&rule.ID, &rule.ConceptSlug, &rule.TitleHr, &rule.TitleEn,
		&rule.RiskTier, &rule.AuthorityLevel, &applies, &rule.Value, &rule.ValueType,
		&rule.ExplanationHr, &rule.ExplanationEn, &rule.EffectiveFrom, &until,
		&rule.SupersedesID, &rule.Status, &rule.Confidence, &rule.ApprovedBy,
		&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if until.Valid {
		t := until.Time
		rule.EffectiveUntil = &t
	}
	if err := json.Unmarshal([]byte(applies), &rule.AppliesWhen); err != nil {
		return nil, fmt.Errorf("store: decode applies_when for %s: %w", rule.ID, err)
	}
	return &rule, nil
}

func (r *RuleStore) attachFactIDs(ctx context.Context, rule *model.Rule) (*model.Rule, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT fact_id FROM rule_facts WHERE rule_id = $1 ORDER BY fact_id`, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("store: load backing facts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rule.BackingFactIDs = append(rule.BackingFactIDs, id)
	}
	return rule, rows.Err()
}

// Transition moves a rule along the status DAG. The update is a
// compare-and-swap on the current status, which serializes concurrent
// transitions on the same row. withBypass permits only the rollback
// reversal PUBLISHED -> APPROVED.
func (r *RuleStore) Transition(ctx context.Context, id string, from, to model.RuleStatus, withBypass bool) error {
	if err := model.ValidateRuleTransition(from, to, withBypass); err != nil {
		return err
	}
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE rules SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		to, r.s.Clock(), id, from)
	if err != nil {
		return fmt.Errorf("store: transition rule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: rule %s not in %s: %w", id, from, ErrNotFound)
	}
	return nil
}

// Approve marks a DRAFT rule APPROVED, recording the approver (empty for
// auto-approval).
func (r *RuleStore) Approve(ctx context.Context, id, approvedBy string) error {
	if err := r.Transition(ctx, id, model.RuleDraft, model.RuleApproved, false); err != nil {
		return err
	}
	if approvedBy != "" {
		if _, err := r.s.db.ExecContext(ctx,
			`UPDATE rules SET approved_by = $1 WHERE id = $2`, approvedBy, id); err != nil {
			return fmt.Errorf("store: record approver: %w", err)
		}
	}
	return nil
}

// MeanConfidence averages rule confidence over the window; the watchdog's
// quality-degradation monitor reads it.
func (r *RuleStore) MeanConfidence(ctx context.Context, since time.Time) (float64, int, error) {
	var avg sql.NullFloat64
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT AVG(confidence), COUNT(*) FROM rules WHERE created_at >= $1`, since).
		Scan(&avg, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("store: mean confidence: %w", err)
	}
	return avg.Float64, n, nil
}

// RejectionRate is REJECTED / (APPROVED + REJECTED) over the window.
func (r *RuleStore) RejectionRate(ctx context.Context, since time.Time) (float64, int, error) {
	var approved, rejected int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN status IN ($1, $2) THEN 1 END),
		       COUNT(CASE WHEN status = $3 THEN 1 END)
		FROM rules WHERE updated_at >= $4`,
		model.RuleApproved, model.RulePublished, model.RuleRejected, since).
		Scan(&approved, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("store: rejection rate: %w", err)
	}
	total := approved + rejected
	if total == 0 {
		return 0, 0, nil
	}
	return float64(rejected) / float64(total), total, nil
}

// StalledSinceApproval counts rules APPROVED before the cutoff with no
// release membership, the third inter-stage progress gate.
func (r *RuleStore) StalledSinceApproval(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rules
		WHERE status = $1 AND updated_at < $2
		  AND id NOT IN (SELECT rule_id FROM release_rules)`,
		model.RuleApproved, cutoff).Scan(&n)
	return n, err
}

func nullEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
