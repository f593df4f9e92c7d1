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

// FactStore persists CandidateFacts and the dead-letter collection of
// rejected extractions.
type FactStore struct{ s *Store }

// Insert stores a fact and links it to every Evidence row its grounding
// quotes reference.
func (r *FactStore) Insert(ctx context.Context, f *model.CandidateFact) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = r.s.Clock()
	}
	if f.Status == "" {
		f.Status = model.FactCaptured
	}
	quotes, err := json.Marshal(f.GroundingQuotes)
	if err != nil {
		return fmt.Errorf("store: marshal grounding quotes: %w", err)
	}

	return r.s.withTx(ctx, sql.LevelReadCommitted, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO candidate_facts (id, domain, value_type, extracted_value, grounding_quotes,
				value_confidence, overall_confidence, status, promotion_candidate, extraction_notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			f.ID, f.Domain, f.ValueType, f.ExtractedValue, string(quotes),
			f.ValueConfidence, f.OverallConfidence, f.Status,
			boolInt(f.PromotionCandidate), f.ExtractionNotes, f.CreatedAt); err != nil {
			return fmt.Errorf("store: insert fact: %w", err)
		}
		seen := make(map[string]bool)
		for _, q := range f.GroundingQuotes {
			if q.EvidenceID == "" || seen[q.EvidenceID] {
				continue
			}
			seen[q.EvidenceID] = true
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO fact_evidence (fact_id, evidence_id) VALUES ($1, $2)
				ON CONFLICT (fact_id, evidence_id) DO NOTHING`,
				f.ID, q.EvidenceID); err != nil {
				return fmt.Errorf("store: link fact to evidence: %w", err)
			}
		}
		return nil
	})
}

func (r *FactStore) Get(ctx context.Context, id string) (*model.CandidateFact, error) {
	row := r.s.db.QueryRowContext(ctx, factSelect+` WHERE id = $1`, id)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

// GetMany loads the given ids, erroring when any is missing.
func (r *FactStore) GetMany(ctx context.Context, ids []string) ([]*model.CandidateFact, error) {
	out := make([]*model.CandidateFact, 0, len(ids))
	for _, id := range ids {
		f, err := r.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store: fact %s: %w", id, err)
		}
		out = append(out, f)
	}
	return out, nil
}

const factSelect = `
	SELECT id, domain, value_type, extracted_value, grounding_quotes,
	       value_confidence, overall_confidence, status, promotion_candidate,
	       COALESCE(extraction_notes, ''), created_at
	FROM candidate_facts`

func scanFact(row rowScanner) (*model.CandidateFact, error) {
	var f model.CandidateFact
	var quotes string
	var promo int
	err := row.Scan(&f.ID, &f.Domain, &f.ValueType, &f.ExtractedValue, &quotes,
		&f.ValueConfidence, &f.OverallConfidence, &f.Status, &promo,
		&f.ExtractionNotes, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.PromotionCandidate = promo != 0
	if err := json.Unmarshal([]byte(quotes), &f.GroundingQuotes); err != nil {
		return nil, fmt.Errorf("store: decode grounding quotes for %s: %w", f.ID, err)
	}
	return &f, nil
}

// UpdateStatus performs the only mutation facts allow.
func (r *FactStore) UpdateStatus(ctx context.Context, id string, status model.FactStatus) error {
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE candidate_facts SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("store: update fact status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUngrouped returns CAPTURED facts not yet backing any rule, grouped by
// domain. The composer's batch mode consumes this.
func (r *FactStore) ListUngrouped(ctx context.Context) (map[string][]*model.CandidateFact, error) {
	rows, err := r.s.db.QueryContext(ctx, factSelect+`
		WHERE status = $1 AND id NOT IN (SELECT fact_id FROM rule_facts)
		ORDER BY domain, created_at`, model.FactCaptured)
	if err != nil {
		return nil, fmt.Errorf("store: list ungrouped facts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]*model.CandidateFact)
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out[f.Domain] = append(out[f.Domain], f)
	}
	return out, rows.Err()
}

// StalledSinceCapture counts facts created before the cutoff with no rule,
// the second inter-stage progress gate.
func (r *FactStore) StalledSinceCapture(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candidate_facts
		WHERE created_at < $1 AND status = $2
		  AND id NOT IN (SELECT fact_id FROM rule_facts)`,
		cutoff, model.FactCaptured).Scan(&n)
	return n, err
}

// InsertRejection dead-letters an invalid extractor output for analysis.
func (r *FactStore) InsertRejection(ctx context.Context, rej *model.RejectedExtraction) error {
	if rej.ID == "" {
		rej.ID = uuid.New().String()
	}
	if rej.CreatedAt.IsZero() {
		rej.CreatedAt = r.s.Clock()
	}
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO rejected_extractions (id, evidence_id, reason, domain, raw_output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rej.ID, rej.EvidenceID, rej.Reason, rej.Domain, rej.RawOutput, rej.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert rejection: %w", err)
	}
	return nil
}

// RejectionCount counts dead-lettered extractions in the window.
func (r *FactStore) RejectionCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rejected_extractions WHERE created_at >= $1`, since).Scan(&n)
	return n, err
}
