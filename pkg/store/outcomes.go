package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/regtruth/regtruth/pkg/model"
)

// OutcomeStore records the terminal result of every pipeline job. Every
// write passes through model.CoerceOutcome so the invariant that
// SUCCESS_APPLIED implies at least one produced item holds in the table.
type OutcomeStore struct{ s *Store }

// Record persists a coerced outcome and returns it.
func (r *OutcomeStore) Record(ctx context.Context, jobID, queue string, o model.JobOutcome) (model.JobOutcome, error) {
	o = model.CoerceOutcome(o)
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO job_outcomes (id, job_id, queue, outcome, items_produced, no_change_code, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), jobID, queue, o.Outcome, o.ItemsProduced,
		nullEmpty(string(o.NoChangeCode)), o.Detail, r.s.Clock())
	if err != nil {
		return o, fmt.Errorf("store: record outcome for %s: %w", jobID, err)
	}
	return o, nil
}

// FailureRate is FAILURE / total over the window for one queue. Returns
// the rate and total; total zero means no signal.
func (r *OutcomeStore) FailureRate(ctx context.Context, queue string, since time.Time) (float64, int, error) {
	var failed, total int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN outcome = $1 THEN 1 END), COUNT(*)
		FROM job_outcomes WHERE queue = $2 AND recorded_at >= $3`,
		model.OutcomeFailure, queue, since).Scan(&failed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("store: failure rate for %s: %w", queue, err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(failed) / float64(total), total, nil
}

// ItemsProduced sums items produced across a queue in the window; the
// daily digest reports it.
func (r *OutcomeStore) ItemsProduced(ctx context.Context, queue string, since time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(items_produced), 0)
		FROM job_outcomes WHERE queue = $1 AND recorded_at >= $2`,
		queue, since).Scan(&n)
	return n, err
}

// LastOutcome returns the most recent outcome for a job id, or
// ErrNotFound when the job never terminated.
func (r *OutcomeStore) LastOutcome(ctx context.Context, jobID string) (model.JobOutcome, error) {
	var o model.JobOutcome
	var code, detail string
	err := r.s.db.QueryRowContext(ctx, `
		SELECT outcome, items_produced, COALESCE(no_change_code,''), COALESCE(detail,'')
		FROM job_outcomes WHERE job_id = $1
		ORDER BY recorded_at DESC LIMIT 1`, jobID).
		Scan(&o.Outcome, &o.ItemsProduced, &code, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, fmt.Errorf("store: last outcome for %s: %w", jobID, err)
	}
	o.NoChangeCode = model.NoChangeCode(code)
	o.Detail = detail
	return o, nil
}
