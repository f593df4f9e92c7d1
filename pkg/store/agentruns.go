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

// AgentRunStore is the append-only record of LLM invocations. Rows start as
// running and finish exactly once as completed or failed.
type AgentRunStore struct{ s *Store }

// Start inserts a running row and returns its id.
func (r *AgentRunStore) Start(ctx context.Context, run *model.AgentRun) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = r.s.Clock()
	}
	run.Status = model.RunRunning
	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, agent_type, status, input, run_id, job_id, parent_job_id, source_slug, queue_name, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.AgentType, run.Status, run.Input, run.RunID, run.JobID,
		run.ParentJobID, run.SourceSlug, run.QueueName, run.StartedAt)
	if err != nil {
		return "", fmt.Errorf("store: start agent run: %w", err)
	}
	return run.ID, nil
}

// Complete finalizes a running row as completed. Completed rows are
// immutable: finalizing twice is an error.
func (r *AgentRunStore) Complete(ctx context.Context, id, output string, durationMs, tokensUsed int64, confidence *float64) error {
	return r.finish(ctx, id, model.RunCompleted, output, "", durationMs, tokensUsed, confidence)
}

// Fail finalizes a running row as failed.
func (r *AgentRunStore) Fail(ctx context.Context, id, errMsg string, durationMs int64) error {
	return r.finish(ctx, id, model.RunFailed, "", errMsg, durationMs, 0, nil)
}

func (r *AgentRunStore) finish(ctx context.Context, id string, status model.AgentRunStatus,
	output, errMsg string, durationMs, tokensUsed int64, confidence *float64) error {
	res, err := r.s.db.ExecContext(ctx, `
		UPDATE agent_runs
		SET status = $1, output = $2, error = $3, duration_ms = $4, tokens_used = $5,
		    confidence = $6, completed_at = $7
		WHERE id = $8 AND status = $9`,
		status, output, errMsg, durationMs, tokensUsed, confidence, r.s.Clock(),
		id, model.RunRunning)
	if err != nil {
		return fmt.Errorf("store: finish agent run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: agent run %s is not running: %w", id, ErrNotFound)
	}
	return nil
}

func (r *AgentRunStore) Get(ctx context.Context, id string) (*model.AgentRun, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, status, COALESCE(input,''), COALESCE(output,''),
		       duration_ms, confidence, tokens_used, COALESCE(error,''),
		       COALESCE(run_id,''), COALESCE(job_id,''), COALESCE(parent_job_id,''),
		       COALESCE(source_slug,''), COALESCE(queue_name,''), started_at, completed_at
		FROM agent_runs WHERE id = $1`, id)

	var run model.AgentRun
	var confidence sql.NullFloat64
	var completed sql.NullTime
	err := row.Scan(&run.ID, &run.AgentType, &run.Status, &run.Input, &run.Output,
		&run.DurationMs, &confidence, &run.TokensUsed, &run.Error,
		&run.RunID, &run.JobID, &run.ParentJobID, &run.SourceSlug, &run.QueueName,
		&run.StartedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load agent run %s: %w", id, err)
	}
	if confidence.Valid {
		c := confidence.Float64
		run.Confidence = &c
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// CountByType counts runs of the given agent type since the cutoff; the
// release audit trail uses it for reviewer runs.
func (r *AgentRunStore) CountByType(ctx context.Context, agentType string, since time.Time) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_runs WHERE agent_type = $1 AND started_at >= $2`,
		agentType, since).Scan(&n)
	return n, err
}
