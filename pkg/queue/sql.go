package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQL implements Queue on database/sql. It works against both Postgres and
// SQLite through the standard drivers; leasing uses an optimistic UPDATE so
// concurrent workers never double-reserve a job.
type SQL struct {
	db    *sql.DB
	Clock func() time.Time
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db, Clock: time.Now}
}

const jobsSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	body BLOB,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	priority INTEGER NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMP NOT NULL,
	ready_at TIMESTAMP NOT NULL,
	leased_by TEXT,
	lease_until TIMESTAMP,
	last_error TEXT
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_reserve ON queue_jobs (queue, status, ready_at);
`

// Init creates the backing table.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, jobsSchema)
	return err
}

func (s *SQL) Enqueue(ctx context.Context, name string, body []byte, opts EnqueueOptions) (*Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := s.Clock()

	// Dedup by job id: the insert is a no-op when the id exists; the
	// follow-up read returns whichever row won.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, body, status, attempts, max_attempts, priority, enqueued_at, ready_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		id, name, body, JobPending, maxAttempts, opts.Priority, now, now.Add(opts.Delay))
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue %s: %w", id, err)
	}

	return s.get(ctx, id)
}

func (s *SQL) Reserve(ctx context.Context, name, workerID string, lease time.Duration) (*Job, error) {
	now := s.Clock()
	leaseUntil := now.Add(lease)

	// Pick the best candidate, then claim it optimistically. Lost races
	// simply retry on the next loop iteration.
	for i := 0; i < 3; i++ {
		var id string
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM queue_jobs
			WHERE queue = $1
			  AND ready_at <= $2
			  AND (status = $3 OR (status = $4 AND lease_until < $2))
			ORDER BY priority DESC, ready_at ASC
			LIMIT 1`,
			name, now, JobPending, JobLeased).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrQueueEmpty
		}
		if err != nil {
			return nil, fmt.Errorf("queue: reserve candidate: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE queue_jobs
			SET status = $1, attempts = attempts + 1, leased_by = $2, lease_until = $3
			WHERE id = $4
			  AND (status = $5 OR (status = $1 AND lease_until < $6))`,
			JobLeased, workerID, leaseUntil, id, JobPending, now)
		if err != nil {
			return nil, fmt.Errorf("queue: claim %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return s.get(ctx, id)
		}
	}
	return nil, ErrQueueEmpty
}

func (s *SQL) Ack(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = $1, leased_by = NULL WHERE id = $2 AND status = $3`,
		JobCompleted, jobID, JobLeased)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (s *SQL) Nack(ctx context.Context, jobID, reason string, opts NackOptions) error {
	job, err := s.get(ctx, jobID)
	if err != nil {
		return err
	}
	if opts.Retry && job.Attempts < job.MaxAttempts {
		delay := opts.RetryDelay
		if delay == 0 {
			delay = Backoff(job.Attempts, opts.RateLimited)
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE queue_jobs
			SET status = $1, leased_by = NULL, ready_at = $2, last_error = $3
			WHERE id = $4`,
			JobPending, s.Clock().Add(delay), reason, jobID)
		if err != nil {
			return fmt.Errorf("queue: nack %s: %w", jobID, err)
		}
		return nil
	}
	return s.DeadLetter(ctx, jobID, reason)
}

func (s *SQL) DeadLetter(ctx context.Context, jobID, reason string) error {
	job, err := s.get(ctx, jobID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", jobID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs SET status = $1, last_error = $2, leased_by = NULL WHERE id = $3`,
		JobDead, reason, jobID); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", jobID, err)
	}
	now := s.Clock()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_jobs (id, queue, body, status, attempts, max_attempts, priority, enqueued_at, ready_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		"dl-"+jobID, DeadLetterQueue, job.Body, JobPending, job.Attempts, job.MaxAttempts, now, reason); err != nil {
		return fmt.Errorf("queue: dead-letter mirror %s: %w", jobID, err)
	}
	return tx.Commit()
}

func (s *SQL) Depth(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE queue = $1 AND status IN ($2, $3)`,
		name, JobPending, JobLeased).Scan(&n)
	return n, err
}

func (s *SQL) get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, queue, body, status, attempts, max_attempts, priority, enqueued_at, ready_at,
		       COALESCE(leased_by, ''), COALESCE(lease_until, enqueued_at), COALESCE(last_error, '')
		FROM queue_jobs WHERE id = $1`, id)

	var j Job
	err := row.Scan(&j.ID, &j.Queue, &j.Body, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.Priority, &j.EnqueuedAt, &j.ReadyAt, &j.LeasedBy, &j.LeaseUntil, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load %s: %w", id, err)
	}
	return &j, nil
}
