package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the in-process Queue used by tests and single-node runs.
// The clock is injectable so delay and lease expiry are testable.
type Memory struct {
	mu    sync.Mutex
	jobs  map[string]*Job // by job id, terminal jobs included
	Clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*Job),
		Clock: time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, name string, body []byte, opts EnqueueOptions) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	if existing, ok := m.jobs[id]; ok && !existing.Terminal() {
		return existing, nil
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := m.Clock()
	job := &Job{
		ID:          id,
		Queue:       name,
		Body:        append([]byte(nil), body...),
		Status:      JobPending,
		MaxAttempts: maxAttempts,
		Priority:    opts.Priority,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(opts.Delay),
	}
	m.jobs[id] = job
	return job, nil
}

func (m *Memory) Reserve(_ context.Context, name, workerID string, lease time.Duration) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Clock()
	var ready []*Job
	for _, j := range m.jobs {
		if j.Queue != name {
			continue
		}
		expired := j.Status == JobLeased && now.After(j.LeaseUntil)
		if (j.Status == JobPending || expired) && !now.Before(j.ReadyAt) {
			ready = append(ready, j)
		}
	}
	if len(ready) == 0 {
		return nil, ErrQueueEmpty
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].Priority != ready[b].Priority {
			return ready[a].Priority > ready[b].Priority
		}
		return ready[a].ReadyAt.Before(ready[b].ReadyAt)
	})

	job := ready[0]
	job.Status = JobLeased
	job.Attempts++
	job.LeasedBy = workerID
	job.LeaseUntil = now.Add(lease)
	cp := *job
	return &cp, nil
}

func (m *Memory) Ack(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobLeased {
		return ErrNotLeased
	}
	job.Status = JobCompleted
	job.LeasedBy = ""
	return nil
}

func (m *Memory) Nack(ctx context.Context, jobID, reason string, opts NackOptions) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	job.LastError = reason

	retriable := opts.Retry && job.Attempts < job.MaxAttempts
	if retriable {
		delay := opts.RetryDelay
		if delay == 0 {
			delay = Backoff(job.Attempts, opts.RateLimited)
		}
		job.Status = JobPending
		job.LeasedBy = ""
		job.ReadyAt = m.Clock().Add(delay)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.DeadLetter(ctx, jobID, reason)
}

func (m *Memory) DeadLetter(_ context.Context, jobID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobDead
	job.LastError = reason
	job.LeasedBy = ""

	// Mirror into the shared dead-letter queue with full error context so
	// the watchdog can measure its depth.
	dl := *job
	dl.ID = "dl-" + job.ID
	dl.Queue = DeadLetterQueue
	dl.Status = JobPending
	m.jobs[dl.ID] = &dl
	return nil
}

func (m *Memory) Depth(_ context.Context, name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, j := range m.jobs {
		if j.Queue == name && (j.Status == JobPending || j.Status == JobLeased) {
			n++
		}
	}
	return n, nil
}
