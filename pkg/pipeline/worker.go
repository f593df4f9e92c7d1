// Package pipeline wires the staged workers that move regulatory content
// from fetch to release. Each stage drains its own named queue with a
// bounded pool; the release worker is singleton so version derivation
// stays serialized.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

// Stage queue names.
const (
	QueueFetch   = "fetch"
	QueueExtract = "extract"
	QueueCompose = "compose"
	QueueReview  = "review"
	QueueRelease = "release"
)

// Default pool sizes per stage.
const (
	FetchConcurrency   = 4
	ExtractConcurrency = 2
	ComposeConcurrency = 2
	ReviewConcurrency  = 2
	ReleaseConcurrency = 1
)

const (
	defaultLease    = 5 * time.Minute
	defaultIdleWait = 5 * time.Second
)

// ErrPermanent marks a handler failure that must not be retried; the
// worker dead-letters the job immediately.
var ErrPermanent = errors.New("pipeline: permanent failure")

// HandleFunc processes one reserved job and reports its outcome. The
// outcome is recorded even when err is non-nil.
type HandleFunc func(ctx context.Context, job *queue.Job) (model.JobOutcome, error)

// JobTracker opens a span for one reserved job and returns the
// completion hook that records its duration and outcome.
type JobTracker interface {
	TrackJob(ctx context.Context, queueName, jobID string) (context.Context, func(outcome string, err error))
}

// Worker drains one named queue with a bounded goroutine pool. Every
// cycle publishes a heartbeat the watchdog reads.
type Worker struct {
	name        string
	queue       queue.Queue
	kv          kv.Store
	store       *store.Store
	handle      HandleFunc
	concurrency int
	lease       time.Duration
	idleWait    time.Duration
	logger      *slog.Logger
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	metrics     JobTracker

	cycle atomic.Int64
	items atomic.Int64
}

func NewWorker(name string, q queue.Queue, kvs kv.Store, st *store.Store,
	concurrency int, handle HandleFunc, logger *slog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:        name,
		queue:       q,
		kv:          kvs,
		store:       st,
		handle:      handle,
		concurrency: concurrency,
		lease:       defaultLease,
		idleWait:    defaultIdleWait,
		logger:      logger.With("component", "pipeline", "queue", name),
		clock:       time.Now,
		sleep:       ctxSleep,
	}
}

// SetMetrics registers the job tracker invoked around every handled job.
func (w *Worker) SetMetrics(m JobTracker) { w.metrics = m }

// Run drains the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", w.name, i)
		go func() {
			defer wg.Done()
			w.drain(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (w *Worker) drain(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		processed, err := w.ProcessNext(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("drain cycle failed", "worker_id", workerID, "error", err)
		}
		if !processed {
			if w.sleep(ctx, w.idleWait) != nil {
				return
			}
		}
	}
}

// ProcessNext reserves and handles at most one job, reporting whether a
// job was processed. The heartbeat is published whether or not a job was
// available so an empty queue still reads as a live drainer.
func (w *Worker) ProcessNext(ctx context.Context, workerID string) (bool, error) {
	cycle := w.cycle.Add(1)
	hb := queue.Heartbeat{
		Worker:         w.name,
		Cycle:          cycle,
		ItemsProcessed: w.items.Load(),
		Timestamp:      w.clock(),
	}
	if err := queue.PublishHeartbeat(ctx, w.kv, hb); err != nil {
		w.logger.Warn("heartbeat publish failed", "error", err)
	}

	job, err := w.queue.Reserve(ctx, w.name, workerID, w.lease)
	if errors.Is(err, queue.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pipeline: reserve %s: %w", w.name, err)
	}

	jobCtx := ctx
	done := func(string, error) {}
	if w.metrics != nil {
		jobCtx, done = w.metrics.TrackJob(ctx, w.name, job.ID)
	}

	outcome, handleErr := w.handle(jobCtx, job)
	done(string(outcome.Outcome), handleErr)
	if _, err := w.store.Outcomes.Record(ctx, job.ID, w.name, outcome); err != nil {
		w.logger.Error("outcome record failed", "job_id", job.ID, "error", err)
	}

	if handleErr == nil {
		w.items.Add(int64(outcome.ItemsProduced))
		if err := w.queue.Ack(ctx, job.ID); err != nil {
			return true, fmt.Errorf("pipeline: ack %s: %w", job.ID, err)
		}
		return true, nil
	}

	if errors.Is(handleErr, ErrPermanent) {
		w.logger.Warn("dead-lettering job", "job_id", job.ID, "error", handleErr)
		if err := w.queue.DeadLetter(ctx, job.ID, handleErr.Error()); err != nil {
			return true, fmt.Errorf("pipeline: dead-letter %s: %w", job.ID, err)
		}
		return true, nil
	}

	w.logger.Warn("job failed, retrying", "job_id", job.ID,
		"attempt", job.Attempts, "error", handleErr)
	nack := queue.NackOptions{Retry: true, RateLimited: errors.Is(handleErr, llm.ErrRateLimited)}
	if err := w.queue.Nack(ctx, job.ID, handleErr.Error(), nack); err != nil {
		return true, fmt.Errorf("pipeline: nack %s: %w", job.ID, err)
	}
	return true, nil
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
