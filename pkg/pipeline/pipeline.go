package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

// Pipeline is the full set of stage workers plus the fetch scheduler.
type Pipeline struct {
	handlers  *Handlers
	workers   []*Worker
	logger    *slog.Logger
	fetchTick time.Duration
}

// New assembles the five stage workers with their default pool sizes.
func New(st *store.Store, q queue.Queue, kvs kv.Store, h *Handlers, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	mk := func(name string, concurrency int, fn HandleFunc) *Worker {
		return NewWorker(name, q, kvs, st, concurrency, fn, logger)
	}
	return &Pipeline{
		handlers: h,
		workers: []*Worker{
			mk(QueueFetch, FetchConcurrency, h.HandleFetch),
			mk(QueueExtract, ExtractConcurrency, h.HandleExtract),
			mk(QueueCompose, ComposeConcurrency, h.HandleCompose),
			mk(QueueReview, ReviewConcurrency, h.HandleReview),
			mk(QueueRelease, ReleaseConcurrency, h.HandleRelease),
		},
		logger:    logger.With("component", "pipeline"),
		fetchTick: 5 * time.Minute,
	}
}

// SetMetrics registers the job tracker on every stage worker.
func (p *Pipeline) SetMetrics(m JobTracker) {
	for _, w := range p.workers {
		w.SetMetrics(m)
	}
}

// Run drains all stages and schedules due fetches until the context is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.schedule(ctx)
	}()
	wg.Wait()
}

func (p *Pipeline) schedule(ctx context.Context) {
	// Schedule immediately on startup, then on the tick.
	p.scheduleOnce(ctx)
	t := time.NewTicker(p.fetchTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.scheduleOnce(ctx)
		}
	}
}

func (p *Pipeline) scheduleOnce(ctx context.Context) {
	n, err := p.handlers.ScheduleFetches(ctx)
	if err != nil {
		p.logger.Error("fetch scheduling failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("fetch jobs scheduled", "count", n)
	}
}
