package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/regtruth/regtruth/pkg/breaker"
	"github.com/regtruth/regtruth/pkg/compose"
	"github.com/regtruth/regtruth/pkg/extract"
	"github.com/regtruth/regtruth/pkg/ingest"
	"github.com/regtruth/regtruth/pkg/observability"
	"github.com/regtruth/regtruth/pkg/pipeline"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/release"
	"github.com/regtruth/regtruth/pkg/review"
)

const watchdogInterval = time.Hour

// runWorkerCmd runs the full pipeline: all five stage worker pools, the
// fetch scheduler, and a periodic watchdog sweep. It blocks until
// SIGINT or SIGTERM.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	obs, err := newObservability(ctx)
	if err != nil {
		a.logger.Warn("observability init failed, continuing without", "error", err)
	} else {
		defer func() { _ = obs.Shutdown(context.Background()) }()
		queues := []string{
			pipeline.QueueFetch, pipeline.QueueExtract, pipeline.QueueCompose,
			pipeline.QueueReview, pipeline.QueueRelease, queue.DeadLetterQueue,
		}
		if err := obs.ObserveQueueDepths(a.queue.Depth, queues...); err != nil {
			a.logger.Warn("queue depth gauge registration failed", "error", err)
		}
	}

	runner := a.runner()
	if obs != nil {
		runner.SetMetrics(obs)
		a.breakers.OnTransition(func(ctx context.Context, provider string, from, to breaker.State) {
			obs.RecordBreakerTransition(ctx, provider, string(from), string(to))
		})
	}
	handlers := pipeline.NewHandlers(
		a.store,
		a.queue,
		ingest.NewFetcher(a.store, a.kv, a.logger),
		extract.New(a.store, runner, extract.ValidatorConfig{}, a.logger),
		compose.New(a.store, runner, a.logger),
		review.NewReviewer(a.store, runner, a.logger),
		review.NewArbiter(a.store, runner, a.logger),
		release.New(a.store, runner, a.queue, a.logger),
		a.logger,
	)

	w := newWatchdog(a)
	go func() {
		t := time.NewTicker(watchdogInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, errs := w.Run(ctx); len(errs) > 0 {
					for _, e := range errs {
						a.logger.Warn("watchdog monitor failed", "error", e)
					}
				}
			}
		}
	}()

	a.logger.Info("pipeline starting",
		"provider", a.cfg.AIProvider,
		"redis", a.cfg.RedisAddr)
	fmt.Fprintln(stdout, "regtruth pipeline running, ctrl+c to stop")

	p := pipeline.New(a.store, a.queue, a.kv, handlers, a.logger)
	if obs != nil {
		p.SetMetrics(obs)
	}
	p.Run(ctx)

	a.logger.Info("pipeline stopped")
	return 0
}

// newObservability enables OTel only when an OTLP endpoint is
// configured in the environment.
func newObservability(ctx context.Context) (*observability.Provider, error) {
	cfg := observability.DefaultConfig()
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		cfg.Enabled = false
	} else {
		cfg.OTLPEndpoint = endpoint
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	return observability.New(ctx, cfg)
}
