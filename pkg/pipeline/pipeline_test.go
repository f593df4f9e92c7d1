package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/regtruth/regtruth/pkg/compose"
	"github.com/regtruth/regtruth/pkg/extract"
	"github.com/regtruth/regtruth/pkg/ingest"
	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/release"
	"github.com/regtruth/regtruth/pkg/review"
	"github.com/regtruth/regtruth/pkg/store"
)

var pipeNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	result *ingest.FetchResult
	err    error
}

func (f *fakeFetcher) FetchSource(context.Context, *model.Source) (*ingest.FetchResult, error) {
	return f.result, f.err
}

type fakeExtractor struct {
	result *extract.Result
	err    error
	corr   llm.Correlation
}

func (f *fakeExtractor) Run(_ context.Context, _ string, corr llm.Correlation) (*extract.Result, error) {
	f.corr = corr
	return f.result, f.err
}

type fakeComposer struct {
	result *compose.BatchResult
	err    error
}

func (f *fakeComposer) RunBatch(context.Context, llm.Correlation) (*compose.BatchResult, error) {
	return f.result, f.err
}

type fakeReviewer struct {
	result *review.BatchResult
	err    error
}

func (f *fakeReviewer) RunBatch(context.Context, llm.Correlation) (*review.BatchResult, error) {
	return f.result, f.err
}

type fakeArbiter struct {
	resolved int
	errs     []string
}

func (f *fakeArbiter) ArbitrateBatch(context.Context, llm.Correlation) (int, []string, error) {
	return f.resolved, f.errs, nil
}

type fakeReleaser struct {
	release *model.Release
	err     error
}

func (f *fakeReleaser) Release(context.Context, []string, llm.Correlation) (*model.Release, error) {
	return f.release, f.err
}

type pipeHarness struct {
	store     *store.Store
	queue     *queue.Memory
	kv        kv.Store
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	composer  *fakeComposer
	reviewer  *fakeReviewer
	arbiter   *fakeArbiter
	releaser  *fakeReleaser
	handlers  *Handlers
}

func newPipeHarness(t *testing.T) *pipeHarness {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db)
	require.NoError(t, st.Init(context.Background()))
	st.Clock = func() time.Time { return pipeNow }

	q := queue.NewMemory()
	q.Clock = func() time.Time { return pipeNow }

	h := &pipeHarness{
		store:     st,
		queue:     q,
		kv:        kv.NewMemoryStore(),
		fetcher:   &fakeFetcher{},
		extractor: &fakeExtractor{},
		composer:  &fakeComposer{},
		reviewer:  &fakeReviewer{},
		arbiter:   &fakeArbiter{},
		releaser:  &fakeReleaser{},
	}
	h.handlers = NewHandlers(st, q, h.fetcher, h.extractor, h.composer,
		h.reviewer, h.arbiter, h.releaser, nil)
	h.handlers.clock = func() time.Time { return pipeNow }
	return h
}

func (h *pipeHarness) worker(name string, fn HandleFunc) *Worker {
	w := NewWorker(name, h.queue, h.kv, h.store, 1, fn, nil)
	w.clock = func() time.Time { return pipeNow }
	return w
}

func (h *pipeHarness) seedSource(t *testing.T, slug string, intervalMs int64) *model.Source {
	t.Helper()
	src := &model.Source{
		Slug: slug, Name: slug, URL: "https://" + slug + ".hr",
		Authority: model.AuthorityLaw, Active: true, FetchIntervalMs: intervalMs,
	}
	require.NoError(t, h.store.Sources.Upsert(context.Background(), src))
	return src
}

func depth(t *testing.T, q queue.Queue, name string) int {
	t.Helper()
	n, err := q.Depth(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestScheduleFetchesSkipsFreshSources(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	h.seedSource(t, "stale", 3600000)
	fresh := h.seedSource(t, "fresh", 3600000)
	_, _, err := h.store.Evidence.Insert(ctx, &model.Evidence{
		SourceID: fresh.ID, URL: fresh.URL, ContentType: model.ContentHTML,
		ContentClass: model.ClassHTML, RawBytes: []byte("x"), ContentHash: "h",
		FetchedAt: pipeNow.Add(-10 * time.Minute),
	})
	require.NoError(t, err)

	n, err := h.handlers.ScheduleFetches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, depth(t, h.queue, QueueFetch))

	// Rescheduling the same day coalesces on the deterministic job id.
	_, err = h.handlers.ScheduleFetches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, depth(t, h.queue, QueueFetch))
}

func TestHandleFetchChainsExtractJob(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	h.seedSource(t, "nn", 3600000)
	h.fetcher.result = &ingest.FetchResult{
		Evidence: &model.Evidence{ID: "ev-1"}, Created: true,
	}

	body, _ := json.Marshal(FetchJob{SourceSlug: "nn"})
	out, err := h.handlers.HandleFetch(ctx, &queue.Job{ID: "fetch-1", Body: body})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessApplied, out.Outcome)
	assert.Equal(t, 1, out.ItemsProduced)
	assert.Equal(t, 1, depth(t, h.queue, QueueExtract))

	job, err := h.queue.Reserve(ctx, QueueExtract, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, queue.ProcessJobID("ev-1"), job.ID)

	var extractBody ExtractJob
	require.NoError(t, json.Unmarshal(job.Body, &extractBody))
	assert.Equal(t, "ev-1", extractBody.EvidenceID)
	assert.Equal(t, "fetch-1", extractBody.ParentJobID)
}

func TestHandleFetchUnchangedSnapshotIsNoChange(t *testing.T) {
	h := newPipeHarness(t)
	h.seedSource(t, "nn", 3600000)
	h.fetcher.result = &ingest.FetchResult{
		Evidence: &model.Evidence{ID: "ev-1"}, NotChanged: true,
	}

	body, _ := json.Marshal(FetchJob{SourceSlug: "nn"})
	out, err := h.handlers.HandleFetch(context.Background(), &queue.Job{ID: "fetch-1", Body: body})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessNoChange, out.Outcome)
	assert.Equal(t, model.NoChangeContentIdentical, out.NoChangeCode)
	assert.Equal(t, 0, depth(t, h.queue, QueueExtract))
}

func TestHandleExtractArmsSingleComposeSweep(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	h.extractor.result = &extract.Result{FactIDs: []string{"f1", "f2", "f3"}}

	body, _ := json.Marshal(ExtractJob{EvidenceID: "ev-1", SourceSlug: "nn", ParentJobID: "fetch-1"})
	out, err := h.handlers.HandleExtract(ctx, &queue.Job{ID: "process-ev-1", Body: body})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ItemsProduced)
	assert.Equal(t, "nn", h.extractor.corr.SourceSlug)
	assert.Equal(t, "fetch-1", h.extractor.corr.ParentJobID)

	// A second extraction coalesces into the pending sweep.
	body2, _ := json.Marshal(ExtractJob{EvidenceID: "ev-2"})
	_, err = h.handlers.HandleExtract(ctx, &queue.Job{ID: "process-ev-2", Body: body2})
	require.NoError(t, err)
	assert.Equal(t, 1, depth(t, h.queue, QueueCompose))
}

func TestHandleExtractEmptyResultIsNoChange(t *testing.T) {
	h := newPipeHarness(t)
	h.extractor.result = &extract.Result{Rejected: 2}

	body, _ := json.Marshal(ExtractJob{EvidenceID: "ev-1"})
	out, err := h.handlers.HandleExtract(context.Background(), &queue.Job{ID: "process-ev-1", Body: body})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessNoChange, out.Outcome)
	assert.Equal(t, model.NoChangeEmptyResult, out.NoChangeCode)
	assert.Equal(t, 0, depth(t, h.queue, QueueCompose))
}

func TestHandleComposeArmsReviewSweep(t *testing.T) {
	h := newPipeHarness(t)
	h.composer.result = &compose.BatchResult{Succeeded: 2, Failed: 1}

	out, err := h.handlers.HandleCompose(context.Background(), &queue.Job{ID: composeSweepID})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartial, out.Outcome)
	assert.Equal(t, 2, out.ItemsProduced)
	assert.Equal(t, 1, depth(t, h.queue, QueueReview))
}

func TestHandleReviewAggregatesReviewAndArbitration(t *testing.T) {
	h := newPipeHarness(t)
	h.reviewer.result = &review.BatchResult{Approved: 1, Rejected: 1, Held: 2}
	h.arbiter.resolved = 1

	out, err := h.handlers.HandleReview(context.Background(), &queue.Job{ID: reviewSweepID})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessApplied, out.Outcome)
	assert.Equal(t, 3, out.ItemsProduced)

	h.reviewer.result = &review.BatchResult{Held: 4}
	h.arbiter.resolved = 0
	out, err = h.handlers.HandleReview(context.Background(), &queue.Job{ID: reviewSweepID})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessNoChange, out.Outcome)
	assert.Contains(t, out.Detail, "4 rules held")
}

func TestWorkerAcksAndRecordsOutcome(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, "work", []byte(`{}`), queue.EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)

	w := h.worker("work", func(context.Context, *queue.Job) (model.JobOutcome, error) {
		return model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: 2}, nil
	})
	processed, err := w.ProcessNext(ctx, "work-0")
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, 0, depth(t, h.queue, "work"))

	got, err := h.store.Outcomes.LastOutcome(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessApplied, got.Outcome)

	hb, ok, err := queue.ReadHeartbeat(ctx, h.kv, "work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), hb.Cycle)
}

func TestWorkerRetriesRateLimitedWithLongBackoff(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, "work", []byte(`{}`), queue.EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)

	w := h.worker("work", func(context.Context, *queue.Job) (model.JobOutcome, error) {
		return failureOutcome(llm.ErrRateLimited), fmt.Errorf("pipeline: call: %w", llm.ErrRateLimited)
	})
	processed, err := w.ProcessNext(ctx, "work-0")
	require.NoError(t, err)
	assert.True(t, processed)

	// First attempt backs off 30 s * 2^1; not ready a minute early.
	h.queue.Clock = func() time.Time { return pipeNow.Add(59 * time.Second) }
	_, err = h.queue.Reserve(ctx, "work", "w", time.Minute)
	assert.ErrorIs(t, err, queue.ErrQueueEmpty)

	h.queue.Clock = func() time.Time { return pipeNow.Add(61 * time.Second) }
	job, err := h.queue.Reserve(ctx, "work", "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
}

func TestWorkerDeadLettersGateFailures(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	h.releaser.err = fmt.Errorf("release: 1 rule not in APPROVED status: %w", release.ErrGateFailed)

	body, _ := json.Marshal(ReleaseJob{RuleIDs: []string{"r1"}})
	_, err := h.queue.Enqueue(ctx, QueueRelease, body, queue.EnqueueOptions{JobID: "rel-1"})
	require.NoError(t, err)

	w := h.worker(QueueRelease, h.handlers.HandleRelease)
	processed, err := w.ProcessNext(ctx, "release-0")
	require.NoError(t, err)
	assert.True(t, processed)

	assert.Equal(t, 0, depth(t, h.queue, QueueRelease))
	assert.Equal(t, 1, depth(t, h.queue, queue.DeadLetterQueue))

	got, err := h.store.Outcomes.LastOutcome(ctx, "rel-1")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeFailure, got.Outcome)
}

func TestHandleReleasePublishes(t *testing.T) {
	h := newPipeHarness(t)
	h.releaser.release = &model.Release{Version: "0.1.0", RuleIDs: []string{"r1", "r2"}}

	body, _ := json.Marshal(ReleaseJob{RuleIDs: []string{"r1", "r2"}})
	out, err := h.handlers.HandleRelease(context.Background(), &queue.Job{ID: "rel-1", Body: body})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccessApplied, out.Outcome)
	assert.Equal(t, 2, out.ItemsProduced)
}

type recordingTracker struct {
	queueName string
	jobID     string
	outcome   string
	err       error
	completed int
}

func (r *recordingTracker) TrackJob(ctx context.Context, queueName, jobID string) (context.Context, func(outcome string, err error)) {
	r.queueName = queueName
	r.jobID = jobID
	return ctx, func(outcome string, err error) {
		r.outcome = outcome
		r.err = err
		r.completed++
	}
}

func TestWorkerTracksJobMetrics(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, "work", []byte(`{}`), queue.EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)

	w := h.worker("work", func(context.Context, *queue.Job) (model.JobOutcome, error) {
		return model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: 1}, nil
	})
	tracker := &recordingTracker{}
	w.SetMetrics(tracker)

	processed, err := w.ProcessNext(ctx, "work-0")
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, "work", tracker.queueName)
	assert.Equal(t, "job-1", tracker.jobID)
	assert.Equal(t, string(model.OutcomeSuccessApplied), tracker.outcome)
	assert.NoError(t, tracker.err)
	assert.Equal(t, 1, tracker.completed)
}

func TestWorkerTracksFailedJobs(t *testing.T) {
	h := newPipeHarness(t)
	ctx := context.Background()
	_, err := h.queue.Enqueue(ctx, "work", []byte(`{}`), queue.EnqueueOptions{JobID: "job-1"})
	require.NoError(t, err)

	boom := fmt.Errorf("%w: bad payload", ErrPermanent)
	w := h.worker("work", func(context.Context, *queue.Job) (model.JobOutcome, error) {
		return failureOutcome(boom), boom
	})
	tracker := &recordingTracker{}
	w.SetMetrics(tracker)

	processed, err := w.ProcessNext(ctx, "work-0")
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, string(model.OutcomeFailure), tracker.outcome)
	assert.ErrorIs(t, tracker.err, ErrPermanent)
	assert.Equal(t, 1, tracker.completed)
}
