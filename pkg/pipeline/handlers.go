package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/regtruth/regtruth/pkg/compose"
	"github.com/regtruth/regtruth/pkg/extract"
	"github.com/regtruth/regtruth/pkg/ingest"
	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/release"
	"github.com/regtruth/regtruth/pkg/review"
	"github.com/regtruth/regtruth/pkg/store"
)

// Sweep job ids. Enqueueing while a sweep is still pending coalesces
// into the existing job.
const (
	composeSweepID = "compose-sweep"
	reviewSweepID  = "review-sweep"
)

// extractBatchLimit bounds one extract sweep.
const extractBatchLimit = 25

// FetchJob fetches one registered source.
type FetchJob struct {
	SourceSlug string `json:"sourceSlug"`
	URL        string `json:"url,omitempty"`
}

// ExtractJob extracts one evidence row.
type ExtractJob struct {
	EvidenceID  string `json:"evidenceId"`
	SourceSlug  string `json:"sourceSlug,omitempty"`
	ParentJobID string `json:"parentJobId,omitempty"`
}

// ReleaseJob publishes the named approved rules as one release.
type ReleaseJob struct {
	RuleIDs     []string `json:"ruleIds"`
	RequestedBy string   `json:"requestedBy,omitempty"`
}

// Stage contracts, satisfied by the concrete components.
type (
	SourceFetcher interface {
		FetchSource(ctx context.Context, src *model.Source) (*ingest.FetchResult, error)
	}
	EvidenceExtractor interface {
		Run(ctx context.Context, evidenceID string, corr llm.Correlation) (*extract.Result, error)
	}
	DraftComposer interface {
		RunBatch(ctx context.Context, corr llm.Correlation) (*compose.BatchResult, error)
	}
	RuleReviewer interface {
		RunBatch(ctx context.Context, corr llm.Correlation) (*review.BatchResult, error)
	}
	ConflictArbiter interface {
		ArbitrateBatch(ctx context.Context, corr llm.Correlation) (int, []string, error)
	}
	ReleasePublisher interface {
		Release(ctx context.Context, ruleIDs []string, corr llm.Correlation) (*model.Release, error)
	}
)

// Handlers binds the stage components to queue jobs and chains each
// stage into the next.
type Handlers struct {
	store     *store.Store
	queue     queue.Queue
	fetcher   SourceFetcher
	extractor EvidenceExtractor
	composer  DraftComposer
	reviewer  RuleReviewer
	arbiter   ConflictArbiter
	releaser  ReleasePublisher
	logger    *slog.Logger
	clock     func() time.Time
}

func NewHandlers(st *store.Store, q queue.Queue, fetcher SourceFetcher,
	extractor EvidenceExtractor, composer DraftComposer, reviewer RuleReviewer,
	arbiter ConflictArbiter, releaser ReleasePublisher, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     st,
		queue:     q,
		fetcher:   fetcher,
		extractor: extractor,
		composer:  composer,
		reviewer:  reviewer,
		arbiter:   arbiter,
		releaser:  releaser,
		logger:    logger.With("component", "pipeline"),
		clock:     time.Now,
	}
}

// ScheduleFetches enqueues a fetch job for every active source whose
// fetch interval has elapsed. Job ids are deterministic per source and
// day, so rescheduling within the dedup horizon is a no-op.
func (h *Handlers) ScheduleFetches(ctx context.Context) (int, error) {
	sources, err := h.store.Sources.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	lastFetch, err := h.store.Evidence.LastFetchBySource(ctx)
	if err != nil {
		return 0, err
	}

	now := h.clock()
	enqueued := 0
	for _, src := range sources {
		interval := time.Duration(src.FetchIntervalMs) * time.Millisecond
		if last, ok := lastFetch[src.ID]; ok && now.Sub(last) < interval {
			continue
		}
		body, err := json.Marshal(FetchJob{SourceSlug: src.Slug, URL: src.URL})
		if err != nil {
			return enqueued, fmt.Errorf("pipeline: marshal fetch job: %w", err)
		}
		_, err = h.queue.Enqueue(ctx, QueueFetch, body, queue.EnqueueOptions{
			JobID: queue.ArticleJobID("source", now, src.URL),
		})
		if err != nil {
			return enqueued, fmt.Errorf("pipeline: enqueue fetch for %s: %w", src.Slug, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// HandleFetch fetches the source and, when a new snapshot was captured,
// chains an extract job for it.
func (h *Handlers) HandleFetch(ctx context.Context, job *queue.Job) (model.JobOutcome, error) {
	var body FetchJob
	if err := json.Unmarshal(job.Body, &body); err != nil {
		return failureOutcome(err), fmt.Errorf("%w: decode fetch job: %v", ErrPermanent, err)
	}
	src, err := h.store.Sources.GetBySlug(ctx, body.SourceSlug)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: load source %s: %w", body.SourceSlug, err)
	}

	res, err := h.fetcher.FetchSource(ctx, src)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: fetch %s: %w", src.Slug, err)
	}
	if res.NotChanged || !res.Created {
		return model.JobOutcome{
			Outcome:      model.OutcomeSuccessNoChange,
			NoChangeCode: model.NoChangeContentIdentical,
		}, nil
	}

	extractBody, err := json.Marshal(ExtractJob{
		EvidenceID:  res.Evidence.ID,
		SourceSlug:  src.Slug,
		ParentJobID: job.ID,
	})
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: marshal extract job: %w", err)
	}
	_, err = h.queue.Enqueue(ctx, QueueExtract, extractBody, queue.EnqueueOptions{
		JobID: queue.ProcessJobID(res.Evidence.ID),
	})
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: enqueue extract: %w", err)
	}
	return model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: 1}, nil
}

// HandleExtract runs the extractor over one evidence row and arms a
// compose sweep when facts were produced.
func (h *Handlers) HandleExtract(ctx context.Context, job *queue.Job) (model.JobOutcome, error) {
	var body ExtractJob
	if err := json.Unmarshal(job.Body, &body); err != nil {
		return failureOutcome(err), fmt.Errorf("%w: decode extract job: %v", ErrPermanent, err)
	}

	corr := llm.Correlation{
		JobID:       job.ID,
		ParentJobID: body.ParentJobID,
		SourceSlug:  body.SourceSlug,
		QueueName:   QueueExtract,
	}
	res, err := h.extractor.Run(ctx, body.EvidenceID, corr)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: extract %s: %w", body.EvidenceID, err)
	}
	if len(res.FactIDs) == 0 {
		return model.JobOutcome{
			Outcome:      model.OutcomeSuccessNoChange,
			NoChangeCode: model.NoChangeEmptyResult,
			Detail:       fmt.Sprintf("%d extractions rejected", res.Rejected),
		}, nil
	}

	if err := h.enqueueSweep(ctx, QueueCompose, composeSweepID, job.ID); err != nil {
		return failureOutcome(err), err
	}
	return model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: len(res.FactIDs)}, nil
}

// HandleCompose runs one composition sweep over the ungrouped facts and
// arms a review sweep when drafts were created.
func (h *Handlers) HandleCompose(ctx context.Context, job *queue.Job) (model.JobOutcome, error) {
	corr := llm.Correlation{JobID: job.ID, QueueName: QueueCompose}
	res, err := h.composer.RunBatch(ctx, corr)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: compose sweep: %w", err)
	}

	outcome := model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: res.Succeeded}
	if res.Failed > 0 {
		outcome.Outcome = model.OutcomePartial
		outcome.Detail = fmt.Sprintf("%d groups failed", res.Failed)
	}
	if res.Succeeded == 0 && res.Failed == 0 {
		outcome.Outcome = model.OutcomeSuccessNoChange
		outcome.NoChangeCode = model.NoChangeEmptyResult
		return outcome, nil
	}

	if res.Succeeded > 0 {
		if err := h.enqueueSweep(ctx, QueueReview, reviewSweepID, job.ID); err != nil {
			return failureOutcome(err), err
		}
	}
	return outcome, nil
}

// HandleReview reviews the DRAFT backlog and arbitrates open source
// conflicts in the same sweep.
func (h *Handlers) HandleReview(ctx context.Context, job *queue.Job) (model.JobOutcome, error) {
	corr := llm.Correlation{JobID: job.ID, QueueName: QueueReview}
	res, err := h.reviewer.RunBatch(ctx, corr)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: review sweep: %w", err)
	}

	resolved, arbErrs, err := h.arbiter.ArbitrateBatch(ctx, corr)
	if err != nil {
		return failureOutcome(err), fmt.Errorf("pipeline: arbitrate sweep: %w", err)
	}
	for _, msg := range arbErrs {
		h.logger.Warn("arbitration soft failure", "error", msg)
	}

	items := res.Approved + res.Rejected + resolved
	outcome := model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: items}
	if items == 0 {
		outcome.Outcome = model.OutcomeSuccessNoChange
		outcome.NoChangeCode = model.NoChangeEmptyResult
		outcome.Detail = fmt.Sprintf("%d rules held for human review", res.Held)
	} else if res.Failed > 0 || len(arbErrs) > 0 {
		outcome.Outcome = model.OutcomePartial
		outcome.Detail = fmt.Sprintf("%d review failures, %d arbitration failures",
			res.Failed, len(arbErrs))
	}
	return outcome, nil
}

// HandleRelease publishes one release. Gate failures are permanent: the
// same rule set will fail the same gates on every retry.
func (h *Handlers) HandleRelease(ctx context.Context, job *queue.Job) (model.JobOutcome, error) {
	var body ReleaseJob
	if err := json.Unmarshal(job.Body, &body); err != nil {
		return failureOutcome(err), fmt.Errorf("%w: decode release job: %v", ErrPermanent, err)
	}

	corr := llm.Correlation{JobID: job.ID, QueueName: QueueRelease}
	rel, err := h.releaser.Release(ctx, body.RuleIDs, corr)
	if err != nil {
		if isGateFailure(err) {
			return failureOutcome(err), fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return failureOutcome(err), fmt.Errorf("pipeline: release: %w", err)
	}
	h.logger.Info("release published", "version", rel.Version, "rules", len(rel.RuleIDs))
	return model.JobOutcome{Outcome: model.OutcomeSuccessApplied, ItemsProduced: len(rel.RuleIDs)}, nil
}

func (h *Handlers) enqueueSweep(ctx context.Context, queueName, jobID, parentJobID string) error {
	body, err := json.Marshal(map[string]string{"parentJobId": parentJobID})
	if err != nil {
		return fmt.Errorf("pipeline: marshal sweep job: %w", err)
	}
	if _, err := h.queue.Enqueue(ctx, queueName, body, queue.EnqueueOptions{JobID: jobID}); err != nil {
		return fmt.Errorf("pipeline: enqueue %s sweep: %w", queueName, err)
	}
	return nil
}

func isGateFailure(err error) bool { return errors.Is(err, release.ErrGateFailed) }

func failureOutcome(err error) model.JobOutcome {
	return model.JobOutcome{Outcome: model.OutcomeFailure, Detail: err.Error()}
}
