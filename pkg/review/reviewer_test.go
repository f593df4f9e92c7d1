package review

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

type fakeRunner struct {
	results []llm.RunResult
	calls   int
}

func (f *fakeRunner) Run(_ context.Context, _ string, _ any,
	_, _ *jsonschema.Schema, _ llm.RunOptions) llm.RunResult {
	f.calls++
	if len(f.results) == 0 {
		return llm.RunResult{Err: context.Canceled}
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func verdict(score float64, approve bool, concerns ...string) llm.RunResult {
	items := make([]any, len(concerns))
	for i, c := range concerns {
		items[i] = c
	}
	return llm.RunResult{
		Success: true,
		Output: map[string]any{
			"score": score, "approve": approve,
			"concerns": items, "reviewer_notes": "checked",
		},
		RunID: "run-fake",
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func noSleep(context.Context, time.Duration) error { return nil }

// seedFact creates a source at the given authority with one evidence row
// and a fact quoting it.
func seedFact(t *testing.T, s *store.Store, slug string, authority model.AuthorityLevel, confidence float64) *model.CandidateFact {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Sources.Upsert(ctx, &model.Source{
		Slug: slug, Name: slug, URL: "https://" + slug + ".hr",
		Authority: authority, Active: true,
	}))
	src, err := s.Sources.GetBySlug(ctx, slug)
	require.NoError(t, err)

	ev, _, err := s.Evidence.Insert(ctx, &model.Evidence{
		SourceID: src.ID, URL: src.URL + "/doc",
		ContentType: model.ContentHTML, ContentClass: model.ClassHTML,
		ContentHash: "hash-" + slug,
	})
	require.NoError(t, err)

	f := &model.CandidateFact{
		Domain: "vat", ValueType: model.ValuePercentage, ExtractedValue: "25",
		GroundingQuotes: []model.GroundingQuote{
			{Text: "stopa od 25%", EvidenceID: ev.ID},
		},
		ValueConfidence: confidence, OverallConfidence: confidence,
	}
	require.NoError(t, s.Facts.Insert(ctx, f))
	return f
}

func seedDraftRule(t *testing.T, s *store.Store, tier model.RiskTier, factIDs ...string) *model.Rule {
	t.Helper()
	rule := &model.Rule{
		ConceptSlug: "vat-standard-rate", RiskTier: tier,
		AuthorityLevel: model.AuthorityLaw,
		AppliesWhen:    map[string]any{"op": "true"},
		Value:          "25", ValueType: model.ValuePercentage,
		EffectiveFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Confidence:     0.9,
		BackingFactIDs: factIDs,
	}
	require.NoError(t, s.Rules.Insert(context.Background(), rule))
	return rule
}

func TestReviewAutoApprovesHighScore(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	rule := seedDraftRule(t, s, model.TierT2, f.ID)

	r := NewReviewer(s, &fakeRunner{results: []llm.RunResult{verdict(0.92, true)}}, nil)
	v, err := r.Review(context.Background(), rule.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.False(t, v.Rejected)

	got, err := s.Rules.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status)
	// Auto-approval never records an approver.
	assert.Empty(t, got.ApprovedBy)

	history, err := s.Audit.ListForEntity(context.Background(), "rule", rule.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.AuditRuleApproved, history[0].Action)
}

func TestReviewHoldsCriticalTier(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.95)
	rule := seedDraftRule(t, s, model.TierT0, f.ID)

	r := NewReviewer(s, &fakeRunner{results: []llm.RunResult{verdict(0.97, true)}}, nil)
	v, err := r.Review(context.Background(), rule.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.False(t, v.Rejected)

	got, err := s.Rules.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleDraft, got.Status)
}

func TestReviewRejectsLowScore(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.4)
	rule := seedDraftRule(t, s, model.TierT2, f.ID)

	r := NewReviewer(s, &fakeRunner{results: []llm.RunResult{
		verdict(0.3, false, "value not supported by quotes"),
	}}, nil)
	v, err := r.Review(context.Background(), rule.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.True(t, v.Rejected)
	assert.Equal(t, []string{"value not supported by quotes"}, v.Concerns)

	got, err := s.Rules.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleRejected, got.Status)
}

func TestReviewHoldsMidScore(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.7)
	rule := seedDraftRule(t, s, model.TierT2, f.ID)

	r := NewReviewer(s, &fakeRunner{results: []llm.RunResult{verdict(0.7, false)}}, nil)
	v, err := r.Review(context.Background(), rule.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.False(t, v.Approved)
	assert.False(t, v.Rejected)

	got, err := s.Rules.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleDraft, got.Status)
}

func TestReviewRequiresDraft(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	rule := seedDraftRule(t, s, model.TierT2, f.ID)
	require.NoError(t, s.Rules.Approve(context.Background(), rule.ID, "ana"))

	r := NewReviewer(s, &fakeRunner{}, nil)
	_, err := r.Review(context.Background(), rule.ID, llm.Correlation{})
	assert.ErrorContains(t, err, "not DRAFT")
}

func TestApproveRecordsHumanApprover(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	rule := seedDraftRule(t, s, model.TierT0, f.ID)

	r := NewReviewer(s, &fakeRunner{}, nil)
	require.Error(t, r.Approve(context.Background(), rule.ID, ""))
	require.NoError(t, r.Approve(context.Background(), rule.ID, "ana"))

	got, err := s.Rules.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status)
	assert.Equal(t, "ana", got.ApprovedBy)
}

func TestRunBatchCountsOutcomes(t *testing.T) {
	s := newTestStore(t)
	f := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	seedDraftRule(t, s, model.TierT2, f.ID)
	seedDraftRule(t, s, model.TierT2, f.ID)
	seedDraftRule(t, s, model.TierT2, f.ID)

	r := NewReviewer(s, &fakeRunner{results: []llm.RunResult{
		verdict(0.95, true),
		verdict(0.2, false),
		{Err: context.DeadlineExceeded},
	}}, nil)
	r.sleep = noSleep

	res, err := r.RunBatch(context.Background(), llm.Correlation{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Reviewed)
	assert.Equal(t, 1, res.Approved)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
}
