package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

func arbiterPick(winnerID string) llm.RunResult {
	return llm.RunResult{
		Success: true,
		Output: map[string]any{
			"winner_pointer_id": winnerID,
			"reasoning":         "higher authority source",
			"confidence":        0.9,
		},
		RunID: "run-fake",
	}
}

func seedConflict(t *testing.T, s *store.Store, factIDs ...string) *model.Conflict {
	t.Helper()
	ids := make([]any, len(factIDs))
	for i, id := range factIDs {
		ids[i] = id
	}
	c := &model.Conflict{
		Type:        model.ConflictSource,
		Description: "sources disagree on the standard rate",
		Metadata:    map[string]any{"conflictingPointerIds": ids},
	}
	require.NoError(t, s.Conflicts.Insert(context.Background(), c))
	return c
}

func TestArbitratePromotesWinner(t *testing.T) {
	s := newTestStore(t)
	law := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	guidance := seedFact(t, s, "porezna", model.AuthorityGuidance, 0.95)
	conflict := seedConflict(t, s, law.ID, guidance.ID)

	a := NewArbiter(s, &fakeRunner{results: []llm.RunResult{arbiterPick(law.ID)}}, nil)
	res, err := a.Arbitrate(context.Background(), conflict.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.Equal(t, law.ID, res.WinnerID)
	assert.Equal(t, []string{guidance.ID}, res.LoserIDs)
	assert.False(t, res.Fallback)

	winner, err := s.Facts.Get(context.Background(), law.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactPromoted, winner.Status)
	loser, err := s.Facts.Get(context.Background(), guidance.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactRejected, loser.Status)

	got, err := s.Conflicts.Get(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)

	history, err := s.Audit.ListForEntity(context.Background(), "conflict", conflict.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, store.AuditConflictResolved, history[0].Action)
}

func TestArbitrateFallsBackOnHallucinatedWinner(t *testing.T) {
	s := newTestStore(t)
	law := seedFact(t, s, "nn", model.AuthorityLaw, 0.6)
	guidance := seedFact(t, s, "porezna", model.AuthorityGuidance, 0.99)
	conflict := seedConflict(t, s, law.ID, guidance.ID)

	a := NewArbiter(s, &fakeRunner{results: []llm.RunResult{arbiterPick("no-such-fact")}}, nil)
	res, err := a.Arbitrate(context.Background(), conflict.ID, llm.Correlation{})
	require.NoError(t, err)
	// Authority outranks confidence in the deterministic fallback.
	assert.Equal(t, law.ID, res.WinnerID)
	assert.True(t, res.Fallback)
}

func TestArbitrateFallbackBreaksTiesOnConfidence(t *testing.T) {
	s := newTestStore(t)
	a1 := seedFact(t, s, "nn", model.AuthorityLaw, 0.6)
	a2 := seedFact(t, s, "mfin", model.AuthorityLaw, 0.9)
	conflict := seedConflict(t, s, a1.ID, a2.ID)

	a := NewArbiter(s, &fakeRunner{results: []llm.RunResult{arbiterPick("bogus")}}, nil)
	res, err := a.Arbitrate(context.Background(), conflict.ID, llm.Correlation{})
	require.NoError(t, err)
	assert.Equal(t, a2.ID, res.WinnerID)
}

func TestArbitrateRejectsNonOpenConflict(t *testing.T) {
	s := newTestStore(t)
	f1 := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	f2 := seedFact(t, s, "porezna", model.AuthorityGuidance, 0.9)
	conflict := seedConflict(t, s, f1.ID, f2.ID)
	require.NoError(t, s.Conflicts.Close(context.Background(), conflict.ID, model.ConflictDismissed))

	a := NewArbiter(s, &fakeRunner{}, nil)
	_, err := a.Arbitrate(context.Background(), conflict.ID, llm.Correlation{})
	assert.ErrorContains(t, err, "not OPEN")
}

func TestArbitrateRejectsRuleConflict(t *testing.T) {
	s := newTestStore(t)
	c := &model.Conflict{
		Type: model.ConflictRule, ItemAID: "r1", ItemBID: "r2",
		Description: "overlapping effective ranges",
	}
	require.NoError(t, s.Conflicts.Insert(context.Background(), c))

	a := NewArbiter(s, &fakeRunner{}, nil)
	_, err := a.Arbitrate(context.Background(), c.ID, llm.Correlation{})
	assert.ErrorContains(t, err, "only SOURCE_CONFLICT is arbitrable")
}

func TestDismissClosesWithoutWinner(t *testing.T) {
	s := newTestStore(t)
	f1 := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	f2 := seedFact(t, s, "porezna", model.AuthorityGuidance, 0.9)
	conflict := seedConflict(t, s, f1.ID, f2.ID)

	a := NewArbiter(s, &fakeRunner{}, nil)
	require.NoError(t, a.Dismiss(context.Background(), conflict.ID, "ana", "duplicate report"))

	got, err := s.Conflicts.Get(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictDismissed, got.Status)

	// Fact statuses are untouched on dismissal.
	fact, err := s.Facts.Get(context.Background(), f1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FactCaptured, fact.Status)
}

func TestArbitrateBatchSkipsRuleConflicts(t *testing.T) {
	s := newTestStore(t)
	f1 := seedFact(t, s, "nn", model.AuthorityLaw, 0.9)
	f2 := seedFact(t, s, "porezna", model.AuthorityGuidance, 0.9)
	seedConflict(t, s, f1.ID, f2.ID)
	require.NoError(t, s.Conflicts.Insert(context.Background(), &model.Conflict{
		Type: model.ConflictRule, ItemAID: "r1", ItemBID: "r2",
	}))

	a := NewArbiter(s, &fakeRunner{results: []llm.RunResult{arbiterPick(f1.ID)}}, nil)
	a.sleep = noSleep

	resolved, errs, err := a.ArbitrateBatch(context.Background(), llm.Correlation{})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Empty(t, errs)
}
