package release

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
)

func TestMatchQuoteTiers(t *testing.T) {
	raw := `Članak 38. Stopa PDV-a   iznosi "25%" na sve isporuke.`
	cases := []struct {
		name  string
		quote string
		tier  MatchTier
	}{
		{"exact", `Stopa PDV-a   iznosi "25%"`, MatchExact},
		{"smart quotes still exact", `iznosi “25%”`, MatchExact},
		{"collapsed whitespace", `Stopa PDV-a iznosi "25%"`, MatchWhitespace},
		{"case insensitive", `stopa pdv-a iznosi "25%"`, MatchCaseInsensitive},
		{"fuzzy ignores punctuation", `Stopa PDV a iznosi 25`, MatchFuzzy},
		{"absent", `stopa od 13%`, MatchNone},
		{"empty quote", ``, MatchNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.tier, MatchQuote(raw, tc.quote))
		})
	}
}

func TestAcceptableMatchPerTier(t *testing.T) {
	assert.True(t, acceptableMatch(model.TierT0, MatchExact))
	assert.True(t, acceptableMatch(model.TierT0, MatchWhitespace))
	assert.False(t, acceptableMatch(model.TierT0, MatchCaseInsensitive))
	assert.False(t, acceptableMatch(model.TierT1, MatchFuzzy))
	assert.True(t, acceptableMatch(model.TierT2, MatchCaseInsensitive))
	assert.True(t, acceptableMatch(model.TierT3, MatchFuzzy))
	assert.False(t, acceptableMatch(model.TierT3, MatchNone))
}

func TestGateRejectsDraftRule(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{})
	// Left in DRAFT on purpose.

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "not in APPROVED status")
}

func TestGateRejectsCriticalWithoutApprover(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{tier: model.TierT0})
	h.approve(t, c.rule.ID, "")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "T0/T1 rules without approvedBy")
}

func TestGateRejectsOpenConflict(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{})
	h.approve(t, c.rule.ID, "ana")
	require.NoError(t, h.store.Conflicts.Insert(context.Background(), &model.Conflict{
		Type:        model.ConflictSource,
		Description: "disputed",
		Metadata:    map[string]any{"conflictingPointerIds": []any{c.fact.ID}},
	}))

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "open conflicts")
}

func TestGateRejectsSingleSourceBelowLaw(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{authority: model.AuthorityGuidance})
	h.approve(t, c.rule.ID, "ana")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "single-source rules without LAW authority")
}

func TestGateRejectsHashMismatch(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{contentHash: "not-the-real-hash"})
	h.approve(t, c.rule.ID, "ana")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "hash_mismatch")
}

func TestGateRejectsMissingQuote(t *testing.T) {
	h := newReleaseHarness(t, nil)
	c := h.seedChain(t, chainSpec{quote: "text that never appears in the evidence"})
	h.approve(t, c.rule.ID, "ana")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "quote_not_found")
}

func TestGateRejectsFuzzyMatchOnCriticalTier(t *testing.T) {
	h := newReleaseHarness(t, nil)
	// The quote only fuzzy-matches the raw content (punctuation drift).
	c := h.seedChain(t, chainSpec{tier: model.TierT1, quote: "Stopa PDV a iznosi 25"})
	h.approve(t, c.rule.ID, "ana")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "quote_match_unacceptable")
}

func TestGateAcceptsFuzzyMatchOnLowTier(t *testing.T) {
	h := newReleaseHarness(t, okChangelog())
	c := h.seedChain(t, chainSpec{tier: model.TierT3, quote: "Stopa PDV a iznosi 25"})
	h.approve(t, c.rule.ID, "ana")

	_, err := h.releaser.Release(context.Background(), []string{c.rule.ID}, llm.Correlation{})
	require.NoError(t, err)
}

func TestGateErrorTruncatesRuleList(t *testing.T) {
	h := newReleaseHarness(t, nil)
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		c := h.seedChain(t, chainSpec{slugSuffix: string(rune('a' + i))})
		ids = append(ids, c.rule.ID)
	}

	_, err := h.releaser.Release(context.Background(), ids, llm.Correlation{})
	require.ErrorIs(t, err, ErrGateFailed)
	assert.ErrorContains(t, err, "(and 2 more)")
}
