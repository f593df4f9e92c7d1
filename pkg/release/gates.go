// Package release collects approved rules into immutable, semver-tagged,
// content-hashed releases: pre-flight hard gates, version derivation,
// publication, downstream hand-offs, and rollback of the latest release.
package release

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/regtruth/regtruth/pkg/canonical"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
	"github.com/regtruth/regtruth/pkg/textnorm"
)

// ErrGateFailed wraps every pre-flight gate rejection.
var ErrGateFailed = errors.New("release: gate failed")

// MatchTier classifies how a grounding quote was located in the raw
// evidence content, from strictest to loosest.
type MatchTier string

const (
	MatchExact           MatchTier = "exact"
	MatchWhitespace      MatchTier = "whitespace_collapsed"
	MatchCaseInsensitive MatchTier = "case_insensitive"
	MatchFuzzy           MatchTier = "fuzzy"
	MatchNone            MatchTier = ""
)

// Chain-integrity failure codes.
const (
	chainOrphanedPointer   = "orphaned_pointer"
	chainHashMismatch      = "hash_mismatch"
	chainQuoteNotFound     = "quote_not_found"
	chainMatchUnacceptable = "quote_match_unacceptable"
)

// gateError formats a rejection naming at most three offending rules by
// concept slug.
func gateError(format string, rules []*model.Rule, args ...any) error {
	slugs := make([]string, 0, len(rules))
	for _, r := range rules {
		slugs = append(slugs, r.ConceptSlug)
	}
	shown := slugs
	var more int
	if len(shown) > 3 {
		more = len(shown) - 3
		shown = shown[:3]
	}
	detail := strings.Join(shown, ", ")
	if more > 0 {
		detail = fmt.Sprintf("%s (and %d more)", detail, more)
	}
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s: %s", ErrGateFailed, msg, detail)
}

// checkGates runs the pre-flight hard gates in order; the first failing
// gate aborts the release.
func (r *Releaser) checkGates(ctx context.Context, rules []*model.Rule) error {
	if err := gateApprovedStatus(rules); err != nil {
		return err
	}
	if err := gateCriticalApproval(rules); err != nil {
		return err
	}
	if err := r.gateOpenConflicts(ctx, rules); err != nil {
		return err
	}
	if err := gateBackingFacts(rules); err != nil {
		return err
	}
	if err := r.gateEvidenceStrength(ctx, rules); err != nil {
		return err
	}
	return r.gateEvidenceChain(ctx, rules)
}

func gateApprovedStatus(rules []*model.Rule) error {
	var bad []*model.Rule
	for _, rule := range rules {
		if rule.Status != model.RuleApproved {
			bad = append(bad, rule)
		}
	}
	if len(bad) > 0 {
		return gateError("cannot release %d rules not in APPROVED status", bad, len(bad))
	}
	return nil
}

func gateCriticalApproval(rules []*model.Rule) error {
	var bad []*model.Rule
	for _, rule := range rules {
		if rule.RiskTier.IsCritical() && rule.ApprovedBy == "" {
			bad = append(bad, rule)
		}
	}
	if len(bad) > 0 {
		return gateError("cannot release %d T0/T1 rules without approvedBy", bad, len(bad))
	}
	return nil
}

func (r *Releaser) gateOpenConflicts(ctx context.Context, rules []*model.Rule) error {
	var bad []*model.Rule
	for _, rule := range rules {
		open, err := r.store.Conflicts.OpenForRule(ctx, rule)
		if err != nil {
			return err
		}
		if len(open) > 0 {
			bad = append(bad, rule)
		}
	}
	if len(bad) > 0 {
		return gateError("cannot release %d rules with open conflicts", bad, len(bad))
	}
	return nil
}

func gateBackingFacts(rules []*model.Rule) error {
	var bad []*model.Rule
	for _, rule := range rules {
		if len(rule.BackingFactIDs) == 0 {
			bad = append(bad, rule)
		}
	}
	if len(bad) > 0 {
		return gateError("cannot release %d rules without backing facts", bad, len(bad))
	}
	return nil
}

// gateEvidenceStrength enforces the single-source policy: a rule backed
// by exactly one source must carry law-grade authority.
func (r *Releaser) gateEvidenceStrength(ctx context.Context, rules []*model.Rule) error {
	var bad []*model.Rule
	for _, rule := range rules {
		sources, err := r.distinctSources(ctx, rule)
		if err != nil {
			return err
		}
		if len(sources) == 1 && !rule.AuthorityLevel.IsLawGrade() {
			bad = append(bad, rule)
		}
	}
	if len(bad) > 0 {
		return gateError("cannot release %d single-source rules without LAW authority", bad, len(bad))
	}
	return nil
}

func (r *Releaser) distinctSources(ctx context.Context, rule *model.Rule) (map[string]bool, error) {
	facts, err := r.store.Facts.GetMany(ctx, rule.BackingFactIDs)
	if err != nil {
		return nil, err
	}
	sources := make(map[string]bool)
	for _, f := range facts {
		for _, q := range f.GroundingQuotes {
			ev, err := r.store.Evidence.Get(ctx, q.EvidenceID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				return nil, err
			}
			sources[ev.SourceID] = true
		}
	}
	return sources, nil
}

// gateEvidenceChain re-verifies the full provenance chain of every rule:
// referenced Evidence must exist, its content hash must still verify,
// and every grounding quote must be locatable in the raw content at a
// match tier the rule's risk tier accepts.
func (r *Releaser) gateEvidenceChain(ctx context.Context, rules []*model.Rule) error {
	type failure struct {
		rule *model.Rule
		code string
	}
	var failures []failure

	for _, rule := range rules {
		code, err := r.verifyChain(ctx, rule)
		if err != nil {
			return err
		}
		if code != "" {
			failures = append(failures, failure{rule, code})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	bad := make([]*model.Rule, len(failures))
	codes := make(map[string]bool)
	for i, f := range failures {
		bad[i] = f.rule
		codes[f.code] = true
	}
	names := make([]string, 0, len(codes))
	for c := range codes {
		names = append(names, c)
	}
	sort.Strings(names)
	return gateError("evidence chain broken (%s) for %d rules",
		bad, strings.Join(names, ", "), len(bad))
}

func (r *Releaser) verifyChain(ctx context.Context, rule *model.Rule) (string, error) {
	facts, err := r.store.Facts.GetMany(ctx, rule.BackingFactIDs)
	if err != nil {
		return "", err
	}
	for _, f := range facts {
		for _, q := range f.GroundingQuotes {
			ev, err := r.store.Evidence.Get(ctx, q.EvidenceID)
			if errors.Is(err, store.ErrNotFound) {
				return chainOrphanedPointer, nil
			}
			if err != nil {
				return "", err
			}
			if !canonical.VerifyEvidence(ev) {
				return chainHashMismatch, nil
			}
			tier := MatchQuote(string(ev.RawBytes), q.Text)
			if tier == MatchNone {
				return chainQuoteNotFound, nil
			}
			if !acceptableMatch(rule.RiskTier, tier) {
				return chainMatchUnacceptable, nil
			}
		}
	}
	return "", nil
}

// MatchQuote locates a normalized quote in raw content, returning the
// strictest tier that succeeds.
func MatchQuote(raw, quote string) MatchTier {
	haystack := textnorm.NormalizeQuotes(raw)
	needle := textnorm.NormalizeQuotes(quote)
	if needle == "" {
		return MatchNone
	}
	if strings.Contains(haystack, needle) {
		return MatchExact
	}
	ch := textnorm.CollapseWhitespace(haystack)
	cn := textnorm.CollapseWhitespace(needle)
	if strings.Contains(ch, cn) {
		return MatchWhitespace
	}
	if strings.Contains(strings.ToLower(ch), strings.ToLower(cn)) {
		return MatchCaseInsensitive
	}
	if strings.Contains(fuzzyFold(haystack), fuzzyFold(needle)) {
		return MatchFuzzy
	}
	return MatchNone
}

// fuzzyFold strips everything but letters and digits and lowercases, so
// punctuation drift and diacritic-free retyping still match.
func fuzzyFold(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// acceptableMatch applies the tier policy: critical tiers accept only
// exact or whitespace-collapsed matches; T2/T3 additionally tolerate
// case-insensitive and fuzzy.
func acceptableMatch(tier model.RiskTier, match MatchTier) bool {
	switch match {
	case MatchExact, MatchWhitespace:
		return true
	case MatchCaseInsensitive, MatchFuzzy:
		return !tier.IsCritical()
	default:
		return false
	}
}
