package release

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/regtruth/regtruth/pkg/canonical"
	"github.com/regtruth/regtruth/pkg/model"
)

var strictSemver = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// DeriveVersion computes the next version and release type from the
// previous version and the risk tiers in the batch: any T0 bumps major,
// else any T1 bumps minor, else patch. prev may be empty for the first
// release.
func DeriveVersion(prev string, rules []*model.Rule) (string, model.ReleaseType, error) {
	if prev == "" {
		prev = "0.0.0"
	}
	v, err := semver.StrictNewVersion(prev)
	if err != nil {
		return "", "", fmt.Errorf("release: bad previous version %q: %w", prev, err)
	}

	releaseType := model.ReleasePatch
	for _, rule := range rules {
		switch rule.RiskTier {
		case model.TierT0:
			releaseType = model.ReleaseMajor
		case model.TierT1:
			if releaseType != model.ReleaseMajor {
				releaseType = model.ReleaseMinor
			}
		}
	}

	var next semver.Version
	switch releaseType {
	case model.ReleaseMajor:
		next = v.IncMajor()
	case model.ReleaseMinor:
		next = v.IncMinor()
	default:
		next = v.IncPatch()
	}
	return next.String(), releaseType, nil
}

// ChooseVersion prefers an LLM-suggested version only when it is a
// strict major.minor.patch string and strictly newer than the previous
// release; otherwise the derived version wins. The release type is
// always the derived one.
func ChooseVersion(suggested, derived, prev string) string {
	if !strictSemver.MatchString(suggested) {
		return derived
	}
	sv, err := semver.StrictNewVersion(suggested)
	if err != nil {
		return derived
	}
	if prev != "" {
		pv, err := semver.StrictNewVersion(prev)
		if err != nil || !sv.GreaterThan(pv) {
			return derived
		}
	}
	return suggested
}

// ruleProjection is the per-rule slice of state the content hash covers.
type ruleProjection struct {
	ConceptSlug    string         `json:"conceptSlug"`
	AppliesWhen    map[string]any `json:"appliesWhen"`
	Value          string         `json:"value"`
	ValueType      string         `json:"valueType"`
	EffectiveFrom  string         `json:"effectiveFrom"`
	EffectiveUntil *string        `json:"effectiveUntil"`
}

// ContentHash hashes the rule set deterministically: rules sorted by
// concept slug, dates floored to calendar days, absent until preserved
// as null.
func ContentHash(rules []*model.Rule) (string, error) {
	projected := make([]ruleProjection, len(rules))
	for i, r := range rules {
		p := ruleProjection{
			ConceptSlug:   r.ConceptSlug,
			AppliesWhen:   r.AppliesWhen,
			Value:         r.Value,
			ValueType:     string(r.ValueType),
			EffectiveFrom: normalizeDate(r.EffectiveFrom),
		}
		if r.EffectiveUntil != nil {
			until := normalizeDate(*r.EffectiveUntil)
			p.EffectiveUntil = &until
		}
		projected[i] = p
	}
	sort.Slice(projected, func(i, j int) bool {
		return projected[i].ConceptSlug < projected[j].ConceptSlug
	})
	return canonical.Hash(projected)
}

func normalizeDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
