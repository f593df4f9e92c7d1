package release

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

const (
	changelogTemperature = 0.3

	// Downstream hand-off queues. Both are best-effort.
	EmbeddingsQueue  = "embeddings"
	ContentSyncQueue = "content-sync"
)

// ErrNotLatest rejects rollback of anything but the newest release.
var ErrNotLatest = errors.New("release: only the latest release can be rolled back")

var changelogSchema = llm.MustCompileSchema("changelog-output", `{
	"type": "object",
	"required": ["changelog"],
	"properties": {
		"changelog": {"type": "string", "minLength": 1},
		"release_type": {"type": "string"},
		"version": {"type": "string"}
	}
}`)

// Runner is the LLM entry point the changelog generation uses.
type Runner interface {
	Run(ctx context.Context, agentType string, input any,
		inputSchema, outputSchema *jsonschema.Schema, opts llm.RunOptions) llm.RunResult
}

// SyncEvent is the per-rule content-sync payload emitted after publish.
type SyncEvent struct {
	RuleID        string    `json:"rule_id"`
	ConceptSlug   string    `json:"concept_slug"`
	ChangeType    string    `json:"change_type"` // create, update, repeal
	RiskTier      string    `json:"risk_tier"`
	Confidence    float64   `json:"confidence"`
	PreviousValue string    `json:"previous_value,omitempty"`
	SourceURL     string    `json:"source_url,omitempty"`
	Version       string    `json:"version"`
	ReleasedAt    time.Time `json:"released_at"`
}

// Releaser publishes approved rules. It is meant to run as a singleton
// worker so version derivation and release-row creation serialize.
type Releaser struct {
	store  *store.Store
	runner Runner
	queue  queue.Queue
	logger *slog.Logger

	clock func() time.Time
}

func New(st *store.Store, runner Runner, q queue.Queue, logger *slog.Logger) *Releaser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Releaser{
		store:  st,
		runner: runner,
		queue:  q,
		logger: logger.With("component", "releaser"),
		clock:  time.Now,
	}
}

// Release validates the rule set against the hard gates and publishes a
// new release. Any gate failure aborts before anything is written.
func (r *Releaser) Release(ctx context.Context, ruleIDs []string, corr llm.Correlation) (*model.Release, error) {
	if len(ruleIDs) == 0 {
		return nil, fmt.Errorf("release: empty rule set")
	}
	rules, err := r.store.Rules.GetMany(ctx, ruleIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGateFailed, err)
	}
	if err := r.checkGates(ctx, rules); err != nil {
		return nil, err
	}

	prev := ""
	if latest, err := r.store.Releases.Latest(ctx); err == nil {
		prev = latest.Version
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	derived, releaseType, err := DeriveVersion(prev, rules)
	if err != nil {
		return nil, err
	}

	changelog, suggested := r.generateChangelog(ctx, rules, corr)
	version := ChooseVersion(suggested, derived, prev)

	contentHash, err := ContentHash(rules)
	if err != nil {
		return nil, err
	}
	trail, err := r.buildAuditTrail(ctx, rules)
	if err != nil {
		return nil, err
	}

	rel := &model.Release{
		ID:            r.store.Releases.NewID(),
		Version:       version,
		ReleaseType:   releaseType,
		ReleasedAt:    r.clock(),
		EffectiveFrom: earliestEffective(rules),
		ContentHash:   contentHash,
		Changelog:     changelog,
		ApprovedBy:    distinctApprovers(rules),
		AuditTrail:    trail,
		RuleIDs:       ruleIDs,
	}
	if err := r.store.Releases.Insert(ctx, rel); err != nil {
		return nil, err
	}

	if err := r.store.Audit.Append(ctx, store.AuditReleasePublished, "release", rel.ID,
		"system", map[string]any{
			"version":     rel.Version,
			"releaseType": string(rel.ReleaseType),
			"ruleCount":   len(ruleIDs),
			"contentHash": rel.ContentHash,
		}); err != nil {
		r.logger.Warn("audit append failed", "release_id", rel.ID, "error", err)
	}

	// The release row exists; a transition failure surfaces but is not
	// rolled back.
	for _, rule := range rules {
		if err := r.store.Rules.Transition(ctx, rule.ID,
			model.RuleApproved, model.RulePublished, false); err != nil {
			return rel, fmt.Errorf("release: publish rule %s: %w", rule.ID, err)
		}
		if err := r.store.Audit.Append(ctx, store.AuditRulePublished, "rule", rule.ID,
			"system", map[string]any{
				"conceptSlug": rule.ConceptSlug,
				"version":     rel.Version,
			}); err != nil {
			r.logger.Warn("audit append failed", "rule_id", rule.ID, "error", err)
		}
	}

	r.fanOut(ctx, rel, rules)

	r.logger.Info("release published",
		"release_id", rel.ID, "version", rel.Version,
		"type", rel.ReleaseType, "rules", len(ruleIDs))
	return rel, nil
}

// generateChangelog asks the LLM for a changelog, falling back to a
// deterministic bullet list when the call fails.
func (r *Releaser) generateChangelog(ctx context.Context, rules []*model.Rule, corr llm.Correlation) (changelog, suggestedVersion string) {
	rendered := make([]map[string]any, len(rules))
	for i, rule := range rules {
		rendered[i] = map[string]any{
			"concept_slug":   rule.ConceptSlug,
			"title_en":       rule.TitleEn,
			"value":          rule.Value,
			"value_type":     string(rule.ValueType),
			"risk_tier":      string(rule.RiskTier),
			"effective_from": rule.EffectiveFrom.Format("2006-01-02"),
		}
	}
	res := r.runner.Run(ctx, llm.AgentChangelog, map[string]any{"rules": rendered},
		nil, changelogSchema, llm.RunOptions{
			Temperature: changelogTemperature,
			Correlation: corr,
		})
	if res.Success {
		if cl, ok := res.Output["changelog"].(string); ok && cl != "" {
			suggested, _ := res.Output["version"].(string)
			return cl, suggested
		}
	}
	if res.Err != nil {
		r.logger.Warn("changelog generation failed, using fallback", "error", res.Err)
	}

	var b strings.Builder
	for _, rule := range rules {
		fmt.Fprintf(&b, "- %s: %s\n", rule.ConceptSlug, rule.Value)
	}
	return b.String(), ""
}

func (r *Releaser) buildAuditTrail(ctx context.Context, rules []*model.Rule) (model.AuditTrail, error) {
	evidence := make(map[string]bool)
	facts := make(map[string]bool)
	humans := make(map[string]bool)
	for _, rule := range rules {
		if rule.ApprovedBy != "" {
			humans[rule.ApprovedBy] = true
		}
		loaded, err := r.store.Facts.GetMany(ctx, rule.BackingFactIDs)
		if err != nil {
			return model.AuditTrail{}, err
		}
		for _, f := range loaded {
			facts[f.ID] = true
			for _, q := range f.GroundingQuotes {
				if q.EvidenceID != "" {
					evidence[q.EvidenceID] = true
				}
			}
		}
	}
	reviews, err := r.store.AgentRuns.CountByType(ctx, llm.AgentReviewer, time.Time{})
	if err != nil {
		return model.AuditTrail{}, err
	}
	return model.AuditTrail{
		SourceEvidenceCount: len(evidence),
		SourcePointerCount:  len(facts),
		ReviewCount:         reviews,
		HumanApprovals:      len(humans),
	}, nil
}

// fanOut enqueues embedding jobs and content-sync events. Everything
// here is best-effort: failures are logged, never surfaced.
func (r *Releaser) fanOut(ctx context.Context, rel *model.Release, rules []*model.Rule) {
	if r.queue == nil {
		return
	}
	for _, rule := range rules {
		if _, err := r.queue.Enqueue(ctx, EmbeddingsQueue, []byte(rule.ID), queue.EnqueueOptions{
			JobID: "embed-rule-" + rule.ID,
		}); err != nil {
			r.logger.Warn("embedding enqueue failed", "rule_id", rule.ID, "error", err)
		}

		event := SyncEvent{
			RuleID:      rule.ID,
			ConceptSlug: rule.ConceptSlug,
			ChangeType:  r.changeType(rule),
			RiskTier:    string(rule.RiskTier),
			Confidence:  rule.Confidence,
			SourceURL:   r.primarySourceURL(ctx, rule),
			Version:     rel.Version,
			ReleasedAt:  rel.ReleasedAt,
		}
		if rule.SupersedesID != "" {
			if superseded, err := r.store.Rules.Get(ctx, rule.SupersedesID); err == nil {
				event.PreviousValue = superseded.Value
			}
		}
		body, err := json.Marshal(event)
		if err != nil {
			r.logger.Warn("sync event marshal failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if _, err := r.queue.Enqueue(ctx, ContentSyncQueue, body, queue.EnqueueOptions{
			JobID: "sync-rule-" + rule.ID + "-" + rel.Version,
		}); err != nil {
			r.logger.Warn("sync event enqueue failed", "rule_id", rule.ID, "error", err)
		}
	}
}

func (r *Releaser) changeType(rule *model.Rule) string {
	if rule.EffectiveUntil != nil && rule.EffectiveUntil.Before(r.clock()) {
		return "repeal"
	}
	if rule.SupersedesID != "" {
		return "update"
	}
	return "create"
}

func (r *Releaser) primarySourceURL(ctx context.Context, rule *model.Rule) string {
	if len(rule.BackingFactIDs) == 0 {
		return ""
	}
	f, err := r.store.Facts.Get(ctx, rule.BackingFactIDs[0])
	if err != nil || len(f.GroundingQuotes) == 0 {
		return ""
	}
	ev, err := r.store.Evidence.Get(ctx, f.GroundingQuotes[0].EvidenceID)
	if err != nil {
		return ""
	}
	return ev.URL
}

func distinctApprovers(rules []*model.Rule) []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range rules {
		if rule.ApprovedBy != "" && !seen[rule.ApprovedBy] {
			seen[rule.ApprovedBy] = true
			out = append(out, rule.ApprovedBy)
		}
	}
	sort.Strings(out)
	return out
}

func earliestEffective(rules []*model.Rule) time.Time {
	earliest := rules[0].EffectiveFrom
	for _, rule := range rules[1:] {
		if rule.EffectiveFrom.Before(earliest) {
			earliest = rule.EffectiveFrom
		}
	}
	return earliest
}

// RollbackPlan describes what a rollback will do.
type RollbackPlan struct {
	Version       string
	RevertRuleIDs []string
	KeepPublished []string
}

// PlanRollback validates that the version is the latest release and
// computes which rules revert to APPROVED and which stay PUBLISHED
// because the previous release also contains them.
func (r *Releaser) PlanRollback(ctx context.Context, version string) (*model.Release, *RollbackPlan, error) {
	latest, err := r.store.Releases.Latest(ctx)
	if err != nil {
		return nil, nil, err
	}
	if latest.Version != version {
		return nil, nil, fmt.Errorf("%w: latest is %s, not %s", ErrNotLatest, latest.Version, version)
	}

	keep := make(map[string]bool)
	if prev, err := r.store.Releases.Previous(ctx, latest); err == nil {
		for _, id := range prev.RuleIDs {
			keep[id] = true
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}

	plan := &RollbackPlan{Version: version}
	for _, id := range latest.RuleIDs {
		if keep[id] {
			plan.KeepPublished = append(plan.KeepPublished, id)
		} else {
			plan.RevertRuleIDs = append(plan.RevertRuleIDs, id)
		}
	}
	return latest, plan, nil
}

// Rollback reverts the latest release. Rules present in the previous
// release stay PUBLISHED; everything else returns to APPROVED.
func (r *Releaser) Rollback(ctx context.Context, version string) (*RollbackPlan, error) {
	latest, plan, err := r.PlanRollback(ctx, version)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(plan.KeepPublished))
	for _, id := range plan.KeepPublished {
		keep[id] = true
	}

	reverted, err := r.store.Releases.Rollback(ctx, latest, keep)
	if err != nil {
		return nil, err
	}
	plan.RevertRuleIDs = reverted

	if err := r.store.Audit.Append(ctx, store.AuditReleaseRolledBack, "release", latest.ID,
		"system", map[string]any{
			"version":       version,
			"revertedRules": len(reverted),
			"keptPublished": len(plan.KeepPublished),
		}); err != nil {
		r.logger.Warn("audit append failed", "release_id", latest.ID, "error", err)
	}
	for _, id := range reverted {
		if err := r.store.Audit.Append(ctx, store.AuditRuleRollback, "rule", id, "system",
			map[string]any{"version": version}); err != nil {
			r.logger.Warn("audit append failed", "rule_id", id, "error", err)
		}
	}
	r.logger.Info("release rolled back",
		"version", version, "reverted", len(reverted), "kept", len(plan.KeepPublished))
	return plan, nil
}
