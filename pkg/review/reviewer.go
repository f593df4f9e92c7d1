// Package review scores draft rules, approves them when the automatic
// criteria hold, and arbitrates open source conflicts into a single
// winning fact.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

const (
	reviewTemperature = 0.0

	// AutoApproveScore is the minimum reviewer score for automatic
	// approval. Rules scoring below RejectScore are rejected outright;
	// anything in between stays DRAFT for a human.
	AutoApproveScore = 0.85
	RejectScore      = 0.5

	batchSleep = 3 * time.Second
)

var reviewerSchema = llm.MustCompileSchema("reviewer-output", `{
	"type": "object",
	"required": ["score", "approve"],
	"properties": {
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"approve": {"type": "boolean"},
		"concerns": {"type": "array", "items": {"type": "string"}},
		"reviewer_notes": {"type": "string"}
	}
}`)

// Runner is the LLM entry point shared by the reviewer and the arbiter.
type Runner interface {
	Run(ctx context.Context, agentType string, input any,
		inputSchema, outputSchema *jsonschema.Schema, opts llm.RunOptions) llm.RunResult
}

// Verdict is the reviewer's decision on one rule.
type Verdict struct {
	RuleID   string
	Score    float64
	Approved bool
	Rejected bool
	Concerns []string
	Notes    string
	RunID    string
}

type Reviewer struct {
	store  *store.Store
	runner Runner
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewReviewer(st *store.Store, runner Runner, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{
		store:  st,
		runner: runner,
		logger: logger.With("component", "reviewer"),
		sleep:  ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Review scores one DRAFT rule. High-scoring approvable T2/T3 rules are
// approved automatically with an empty approver; T0/T1 always wait for a
// human so the release gate on approvedBy can hold. Low scores reject
// the rule.
func (r *Reviewer) Review(ctx context.Context, ruleID string, corr llm.Correlation) (*Verdict, error) {
	rule, err := r.store.Rules.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != model.RuleDraft {
		return nil, fmt.Errorf("review: rule %s is %s, not %s", ruleID, rule.Status, model.RuleDraft)
	}

	input, err := r.buildInput(ctx, rule)
	if err != nil {
		return nil, err
	}
	res := r.runner.Run(ctx, llm.AgentReviewer, input, nil, reviewerSchema, llm.RunOptions{
		Temperature: reviewTemperature,
		Correlation: corr,
	})
	if !res.Success {
		return nil, res.Err
	}

	v := &Verdict{
		RuleID: ruleID,
		Score:  num(res.Output["score"]),
		Notes:  str(res.Output["reviewer_notes"]),
		RunID:  res.RunID,
	}
	if raw, ok := res.Output["concerns"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok {
				v.Concerns = append(v.Concerns, s)
			}
		}
	}

	approve, _ := res.Output["approve"].(bool)
	switch {
	case approve && v.Score >= AutoApproveScore && !rule.RiskTier.IsCritical():
		if err := r.store.Rules.Approve(ctx, ruleID, ""); err != nil {
			return nil, err
		}
		v.Approved = true
		r.audit(ctx, store.AuditRuleApproved, rule, v)
		r.logger.Info("rule auto-approved", "rule_id", ruleID, "score", v.Score)
	case v.Score < RejectScore:
		if err := r.store.Rules.Transition(ctx, ruleID,
			model.RuleDraft, model.RuleRejected, false); err != nil {
			return nil, err
		}
		v.Rejected = true
		r.audit(ctx, store.AuditRuleRejected, rule, v)
		r.logger.Warn("rule rejected by reviewer",
			"rule_id", ruleID, "score", v.Score, "concerns", v.Concerns)
	default:
		// Stays DRAFT for human review.
		r.logger.Info("rule held for human review",
			"rule_id", ruleID, "score", v.Score, "tier", rule.RiskTier)
	}
	return v, nil
}

// Approve records a human approval on a DRAFT rule.
func (r *Reviewer) Approve(ctx context.Context, ruleID, approvedBy string) error {
	if approvedBy == "" {
		return fmt.Errorf("review: approver required")
	}
	rule, err := r.store.Rules.Get(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := r.store.Rules.Approve(ctx, ruleID, approvedBy); err != nil {
		return err
	}
	if err := r.store.Audit.Append(ctx, store.AuditRuleApproved, "rule", ruleID,
		approvedBy, map[string]any{"conceptSlug": rule.ConceptSlug}); err != nil {
		r.logger.Warn("audit append failed", "rule_id", ruleID, "error", err)
	}
	return nil
}

func (r *Reviewer) buildInput(ctx context.Context, rule *model.Rule) (map[string]any, error) {
	facts, err := r.store.Facts.GetMany(ctx, rule.BackingFactIDs)
	if err != nil {
		return nil, err
	}
	rendered := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		quotes := make([]map[string]any, 0, len(f.GroundingQuotes))
		for _, q := range f.GroundingQuotes {
			quotes = append(quotes, map[string]any{
				"text":    q.Text,
				"article": q.ArticleNumber,
			})
		}
		rendered = append(rendered, map[string]any{
			"domain":          f.Domain,
			"value_type":      string(f.ValueType),
			"extracted_value": f.ExtractedValue,
			"confidence":      f.OverallConfidence,
			"quotes":          quotes,
		})
	}
	return map[string]any{
		"rule": map[string]any{
			"concept_slug":   rule.ConceptSlug,
			"risk_tier":      string(rule.RiskTier),
			"applies_when":   rule.AppliesWhen,
			"value":          rule.Value,
			"value_type":     string(rule.ValueType),
			"effective_from": rule.EffectiveFrom.Format("2006-01-02"),
			"confidence":     rule.Confidence,
		},
		"backing_facts": rendered,
	}, nil
}

func (r *Reviewer) audit(ctx context.Context, action string, rule *model.Rule, v *Verdict) {
	err := r.store.Audit.Append(ctx, action, "rule", rule.ID, "system", map[string]any{
		"conceptSlug": rule.ConceptSlug,
		"score":       v.Score,
		"concerns":    v.Concerns,
		"notes":       v.Notes,
	})
	if err != nil {
		r.logger.Warn("audit append failed", "rule_id", rule.ID, "error", err)
	}
}

// BatchResult aggregates one review sweep over the DRAFT backlog.
type BatchResult struct {
	Reviewed int
	Approved int
	Rejected int
	Held     int
	Failed   int
	Errors   []string
}

// RunBatch reviews every DRAFT rule with an inter-rule sleep; a single
// failure never aborts the sweep.
func (r *Reviewer) RunBatch(ctx context.Context, corr llm.Correlation) (*BatchResult, error) {
	drafts, err := r.store.Rules.ListByStatus(ctx, model.RuleDraft)
	if err != nil {
		return nil, err
	}
	res := &BatchResult{}
	for i, rule := range drafts {
		if i > 0 {
			if err := r.sleep(ctx, batchSleep); err != nil {
				return res, err
			}
		}
		v, err := r.Review(ctx, rule.ID, corr)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", rule.ID, err))
			r.logger.Warn("review failed", "rule_id", rule.ID, "error", err)
			continue
		}
		res.Reviewed++
		switch {
		case v.Approved:
			res.Approved++
		case v.Rejected:
			res.Rejected++
		default:
			res.Held++
		}
	}
	return res, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) float64 {
	f, _ := v.(float64)
	return f
}
