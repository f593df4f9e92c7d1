package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

const (
	composeTemperature = 0.1
	// batchSleep spaces consecutive domain groups in batch mode.
	batchSleep = 3 * time.Second
)

// ErrSourceConflict is returned when the LLM detected contradicting
// facts; the Result carries the Conflict id for arbitration.
var ErrSourceConflict = errors.New("compose: source conflict detected")

var outputSchema = llm.MustCompileSchema("composer-output", `{
	"type": "object",
	"properties": {
		"draft_rule": {
			"type": "object",
			"required": ["concept_slug", "risk_tier", "value", "value_type", "effective_from", "confidence"],
			"properties": {
				"concept_slug": {"type": "string", "minLength": 1},
				"title_hr": {"type": "string"},
				"title_en": {"type": "string"},
				"risk_tier": {"type": "string", "enum": ["T0", "T1", "T2", "T3"]},
				"applies_when": {"type": "object"},
				"value": {"type": "string"},
				"value_type": {"type": "string", "enum": ["currency", "percentage", "date", "threshold", "text"]},
				"explanation_hr": {"type": "string"},
				"explanation_en": {"type": "string"},
				"effective_from": {"type": "string"},
				"effective_until": {"type": "string"},
				"supersedes": {"type": "string"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1},
				"composer_notes": {"type": "string"},
				"source_pointer_ids": {"type": "array", "items": {"type": "string"}}
			}
		},
		"conflicts_detected": {
			"type": "object",
			"required": ["description"],
			"properties": {
				"description": {"type": "string"},
				"details": {"type": "object"}
			}
		}
	},
	"oneOf": [
		{"required": ["draft_rule"]},
		{"required": ["conflicts_detected"]}
	]
}`)

// Runner is the LLM entry point the composer needs.
type Runner interface {
	Run(ctx context.Context, agentType string, input any,
		inputSchema, outputSchema *jsonschema.Schema, opts llm.RunOptions) llm.RunResult
}

// Result reports one composition. Exactly one of RuleID and ConflictID
// is set.
type Result struct {
	RuleID     string
	ConflictID string
	RunID      string
}

// Composer forms draft Rules out of domain-grouped CandidateFacts.
type Composer struct {
	store  *store.Store
	runner Runner
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(st *store.Store, runner Runner, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		store:  st,
		runner: runner,
		logger: logger.With("component", "composer"),
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// Compose turns a set of same-domain CandidateFact ids into one DRAFT
// rule, or records a Conflict when the facts contradict each other.
func (c *Composer) Compose(ctx context.Context, factIDs []string, corr llm.Correlation) (*Result, error) {
	if len(factIDs) == 0 {
		return nil, fmt.Errorf("compose: empty fact set")
	}
	facts, err := c.store.Facts.GetMany(ctx, factIDs)
	if err != nil {
		return nil, err
	}

	authority, input, err := c.buildInput(ctx, facts)
	if err != nil {
		return nil, err
	}

	res := c.runner.Run(ctx, llm.AgentComposer, input, nil, outputSchema, llm.RunOptions{
		Temperature: composeTemperature,
		Correlation: corr,
	})
	if !res.Success {
		return nil, res.Err
	}

	if conflict, ok := res.Output["conflicts_detected"].(map[string]any); ok {
		return c.recordConflict(ctx, factIDs, conflict, res.RunID)
	}

	draft, ok := res.Output["draft_rule"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("compose: output has neither draft_rule nor conflicts_detected")
	}
	return c.persistDraft(ctx, draft, factIDs, authority, res.RunID)
}

// buildInput loads each fact's evidence and source, derives the maximum
// authority rank, and renders the LLM input.
func (c *Composer) buildInput(ctx context.Context, facts []*model.CandidateFact) (model.AuthorityLevel, map[string]any, error) {
	authority := model.AuthorityUnknown
	rendered := make([]map[string]any, 0, len(facts))

	for _, f := range facts {
		sources := make([]map[string]any, 0, len(f.GroundingQuotes))
		for _, q := range f.GroundingQuotes {
			ev, err := c.store.Evidence.Get(ctx, q.EvidenceID)
			if err != nil {
				return "", nil, fmt.Errorf("compose: evidence %s: %w", q.EvidenceID, err)
			}
			src, err := c.store.Sources.Get(ctx, ev.SourceID)
			if err != nil {
				return "", nil, fmt.Errorf("compose: source %s: %w", ev.SourceID, err)
			}
			if src.Authority.Rank() > authority.Rank() {
				authority = src.Authority
			}
			sources = append(sources, map[string]any{
				"url":       ev.URL,
				"authority": string(src.Authority),
				"quote":     q.Text,
				"article":   q.ArticleNumber,
			})
		}
		rendered = append(rendered, map[string]any{
			"id":              f.ID,
			"domain":          f.Domain,
			"value_type":      string(f.ValueType),
			"extracted_value": f.ExtractedValue,
			"confidence":      f.OverallConfidence,
			"sources":         sources,
		})
	}
	return authority, map[string]any{"facts": rendered}, nil
}

func (c *Composer) recordConflict(ctx context.Context, factIDs []string,
	detected map[string]any, runID string) (*Result, error) {

	pointerIDs := factIDs
	if len(pointerIDs) > 2 {
		pointerIDs = pointerIDs[:2]
	}
	ids := make([]any, len(pointerIDs))
	for i, id := range pointerIDs {
		ids[i] = id
	}

	conflict := &model.Conflict{
		Type:        model.ConflictSource,
		Description: str(detected["description"]),
		Metadata: map[string]any{
			"conflictingPointerIds": ids,
			"conflictDetails":       detected["details"],
		},
	}
	if err := c.store.Conflicts.Insert(ctx, conflict); err != nil {
		return nil, err
	}
	if err := c.store.Audit.Append(ctx, store.AuditConflictDetected, "conflict", conflict.ID,
		"system", map[string]any{"description": conflict.Description}); err != nil {
		c.logger.Warn("audit append failed", "conflict_id", conflict.ID, "error", err)
	}
	c.logger.Warn("source conflict detected", "conflict_id", conflict.ID)

	return &Result{ConflictID: conflict.ID, RunID: runID},
		fmt.Errorf("%w: conflict %s", ErrSourceConflict, conflict.ID)
}

func (c *Composer) persistDraft(ctx context.Context, draft map[string]any,
	factIDs []string, authority model.AuthorityLevel, runID string) (*Result, error) {

	notes := str(draft["composer_notes"])
	applies, _ := draft["applies_when"].(map[string]any)
	if applies == nil {
		applies = TrivialAccept()
	} else if err := ValidateDSL(applies); err != nil {
		c.logger.Warn("invalid applies_when replaced with trivial accept", "error", err)
		applies = TrivialAccept()
		if notes != "" {
			notes += "; "
		}
		notes += "applies_when auto-replaced with {op:true}: " + err.Error()
	}

	effectiveFrom, err := time.Parse("2006-01-02", str(draft["effective_from"]))
	if err != nil {
		return nil, fmt.Errorf("compose: bad effective_from: %w", err)
	}
	var effectiveUntil *time.Time
	if s := str(draft["effective_until"]); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("compose: bad effective_until: %w", err)
		}
		if t.Before(effectiveFrom) {
			return nil, fmt.Errorf("compose: effective_until precedes effective_from")
		}
		effectiveUntil = &t
	}

	rule := &model.Rule{
		ConceptSlug:    str(draft["concept_slug"]),
		TitleHr:        str(draft["title_hr"]),
		TitleEn:        str(draft["title_en"]),
		RiskTier:       model.RiskTier(str(draft["risk_tier"])),
		AuthorityLevel: authority,
		AppliesWhen:    applies,
		Value:          str(draft["value"]),
		ValueType:      model.ValueType(str(draft["value_type"])),
		ExplanationHr:  str(draft["explanation_hr"]),
		ExplanationEn:  str(draft["explanation_en"]),
		EffectiveFrom:  effectiveFrom,
		EffectiveUntil: effectiveUntil,
		SupersedesID:   str(draft["supersedes"]),
		Confidence:     num(draft["confidence"]),
		// The LLM's source_pointer_ids are ignored: rules always link the
		// exact input facts.
		BackingFactIDs: factIDs,
	}
	if err := c.store.Rules.Insert(ctx, rule); err != nil {
		return nil, err
	}
	if err := c.store.Audit.Append(ctx, store.AuditRuleCreated, "rule", rule.ID, "system",
		map[string]any{
			"conceptSlug": rule.ConceptSlug,
			"riskTier":    string(rule.RiskTier),
			"authority":   string(authority),
			"notes":       notes,
		}); err != nil {
		c.logger.Warn("audit append failed", "rule_id", rule.ID, "error", err)
	}
	c.logger.Info("draft rule created",
		"rule_id", rule.ID, "concept", rule.ConceptSlug, "authority", authority)

	return &Result{RuleID: rule.ID, RunID: runID}, nil
}

// BatchResult aggregates a batch composition.
type BatchResult struct {
	Succeeded int
	Failed    int
	Conflicts int
	Errors    []string
}

// RunBatch composes every ungrouped domain in turn with an inter-group
// sleep; one group's failure never aborts the batch.
func (c *Composer) RunBatch(ctx context.Context, corr llm.Correlation) (*BatchResult, error) {
	grouped, err := c.store.Facts.ListUngrouped(ctx)
	if err != nil {
		return nil, err
	}

	res := &BatchResult{}
	first := true
	for domain, facts := range grouped {
		if !first {
			if err := c.sleep(ctx, batchSleep); err != nil {
				return res, err
			}
		}
		first = false

		ids := make([]string, len(facts))
		for i, f := range facts {
			ids[i] = f.ID
		}
		_, err := c.Compose(ctx, ids, corr)
		switch {
		case errors.Is(err, ErrSourceConflict):
			res.Conflicts++
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", domain, err))
			c.logger.Warn("batch group failed", "domain", domain, "error", err)
		default:
			res.Succeeded++
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
