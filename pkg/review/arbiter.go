package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regtruth/regtruth/pkg/llm"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

const arbiterTemperature = 0.0

var arbiterSchema = llm.MustCompileSchema("arbiter-output", `{
	"type": "object",
	"required": ["winner_pointer_id", "reasoning"],
	"properties": {
		"winner_pointer_id": {"type": "string", "minLength": 1},
		"reasoning": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`)

// Resolution is the arbiter's decision on one conflict.
type Resolution struct {
	ConflictID string
	WinnerID   string
	LoserIDs   []string
	Reasoning  string
	Confidence float64
	// Fallback is set when the LLM named a fact outside the candidate
	// set and the deterministic authority ranking decided instead.
	Fallback bool
	RunID    string
}

// Arbiter resolves open source conflicts into a single winning fact.
type Arbiter struct {
	store  *store.Store
	runner Runner
	logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewArbiter(st *store.Store, runner Runner, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		store:  st,
		runner: runner,
		logger: logger.With("component", "arbiter"),
		sleep:  ctxSleep,
	}
}

// Arbitrate resolves one OPEN SOURCE_CONFLICT: the winning fact is
// promoted, the losers rejected, and the conflict closed RESOLVED.
func (a *Arbiter) Arbitrate(ctx context.Context, conflictID string, corr llm.Correlation) (*Resolution, error) {
	conflict, err := a.store.Conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Status != model.ConflictOpen {
		return nil, fmt.Errorf("review: conflict %s is %s, not %s",
			conflictID, conflict.Status, model.ConflictOpen)
	}
	if conflict.Type != model.ConflictSource {
		return nil, fmt.Errorf("review: conflict %s is %s; only %s is arbitrable",
			conflictID, conflict.Type, model.ConflictSource)
	}

	factIDs := pointerIDs(conflict)
	if len(factIDs) < 2 {
		return nil, fmt.Errorf("review: conflict %s has %d candidate facts, need at least 2",
			conflictID, len(factIDs))
	}
	facts, err := a.store.Facts.GetMany(ctx, factIDs)
	if err != nil {
		return nil, err
	}

	input, authorities, err := a.buildInput(ctx, conflict, facts)
	if err != nil {
		return nil, err
	}
	res := a.runner.Run(ctx, llm.AgentArbiter, input, nil, arbiterSchema, llm.RunOptions{
		Temperature: arbiterTemperature,
		Correlation: corr,
	})
	if !res.Success {
		return nil, res.Err
	}

	resolution := &Resolution{
		ConflictID: conflictID,
		WinnerID:   str(res.Output["winner_pointer_id"]),
		Reasoning:  str(res.Output["reasoning"]),
		Confidence: num(res.Output["confidence"]),
		RunID:      res.RunID,
	}
	if !contains(factIDs, resolution.WinnerID) {
		// Hallucinated winner; fall back to the authority ranking.
		resolution.WinnerID = rankedWinner(facts, authorities)
		resolution.Fallback = true
		a.logger.Warn("arbiter named an unknown fact, using authority ranking",
			"conflict_id", conflictID, "winner_id", resolution.WinnerID)
	}

	for _, id := range factIDs {
		status := model.FactRejected
		if id == resolution.WinnerID {
			status = model.FactPromoted
		} else {
			resolution.LoserIDs = append(resolution.LoserIDs, id)
		}
		if err := a.store.Facts.UpdateStatus(ctx, id, status); err != nil {
			return nil, fmt.Errorf("review: update fact %s: %w", id, err)
		}
	}
	if err := a.store.Conflicts.Close(ctx, conflictID, model.ConflictResolved); err != nil {
		return nil, err
	}
	if err := a.store.Audit.Append(ctx, store.AuditConflictResolved, "conflict", conflictID,
		"system", map[string]any{
			"winnerId":  resolution.WinnerID,
			"loserIds":  resolution.LoserIDs,
			"reasoning": resolution.Reasoning,
			"fallback":  resolution.Fallback,
		}); err != nil {
		a.logger.Warn("audit append failed", "conflict_id", conflictID, "error", err)
	}
	a.logger.Info("conflict resolved",
		"conflict_id", conflictID, "winner_id", resolution.WinnerID,
		"fallback", resolution.Fallback)
	return resolution, nil
}

// Dismiss closes a conflict without a winner, for operator use.
func (a *Arbiter) Dismiss(ctx context.Context, conflictID, dismissedBy, reason string) error {
	if err := a.store.Conflicts.Close(ctx, conflictID, model.ConflictDismissed); err != nil {
		return err
	}
	if err := a.store.Audit.Append(ctx, store.AuditConflictResolved, "conflict", conflictID,
		dismissedBy, map[string]any{"dismissed": true, "reason": reason}); err != nil {
		a.logger.Warn("audit append failed", "conflict_id", conflictID, "error", err)
	}
	return nil
}

func pointerIDs(c *model.Conflict) []string {
	raw, _ := c.Metadata["conflictingPointerIds"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// buildInput renders each candidate fact with its source authority, and
// returns the per-fact authority map used by the fallback ranking.
func (a *Arbiter) buildInput(ctx context.Context, conflict *model.Conflict,
	facts []*model.CandidateFact) (map[string]any, map[string]model.AuthorityLevel, error) {

	authorities := make(map[string]model.AuthorityLevel, len(facts))
	rendered := make([]map[string]any, 0, len(facts))
	for _, f := range facts {
		top := model.AuthorityUnknown
		sources := make([]map[string]any, 0, len(f.GroundingQuotes))
		for _, q := range f.GroundingQuotes {
			ev, err := a.store.Evidence.Get(ctx, q.EvidenceID)
			if err != nil {
				return nil, nil, fmt.Errorf("review: evidence %s: %w", q.EvidenceID, err)
			}
			src, err := a.store.Sources.Get(ctx, ev.SourceID)
			if err != nil {
				return nil, nil, fmt.Errorf("review: source %s: %w", ev.SourceID, err)
			}
			if src.Authority.Rank() > top.Rank() {
				top = src.Authority
			}
			sources = append(sources, map[string]any{
				"url":       ev.URL,
				"authority": string(src.Authority),
				"quote":     q.Text,
			})
		}
		authorities[f.ID] = top
		rendered = append(rendered, map[string]any{
			"pointer_id":      f.ID,
			"domain":          f.Domain,
			"value_type":      string(f.ValueType),
			"extracted_value": f.ExtractedValue,
			"confidence":      f.OverallConfidence,
			"sources":         sources,
		})
	}
	return map[string]any{
		"conflict_description": conflict.Description,
		"facts":                rendered,
	}, authorities, nil
}

// rankedWinner picks by source authority, breaking ties on overall
// confidence, then on id for determinism.
func rankedWinner(facts []*model.CandidateFact, authorities map[string]model.AuthorityLevel) string {
	best := facts[0]
	for _, f := range facts[1:] {
		br, fr := authorities[best.ID].Rank(), authorities[f.ID].Rank()
		switch {
		case fr > br:
			best = f
		case fr == br && f.OverallConfidence > best.OverallConfidence:
			best = f
		case fr == br && f.OverallConfidence == best.OverallConfidence && f.ID < best.ID:
			best = f
		}
	}
	return best.ID
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ArbitrateBatch resolves every OPEN source conflict, oldest first; one
// failure never aborts the sweep.
func (a *Arbiter) ArbitrateBatch(ctx context.Context, corr llm.Correlation) (int, []string, error) {
	open, err := a.store.Conflicts.ListOpen(ctx)
	if err != nil {
		return 0, nil, err
	}
	var resolved int
	var errs []string
	for i, c := range open {
		if c.Type != model.ConflictSource {
			continue
		}
		if i > 0 {
			if err := a.sleep(ctx, batchSleep); err != nil {
				return resolved, errs, err
			}
		}
		if _, err := a.Arbitrate(ctx, c.ID, corr); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.ID, err))
			a.logger.Warn("arbitration failed", "conflict_id", c.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, errs, nil
}
