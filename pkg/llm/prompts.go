package llm

import "fmt"

// Agent types with a registered prompt.
const (
	AgentExtractor = "EXTRACTOR"
	AgentComposer  = "COMPOSER"
	AgentReviewer  = "REVIEWER"
	AgentArbiter   = "ARBITER"
	AgentChangelog = "CHANGELOG"
)

// jsonTrailer is appended to every system prompt. Parsing relies on it
// instead of provider JSON mode.
const jsonTrailer = "\n\nRespond with a single JSON object only. " +
	"No prose, no Markdown, no code fences."

// userTrailer closes the rendered input in the user message.
const userTrailer = "\n\nReturn only the JSON object described above."

// PromptRegistry maps agent types to system prompts. It is constructed at
// startup and passed into the runner; tests build their own instances.
type PromptRegistry struct {
	prompts map[string]string
}

func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]string)}
}

// Register sets the system prompt for an agent type, replacing any
// previous registration.
func (r *PromptRegistry) Register(agentType, systemPrompt string) {
	r.prompts[agentType] = systemPrompt
}

// Get returns the full system prompt including the strict-JSON trailer.
func (r *PromptRegistry) Get(agentType string) (string, error) {
	p, ok := r.prompts[agentType]
	if !ok {
		return "", fmt.Errorf("llm: no prompt registered for agent type %q", agentType)
	}
	return p + jsonTrailer, nil
}

// DefaultPrompts returns a registry with the pipeline's built-in agents.
func DefaultPrompts() *PromptRegistry {
	r := NewPromptRegistry()
	r.Register(AgentExtractor, extractorPrompt)
	r.Register(AgentComposer, composerPrompt)
	r.Register(AgentReviewer, reviewerPrompt)
	r.Register(AgentArbiter, arbiterPrompt)
	r.Register(AgentChangelog, changelogPrompt)
	return r
}

const extractorPrompt = `You are a regulatory data extractor. You receive the cleaned text of an
official regulatory document and must extract every concrete, typed value
it states: tax rates, monetary thresholds, deadlines, percentages.

For each extraction provide:
- "domain": the regulatory domain the value belongs to
- "value_type": one of "currency", "percentage", "date", "threshold", "text"
- "extracted_value": the value in canonical string form
- "exact_quote": a verbatim, contiguous quote from the document containing the value
- "context_before" / "context_after": short surrounding text (optional)
- "confidence": your confidence in [0,1]
- "article_number" / "law_reference": when the document states them
- "extraction_notes": anything a reviewer should know

Output shape: {"extractions": [ ... ]}. Quote text must be copied
verbatim from the input. Never invent values that are not in the text.`

const composerPrompt = `You are a regulatory rule composer. You receive a set of extracted facts
that share a domain, each with its source authority and grounding quote.
Compose them into a single draft rule, or report a conflict when the
facts contradict each other.

On success output: {"draft_rule": {"concept_slug", "title_hr", "title_en",
"risk_tier", "applies_when", "value", "value_type", "explanation_hr",
"explanation_en", "effective_from", "effective_until", "supersedes",
"confidence", "composer_notes", "source_pointer_ids"}}.

When the facts contradict each other output instead:
{"conflicts_detected": {"description": "...", "details": {...}}}.

"applies_when" is a JSON condition using operators and, or, not, eq, neq,
gt, gte, lt, lte, in, between, true, false. Use {"op": "true"} when the
rule applies unconditionally. Dates are YYYY-MM-DD.`

const reviewerPrompt = `You are a regulatory rule reviewer. You receive a draft rule with its
backing facts and grounding quotes. Score it and decide whether it can be
approved automatically.

Output: {"score": <0..1>, "approve": <bool>, "concerns": ["..."],
"reviewer_notes": "..."}. Approve only when the value is fully supported
by the quotes, the effective date is plausible, and nothing contradicts
the backing facts.`

const arbiterPrompt = `You are a regulatory conflict arbiter. You receive two or more
contradicting extracted facts with their sources and authority levels.
Pick the single winner.

Output: {"winner_pointer_id": "...", "reasoning": "...",
"confidence": <0..1>}. Prefer the higher-authority source; among equals
prefer the more recent effective date.`

const changelogPrompt = `You summarize a set of regulatory rules into a release changelog.
Output: {"changelog": "...", "release_type": "major|minor|patch"}.
Write the changelog in English, one bullet per rule, stating the concept
and the value. The release_type is advisory only.`
