package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/regtruth/regtruth/pkg/breaker"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/queue"
	"github.com/regtruth/regtruth/pkg/store"
)

// DefaultMaxRetries is the per-run attempt budget.
const DefaultMaxRetries = 3

// Correlation threads pipeline ids through every call and into the
// AgentRun row.
type Correlation struct {
	RunID       string
	JobID       string
	ParentJobID string
	SourceSlug  string
	QueueName   string
}

// RunOptions tunes a single run.
type RunOptions struct {
	Temperature float64
	MaxRetries  int // 0 means DefaultMaxRetries
	Correlation Correlation
}

// RunResult is the terminal result of one run. RunID is always set: even
// input-validation failures leave an AgentRun row to correlate with.
type RunResult struct {
	Success    bool
	Output     map[string]any
	RawOutput  string
	Err        error
	RunID      string
	DurationMs int64
	TokensUsed int64
}

// TokenRecorder counts the tokens one agent run consumed.
type TokenRecorder interface {
	RecordTokens(ctx context.Context, agent string, tokens int)
}

// Runner drives schema-validated LLM invocations for one provider.
type Runner struct {
	client   Client
	provider string
	prompts  *PromptRegistry
	breakers *breaker.Registry
	runs     *store.AgentRunStore
	logger   *slog.Logger
	metrics  TokenRecorder

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(client Client, provider string, prompts *PromptRegistry,
	breakers *breaker.Registry, runs *store.AgentRunStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		client:   client,
		provider: provider,
		prompts:  prompts,
		breakers: breakers,
		runs:     runs,
		logger:   logger.With("component", "llm_runner", "provider", provider),
		sleep:    sleepCtx,
	}
}

// SetMetrics registers the token counter invoked on every completed
// provider call.
func (r *Runner) SetMetrics(m TokenRecorder) { r.metrics = m }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run validates input, gates through the circuit breaker, calls the
// provider with retries, validates the parsed output, and records exactly
// one terminal AgentRun row.
func (r *Runner) Run(ctx context.Context, agentType string, input any,
	inputSchema, outputSchema *jsonschema.Schema, opts RunOptions) RunResult {

	started := time.Now()
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}

	rendered, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return r.failBeforeStart(ctx, agentType, "", opts, started,
			fmt.Errorf("llm: render input: %w", err))
	}

	runID, err := r.runs.Start(ctx, &model.AgentRun{
		AgentType:   agentType,
		Input:       string(rendered),
		RunID:       opts.Correlation.RunID,
		JobID:       opts.Correlation.JobID,
		ParentJobID: opts.Correlation.ParentJobID,
		SourceSlug:  opts.Correlation.SourceSlug,
		QueueName:   opts.Correlation.QueueName,
	})
	if err != nil {
		return RunResult{Err: err, DurationMs: time.Since(started).Milliseconds()}
	}

	if err := validateSchema(inputSchema, rendered); err != nil {
		return r.finishFailed(ctx, runID, started, fmt.Errorf("Invalid input: %w", err))
	}

	systemPrompt, err := r.prompts.Get(agentType)
	if err != nil {
		return r.finishFailed(ctx, runID, started, err)
	}

	ok, err := r.breakers.CanCall(ctx, r.provider)
	if err != nil {
		return r.finishFailed(ctx, runID, started, err)
	}
	if !ok {
		return r.finishFailed(ctx, runID, started,
			fmt.Errorf("provider %s unavailable: %w", r.provider, ErrCircuitOpen))
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(rendered) + userTrailer},
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		output, raw, tokens, err := r.attempt(ctx, messages, opts.Temperature, outputSchema)
		if err == nil {
			_ = r.breakers.RecordSuccess(ctx, r.provider)
			if r.metrics != nil {
				r.metrics.RecordTokens(ctx, agentType, int(tokens))
			}
			duration := time.Since(started).Milliseconds()
			var confidence *float64
			if c, ok := output["confidence"].(float64); ok {
				confidence = &c
			}
			if err := r.runs.Complete(ctx, runID, raw, duration, tokens, confidence); err != nil {
				r.logger.Error("recording completed run failed", "run_id", runID, "error", err)
			}
			return RunResult{
				Success: true, Output: output, RawOutput: raw,
				RunID: runID, DurationMs: duration, TokensUsed: tokens,
			}
		}

		_ = r.breakers.RecordFailure(ctx, r.provider, err)
		rateLimited := errors.Is(err, ErrRateLimited)
		lastErr = err
		r.logger.Warn("llm attempt failed",
			"agent_type", agentType, "attempt", attempt+1,
			"rate_limited", rateLimited, "error", err)

		if attempt < maxRetries-1 {
			if serr := r.sleep(ctx, queue.Backoff(attempt, rateLimited)); serr != nil {
				lastErr = serr
				break
			}
		}
	}

	return r.finishFailed(ctx, runID, started,
		fmt.Errorf("llm: %s failed after %d attempts: %w", agentType, maxRetries, lastErr))
}

// attempt makes one provider call and returns the validated output object.
// Output-schema failures are ordinary attempt failures and count against
// the retry budget.
func (r *Runner) attempt(ctx context.Context, messages []Message, temperature float64,
	outputSchema *jsonschema.Schema) (map[string]any, string, int64, error) {

	resp, err := r.client.Chat(ctx, ChatRequest{Messages: messages, Temperature: temperature})
	if err != nil {
		return nil, "", 0, err
	}

	raw, err := ExtractJSONObject(resp.Text())
	if err != nil {
		return nil, "", resp.TokensUsed, err
	}
	if err := validateSchema(outputSchema, []byte(raw)); err != nil {
		return nil, "", resp.TokensUsed, fmt.Errorf("llm: output validation: %w", err)
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return nil, "", resp.TokensUsed, fmt.Errorf("llm: parse output: %w", err)
	}
	return output, raw, resp.TokensUsed, nil
}

func validateSchema(schema *jsonschema.Schema, raw []byte) error {
	if schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}

// failBeforeStart covers failures before an AgentRun row could be
// created; a failed row is still written so the invocation is traceable.
func (r *Runner) failBeforeStart(ctx context.Context, agentType, input string,
	opts RunOptions, started time.Time, cause error) RunResult {

	runID, err := r.runs.Start(ctx, &model.AgentRun{
		AgentType: agentType,
		Input:     input,
		RunID:     opts.Correlation.RunID,
		JobID:     opts.Correlation.JobID,
		QueueName: opts.Correlation.QueueName,
	})
	if err != nil {
		r.logger.Error("recording agent run failed", "agent_type", agentType, "error", err)
		return RunResult{Err: cause, DurationMs: time.Since(started).Milliseconds()}
	}
	return r.finishFailed(ctx, runID, started, cause)
}

func (r *Runner) finishFailed(ctx context.Context, runID string, started time.Time, cause error) RunResult {
	duration := time.Since(started).Milliseconds()
	if err := r.runs.Fail(ctx, runID, cause.Error(), duration); err != nil {
		r.logger.Error("recording failed run failed", "run_id", runID, "error", err)
	}
	return RunResult{Err: cause, RunID: runID, DurationMs: duration}
}

// MustCompileSchema compiles an inline JSON schema document at startup.
func MustCompileSchema(name, doc string) *jsonschema.Schema {
	return jsonschema.MustCompileString(name+".json", doc)
}
