// Package llm wraps the LLM provider behind a schema-validated runner:
// prompt selection, JSON extraction from free-form completions, output
// validation, retry with rate-limit-aware backoff, circuit-breaker gating,
// and an AgentRun row for every invocation.
package llm

import (
	"context"
	"errors"
)

// Sentinel errors classified at the provider boundary.
var (
	// ErrRateLimited marks provider 429 responses; the runner backs off
	// with the long base before retrying.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrCircuitOpen is returned without calling the provider when its
	// circuit is OPEN.
	ErrCircuitOpen = errors.New("llm: circuit open")
	// ErrEmptyResponse marks a completion with neither content nor
	// thinking text.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single non-streaming completion request.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	// MaxTokens bounds the completion length (num_predict for Ollama).
	MaxTokens int
}

// ChatResponse is the provider's reply. Content is preferred; Thinking is
// the fallback for models that emit their JSON there.
type ChatResponse struct {
	Content    string
	Thinking   string
	TokensUsed int64
}

// Text returns the usable completion text, preferring content.
func (r *ChatResponse) Text() string {
	if r.Content != "" {
		return r.Content
	}
	return r.Thinking
}

// Client is a chat-completion provider.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Embedder creates text embeddings. It is configured independently of the
// generation client so extraction settings never leak into embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
