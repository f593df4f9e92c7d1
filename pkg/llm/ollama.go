package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Defaults when no endpoint is configured.
const (
	DefaultGenerateEndpoint = "https://ollama.com"
	DefaultGenerateModel    = "llama3.1"
	DefaultEmbedEndpoint    = "http://localhost:11434"
	DefaultEmbedModel       = "nomic-embed-text"
)

const (
	chatTimeout   = 60 * time.Second
	healthTimeout = 5 * time.Second

	// defaultMaxTokens is the large output budget for extraction-sized
	// completions.
	defaultMaxTokens = 8192
)

// OllamaClient speaks the Ollama-family chat API at ${endpoint}/api/chat.
type OllamaClient struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

func NewOllamaClient(endpoint, model, apiKey string) *OllamaClient {
	if endpoint == "" {
		endpoint = DefaultGenerateEndpoint
	}
	if model == "" {
		model = DefaultGenerateModel
	}
	return &OllamaClient{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: chatTimeout},
	}
}

// Model returns the configured model name.
func (c *OllamaClient) Model() string { return c.model }

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaChatResponse struct {
	Message struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	EvalCount int64 `json:"eval_count"`
}

// Chat posts a non-streaming completion. JSON mode is never requested:
// thinking-style models return empty content under it, so the runner
// extracts JSON from the text instead.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: maxTokens},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: chat request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("llm: %s returned 429: %w", c.endpoint, ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm: %s returned %d: %s", c.endpoint, resp.StatusCode, snippet)
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode chat response: %w", err)
	}
	if out.Message.Content == "" && out.Message.Thinking == "" {
		return nil, ErrEmptyResponse
	}
	return &ChatResponse{
		Content:    out.Message.Content,
		Thinking:   out.Message.Thinking,
		TokensUsed: out.EvalCount,
	}, nil
}

// HealthStatus classifies a provider health ping.
type HealthStatus string

const (
	HealthOK        HealthStatus = "OK"
	HealthTimeout   HealthStatus = "TIMEOUT"
	HealthDNS       HealthStatus = "DNS"
	HealthAuth      HealthStatus = "AUTH"
	Health5XX       HealthStatus = "5XX"
	HealthRateLimit HealthStatus = "RATE_LIMIT"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Health pings the provider with a short deadline. Local endpoints expose
// /api/tags, cloud ones /v1/models; the first reachable path wins.
func (c *OllamaClient) Health(ctx context.Context) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	var lastErr error
	for _, path := range []string{"/api/tags", "/v1/models"} {
		status, err := c.ping(ctx, path)
		if status == HealthOK {
			return HealthOK, nil
		}
		lastErr = err
		if status != HealthUnknown {
			return status, err
		}
	}
	return HealthUnknown, lastErr
}

func (c *OllamaClient) ping(ctx context.Context, path string) (HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return HealthUnknown, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err), err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return HealthOK, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return HealthAuth, fmt.Errorf("llm: health returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return HealthRateLimit, fmt.Errorf("llm: health returned 429")
	case resp.StatusCode >= 500:
		return Health5XX, fmt.Errorf("llm: health returned %d", resp.StatusCode)
	default:
		return HealthUnknown, fmt.Errorf("llm: health returned %d", resp.StatusCode)
	}
}

func classifyTransportError(err error) HealthStatus {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return HealthDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return HealthTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return HealthTimeout
	}
	return HealthUnknown
}

// OllamaEmbedder speaks ${endpoint}/api/embeddings. It carries its own
// endpoint and model so generation configuration cannot leak in.
type OllamaEmbedder struct {
	endpoint string
	model    string
	http     *http.Client
}

func NewOllamaEmbedder(endpoint, model string) *OllamaEmbedder {
	if endpoint == "" {
		endpoint = DefaultEmbedEndpoint
	}
	if model == "" {
		model = DefaultEmbedModel
	}
	return &OllamaEmbedder{
		endpoint: endpoint,
		model:    model,
		http:     &http.Client{Timeout: chatTimeout},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"model": e.model, "prompt": text})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: embed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: embed returned %d", resp.StatusCode)
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("llm: decode embed response: %w", err)
	}
	return out.Embedding, nil
}
