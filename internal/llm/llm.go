// Package llm provides an OpenAI-compatible chat client used as the agent's
// reasoning engine. Gemini, OpenAI and local vLLM all expose the same
// /chat/completions shape.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/agenticos/agentos-go/pkg/config"
)

// ErrRateLimited is returned when the provider answers 429 or the local
// request budget is exhausted. Callers treat it as a quota signal.
var ErrRateLimited = errors.New("llm: rate limited")

// Client defines the interface for communicating with an LLM.
type Client interface {
	// Chat sends a chat completion request. Zero Model, Temperature and
	// MaxTokens fall back to the configured defaults.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant"
	Content string `json:"content"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content string     `json:"content"`
	Usage   TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIClient implements Client using the Chat Completions API.
type OpenAIClient struct {
	apiURL     string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	defaults   config.LLMConfig
}

// NewOpenAIClient creates a client. RequestsPerMinute bounds outgoing
// requests; zero disables the local limit.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = "https://api.openai.com/v1"
	}
	c := &OpenAIClient{
		apiURL: apiURL,
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: config.Duration(cfg.TimeoutSec, 30*time.Second),
		},
		defaults: cfg,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.limiter != nil && !c.limiter.Allow() {
		slog.Warn("llm: local request budget exhausted")
		return nil, fmt.Errorf("%w: local budget of %d requests/minute", ErrRateLimited, c.defaults.RequestsPerMinute)
	}

	model := req.Model
	if model == "" {
		model = c.defaults.Model
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.defaults.Temperature
	}
	maxTok := req.MaxTokens
	if maxTok == 0 {
		maxTok = c.defaults.MaxTokens
	}

	apiReq := openAIRequest{
		Model:       model,
		Temperature: temp,
		MaxTokens:   maxTok,
		Messages:    req.Messages,
	}

	start := time.Now()
	slog.Debug("llm: chat request",
		slog.String("model", model),
		slog.Float64("temperature", temp),
		slog.Int("max_tokens", maxTok),
		slog.Int("messages", len(req.Messages)),
	)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		slog.Warn("llm: provider quota exhausted", slog.String("retry_after", resp.Header.Get("Retry-After")))
		return nil, fmt.Errorf("%w: provider returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("llm: api error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 500)),
		)
		return nil, fmt.Errorf("llm: api returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("llm: unmarshal response: %w", err)
	}

	result := &ChatResponse{Usage: apiResp.Usage}
	if len(apiResp.Choices) > 0 {
		result.Content = apiResp.Choices[0].Message.Content
	}

	slog.Info("llm: chat response",
		slog.String("model", model),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
		slog.Int("prompt_tokens", result.Usage.PromptTokens),
		slog.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return result, nil
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []Message `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage TokenUsage `json:"usage"`
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
