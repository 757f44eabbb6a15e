package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agenticos/agentos-go/pkg/config"
)

func TestChatSendsDefaultsAndParsesReply(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ACTION:WAIT"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIURL: srv.URL, APIKey: "k", Model: "m", Temperature: 0.2, MaxTokens: 64})
	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ACTION:WAIT" || resp.Usage.TotalTokens != 15 {
		t.Errorf("response = %+v", resp)
	}
	if got.Model != "m" || got.Temperature != 0.2 || got.MaxTokens != 64 || len(got.Messages) != 1 {
		t.Errorf("request = %+v", got)
	}
}

func TestChat429IsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIURL: srv.URL})
	if _, err := c.Chat(context.Background(), ChatRequest{}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestChatOtherErrorsAreNotQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIURL: srv.URL})
	_, err := c.Chat(context.Background(), ChatRequest{})
	if err == nil || errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v", err)
	}
}

func TestLocalBudget(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIURL: srv.URL, RequestsPerMinute: 1})
	if _, err := c.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.Chat(context.Background(), ChatRequest{}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second call within the minute: %v", err)
	}
	if calls != 1 {
		t.Errorf("provider saw %d calls, want 1", calls)
	}
}
