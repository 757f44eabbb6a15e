package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agenticos/agentos-go/internal/llm"
	"github.com/agenticos/agentos-go/internal/status"
)

const systemPrompt = "You are an autonomous system monitor. Reply with exactly one line."

// LLMSource asks a reasoning engine for the decision.
type LLMSource struct {
	client        llm.Client
	rules         string
	defaultReason string
	timeout       time.Duration
}

// NewLLMSource creates a source. timeout bounds one request.
func NewLLMSource(client llm.Client, rules, defaultReason string, timeout time.Duration) *LLMSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMSource{client: client, rules: rules, defaultReason: defaultReason, timeout: timeout}
}

// Prompt renders the user message for snap.
func Prompt(snap status.Snapshot, rules string) string {
	return fmt.Sprintf(`Current Metrics: {"load": %d, "subscriptionDaysRemaining": %d}

RULES:
%s

Maintain high reasoning quality.`, snap.Load, snap.SubscriptionDaysRemaining, rules)
}

// Decide sends the snapshot to the engine and parses the reply. A rate
// limit yields WAIT with ErrQuota; any other failure yields WAIT with the
// error.
func (s *LLMSource) Decide(ctx context.Context, snap status.Snapshot) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: Prompt(snap, s.rules)},
		},
	})
	if err != nil {
		if errors.Is(err, llm.ErrRateLimited) {
			return Decision{Raw: textWait}, fmt.Errorf("%w: %v", ErrQuota, err)
		}
		return Decision{Raw: textWait}, fmt.Errorf("decision: reasoning engine: %w", err)
	}

	d := Parse(resp.Content, s.defaultReason)
	slog.Debug("decision: engine reply", slog.String("text", resp.Content), slog.String("kind", d.Kind.String()))
	return d, nil
}
