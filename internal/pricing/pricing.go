// Package pricing decides up front whether the agent should take a request
// and what it costs.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/nostragent/internal/types"
	"github.com/user/nostragent/pkg/llm"
)

type Quote struct {
	CanHandle   bool     `json:"can_handle"`
	Satoshis    int64    `json:"satoshi_estimate"`
	UserMessage string   `json:"user_message"`
	SkillsUsed  []string `json:"skills_used"`
}

type Handler interface {
	Estimate(ctx context.Context, text string, card *types.AgentCard) (*Quote, error)
}

// Static accepts everything at the card's base price.
type Static struct{}

func (Static) Estimate(_ context.Context, _ string, card *types.AgentCard) (*Quote, error) {
	return &Quote{CanHandle: true, Satoshis: card.BasePrice()}, nil
}

const estimatePrompt = `Analyze if the agent can handle this request based on its skills and description.
Consider both the agent's capabilities and whether the request matches its purpose.

Then estimate the cost in satoshis. The agent may need several skills to handle the request; if so, include all of them and sum their prices.

Reply with a single JSON object:
{"can_handle": bool, "satoshi_estimate": int, "user_message": string, "skills_used": [string]}

user_message is a friendly one or two sentence note that confirms what will be done, or explains why the request can't be handled.`

// LLM asks a model to judge and price each request.
type LLM struct {
	provider llm.Provider
	logger   *slog.Logger
}

func NewLLM(provider llm.Provider, logger *slog.Logger) *LLM {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLM{provider: provider, logger: logger}
}

func (p *LLM) Estimate(ctx context.Context, text string, card *types.AgentCard) (*Quote, error) {
	cardJSON, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}
	messages := []llm.Message{
		{Role: "system", Content: estimatePrompt},
		{Role: "user", Content: fmt.Sprintf("Agent card:\n%s\n\nRequest:\n%s", cardJSON, text)},
	}
	resp, err := p.provider.Complete(ctx, messages, nil, llm.WithJSON(), llm.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("estimate price: %w", err)
	}

	var q Quote
	if err := json.Unmarshal([]byte(stripFence(resp.Content)), &q); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if q.Satoshis < 0 {
		q.Satoshis = 0
	}
	if !q.CanHandle {
		q.Satoshis = 0
		q.SkillsUsed = nil
	}
	p.logger.Debug("price estimated",
		"can_handle", q.CanHandle,
		"sats", q.Satoshis,
		"skills", q.SkillsUsed,
	)
	return &q, nil
}

// stripFence removes a ```json fence some models wrap JSON mode output in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
