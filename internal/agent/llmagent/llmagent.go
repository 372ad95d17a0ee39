// Package llmagent is the built-in tool-calling agent. It runs the model in
// rounds, quoting each batch of priced tool calls before executing it.
package llmagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/nostragent/internal/agent"
	"github.com/user/nostragent/internal/agent/tools"
	ctxengine "github.com/user/nostragent/internal/context"
	"github.com/user/nostragent/internal/types"
	"github.com/user/nostragent/pkg/llm"
)

type Agent struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	registry  *tools.Registry
	card      *types.AgentCard
	maxRounds int
	logger    *slog.Logger
}

var _ agent.Agent = (*Agent)(nil)

func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	registry *tools.Registry,
	card *types.AgentCard,
	maxRounds int,
	logger *slog.Logger,
) *Agent {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if maxRounds <= 0 {
		maxRounds = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		provider:  provider,
		engine:    engine,
		registry:  registry,
		card:      card,
		maxRounds: maxRounds,
		logger:    logger,
	}
}

func (a *Agent) Chat(ctx context.Context, in *types.ChatInput) agent.Stream {
	return func(yield func(*types.ChatOutput, error) bool) {
		reg := a.registry.Subset(skillsUsed(in.ExtraInputs))

		messages, err := a.engine.BuildPrompt(a.card, in.History, in.Message, reg.Skills())
		if err != nil {
			yield(nil, fmt.Errorf("build prompt: %w", err))
			return
		}

		for round := 0; round < a.maxRounds; round++ {
			resp, err := a.provider.Complete(ctx, messages, reg.AsLLMTools())
			if err != nil {
				yield(nil, fmt.Errorf("LLM call: %w", err))
				return
			}

			if len(resp.ToolCalls) == 0 {
				yield(&types.ChatOutput{
					Message: resp.Content,
					Kind:    types.KindFinalResponse,
					Role:    types.RoleAgent,
				}, nil)
				return
			}

			if quote := a.quote(resp.ToolCalls, reg); quote != nil {
				if !yield(quote, nil) {
					a.logger.Info("tool calls not paid, stopping",
						"thread", in.ThreadID,
						"sats", quote.Sats(),
					)
					return
				}
			}

			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content, Tools: resp.ToolCalls})
			for _, tc := range resp.ToolCalls {
				result := a.execute(ctx, reg, tc)
				messages = append(messages, llm.Message{
					Role:    "tool",
					Content: result,
					Tools:   []llm.ToolCall{{ID: tc.ID}},
				})
				if !yield(&types.ChatOutput{
					Message: tc.Function.Name,
					Content: result,
					Kind:    types.KindToolMessage,
					Role:    types.RoleTool,
					ExtraOutputs: map[string]any{
						"call_id":   tc.ID,
						"arguments": string(tc.Function.Arguments),
					},
				}, nil) {
					return
				}
			}
		}

		yield(&types.ChatOutput{
			Message: fmt.Sprintf("max tool rounds (%d) exceeded", a.maxRounds),
			Kind:    types.KindError,
			Role:    types.RoleAgent,
		}, nil)
	}
}

// quote builds the requires_payment chunk for a batch of tool calls, or nil
// when the batch is free.
func (a *Agent) quote(calls []llm.ToolCall, reg *tools.Registry) *types.ChatOutput {
	var total int64
	names := make([]string, 0, len(calls))
	for _, tc := range calls {
		total += reg.Price(tc.Function.Name)
		names = append(names, tc.Function.Name)
	}
	if total <= 0 {
		return nil
	}
	return &types.ChatOutput{
		Message:  "Running " + strings.Join(names, ", "),
		Kind:     types.KindRequiresPayment,
		Role:     types.RoleAgent,
		Satoshis: types.Satoshis(total),
		ExtraOutputs: map[string]any{
			"tools": names,
		},
	}
}

func (a *Agent) execute(ctx context.Context, reg *tools.Registry, tc llm.ToolCall) string {
	tool, ok := reg.Get(tc.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tc.Function.Name)
	}
	result, err := tool.Execute(ctx, tc.Function.Arguments)
	if err != nil {
		a.logger.Warn("tool failed", "tool", tc.Function.Name, "error", err)
		return fmt.Sprintf("error: %v", err)
	}
	return result
}

func skillsUsed(extra map[string]any) []string {
	switch v := extra[agent.SkillsUsedKey].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if name, ok := s.(string); ok {
				out = append(out, name)
			}
		}
		return out
	}
	return nil
}
