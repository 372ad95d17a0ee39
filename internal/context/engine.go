// internal/context/engine.go
package context

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/nostragent/internal/types"
	"github.com/user/nostragent/pkg/llm"
)

// toolExcerpt caps how much of an earlier tool result is replayed.
const toolExcerpt = 2000

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	tmpl      *template.Template
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	e := &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}
	if err := e.SetTemplate(DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// SetTemplate replaces the system prompt template.
func (e *Engine) SetTemplate(text string) error {
	t, err := template.New("system").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt template: %w", err)
	}
	e.tmpl = t
	return nil
}

func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// BuildPrompt assembles the system prompt, as much recent thread history as
// fits the budget, and the new user message. History must be in idx order.
func (e *Engine) BuildPrompt(card *types.AgentCard, history []*types.Message, input string, skills []types.Skill) ([]llm.Message, error) {
	sysPrompt, err := e.systemPrompt(card, skills)
	if err != nil {
		return nil, err
	}

	budget := e.maxTokens - e.reserve - e.countTokens(sysPrompt) - e.countTokens(input)
	if budget < 0 {
		budget = 0
	}
	historyBudget := int(float64(budget) * 0.8)

	// Walk newest first so the most recent turns survive truncation.
	var kept []llm.Message
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg, ok := toLLMMessage(history[i])
		if !ok {
			continue
		}
		n := e.countTokens(msg.Content)
		if used+n > historyBudget {
			break
		}
		kept = append(kept, msg)
		used += n
	}

	messages := make([]llm.Message, 0, len(kept)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	for i := len(kept) - 1; i >= 0; i-- {
		messages = append(messages, kept[i])
	}
	messages = append(messages, llm.Message{Role: "user", Content: input})
	return messages, nil
}

// PromptData is the data available to the system prompt template.
type PromptData struct {
	Time        string
	Name        string
	Description string
	Skills      []types.Skill
}

func (e *Engine) systemPrompt(card *types.AgentCard, skills []types.Skill) (string, error) {
	data := PromptData{
		Time:   time.Now().Format(time.RFC3339),
		Name:   "agent",
		Skills: skills,
	}
	if card != nil {
		data.Name = card.Name
		data.Description = card.Description
	}
	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}

func toLLMMessage(m *types.Message) (llm.Message, bool) {
	switch m.Kind {
	case types.KindRequest:
		return llm.Message{Role: "user", Content: m.Message}, true
	case types.KindFinalResponse:
		return llm.Message{Role: "assistant", Content: m.Message}, true
	case types.KindToolMessage:
		text := m.Content
		if text == "" {
			text = m.Message
		}
		if len(text) > toolExcerpt {
			text = text[:toolExcerpt] + "\n[truncated]"
		}
		return llm.Message{Role: "assistant", Content: "Earlier tool result:\n" + strings.TrimSpace(text)}, true
	default:
		return llm.Message{}, false
	}
}
