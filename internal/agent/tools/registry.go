// Package tools provides the priced tools the built-in LLM agent can call.
package tools

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/user/nostragent/internal/types"
	"github.com/user/nostragent/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type entry struct {
	tool  Tool
	price int64
}

// Registry holds registered tools with their per-call satoshi price.
type Registry struct {
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool. A price of 0 makes it free.
func (r *Registry) Register(t Tool, sats int64) {
	r.tools[t.Name()] = entry{tool: t, price: sats}
}

func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.tools[name]
	return e.tool, ok
}

// Price returns the per-call price of a tool; unknown tools are free.
func (r *Registry) Price(name string) int64 {
	return r.tools[name].price
}

func (r *Registry) Len() int { return len(r.tools) }

// names returns tool names in a stable order.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, name := range r.names() {
		out = append(out, r.tools[name].tool)
	}
	return out
}

// Skills describes the tools for the agent card.
func (r *Registry) Skills() []types.Skill {
	out := make([]types.Skill, 0, len(r.tools))
	for _, name := range r.names() {
		e := r.tools[name]
		out = append(out, types.Skill{
			Name:        name,
			Description: e.tool.Description(),
			Satoshis:    types.Satoshis(e.price),
		})
	}
	return out
}

// Subset returns a registry restricted to the named tools. An empty list
// keeps everything.
func (r *Registry) Subset(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	out := NewRegistry()
	for _, n := range names {
		if e, ok := r.tools[strings.TrimSpace(n)]; ok {
			out.tools[e.tool.Name()] = e
		}
	}
	return out
}

// AsLLMTools converts registered tools to the LLM provider format.
func (r *Registry) AsLLMTools() []llm.Tool {
	out := make([]llm.Tool, 0, len(r.tools))
	for _, t := range r.All() {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}
