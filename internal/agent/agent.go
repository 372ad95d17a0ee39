// Package agent defines the streaming contract between the orchestrator and
// a conversational agent.
//
// A Stream is lazy and single-use. When an agent yields a requires_payment
// chunk it must not perform the quoted work until the consumer asks for the
// next chunk; if yield returns false the consumer declined and the agent
// must return without doing it.
package agent

import (
	"context"
	"iter"

	"github.com/user/nostragent/internal/types"
)

// SkillsUsedKey is the ChatInput.ExtraInputs key carrying the skills a price
// quote selected. Agents that understand it offer only those tools.
const SkillsUsedKey = "skills_used"

type Stream = iter.Seq2[*types.ChatOutput, error]

type Agent interface {
	Chat(ctx context.Context, in *types.ChatInput) Stream
}

// StreamFunc adapts a function to the Agent interface.
type StreamFunc func(ctx context.Context, in *types.ChatInput) Stream

func (f StreamFunc) Chat(ctx context.Context, in *types.ChatInput) Stream {
	return f(ctx, in)
}

// Func adapts a single-shot agent into a one-chunk stream.
type Func func(ctx context.Context, in *types.ChatInput) (*types.ChatOutput, error)

func (f Func) Chat(ctx context.Context, in *types.ChatInput) Stream {
	return func(yield func(*types.ChatOutput, error) bool) {
		out, err := f(ctx, in)
		if err != nil {
			yield(nil, err)
			return
		}
		if out != nil {
			yield(out, nil)
		}
	}
}

// TextFunc adapts a plain text responder; its reply becomes a final_response.
type TextFunc func(ctx context.Context, message string) (string, error)

func (f TextFunc) Chat(ctx context.Context, in *types.ChatInput) Stream {
	return Func(func(ctx context.Context, in *types.ChatInput) (*types.ChatOutput, error) {
		text, err := f(ctx, in.Message)
		if err != nil {
			return nil, err
		}
		return &types.ChatOutput{Message: text, Kind: types.KindFinalResponse, Role: types.RoleAgent}, nil
	}).Chat(ctx, in)
}

// Normalize fills the defaults a chunk may omit: role agent (tool for
// tool_message), kind final_response, and the turn's thread and user.
func Normalize(out *types.ChatOutput, thread types.ThreadID, user types.UserID) *types.ChatOutput {
	n := *out
	if n.Kind == "" {
		n.Kind = types.KindFinalResponse
	}
	if n.Role == "" {
		if n.Kind == types.KindToolMessage {
			n.Role = types.RoleTool
		} else {
			n.Role = types.RoleAgent
		}
	}
	if n.ThreadID == "" {
		n.ThreadID = thread
	}
	if n.UserID == "" {
		n.UserID = user
	}
	return &n
}

// Collect drains a stream without any gating. Intended for tests and local
// tools that bypass payment.
func Collect(s Stream) ([]*types.ChatOutput, error) {
	var out []*types.ChatOutput
	for chunk, err := range s {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}
