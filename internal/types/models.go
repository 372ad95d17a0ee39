// internal/types/models.go
package types

import (
	"time"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

type Kind string

const (
	KindRequest         Kind = "request"
	KindRequiresPayment Kind = "requires_payment"
	KindToolMessage     Kind = "tool_message"
	KindRequiresInput   Kind = "requires_input"
	KindFinalResponse   Kind = "final_response"
	KindError           Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRequest, KindRequiresPayment, KindToolMessage,
		KindRequiresInput, KindFinalResponse, KindError:
		return true
	}
	return false
}

// Terminal reports whether a chunk of this kind ends the agent's stream.
func (k Kind) Terminal() bool {
	return k == KindFinalResponse || k == KindError
}

type User struct {
	AgentName        string   `json:"agent_name"`
	UserID           UserID   `json:"user_id"`
	AvailableBalance int64    `json:"available_balance"`
	CurrentThreadID  ThreadID `json:"current_thread_id,omitempty"`
}

// Message is one immutable entry in a thread's log. Idx is assigned by the
// store on append.
type Message struct {
	AgentName    string         `json:"agent_name"`
	ThreadID     ThreadID       `json:"thread_id"`
	Idx          int64          `json:"idx"`
	UserID       UserID         `json:"user_id"`
	Role         Role           `json:"role"`
	Kind         Kind           `json:"kind"`
	Message      string         `json:"message"`
	Content      string         `json:"content,omitempty"`
	Satoshis     *int64         `json:"satoshis,omitempty"`
	ExtraInputs  map[string]any `json:"extra_inputs,omitempty"`
	ExtraOutputs map[string]any `json:"extra_outputs,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type MessageFilter struct {
	Limit     int
	BeforeIdx *int64
	AfterIdx  *int64
	Reverse   bool
	Kinds     []Kind
}

func (f MessageFilter) Match(m *Message) bool {
	if f.BeforeIdx != nil && m.Idx >= *f.BeforeIdx {
		return false
	}
	if f.AfterIdx != nil && m.Idx <= *f.AfterIdx {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if m.Kind == k {
			return true
		}
	}
	return false
}

type Skill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Satoshis    *int64 `json:"satoshis,omitempty"`
}

type AgentCard struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Skills      []Skill  `json:"skills"`
	Satoshis    *int64   `json:"satoshis,omitempty"`
	NostrPubKey string   `json:"nostr_pubkey"`
	NostrRelays []string `json:"nostr_relays"`
}

func (c *AgentCard) BasePrice() int64 {
	if c == nil || c.Satoshis == nil {
		return 0
	}
	return *c.Satoshis
}

type ChatInput struct {
	Message     string         `json:"message"`
	ThreadID    ThreadID       `json:"thread_id"`
	UserID      UserID         `json:"user_id"`
	History     []*Message     `json:"-"`
	ExtraInputs map[string]any `json:"extra_inputs,omitempty"`
}

type ChatOutput struct {
	Message      string         `json:"message"`
	Content      string         `json:"content,omitempty"`
	ThreadID     ThreadID       `json:"thread_id,omitempty"`
	UserID       UserID         `json:"user_id,omitempty"`
	Role         Role           `json:"role"`
	Kind         Kind           `json:"kind"`
	Satoshis     *int64         `json:"satoshis,omitempty"`
	ExtraOutputs map[string]any `json:"extra_outputs,omitempty"`
}

// Sats returns the chunk's price, treating nil as zero.
func (o *ChatOutput) Sats() int64 {
	if o.Satoshis == nil {
		return 0
	}
	return *o.Satoshis
}

func Satoshis(n int64) *int64 {
	return &n
}

// InboundMessage is a decrypted direct message handed to the gateway by a
// transport.
type InboundMessage struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Sender     string    `json:"sender"`
	Text       string    `json:"text"`
	Tags       Tags      `json:"tags,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
