// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// SessionStore persists users, their ledger and the per-thread message log.
// Implementations are scoped to a single agent name.
type SessionStore interface {
	GetUser(ctx context.Context, id UserID) (*User, error)
	UpsertUser(ctx context.Context, user *User) error
	// Debit subtracts amount only if the balance covers it.
	Debit(ctx context.Context, id UserID, amount int64) (bool, error)
	Credit(ctx context.Context, id UserID, amount int64) (int64, error)

	CurrentThread(ctx context.Context, id UserID) (ThreadID, error)
	SetCurrentThread(ctx context.Context, id UserID, thread ThreadID) error
	// ResolveThread stores candidate as the current thread unless one is
	// already set, and returns whichever is stored.
	ResolveThread(ctx context.Context, id UserID, candidate ThreadID) (ThreadID, error)

	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessages(ctx context.Context, thread ThreadID, user UserID, filter MessageFilter) ([]*Message, error)

	Close() error
}

type InboundHandler func(ctx context.Context, msg *InboundMessage)

type Transport interface {
	Listen(ctx context.Context, handler InboundHandler) error
	SendDirectMessage(ctx context.Context, recipient string, text string, tags Tags) error
}

type ProfilePublisher interface {
	PublishProfile(ctx context.Context, card *AgentCard) error
}

type Settlement string

const (
	SettlementSettled  Settlement = "settled"
	SettlementFailed   Settlement = "failed"
	SettlementTimedOut Settlement = "timed_out"
)

type PaymentGateway interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (string, error)
	AwaitSettlement(ctx context.Context, invoice string, timeout time.Duration) (Settlement, error)
}
