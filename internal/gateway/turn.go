package gateway

import (
	"context"
	"time"

	"github.com/user/nostragent/internal/types"
)

// TurnStatus represents the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnStatusQueued   TurnStatus = "queued"
	TurnStatusRunning  TurnStatus = "running"
	TurnStatusComplete TurnStatus = "complete"
	TurnStatusFailed   TurnStatus = "failed"
)

// Turn is one conversational message waiting to be processed. Payer is
// always the direct sender; Message.Tags has already been filtered by the
// delegation policy.
type Turn struct {
	ID        types.TurnID
	Payer     string
	Message   *types.InboundMessage
	Status    TurnStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context
}

func NewTurn(msg *types.InboundMessage) *Turn {
	return &Turn{
		ID:        types.NewTurnID(),
		Payer:     msg.Sender,
		Message:   msg,
		Status:    TurnStatusQueued,
		CreatedAt: time.Now(),
	}
}

func (t *Turn) start() {
	now := time.Now()
	t.StartedAt = &now
	t.Status = TurnStatusRunning
}

func (t *Turn) finish(err error) {
	now := time.Now()
	t.EndedAt = &now
	t.Error = err
	if err != nil {
		t.Status = TurnStatusFailed
		return
	}
	t.Status = TurnStatusComplete
}
