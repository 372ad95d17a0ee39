package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/user/nostragent/internal/types"
)

// BusyNotice is sent when a payer's lane is full.
const BusyNotice = "I'm still working on your earlier messages. Please try again in a moment."

// Commands handles "!" messages. A non-empty reply is sent back to the
// sender.
type Commands interface {
	Run(ctx context.Context, sender, text string) (string, error)
}

type Options struct {
	MaxConcurrent int64
	LaneSize      int
	IdleTimeout   time.Duration
	// Delegators restricts which senders may act for sub-users. Empty means
	// anyone may.
	Delegators []string
	Logger     *slog.Logger
}

// Gateway classifies inbound direct messages, answers commands, and queues
// conversational turns on per-payer lanes.
type Gateway struct {
	transport  types.Transport
	commands   Commands
	delegators map[string]bool
	logger     *slog.Logger
	Queue      *Queue
}

func New(transport types.Transport, commands Commands, opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		transport: transport,
		commands:  commands,
		logger:    logger,
		Queue:     NewQueue(opts.MaxConcurrent, opts.LaneSize, opts.IdleTimeout, logger),
	}
	if len(opts.Delegators) > 0 {
		g.delegators = make(map[string]bool, len(opts.Delegators))
		for _, d := range opts.Delegators {
			g.delegators[d] = true
		}
	}
	return g
}

// Start initialises the gateway's queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops the queue and waits for in-flight turns.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Listen subscribes to the transport and blocks until ctx is done.
func (g *Gateway) Listen(ctx context.Context) error {
	return g.transport.Listen(ctx, g.HandleDirectMessage)
}

// HandleDirectMessage is the transport callback. It never blocks on agent
// work; conversational messages are queued.
func (g *Gateway) HandleDirectMessage(ctx context.Context, msg *types.InboundMessage) {
	class := Classify(msg.Text)
	log := g.logger.With("message_id", msg.ID, "sender", msg.Sender, "class", class.String())

	switch class {
	case ClassControlJSON, ClassPaymentToken, ClassEmpty:
		log.Debug("dropping message")
		return

	case ClassCommand:
		if g.commands == nil {
			log.Debug("no command handler, dropping")
			return
		}
		reply, err := g.commands.Run(ctx, msg.Sender, msg.Text)
		if err != nil {
			log.Error("command failed", "error", err)
			return
		}
		if reply != "" {
			if err := g.transport.SendDirectMessage(ctx, msg.Sender, reply, nil); err != nil {
				log.Error("send command reply", "error", err)
			}
		}
		return
	}

	if !g.mayDelegate(msg.Sender) && hasDelegation(msg.Tags) {
		log.Info("ignoring delegation tag from sender outside allow-list")
		msg = stripDelegation(msg)
	}

	turn := NewTurn(msg)
	if err := g.Queue.Enqueue(turn); err != nil {
		log.Warn("enqueue turn", "error", err)
		if errors.Is(err, ErrLaneFull) {
			if err := g.transport.SendDirectMessage(ctx, msg.Sender, BusyNotice, nil); err != nil {
				log.Error("send busy notice", "error", err)
			}
		}
		return
	}
	log.Debug("turn queued", "turn_id", string(turn.ID))
}

func (g *Gateway) mayDelegate(sender string) bool {
	return g.delegators == nil || g.delegators[sender]
}

func hasDelegation(tags types.Tags) bool {
	_, _, ok := tags.Delegation()
	return ok
}

func stripDelegation(msg *types.InboundMessage) *types.InboundMessage {
	cp := *msg
	cp.Tags = nil
	for _, tag := range msg.Tags {
		if len(tag) > 0 && tag[0] == types.DelegationTag {
			continue
		}
		cp.Tags = append(cp.Tags, tag)
	}
	return &cp
}
