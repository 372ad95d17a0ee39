// Package runtime executes paid agent turns: it resolves who a message acts
// for, persists it, gates the agent's price and every priced chunk of its
// answer, and delivers the result.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/nostragent/internal/agent"
	"github.com/user/nostragent/internal/gateway"
	"github.com/user/nostragent/internal/lock"
	"github.com/user/nostragent/internal/pricing"
	"github.com/user/nostragent/internal/telemetry"
	"github.com/user/nostragent/internal/types"
)

type Options struct {
	// Pricer, when set, replaces the card's base price with a per-request
	// quote.
	Pricer pricing.Handler
	Locker lock.Locker
	// HistoryLimit caps how many earlier messages are handed to the agent.
	// Zero means the whole thread.
	HistoryLimit int
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
}

// Runtime is the turn executor.
type Runtime struct {
	store     types.SessionStore
	agent     agent.Agent
	transport types.Transport
	gate      *Gate
	resolver  *Resolver
	card      *types.AgentCard
	pricer    pricing.Handler
	locker    lock.Locker
	history   int
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
}

func New(
	store types.SessionStore,
	ag agent.Agent,
	transport types.Transport,
	gate *Gate,
	card *types.AgentCard,
	opts Options,
) *Runtime {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if card == nil {
		card = &types.AgentCard{}
	}
	return &Runtime{
		store:     store,
		agent:     ag,
		transport: transport,
		gate:      gate,
		resolver:  NewResolver(store),
		card:      card,
		pricer:    opts.Pricer,
		locker:    opts.Locker,
		history:   opts.HistoryLimit,
		metrics:   opts.Metrics,
		tracer:    telemetry.Tracer("nostragent/runtime"),
		logger:    opts.Logger,
	}
}

// ProcessTurn is the gateway queue processor. Denied and declined turns are
// normal outcomes; only failed turns return an error.
func (rt *Runtime) ProcessTurn(turn *gateway.Turn) error {
	ctx := turn.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	outcome, err := rt.Run(ctx, turn.ID, turn.Message)
	if outcome == OutcomeError {
		return err
	}
	return nil
}

// turnState carries one turn through the state machine.
type turnState struct {
	id    types.TurnID
	ident *Identity
	msg   *types.InboundMessage
	log   *slog.Logger
}

// Run executes one conversational message end to end and reports how it
// terminated. err is ErrPaymentDenied for denied turns and wraps the cause
// for failed ones.
func (rt *Runtime) Run(ctx context.Context, id types.TurnID, msg *types.InboundMessage) (outcome Outcome, err error) {
	ctx, span := rt.tracer.Start(ctx, "turn", trace.WithAttributes(
		attribute.String("turn_id", string(id)),
		attribute.String("payer", msg.Sender),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		if outcome == OutcomeError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
		}
		span.End()
		rt.metrics.Turn(ctx, string(outcome))
	}()

	log := rt.logger.With("turn_id", string(id), "payer", msg.Sender)

	unlockPayer, err := rt.locker.Lock(ctx, fmt.Sprintf("payer:%s:%s", rt.card.Name, msg.Sender))
	if err != nil {
		return OutcomeError, fmt.Errorf("lock payer: %w", err)
	}
	defer unlockPayer()

	ident, err := rt.resolver.Resolve(ctx, msg.Sender, msg.Tags)
	if err != nil {
		rt.notify(ctx, log, msg.Sender, ErrorNotice, nil)
		return OutcomeError, err
	}
	log = log.With("user_id", string(ident.UserID), "thread_id", string(ident.ThreadID))

	unlockThread, err := rt.locker.Lock(ctx, fmt.Sprintf("thread:%s:%s", rt.card.Name, ident.ThreadID))
	if err != nil {
		return OutcomeError, fmt.Errorf("lock thread: %w", err)
	}
	defer unlockThread()

	ts := &turnState{id: id, ident: ident, msg: msg, log: log}
	outcome, err = rt.execute(ctx, ts)
	switch outcome {
	case OutcomeError:
		log.Error("turn failed", "error", err)
		rt.notify(ctx, log, string(ident.Payer), ErrorNotice, ident.ReplyTags())
	case OutcomeDenied:
		log.Info("turn denied")
		rt.notify(ctx, log, string(ident.Payer), PaymentFailedNotice, ident.ReplyTags())
	default:
		log.Info("turn finished", "outcome", outcome)
	}
	return outcome, err
}

func (rt *Runtime) execute(ctx context.Context, ts *turnState) (Outcome, error) {
	history, err := rt.loadHistory(ctx, ts.ident)
	if err != nil {
		return OutcomeError, err
	}

	// The request is logged before anything external is attempted.
	if _, err := rt.store.AppendMessage(ctx, &types.Message{
		ThreadID: ts.ident.ThreadID,
		UserID:   ts.ident.UserID,
		Role:     types.RoleUser,
		Kind:     types.KindRequest,
		Message:  ts.msg.Text,
	}); err != nil {
		return OutcomeError, fmt.Errorf("persist request: %w", err)
	}

	in := &types.ChatInput{
		Message:  ts.msg.Text,
		ThreadID: ts.ident.ThreadID,
		UserID:   ts.ident.UserID,
		History:  history,
	}

	charge := Charge{
		Payer:  ts.ident.Payer,
		Amount: rt.card.BasePrice(),
		Reply:  ts.ident.ReplyTags(),
	}
	if rt.pricer != nil {
		quote, err := rt.pricer.Estimate(ctx, ts.msg.Text, rt.card)
		if err != nil {
			return OutcomeError, fmt.Errorf("estimate price: %w", err)
		}
		if !quote.CanHandle {
			text := quote.UserMessage
			if text == "" {
				text = "Sorry, I can't help with that request."
			}
			if err := rt.deliver(ctx, ts, &types.ChatOutput{Message: text, Kind: types.KindFinalResponse, Role: types.RoleAgent}); err != nil {
				return OutcomeError, err
			}
			return OutcomeDeclined, nil
		}
		charge.Amount = quote.Satoshis
		charge.Note = quote.UserMessage
		if len(quote.SkillsUsed) > 0 {
			in.ExtraInputs = map[string]any{agent.SkillsUsedKey: quote.SkillsUsed}
		}
	}

	decision, err := rt.gate.Authorize(ctx, charge)
	if err != nil {
		return OutcomeError, err
	}
	if !decision.Authorized {
		return OutcomeDenied, ErrPaymentDenied
	}
	ts.log.Debug("base price authorized", "method", decision.Method, "sats", charge.Amount)

	return rt.stream(ctx, ts, in)
}

// stream consumes the agent's output. Returning from inside the range loop
// makes the agent's yield report false, which is how a denied payment stops
// the quoted work.
func (rt *Runtime) stream(ctx context.Context, ts *turnState, in *types.ChatInput) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = OutcomeError, adapterPanic(ts.log, r)
		}
	}()
	for chunk, err := range rt.agent.Chat(ctx, in) {
		if err != nil {
			return OutcomeError, fmt.Errorf("%w: %w", ErrAdapterFailure, err)
		}
		if chunk == nil {
			continue
		}
		out := agent.Normalize(chunk, ts.ident.ThreadID, ts.ident.UserID)
		rt.metrics.Chunk(ctx, string(out.Kind))

		if !out.Kind.Valid() {
			ts.log.Error("agent produced unknown chunk kind", "kind", out.Kind)
			return OutcomeError, fmt.Errorf("%w: %q", ErrUnsupportedChunkKind, out.Kind)
		}
		if err := rt.persist(ctx, ts, out); err != nil {
			return OutcomeError, err
		}

		switch out.Kind {
		case types.KindRequiresPayment:
			decision, err := rt.gate.Authorize(ctx, Charge{
				Payer:  ts.ident.Payer,
				Amount: out.Sats(),
				Note:   out.Message,
				Reply:  ts.ident.ReplyTags(),
			})
			if err != nil {
				return OutcomeError, err
			}
			if !decision.Authorized {
				return OutcomeDenied, ErrPaymentDenied
			}
			ts.log.Debug("chunk authorized", "method", decision.Method, "sats", out.Sats())

		case types.KindToolMessage:
			// progress only

		case types.KindRequiresInput:
			ts.log.Error("agent asked for input mid-stream, which is not supported")
			return OutcomeError, fmt.Errorf("%w: %s", ErrUnsupportedChunkKind, out.Kind)

		case types.KindFinalResponse, types.KindError:
			if err := rt.send(ctx, ts, out.Message); err != nil {
				return OutcomeError, err
			}
			return OutcomeCompleted, nil

		default:
			// request chunks from an agent make no sense
			return OutcomeError, fmt.Errorf("%w: %s", ErrUnsupportedChunkKind, out.Kind)
		}
	}
	return OutcomeCompleted, nil
}

// adapterPanic turns a panic raised by the agent into an adapter failure.
func adapterPanic(log *slog.Logger, r any) error {
	log.Error("agent panicked", "panic", r, "stack", string(debug.Stack()))
	return fmt.Errorf("%w: panic: %v", ErrAdapterFailure, r)
}

func (rt *Runtime) loadHistory(ctx context.Context, ident *Identity) ([]*types.Message, error) {
	filter := types.MessageFilter{}
	if rt.history > 0 {
		filter.Limit = rt.history
		filter.Reverse = true
	}
	msgs, err := rt.store.ListMessages(ctx, ident.ThreadID, ident.UserID, filter)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if filter.Reverse {
		slices.Reverse(msgs)
	}
	return msgs, nil
}

func (rt *Runtime) persist(ctx context.Context, ts *turnState, out *types.ChatOutput) error {
	if _, err := rt.store.AppendMessage(ctx, &types.Message{
		ThreadID:     ts.ident.ThreadID,
		UserID:       ts.ident.UserID,
		Role:         out.Role,
		Kind:         out.Kind,
		Message:      out.Message,
		Content:      out.Content,
		Satoshis:     out.Satoshis,
		ExtraOutputs: out.ExtraOutputs,
	}); err != nil {
		return fmt.Errorf("persist %s: %w", out.Kind, err)
	}
	return nil
}

// deliver persists then sends.
func (rt *Runtime) deliver(ctx context.Context, ts *turnState, out *types.ChatOutput) error {
	out = agent.Normalize(out, ts.ident.ThreadID, ts.ident.UserID)
	if err := rt.persist(ctx, ts, out); err != nil {
		return err
	}
	return rt.send(ctx, ts, out.Message)
}

func (rt *Runtime) send(ctx context.Context, ts *turnState, text string) error {
	if text == "" {
		ts.log.Debug("empty reply, nothing to deliver")
		return nil
	}
	if err := rt.transport.SendDirectMessage(ctx, string(ts.ident.Payer), text, ts.ident.ReplyTags()); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

func (rt *Runtime) notify(ctx context.Context, log *slog.Logger, to, text string, tags types.Tags) {
	if err := rt.transport.SendDirectMessage(ctx, to, text, tags); err != nil {
		log.Warn("send notice", "error", err)
	}
}

// Chat runs the agent for a local user without payment gating. Both sides
// are persisted. An empty thread continues the user's current one.
func (rt *Runtime) Chat(ctx context.Context, user types.UserID, thread types.ThreadID, text string) (string, types.ThreadID, error) {
	if thread == "" {
		var err error
		thread, err = rt.store.ResolveThread(ctx, user, types.NewThreadID())
		if err != nil {
			return "", "", fmt.Errorf("resolve thread: %w", err)
		}
	}
	unlock, err := rt.locker.Lock(ctx, fmt.Sprintf("thread:%s:%s", rt.card.Name, thread))
	if err != nil {
		return "", thread, fmt.Errorf("lock thread: %w", err)
	}
	defer unlock()

	ident := &Identity{UserID: user, ThreadID: thread, Payer: user}
	ts := &turnState{id: types.NewTurnID(), ident: ident, log: rt.logger.With("thread_id", string(thread))}

	history, err := rt.loadHistory(ctx, ident)
	if err != nil {
		return "", thread, err
	}
	if _, err := rt.store.AppendMessage(ctx, &types.Message{
		ThreadID: thread,
		UserID:   user,
		Role:     types.RoleUser,
		Kind:     types.KindRequest,
		Message:  text,
	}); err != nil {
		return "", thread, fmt.Errorf("persist request: %w", err)
	}

	in := &types.ChatInput{Message: text, ThreadID: thread, UserID: user, History: history}
	reply, err := rt.chatStream(ctx, ts, in)
	return reply, thread, err
}

// chatStream consumes an ungated stream and returns the terminal text.
func (rt *Runtime) chatStream(ctx context.Context, ts *turnState, in *types.ChatInput) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = "", adapterPanic(ts.log, r)
		}
	}()
	for chunk, err := range rt.agent.Chat(ctx, in) {
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrAdapterFailure, err)
		}
		if chunk == nil {
			continue
		}
		out := agent.Normalize(chunk, ts.ident.ThreadID, ts.ident.UserID)
		if !out.Kind.Valid() || out.Kind == types.KindRequiresInput {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedChunkKind, out.Kind)
		}
		if err := rt.persist(ctx, ts, out); err != nil {
			return "", err
		}
		if out.Kind.Terminal() {
			if out.Kind == types.KindError {
				return "", errors.New(out.Message)
			}
			return out.Message, nil
		}
	}
	return "", nil
}
