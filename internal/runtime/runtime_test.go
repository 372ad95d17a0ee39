package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/nostragent/internal/agent"
	"github.com/user/nostragent/internal/gateway"
	"github.com/user/nostragent/internal/pricing"
	"github.com/user/nostragent/internal/types"
)

func TestFreeTurn(t *testing.T) {
	h := newHarness(t, 0, reply("hi"), Options{})

	outcome, err := h.run(t, "alice", "hello", nil)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}

	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].text != "hi" || sent[0].to != "alice" {
		t.Fatalf("expected exactly one reply 'hi', got %+v", sent)
	}
	msgs := h.thread(t, "alice")
	if !sameKinds(kinds(msgs), []types.Kind{types.KindRequest, types.KindFinalResponse}) {
		t.Fatalf("unexpected rows %v", kinds(msgs))
	}
	if msgs[0].Message != "hello" || msgs[0].Role != types.RoleUser {
		t.Errorf("unexpected request row %+v", msgs[0])
	}
	if h.payments.count() != 0 {
		t.Error("free turn must not create invoices")
	}
}

func TestBasePriceInvoiceIsPayPerUse(t *testing.T) {
	h := newHarness(t, 10, reply("hi"), Options{})
	ctx := context.Background()
	if _, err := h.store.Credit(ctx, "alice", 5); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.run(t, "alice", "hello", nil)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}

	if len(h.payments.invoices) != 1 || h.payments.invoices[0] != 10 {
		t.Fatalf("expected one invoice for 10, got %v", h.payments.invoices)
	}
	if got := h.balance(t, "alice"); got != 5 {
		t.Errorf("expected balance untouched at 5, got %d", got)
	}
	sent := h.transport.messages()
	if len(sent) != 2 {
		t.Fatalf("expected invoice prompt and reply, got %+v", sent)
	}
	if !strings.HasPrefix(sent[0].text, "Please pay 10 sats: lnbc") {
		t.Errorf("unexpected invoice prompt %q", sent[0].text)
	}
	if sent[1].text != "hi" {
		t.Errorf("expected reply after payment, got %q", sent[1].text)
	}
}

func TestBasePriceDebitedFromBalance(t *testing.T) {
	h := newHarness(t, 10, reply("hi"), Options{})
	if _, err := h.store.Credit(context.Background(), "alice", 25); err != nil {
		t.Fatal(err)
	}

	if outcome, _ := h.run(t, "alice", "hello", nil); outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	if got := h.balance(t, "alice"); got != 15 {
		t.Errorf("expected balance 15, got %d", got)
	}
	if h.payments.count() != 0 {
		t.Error("expected no invoice when balance covers the price")
	}
}

func pricedStream(cost int64, worked *bool) agent.Agent {
	return agent.StreamFunc(func(_ context.Context, _ *types.ChatInput) agent.Stream {
		return func(yield func(*types.ChatOutput, error) bool) {
			if !yield(&types.ChatOutput{Message: "Running search", Kind: types.KindRequiresPayment, Satoshis: types.Satoshis(cost)}, nil) {
				return
			}
			*worked = true
			if !yield(&types.ChatOutput{Message: "search", Content: "3 results", Kind: types.KindToolMessage}, nil) {
				return
			}
			yield(&types.ChatOutput{Message: "here you go"}, nil)
		}
	})
}

func TestChunkPaidFromBalance(t *testing.T) {
	var worked bool
	h := newHarness(t, 0, pricedStream(3, &worked), Options{})
	if _, err := h.store.Credit(context.Background(), "alice", 3); err != nil {
		t.Fatal(err)
	}

	outcome, err := h.run(t, "alice", "search please", nil)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}
	if got := h.balance(t, "alice"); got != 0 {
		t.Errorf("expected balance 0, got %d", got)
	}
	if h.payments.count() != 0 {
		t.Error("expected no invoice")
	}
	if !worked {
		t.Error("expected paid work to run")
	}

	msgs := h.thread(t, "alice")
	want := []types.Kind{types.KindRequest, types.KindRequiresPayment, types.KindToolMessage, types.KindFinalResponse}
	if !sameKinds(kinds(msgs), want) {
		t.Fatalf("expected %v, got %v", want, kinds(msgs))
	}
	if msgs[2].Role != types.RoleTool {
		t.Errorf("expected tool role on tool_message, got %s", msgs[2].Role)
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].text != "here you go" {
		t.Errorf("tool messages must not be delivered, got %+v", sent)
	}
}

func TestSettlementTimeoutDeniesTurn(t *testing.T) {
	h := newHarness(t, 10, reply("hi"), Options{})
	h.payments.result = types.SettlementTimedOut

	outcome, err := h.run(t, "alice", "hello", nil)
	if outcome != OutcomeDenied || !errors.Is(err, ErrPaymentDenied) {
		t.Fatalf("expected denied, got %s (%v)", outcome, err)
	}

	sent := h.transport.messages()
	if last := sent[len(sent)-1]; last.text != PaymentFailedNotice {
		t.Errorf("expected payment failed notice, got %q", last.text)
	}
	for _, m := range h.thread(t, "alice") {
		if m.Kind == types.KindFinalResponse {
			t.Fatal("denied turn must not write a final_response")
		}
	}
}

func TestChunkDenialStopsQuotedWork(t *testing.T) {
	var worked bool
	h := newHarness(t, 0, pricedStream(50, &worked), Options{})
	h.payments.result = types.SettlementFailed

	outcome, err := h.run(t, "alice", "search please", nil)
	if outcome != OutcomeDenied || !errors.Is(err, ErrPaymentDenied) {
		t.Fatalf("expected denied, got %s (%v)", outcome, err)
	}
	if worked {
		t.Fatal("agent performed work after payment was denied")
	}
	msgs := h.thread(t, "alice")
	if !sameKinds(kinds(msgs), []types.Kind{types.KindRequest, types.KindRequiresPayment}) {
		t.Errorf("unexpected rows %v", kinds(msgs))
	}
	sent := h.transport.messages()
	if !strings.HasPrefix(sent[0].text, "Running search\n\nPlease pay 50 sats: ") {
		t.Errorf("expected chunk text as invoice note, got %q", sent[0].text)
	}
}

func TestRequiresInputIsFatal(t *testing.T) {
	ag := agent.Func(func(context.Context, *types.ChatInput) (*types.ChatOutput, error) {
		return &types.ChatOutput{Message: "which city?", Kind: types.KindRequiresInput}, nil
	})
	h := newHarness(t, 0, ag, Options{})

	outcome, err := h.run(t, "alice", "weather", nil)
	if outcome != OutcomeError || !errors.Is(err, ErrUnsupportedChunkKind) {
		t.Fatalf("expected unsupported chunk error, got %s (%v)", outcome, err)
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].text != ErrorNotice {
		t.Errorf("expected generic notice only, got %+v", sent)
	}
}

func TestUnknownKindIsFatal(t *testing.T) {
	ag := agent.Func(func(context.Context, *types.ChatInput) (*types.ChatOutput, error) {
		return &types.ChatOutput{Message: "?", Kind: types.Kind("surprise")}, nil
	})
	h := newHarness(t, 0, ag, Options{})

	if _, err := h.run(t, "alice", "hi", nil); !errors.Is(err, ErrUnsupportedChunkKind) {
		t.Fatalf("expected unsupported chunk error, got %v", err)
	}
}

func TestAdapterFailureHidesCause(t *testing.T) {
	ag := agent.Func(func(context.Context, *types.ChatInput) (*types.ChatOutput, error) {
		return nil, errBoom
	})
	h := newHarness(t, 0, ag, Options{})

	outcome, err := h.run(t, "alice", "hi", nil)
	if outcome != OutcomeError || !errors.Is(err, ErrAdapterFailure) || !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped adapter failure, got %s (%v)", outcome, err)
	}
	for _, m := range h.transport.messages() {
		if strings.Contains(m.text, "secret") {
			t.Fatalf("raw error leaked to payer: %q", m.text)
		}
	}
	// The request row survives the failure.
	if msgs := h.thread(t, "alice"); len(msgs) != 1 || msgs[0].Kind != types.KindRequest {
		t.Errorf("expected only the request row, got %v", kinds(msgs))
	}
}

func TestDelegationIsolation(t *testing.T) {
	var seen *types.ChatInput
	ag := agent.Func(func(_ context.Context, in *types.ChatInput) (*types.ChatOutput, error) {
		seen = in
		return &types.ChatOutput{Message: "done"}, nil
	})
	h := newHarness(t, 4, ag, Options{})
	ctx := context.Background()
	if _, err := h.store.Credit(ctx, "router", 10); err != nil {
		t.Fatal(err)
	}
	before, _ := h.store.CurrentThread(ctx, "router")

	tags := types.Tags{{"t", "bob", "thread-from-router"}}
	outcome, err := h.run(t, "router", "book a table", tags)
	if err != nil || outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}

	if seen.UserID != "router:bob" || seen.ThreadID != "thread-from-router" {
		t.Errorf("unexpected identity %s / %s", seen.UserID, seen.ThreadID)
	}
	after, _ := h.store.CurrentThread(ctx, "router")
	if after != before {
		t.Errorf("payer's current thread changed from %q to %q", before, after)
	}
	// The payer still pays.
	if got := h.balance(t, "router"); got != 6 {
		t.Errorf("expected payer debited to 6, got %d", got)
	}
	if got := h.balance(t, "router:bob"); got != 0 {
		t.Errorf("sub-user must not be charged, got %d", got)
	}
	msgs, err := h.store.ListMessages(ctx, "thread-from-router", "router:bob", types.MessageFilter{})
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 rows in delegated thread, got %d (%v)", len(msgs), err)
	}

	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].to != "router" {
		t.Fatalf("unexpected sends %+v", sent)
	}
	sub, thread, ok := sent[0].tags.Delegation()
	if !ok || sub != "bob" || thread != "thread-from-router" {
		t.Errorf("expected reply to echo delegation tag, got %v", sent[0].tags)
	}
}

func TestDurabilityBeforeDelivery(t *testing.T) {
	h := newHarness(t, 0, reply("persist me first"), Options{})
	h.transport.onSend = func(to, text string) error {
		if text != "persist me first" {
			return nil
		}
		found := false
		for _, m := range h.thread(t, types.UserID(to)) {
			if m.Kind == types.KindFinalResponse && m.Message == text {
				found = true
			}
		}
		if !found {
			t.Error("reply sent before its row was persisted")
		}
		return errors.New("relay down")
	}

	outcome, err := h.run(t, "alice", "hello", nil)
	if outcome != OutcomeError || err == nil {
		t.Fatalf("expected delivery failure, got %s (%v)", outcome, err)
	}
	msgs := h.thread(t, "alice")
	if !sameKinds(kinds(msgs), []types.Kind{types.KindRequest, types.KindFinalResponse}) {
		t.Errorf("expected row to survive failed send, got %v", kinds(msgs))
	}
}

func TestThreadContinuesAcrossTurns(t *testing.T) {
	var histories []int
	ag := agent.Func(func(_ context.Context, in *types.ChatInput) (*types.ChatOutput, error) {
		histories = append(histories, len(in.History))
		return &types.ChatOutput{Message: "ok"}, nil
	})
	h := newHarness(t, 0, ag, Options{})

	h.run(t, "alice", "one", nil)
	h.run(t, "alice", "two", nil)

	if len(histories) != 2 || histories[0] != 0 || histories[1] != 2 {
		t.Errorf("expected history sizes [0 2], got %v", histories)
	}
	if msgs := h.thread(t, "alice"); len(msgs) != 4 {
		t.Errorf("expected 4 rows in the continued thread, got %d", len(msgs))
	}
}

func TestHistoryLimitKeepsNewest(t *testing.T) {
	var last []*types.Message
	ag := agent.Func(func(_ context.Context, in *types.ChatInput) (*types.ChatOutput, error) {
		last = in.History
		return &types.ChatOutput{Message: "ok"}, nil
	})
	h := newHarness(t, 0, ag, Options{HistoryLimit: 3})
	for i := 0; i < 4; i++ {
		h.run(t, "alice", fmt.Sprintf("msg %d", i), nil)
	}
	if len(last) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(last))
	}
	if last[0].Idx >= last[2].Idx {
		t.Errorf("expected ascending idx order, got %d..%d", last[0].Idx, last[2].Idx)
	}
	if last[2].Idx != 5 {
		t.Errorf("expected newest history idx 5, got %d", last[2].Idx)
	}
}

func TestConcurrentTurnsGaplessIdx(t *testing.T) {
	h := newHarness(t, 1, reply("ok"), Options{})
	ctx := context.Background()
	if _, err := h.store.Credit(ctx, "alice", 5); err != nil {
		t.Fatal(err)
	}
	h.payments.result = types.SettlementFailed

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.run(t, "alice", fmt.Sprintf("msg %d", i), nil)
		}(i)
	}
	wg.Wait()

	msgs := h.thread(t, "alice")
	for i, m := range msgs {
		if m.Idx != int64(i) {
			t.Fatalf("expected idx %d at position %d, got %d", i, i, m.Idx)
		}
	}
	if got := h.balance(t, "alice"); got != 0 {
		t.Errorf("expected 5 turns paid from balance leaving 0, got %d", got)
	}
	// 8 requests + 5 paid replies
	if len(msgs) != 13 {
		t.Errorf("expected 13 rows, got %d", len(msgs))
	}
}

type stubPricer struct {
	quote *pricing.Quote
}

func (s stubPricer) Estimate(context.Context, string, *types.AgentCard) (*pricing.Quote, error) {
	return s.quote, nil
}

func TestPricerDeclines(t *testing.T) {
	called := false
	ag := agent.Func(func(context.Context, *types.ChatInput) (*types.ChatOutput, error) {
		called = true
		return &types.ChatOutput{Message: "x"}, nil
	})
	h := newHarness(t, 5, ag, Options{Pricer: stubPricer{&pricing.Quote{CanHandle: false, UserMessage: "I only do travel."}}})

	outcome, err := h.run(t, "alice", "fix my car", nil)
	if err != nil || outcome != OutcomeDeclined {
		t.Fatalf("expected declined, got %s (%v)", outcome, err)
	}
	if called {
		t.Error("agent must not run for a declined request")
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].text != "I only do travel." {
		t.Errorf("unexpected sends %+v", sent)
	}
	if h.payments.count() != 0 {
		t.Error("declined request must not be invoiced")
	}
}

func TestPricerQuoteReplacesBasePrice(t *testing.T) {
	var seen *types.ChatInput
	ag := agent.Func(func(_ context.Context, in *types.ChatInput) (*types.ChatOutput, error) {
		seen = in
		return &types.ChatOutput{Message: "booked"}, nil
	})
	quote := &pricing.Quote{CanHandle: true, Satoshis: 21, UserMessage: "I'll search flights.", SkillsUsed: []string{"search_flights"}}
	h := newHarness(t, 5, ag, Options{Pricer: stubPricer{quote}})

	if outcome, err := h.run(t, "alice", "flight to Lisbon", nil); outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}
	if len(h.payments.invoices) != 1 || h.payments.invoices[0] != 21 {
		t.Errorf("expected invoice for quoted 21 sats, got %v", h.payments.invoices)
	}
	if !strings.HasPrefix(h.transport.messages()[0].text, "I'll search flights.\n\nPlease pay 21 sats: ") {
		t.Errorf("unexpected invoice prompt %q", h.transport.messages()[0].text)
	}
	skills, _ := seen.ExtraInputs["skills_used"].([]string)
	if len(skills) != 1 || skills[0] != "search_flights" {
		t.Errorf("expected skills forwarded, got %v", seen.ExtraInputs)
	}
}

func TestProcessTurnHidesDenial(t *testing.T) {
	h := newHarness(t, 10, reply("hi"), Options{})
	h.payments.result = types.SettlementFailed

	turn := gateway.NewTurn(&types.InboundMessage{Sender: "alice", Text: "hello"})
	if err := h.rt.ProcessTurn(turn); err != nil {
		t.Errorf("denial is not a processing failure, got %v", err)
	}

	failing := newHarness(t, 0, agent.Func(func(context.Context, *types.ChatInput) (*types.ChatOutput, error) {
		return nil, errBoom
	}), Options{})
	if err := failing.rt.ProcessTurn(gateway.NewTurn(&types.InboundMessage{Sender: "alice", Text: "hello"})); err == nil {
		t.Error("expected adapter failure to surface")
	}
}

func TestChatBypassesPayment(t *testing.T) {
	var worked bool
	h := newHarness(t, 100, pricedStream(50, &worked), Options{})

	text, thread, err := h.rt.Chat(context.Background(), "local", "", "search please")
	if err != nil {
		t.Fatal(err)
	}
	if text != "here you go" || thread == "" {
		t.Errorf("unexpected chat result %q in %q", text, thread)
	}
	if !worked || h.payments.count() != 0 {
		t.Error("chat should run paid work without invoices")
	}
	if msgs := h.thread(t, "local"); len(msgs) != 4 {
		t.Errorf("expected 4 persisted rows, got %d", len(msgs))
	}
}

// panicky yields one progress chunk and then crashes mid-stream.
func panicky() agent.Agent {
	return agent.StreamFunc(func(context.Context, *types.ChatInput) agent.Stream {
		return func(yield func(*types.ChatOutput, error) bool) {
			if !yield(&types.ChatOutput{Message: "working", Kind: types.KindToolMessage, Role: types.RoleTool}, nil) {
				return
			}
			var counts map[string]int
			counts["calls"]++
		}
	})
}

func TestAdapterPanicEndsTurnWithNotice(t *testing.T) {
	h := newHarness(t, 0, panicky(), Options{})

	outcome, err := h.run(t, "alice", "hi", nil)
	if outcome != OutcomeError || !errors.Is(err, ErrAdapterFailure) {
		t.Fatalf("expected adapter failure, got %s (%v)", outcome, err)
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].text != ErrorNotice {
		t.Fatalf("expected the generic notice, got %+v", sent)
	}
	if !sameKinds(kinds(h.thread(t, "alice")), []types.Kind{types.KindRequest, types.KindToolMessage}) {
		t.Errorf("unexpected rows %v", kinds(h.thread(t, "alice")))
	}

	// Locks were released: the next turn for the same payer still runs.
	h.rt.agent = reply("recovered")
	if outcome, err := h.run(t, "alice", "again", nil); outcome != OutcomeCompleted {
		t.Fatalf("follow-up turn: %s (%v)", outcome, err)
	}
}

func TestAdapterPanicThroughQueue(t *testing.T) {
	h := newHarness(t, 0, panicky(), Options{})
	queue := gateway.NewQueue(1, 0, 0, nil)
	queue.SetProcessor(h.rt.ProcessTurn)
	queue.Start(context.Background())
	defer queue.Stop()

	turn := gateway.NewTurn(&types.InboundMessage{Sender: "alice", Text: "hi"})
	if err := queue.Enqueue(turn); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.transport.messages()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !queue.WaitIdle(time.Second) {
		t.Fatal("queue did not go idle")
	}
	if sent := h.transport.messages(); len(sent) != 1 || sent[0].text != ErrorNotice {
		t.Fatalf("expected the generic notice, got %+v", sent)
	}
	if turn.Status != gateway.TurnStatusFailed {
		t.Errorf("turn status = %s, want failed", turn.Status)
	}
}

func TestChatAdapterPanic(t *testing.T) {
	h := newHarness(t, 0, panicky(), Options{})

	_, _, err := h.rt.Chat(context.Background(), "local", "", "hi")
	if !errors.Is(err, ErrAdapterFailure) {
		t.Fatalf("expected adapter failure, got %v", err)
	}
}

func TestTraversalDelegationTagRunsDirect(t *testing.T) {
	h := newHarness(t, 0, reply("hello"), Options{})

	outcome, err := h.run(t, "router", "hi", types.Tags{{"t", "alice", "../../../../tmp/owned"}})
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s (%v)", outcome, err)
	}
	sent := h.transport.messages()
	if len(sent) != 1 || sent[0].tags != nil {
		t.Fatalf("expected one untagged reply, got %+v", sent)
	}
	if msgs := h.thread(t, "router"); len(msgs) != 2 {
		t.Errorf("expected the turn on the sender's own thread, got %v", kinds(msgs))
	}
}
