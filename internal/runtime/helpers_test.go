package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/nostragent/internal/agent"
	"github.com/user/nostragent/internal/state"
	"github.com/user/nostragent/internal/types"
)

type sentMessage struct {
	to   string
	text string
	tags types.Tags
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentMessage
	onSend func(to, text string) error
}

func (f *fakeTransport) Listen(ctx context.Context, _ types.InboundHandler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) SendDirectMessage(_ context.Context, to, text string, tags types.Tags) error {
	if f.onSend != nil {
		if err := f.onSend(to, text); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to, text, tags})
	return nil
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakePayments struct {
	mu        sync.Mutex
	invoices  []int64
	result    types.Settlement
	createErr error
}

func (f *fakePayments) CreateInvoice(_ context.Context, sats int64, _ string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, sats)
	return "lnbc" + string(rune('a'+len(f.invoices))), nil
}

func (f *fakePayments) AwaitSettlement(_ context.Context, _ string, _ time.Duration) (types.Settlement, error) {
	if f.result == "" {
		return types.SettlementSettled, nil
	}
	return f.result, nil
}

func (f *fakePayments) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invoices)
}

type harness struct {
	store     *state.Store
	transport *fakeTransport
	payments  *fakePayments
	rt        *Runtime
}

func newHarness(t *testing.T, price int64, ag agent.Agent, opts Options) *harness {
	t.Helper()
	store := state.NewStore(t.TempDir(), "tester")
	tr := &fakeTransport{}
	pay := &fakePayments{}
	gate := NewGate(store, pay, tr, GateOptions{Timeout: time.Second, Memo: "Payment to tester"})
	card := &types.AgentCard{Name: "tester", Satoshis: types.Satoshis(price)}
	return &harness{
		store:     store,
		transport: tr,
		payments:  pay,
		rt:        New(store, ag, tr, gate, card, opts),
	}
}

func (h *harness) run(t *testing.T, sender, text string, tags types.Tags) (Outcome, error) {
	t.Helper()
	return h.rt.Run(context.Background(), types.NewTurnID(), &types.InboundMessage{
		ID:     string(types.NewTurnID()),
		Sender: sender,
		Text:   text,
		Tags:   tags,
	})
}

func (h *harness) thread(t *testing.T, user types.UserID) []*types.Message {
	t.Helper()
	ctx := context.Background()
	thread, err := h.store.CurrentThread(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := h.store.ListMessages(ctx, thread, user, types.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func (h *harness) balance(t *testing.T, user types.UserID) int64 {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return u.AvailableBalance
}

func kinds(msgs []*types.Message) []types.Kind {
	out := make([]types.Kind, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind
	}
	return out
}

func sameKinds(a, b []types.Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func reply(text string) agent.Agent {
	return agent.TextFunc(func(context.Context, string) (string, error) { return text, nil })
}

var errBoom = errors.New("boom: secret stack trace")
