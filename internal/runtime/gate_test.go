package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/nostragent/internal/state"
	"github.com/user/nostragent/internal/types"
)

func newGate(t *testing.T, pay types.PaymentGateway) (*Gate, *state.Store, *fakeTransport) {
	t.Helper()
	store := state.NewStore(t.TempDir(), "tester")
	tr := &fakeTransport{}
	return NewGate(store, pay, tr, GateOptions{Timeout: time.Second}), store, tr
}

func TestGateFreeShortCircuits(t *testing.T) {
	pay := &fakePayments{}
	g, store, tr := newGate(t, pay)

	d, err := g.Authorize(context.Background(), Charge{Payer: "alice", Amount: 0})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Authorized || d.Method != MethodFree {
		t.Errorf("expected free authorization, got %+v", d)
	}
	if pay.count() != 0 || len(tr.messages()) != 0 {
		t.Error("free charge must not invoice or message")
	}
	users, _ := store.Users.List(context.Background())
	if len(users) != 0 {
		t.Errorf("free charge must not touch the ledger, found %d users", len(users))
	}
}

func TestGateDebitsExactBalance(t *testing.T) {
	g, store, _ := newGate(t, &fakePayments{})
	ctx := context.Background()
	store.Credit(ctx, "alice", 3)

	d, err := g.Authorize(ctx, Charge{Payer: "alice", Amount: 3})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Authorized || d.Method != MethodBalance {
		t.Errorf("expected balance authorization, got %+v", d)
	}
	u, _ := store.GetUser(ctx, "alice")
	if u.AvailableBalance != 0 {
		t.Errorf("expected balance 0, got %d", u.AvailableBalance)
	}
}

func TestGateInvoicePromptCarriesTags(t *testing.T) {
	g, _, tr := newGate(t, &fakePayments{})
	tags := types.DelegationTags("bob", "th")

	d, err := g.Authorize(context.Background(), Charge{Payer: "alice", Amount: 7, Note: "Running search", Reply: tags})
	if err != nil {
		t.Fatal(err)
	}
	if !d.Authorized || d.Method != MethodInvoice || d.Invoice == "" {
		t.Errorf("expected invoice authorization, got %+v", d)
	}
	sent := tr.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one invoice message, got %d", len(sent))
	}
	want := "Running search\n\nPlease pay 7 sats: " + d.Invoice
	if sent[0].text != want {
		t.Errorf("expected %q, got %q", want, sent[0].text)
	}
	if _, _, ok := sent[0].tags.Delegation(); !ok {
		t.Error("expected reply tags on invoice message")
	}
}

func TestGateDenials(t *testing.T) {
	tests := []struct {
		name string
		pay  types.PaymentGateway
	}{
		{"no gateway", nil},
		{"create fails", &fakePayments{createErr: errors.New("wallet offline")}},
		{"settlement failed", &fakePayments{result: types.SettlementFailed}},
		{"timed out", &fakePayments{result: types.SettlementTimedOut}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, store, _ := newGate(t, tt.pay)
			ctx := context.Background()
			store.Credit(ctx, "alice", 2)

			d, err := g.Authorize(ctx, Charge{Payer: "alice", Amount: 5})
			if err != nil {
				t.Fatal(err)
			}
			if d.Authorized {
				t.Fatal("expected denial")
			}
			u, _ := store.GetUser(ctx, "alice")
			if u.AvailableBalance != 2 {
				t.Errorf("denial must leave balance alone, got %d", u.AvailableBalance)
			}
		})
	}
}

func TestGateSendFailureDenies(t *testing.T) {
	g, _, tr := newGate(t, &fakePayments{})
	tr.onSend = func(string, string) error { return errors.New("relay down") }

	d, err := g.Authorize(context.Background(), Charge{Payer: "alice", Amount: 5})
	if err != nil {
		t.Fatal(err)
	}
	if d.Authorized {
		t.Error("an invoice the payer never saw must not authorize")
	}
}
