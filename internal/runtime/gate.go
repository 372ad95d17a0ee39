package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/nostragent/internal/telemetry"
	"github.com/user/nostragent/internal/types"
)

const DefaultSettlementTimeout = 900 * time.Second

// Charge is one chargeable unit: the base price of a turn or one
// requires_payment chunk.
type Charge struct {
	Payer  types.UserID
	Amount int64
	// Note is shown above the invoice.
	Note string
	// Reply tags are attached to the invoice message.
	Reply types.Tags
}

type Method string

const (
	MethodFree    Method = "free"
	MethodBalance Method = "balance"
	MethodInvoice Method = "invoice"
	MethodDenied  Method = "denied"
)

type Decision struct {
	Authorized bool
	Method     Method
	Invoice    string
}

type GateOptions struct {
	Timeout time.Duration
	// Memo is the invoice description.
	Memo    string
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Gate authorizes charges against the payer's ledger, falling back to a
// pay-per-use invoice. A settled invoice pays for the unit only; it is never
// credited to the standing balance.
type Gate struct {
	store     types.SessionStore
	payments  types.PaymentGateway
	transport types.Transport
	timeout   time.Duration
	memo      string
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewGate(store types.SessionStore, payments types.PaymentGateway, transport types.Transport, opts GateOptions) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultSettlementTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gate{
		store:     store,
		payments:  payments,
		transport: transport,
		timeout:   opts.Timeout,
		memo:      opts.Memo,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// Authorize returns an error only when the ledger itself fails. Payment
// gateway and delivery failures are denials.
func (g *Gate) Authorize(ctx context.Context, c Charge) (Decision, error) {
	if c.Amount <= 0 {
		g.metrics.Payment(ctx, string(MethodFree), 0)
		return Decision{Authorized: true, Method: MethodFree}, nil
	}

	ok, err := g.store.Debit(ctx, c.Payer, c.Amount)
	if err != nil {
		return Decision{}, fmt.Errorf("debit %s: %w", c.Payer, err)
	}
	if ok {
		g.logger.Info("charge debited", "payer", c.Payer, "sats", c.Amount)
		g.metrics.Payment(ctx, string(MethodBalance), c.Amount)
		return Decision{Authorized: true, Method: MethodBalance}, nil
	}

	return g.invoice(ctx, c), nil
}

func (g *Gate) invoice(ctx context.Context, c Charge) Decision {
	log := g.logger.With("payer", c.Payer, "sats", c.Amount)
	denied := Decision{Method: MethodDenied}

	if g.payments == nil {
		log.Info("insufficient balance and no payment gateway")
		g.metrics.Payment(ctx, string(MethodDenied), 0)
		return denied
	}

	invoice, err := g.payments.CreateInvoice(ctx, c.Amount, g.memo)
	if err != nil {
		log.Error("create invoice", "error", err)
		g.metrics.Payment(ctx, string(MethodDenied), 0)
		return denied
	}
	denied.Invoice = invoice

	if err := g.transport.SendDirectMessage(ctx, string(c.Payer), invoicePrompt(c.Note, c.Amount, invoice), c.Reply); err != nil {
		log.Error("send invoice", "error", err)
		g.metrics.Payment(ctx, string(MethodDenied), 0)
		return denied
	}

	start := time.Now()
	result, err := g.payments.AwaitSettlement(ctx, invoice, g.timeout)
	if err != nil {
		log.Error("await settlement", "error", err)
		result = types.SettlementFailed
	}
	g.metrics.SettlementWait(ctx, time.Since(start), string(result))

	if result != types.SettlementSettled {
		log.Info("invoice not settled", "result", result)
		g.metrics.Payment(ctx, string(MethodDenied), 0)
		return denied
	}
	log.Info("invoice settled")
	g.metrics.Payment(ctx, string(MethodInvoice), c.Amount)
	return Decision{Authorized: true, Method: MethodInvoice, Invoice: invoice}
}

func invoicePrompt(note string, sats int64, invoice string) string {
	pay := fmt.Sprintf("Please pay %d sats: %s", sats, invoice)
	if note == "" {
		return pay
	}
	return note + "\n\n" + pay
}
