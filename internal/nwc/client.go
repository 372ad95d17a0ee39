package nwc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/nostragent/internal/relay"
	"github.com/user/nostragent/internal/types"
)

var _ types.PaymentGateway = (*Client)(nil)

// WalletError is an error object returned by the wallet service.
type WalletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WalletError) Error() string {
	return fmt.Sprintf("wallet error %s: %s", e.Code, e.Message)
}

type request struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type response struct {
	ResultType string          `json:"result_type"`
	Error      *WalletError    `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// Transaction is the invoice shape shared by make_invoice and lookup_invoice.
// Amounts are in millisatoshis.
type Transaction struct {
	Type        string `json:"type,omitempty"`
	State       string `json:"state,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
	Description string `json:"description,omitempty"`
	PaymentHash string `json:"payment_hash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	Amount      int64  `json:"amount"`
	CreatedAt   int64  `json:"created_at,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	SettledAt   *int64 `json:"settled_at,omitempty"`
}

func (t *Transaction) Settled() bool {
	return t.State == "settled" || (t.SettledAt != nil && *t.SettledAt > 0)
}

func (t *Transaction) Failed() bool {
	return t.State == "failed" || t.State == "expired"
}

type Options struct {
	// RequestTimeout bounds a single wallet round trip.
	RequestTimeout time.Duration
	// PollInterval is the lookup_invoice cadence while awaiting settlement.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type Client struct {
	uri    *URI
	keys   *relay.Keys
	pool   *relay.Pool
	opts   Options
	logger *slog.Logger
}

// New builds a client that talks to the wallet through pool, which must be
// connected to the URI's relays.
func New(uri *URI, pool *relay.Pool, opts Options) (*Client, error) {
	keys, err := relay.ParseKeys(uri.Secret)
	if err != nil {
		return nil, fmt.Errorf("nwc secret: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{uri: uri, keys: keys, pool: pool, opts: opts, logger: logger}, nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	payload, err := json.Marshal(request{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	content, err := c.keys.Encrypt(c.uri.WalletPubKey, string(payload))
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", method, err)
	}
	ev := &relay.Event{
		Kind:    relay.KindNWCRequest,
		Tags:    types.Tags{{"p", c.uri.WalletPubKey}},
		Content: content,
	}
	if err := ev.Sign(c.keys); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	events, stop := c.pool.Subscribe(ctx, relay.Filter{
		Kinds:   []int{relay.KindNWCResponse},
		Authors: []string{c.uri.WalletPubKey},
		Tags:    map[string][]string{"e": {ev.ID}},
	})
	defer stop()

	if err := c.pool.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", method, err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", method, ctx.Err())
		case reply := <-events:
			plain, err := c.keys.Decrypt(c.uri.WalletPubKey, reply.Content)
			if err != nil {
				c.logger.Warn("undecryptable wallet response", "method", method, "error", err)
				continue
			}
			var resp response
			if err := json.Unmarshal([]byte(plain), &resp); err != nil {
				return fmt.Errorf("unmarshal %s response: %w", method, err)
			}
			if resp.Error != nil && resp.Error.Code != "" {
				return resp.Error
			}
			if result != nil {
				if err := json.Unmarshal(resp.Result, result); err != nil {
					return fmt.Errorf("unmarshal %s result: %w", method, err)
				}
			}
			return nil
		}
	}
}

func (c *Client) MakeInvoice(ctx context.Context, amountSats int64, description string) (*Transaction, error) {
	var tx Transaction
	params := map[string]any{"amount": amountSats * 1000, "description": description}
	if err := c.call(ctx, "make_invoice", params, &tx); err != nil {
		return nil, err
	}
	if tx.Invoice == "" {
		return nil, errors.New("make_invoice: wallet returned no invoice")
	}
	return &tx, nil
}

func (c *Client) LookupInvoice(ctx context.Context, invoice string) (*Transaction, error) {
	var tx Transaction
	if err := c.call(ctx, "lookup_invoice", map[string]any{"invoice": invoice}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetBalance returns the wallet balance in sats.
func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var res struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "get_balance", map[string]any{}, &res); err != nil {
		return 0, err
	}
	return res.Balance / 1000, nil
}

func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (string, error) {
	tx, err := c.MakeInvoice(ctx, amountSats, memo)
	if err != nil {
		return "", err
	}
	return tx.Invoice, nil
}

// AwaitSettlement polls lookup_invoice until the invoice settles, fails or
// the timeout passes. Lookup errors are logged and retried.
func (c *Client) AwaitSettlement(ctx context.Context, invoice string, timeout time.Duration) (types.Settlement, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		tx, err := c.LookupInvoice(ctx, invoice)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return types.SettlementFailed, ctx.Err()
			}
			c.logger.Debug("lookup_invoice failed", "error", err)
		case tx.Settled():
			return types.SettlementSettled, nil
		case tx.Failed():
			return types.SettlementFailed, nil
		}

		select {
		case <-ctx.Done():
			return types.SettlementFailed, ctx.Err()
		case <-deadline.C:
			return types.SettlementTimedOut, nil
		case <-ticker.C:
		}
	}
}
