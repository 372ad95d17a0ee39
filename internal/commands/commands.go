// Package commands answers "!" messages: ledger queries, deposits and thread
// control. Commands never reach the agent.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/user/nostragent/internal/types"
)

// Handler runs one command. args excludes the command name.
type Handler func(ctx context.Context, sender string, args []string) (string, error)

type command struct {
	usage   string
	help    string
	handler Handler
}

type Options struct {
	// DepositTimeout bounds how long a deposit invoice is watched.
	DepositTimeout time.Duration
	Logger         *slog.Logger
}

type Commands struct {
	store     types.SessionStore
	payments  types.PaymentGateway
	transport types.Transport
	card      *types.AgentCard
	timeout   time.Duration
	logger    *slog.Logger
	commands  map[string]command

	// base scopes deposit watchers; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store types.SessionStore, payments types.PaymentGateway, transport types.Transport, card *types.AgentCard, opts Options) *Commands {
	if opts.DepositTimeout <= 0 {
		opts.DepositTimeout = 15 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	c := &Commands{
		base:      base,
		cancel:    cancel,
		store:     store,
		payments:  payments,
		transport: transport,
		card:      card,
		timeout:   opts.DepositTimeout,
		logger:    opts.Logger,
		commands:  make(map[string]command),
	}
	c.Register("help", "!help", "Show this message", c.help)
	c.Register("describe", "!describe", "Show this agent's card", c.describe)
	c.Register("balance", "!balance", "Show your balance in sats", c.balance)
	c.Register("deposit", "!deposit <sats>", "Add sats to your balance", c.deposit)
	c.Register("new", "!new", "Start a new conversation", c.newThread)
	return c
}

// Register adds or replaces a command.
func (c *Commands) Register(name, usage, help string, h Handler) {
	c.commands[strings.ToLower(name)] = command{usage: usage, help: help, handler: h}
}

// Run dispatches text such as "!deposit 100". Unknown commands get the help
// text.
func (c *Commands) Run(ctx context.Context, sender, text string) (string, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(text), "!"))
	if len(fields) == 0 {
		return c.help(ctx, sender, nil)
	}
	cmd, ok := c.commands[strings.ToLower(fields[0])]
	if !ok {
		return c.help(ctx, sender, nil)
	}
	return cmd.handler(ctx, sender, fields[1:])
}

// Wait blocks until background deposit watchers finish.
func (c *Commands) Wait() {
	c.wg.Wait()
}

// Close stops deposit watchers and waits for them to return. Deposits asked
// for afterwards are refused.
func (c *Commands) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// track registers a watcher unless Close has run.
func (c *Commands) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Commands) help(context.Context, string, []string) (string, error) {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	for _, name := range names {
		cmd := c.commands[name]
		fmt.Fprintf(&sb, "%s - %s\n", cmd.usage, cmd.help)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (c *Commands) describe(context.Context, string, []string) (string, error) {
	data, err := json.MarshalIndent(c.card, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal card: %w", err)
	}
	return string(data), nil
}

func (c *Commands) balance(ctx context.Context, sender string, _ []string) (string, error) {
	u, err := c.store.GetUser(ctx, types.UserID(sender))
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	return fmt.Sprintf("Your balance is %d sats.", u.AvailableBalance), nil
}

func (c *Commands) newThread(ctx context.Context, sender string, _ []string) (string, error) {
	if err := c.store.SetCurrentThread(ctx, types.UserID(sender), types.NewThreadID()); err != nil {
		return "", fmt.Errorf("set thread: %w", err)
	}
	return "Started a new conversation.", nil
}

func (c *Commands) deposit(ctx context.Context, sender string, args []string) (string, error) {
	if c.payments == nil {
		return "Deposits are not available.", nil
	}
	if len(args) != 1 {
		return "Usage: !deposit <sats>", nil
	}
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || amount <= 0 {
		return "Usage: !deposit <sats>", nil
	}

	if !c.track() {
		return "Deposits are not available.", nil
	}
	invoice, err := c.payments.CreateInvoice(ctx, amount, fmt.Sprintf("Deposit to %s", c.card.Name))
	if err != nil {
		c.wg.Done()
		return "", fmt.Errorf("create deposit invoice: %w", err)
	}

	go c.watchDeposit(c.base, sender, invoice, amount)

	return fmt.Sprintf("Please pay %d sats to deposit: %s", amount, invoice), nil
}

// watchDeposit credits the sender once the invoice settles.
func (c *Commands) watchDeposit(ctx context.Context, sender, invoice string, amount int64) {
	defer c.wg.Done()
	log := c.logger.With("sender", sender, "sats", amount)

	result, err := c.payments.AwaitSettlement(ctx, invoice, c.timeout)
	if errors.Is(err, context.Canceled) {
		log.Warn("deposit watch stopped before settlement", "invoice", invoice)
		return
	}
	if err != nil {
		log.Error("await deposit", "error", err)
		return
	}
	if result != types.SettlementSettled {
		log.Info("deposit not settled", "result", result)
		return
	}

	balance, err := c.store.Credit(ctx, types.UserID(sender), amount)
	if err != nil {
		log.Error("credit deposit", "error", err)
		return
	}
	log.Info("deposit credited", "balance", balance)

	msg := fmt.Sprintf("Deposit received. Your balance is %d sats.", balance)
	if err := c.transport.SendDirectMessage(ctx, sender, msg, nil); err != nil {
		log.Warn("send deposit confirmation", "error", err)
	}
}
