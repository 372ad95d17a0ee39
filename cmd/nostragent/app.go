package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/user/nostragent/internal/agent/llmagent"
	"github.com/user/nostragent/internal/agent/tools"
	"github.com/user/nostragent/internal/commands"
	"github.com/user/nostragent/internal/config"
	ctxengine "github.com/user/nostragent/internal/context"
	"github.com/user/nostragent/internal/gateway"
	"github.com/user/nostragent/internal/lock"
	"github.com/user/nostragent/internal/nwc"
	"github.com/user/nostragent/internal/pricing"
	"github.com/user/nostragent/internal/relay"
	"github.com/user/nostragent/internal/runtime"
	"github.com/user/nostragent/internal/store"
	"github.com/user/nostragent/internal/telegram"
	"github.com/user/nostragent/internal/telemetry"
	"github.com/user/nostragent/internal/types"
	"github.com/user/nostragent/pkg/llm"
	"github.com/user/nostragent/pkg/llm/openai"
)

// app holds every wired component. Fields are nil when the matching
// config section is empty.
type app struct {
	cfg      *config.Config
	store    types.SessionStore
	card     *types.AgentCard
	keys     *relay.Keys
	nostr    *relay.Transport
	mux      *gateway.Mux
	payments types.PaymentGateway
	metrics  *telemetry.Metrics
	runtime  *runtime.Runtime
	commands *commands.Commands
	gateway  *gateway.Gateway

	closers []func() error
}

// buildApp wires the components described by cfg. Relay pools are started
// with ctx. When requireNostr is set a private key must be configured.
func buildApp(ctx context.Context, cfg *config.Config, requireNostr bool) (*app, error) {
	a := &app{cfg: cfg}
	logger := slog.Default()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.Open(ctx, cfg.Store.DSN, cfg.Agent.Name, logger)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Context engine
	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	if cfg.LLM.SystemPromptPath != "" {
		text, err := os.ReadFile(cfg.LLM.SystemPromptPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		if err := engine.SetTemplate(string(text)); err != nil {
			a.Close()
			return nil, err
		}
	}

	// Tool registry
	registry := tools.NewRegistry()
	registry.Register(tools.NewReadURL(0), cfg.Agent.ToolPrices["read_url"])
	if cfg.Brave.APIKey != "" {
		registry.Register(tools.NewBraveSearch(cfg.Brave.APIKey, ""), cfg.Agent.ToolPrices["brave_search"])
	}

	a.card = &types.AgentCard{
		Name:        cfg.Agent.Name,
		Description: cfg.Agent.Description,
		Skills:      registry.Skills(),
		NostrRelays: cfg.Nostr.Relays,
	}
	if cfg.Agent.Satoshis > 0 {
		a.card.Satoshis = types.Satoshis(cfg.Agent.Satoshis)
	}

	// Nostr transport
	a.mux = gateway.NewMux(nil)
	if cfg.Nostr.PrivateKey != "" {
		keys, err := relay.ParseKeys(cfg.Nostr.PrivateKey)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.keys = keys
		a.card.NostrPubKey = keys.PubKey

		pool := relay.NewPool(cfg.Nostr.Relays, relay.DefaultRetryPolicy(), logger)
		pool.Start(ctx)
		a.nostr = relay.NewTransport(keys, pool, relay.Profile{
			Picture: cfg.Agent.Picture,
			Website: cfg.Agent.Website,
		}, logger)
		a.mux = gateway.NewMux(a.nostr)
	} else if requireNostr {
		a.Close()
		return nil, errors.New("nostr.private_key is not set (run `nostragent keys generate --save`)")
	}

	if cfg.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Telegram.Token, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create telegram transport: %w", err)
		}
		a.mux.Handle(telegram.Prefix, tg)
	}

	// Wallet
	if cfg.Nostr.NWC != "" {
		uri, err := nwc.ParseURI(cfg.Nostr.NWC)
		if err != nil {
			a.Close()
			return nil, err
		}
		walletPool := relay.NewPool(uri.Relays, relay.DefaultRetryPolicy(), logger)
		walletPool.Start(ctx)
		client, err := nwc.New(uri, walletPool, nwc.Options{Logger: logger})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.payments = client
	} else {
		slog.Warn("no wallet configured, priced turns are only payable from balance")
	}

	a.metrics, err = telemetry.NewMetrics()
	if err != nil {
		a.Close()
		return nil, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rl, err := lock.NewRedis(ctx, lock.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
	}

	memo := fmt.Sprintf("Payment to %s", cfg.Agent.Name)
	gate := runtime.NewGate(a.store, a.payments, a.mux, runtime.GateOptions{
		Timeout: time.Duration(cfg.Nostr.SettlementTimeout) * time.Second,
		Memo:    memo,
		Metrics: a.metrics,
		Logger:  logger,
	})

	opts := runtime.Options{
		Locker:       locker,
		HistoryLimit: cfg.HistoryLimit,
		Metrics:      a.metrics,
		Logger:       logger,
	}
	switch cfg.Agent.Pricing {
	case "llm":
		opts.Pricer = pricing.NewLLM(provider, logger)
	case "static", "":
	default:
		a.Close()
		return nil, fmt.Errorf("unknown agent.pricing %q", cfg.Agent.Pricing)
	}

	ag := llmagent.New(provider, engine, registry, a.card, cfg.MaxToolRounds, logger)
	a.runtime = runtime.New(a.store, ag, a.mux, gate, a.card, opts)

	a.commands = commands.New(a.store, a.payments, a.mux, a.card, commands.Options{Logger: logger})
	a.gateway = gateway.New(a.mux, a.commands, gateway.Options{
		MaxConcurrent: int64(cfg.MaxConcurrent),
		LaneSize:      cfg.LaneSize,
		Delegators:    cfg.Delegators,
		Logger:        logger,
	})
	a.gateway.Queue.SetProcessor(a.runtime.ProcessTurn)
	return a, nil
}

// Close stops deposit watchers and closes stores and locks.
func (a *app) Close() {
	if a.commands != nil {
		a.commands.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
