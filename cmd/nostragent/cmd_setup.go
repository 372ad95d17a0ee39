package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/config"
	"github.com/user/nostragent/internal/nwc"
	"github.com/user/nostragent/internal/relay"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Walk through the settings needed to serve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig()
			w := newWizard(cmd.InOrStdin(), cmd.OutOrStdout())
			if err := w.run(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(w.out, "\nWrote %s\n", cfgPath)
			return nil
		},
	})
}

// wizard asks one question per line; an empty answer keeps the current value.
type wizard struct {
	in  *bufio.Scanner
	out io.Writer
}

func newWizard(in io.Reader, out io.Writer) *wizard {
	return &wizard{in: bufio.NewScanner(in), out: out}
}

func (w *wizard) ask(label, current string) string {
	if current == "" {
		fmt.Fprintf(w.out, "%s: ", label)
	} else {
		fmt.Fprintf(w.out, "%s [%s]: ", label, current)
	}
	if !w.in.Scan() {
		return current
	}
	if answer := strings.TrimSpace(w.in.Text()); answer != "" {
		return answer
	}
	return current
}

func (w *wizard) run(cfg *config.Config) error {
	fmt.Fprintln(w.out, "Empty answers keep the value in brackets.")

	cfg.Agent.Name = w.ask("Agent name", cfg.Agent.Name)
	cfg.Agent.Description = w.ask("What the agent does", cfg.Agent.Description)
	sats := w.ask("Sats charged per message (0 = free)", strconv.FormatInt(cfg.Agent.Satoshis, 10))
	n, err := strconv.ParseInt(sats, 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("price must be a non-negative integer, got %q", sats)
	}
	cfg.Agent.Satoshis = n

	key := w.ask("Nostr secret key, nsec or hex (empty generates one)", cfg.Nostr.PrivateKey)
	if key == "" {
		keys, err := relay.GenerateKeys()
		if err != nil {
			return err
		}
		key = keys.Nsec()
		fmt.Fprintf(w.out, "New identity %s\n", keys.Npub())
	} else if _, err := relay.ParseKeys(key); err != nil {
		return fmt.Errorf("nostr key: %w", err)
	}
	cfg.Nostr.PrivateKey = key
	cfg.Nostr.Relays = splitList(w.ask("Relay URLs, comma separated", strings.Join(cfg.Nostr.Relays, ",")))

	if uri := w.ask("Wallet connect URI (nostr+walletconnect://, optional)", cfg.Nostr.NWC); uri != "" {
		if _, err := nwc.ParseURI(uri); err != nil {
			return fmt.Errorf("wallet connect uri: %w", err)
		}
		cfg.Nostr.NWC = uri
	}
	cfg.Store.DSN = w.ask("Store DSN (file://, sqlite://, postgres://)", cfg.Store.DSN)

	cfg.LLM.BaseURL = w.ask("OpenAI-compatible base URL", cfg.LLM.BaseURL)
	cfg.LLM.APIKey = w.ask("API key for that endpoint", cfg.LLM.APIKey)
	cfg.LLM.Model = w.ask("Model", cfg.LLM.Model)
	cfg.Brave.APIKey = w.ask("Brave Search key (optional, enables web search)", cfg.Brave.APIKey)
	cfg.Telegram.Token = w.ask("Telegram bot token (optional)", cfg.Telegram.Token)
	return nil
}

func splitList(s string) []string {
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
