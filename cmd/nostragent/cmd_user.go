package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/relay"
	"github.com/user/nostragent/internal/store"
	"github.com/user/nostragent/internal/types"
)

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userShowCmd, userCreditCmd)
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect and top up user balances",
}

// userID accepts an npub for direct users and passes anything else through,
// so delegated ids ("pubkey:sub") and telegram ids work as typed.
func userID(arg string) types.UserID {
	if pub, err := relay.DecodePubKey(arg); err == nil {
		return types.UserID(pub)
	}
	return types.UserID(arg)
}

var userShowCmd = &cobra.Command{
	Use:   "show <user-id|npub>",
	Short: "Show a user's balance and current thread",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		s, err := store.Open(ctx, cfg.Store.DSN, cfg.Agent.Name, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		u, err := s.GetUser(ctx, userID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "user:    %s\n", u.UserID)
		fmt.Fprintf(os.Stdout, "balance: %d sats\n", u.AvailableBalance)
		fmt.Fprintf(os.Stdout, "thread:  %s\n", u.CurrentThreadID)
		return nil
	},
}

var userCreditCmd = &cobra.Command{
	Use:   "credit <user-id|npub> <sats>",
	Short: "Add sats to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || amount <= 0 {
			return fmt.Errorf("invalid amount %q", args[1])
		}

		cfg := loadConfig()
		ctx := context.Background()
		s, err := store.Open(ctx, cfg.Store.DSN, cfg.Agent.Name, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		id := userID(args[0])
		balance, err := s.Credit(ctx, id, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Credited %d sats to %s. Balance: %d sats.\n", amount, id, balance)
		return nil
	},
}
