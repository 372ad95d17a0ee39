package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/store"
	"github.com/user/nostragent/internal/types"
)

var (
	threadUser  string
	threadLimit int
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadShowCmd, threadCurrentCmd)
	threadShowCmd.Flags().StringVar(&threadUser, "user", "", "only show messages from this user id")
	threadShowCmd.Flags().IntVar(&threadLimit, "limit", 0, "show at most the last N messages")
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect conversation threads",
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's message log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		s, err := store.Open(ctx, cfg.Store.DSN, cfg.Agent.Name, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		filter := types.MessageFilter{Limit: threadLimit, Reverse: threadLimit > 0}
		msgs, err := s.ListMessages(ctx, types.ThreadID(args[0]), types.UserID(threadUser), filter)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		if filter.Reverse {
			slices.Reverse(msgs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDX\tTIME\tUSER\tKIND\tSATS\tMESSAGE")
		for _, m := range msgs {
			sats := "-"
			if m.Satoshis != nil {
				sats = fmt.Sprint(*m.Satoshis)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				m.Idx,
				m.CreatedAt.Format("2006-01-02 15:04:05"),
				shorten(string(m.UserID), 16),
				m.Kind,
				sats,
				shorten(strings.ReplaceAll(m.Message, "\n", " "), 60),
			)
		}
		return w.Flush()
	},
}

var threadCurrentCmd = &cobra.Command{
	Use:   "current <user-id>",
	Short: "Print a user's current thread id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		ctx := context.Background()
		s, err := store.Open(ctx, cfg.Store.DSN, cfg.Agent.Name, nil)
		if err != nil {
			return err
		}
		defer s.Close()

		thread, err := s.CurrentThread(ctx, types.UserID(args[0]))
		if err != nil {
			return err
		}
		if thread == "" {
			fmt.Println("No current thread.")
			return nil
		}
		fmt.Println(thread)
		return nil
	},
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
