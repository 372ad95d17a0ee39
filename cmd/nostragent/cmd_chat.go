package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/types"
)

var (
	chatUser   string
	chatThread string
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "user id to chat as")
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "thread id to continue (default: the user's current thread)")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent locally, without payments",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		a, err := buildApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		thread := types.ThreadID(chatThread)
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Printf("Chatting with %s as %s. Ctrl-D to quit.\n", a.card.Name, chatUser)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				fmt.Println()
				return scanner.Err()
			}
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			reply, t, err := a.runtime.Chat(ctx, types.UserID(chatUser), thread, text)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintln(os.Stderr, "error:", err)
				continue
			}
			thread = t
			fmt.Println(reply)
		}
	},
}
