package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/config"
	"github.com/user/nostragent/internal/relay"
)

var keysSave bool

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd, keysShowCmd)
	keysGenerateCmd.Flags().BoolVar(&keysSave, "save", false, "store the new key as nostr.private_key")
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the agent's Nostr identity",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new Nostr key pair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := relay.GenerateKeys()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "npub:   %s\n", keys.Npub())
		fmt.Fprintf(os.Stdout, "pubkey: %s\n", keys.PubKey)

		if !keysSave {
			fmt.Fprintf(os.Stdout, "nsec:   %s\n", keys.Nsec())
			return nil
		}
		loadConfig()
		if err := config.SetValue(cfgPath, "nostr.private_key", keys.Nsec()); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Fprintln(os.Stdout, "Saved nostr.private_key to", cfgPath)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the configured public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if cfg.Nostr.PrivateKey == "" {
			return fmt.Errorf("nostr.private_key is not set")
		}
		keys, err := relay.ParseKeys(cfg.Nostr.PrivateKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "npub:   %s\n", keys.Npub())
		fmt.Fprintf(os.Stdout, "pubkey: %s\n", keys.PubKey)
		return nil
	},
}
