package main

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/user/nostragent/internal/config"
)

func init() {
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print every setting, secrets masked",
			Args:  cobra.NoArgs,
			RunE:  runConfigList,
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one setting by dotted key",
			Args:  cobra.ExactArgs(1),
			RunE:  runConfigGet,
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one setting by dotted key",
			Long: `Change one setting by dotted key, e.g. "agent.satoshis 21".
The value is read as JSON when it parses, otherwise as a string. List
settings such as nostr.relays also take a comma separated value.`,
			Args: cobra.ExactArgs(2),
			RunE: runConfigSet,
		},
	)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
}

func runConfigList(cmd *cobra.Command, _ []string) error {
	values, err := config.ListValues(loadConfig(), true)
	if err != nil {
		return fmt.Errorf("list config: %w", err)
	}
	out := cmd.OutOrStdout()
	for _, key := range slices.Sorted(maps.Keys(values)) {
		fmt.Fprintf(out, "%s = %v\n", key, values[key])
	}
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	val, err := config.GetValue(cfgPath, args[0])
	if err != nil {
		return err
	}
	if config.IsSecretKey(args[0]) {
		val = config.MaskSecrets(map[string]any{args[0]: val})[args[0]]
	}
	fmt.Fprintln(cmd.OutOrStdout(), val)
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	loadConfig() // writes defaults on first use
	if err := config.SetValue(cfgPath, key, value); err != nil {
		return err
	}
	if config.IsSecretKey(key) {
		value = "***"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, value)
	return nil
}
