package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/llmgate/internal/config"
)

var (
	configUnmask bool
	configForce  bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configListCmd, configGetCmd, configSetCmd, configKeysCmd, configPathCmd)
	configListCmd.Flags().BoolVar(&configUnmask, "unmask", false, "print secrets in full")
	configGetCmd.Flags().BoolVar(&configUnmask, "unmask", false, "print secrets in full")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "allow keys llmgate does not know")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit the config file",
}

var configListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List effective configuration values, file and environment merged",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		values, err := config.ListValues(cfg, !configUnmask)
		if err != nil {
			return fmt.Errorf("list config: %w", err)
		}
		prefix := ""
		if len(args) == 1 {
			prefix = strings.TrimSuffix(args[0], ".")
		}
		printValues(cmd.OutOrStdout(), values, prefix)
		return nil
	},
}

// printValues writes key = value lines sorted by key, keeping only keys equal
// to prefix or nested under it.
func printValues(w io.Writer, values map[string]any, prefix string) {
	keys := make([]string, 0, len(values))
	for k := range values {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+".") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, values[k])
	}
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		val, err := config.GetValue(cfgPath, args[0])
		if err != nil {
			return err
		}
		if !configUnmask && config.IsSecretKey(args[0]) {
			val = config.MaskSecrets(map[string]any{args[0]: val})[args[0]]
		}
		fmt.Fprintln(cmd.OutOrStdout(), val)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write one value to the config file",
	Long: `Write one value to the config file. Values that parse as JSON (numbers,
booleans, lists) are stored typed; anything else is stored as a string.
The file is restored if the result no longer loads.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !configForce {
			if err := config.CheckKey(key); err != nil {
				return fmt.Errorf("%w (see `llmgate config keys`, or pass --force)", err)
			}
		}
		if err := setAndVerify(cfgPath, key, value); err != nil {
			return err
		}
		display := value
		if config.IsSecretKey(key) {
			display = "***"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, display)
		return nil
	},
}

// setAndVerify applies SetValue and reloads the file, putting the previous
// contents back when the new file fails to load.
func setAndVerify(path, key, value string) error {
	prev, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read config: %w", err)
	}
	if errors.Is(err, os.ErrNotExist) {
		if err := config.Save(path, config.Default()); err != nil {
			return err
		}
	}
	if err := config.SetValue(path, key, value); err != nil {
		return err
	}
	if _, loadErr := config.Load(path); loadErr != nil {
		if prev == nil {
			os.Remove(path)
		} else if err := os.WriteFile(path, prev, 0600); err != nil {
			return fmt.Errorf("restore config after bad %s: %w", key, err)
		}
		return fmt.Errorf("config would not load with %s = %s: %w", key, value, loadErr)
	}
	return nil
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List the keys config set accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, k := range config.Keys() {
			if config.IsSecretKey(k) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (secret)\n", k)
				continue
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
		return nil
	},
}
