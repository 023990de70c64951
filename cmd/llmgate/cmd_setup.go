package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/user/llmgate/internal/config"
	"github.com/user/llmgate/pkg/llm"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		scanner := bufio.NewScanner(os.Stdin)

		fmt.Println("llmgate setup")
		fmt.Println("Press Enter to accept the default value shown in brackets.")
		fmt.Println()

		vendor := prompt(scanner, "Default vendor (anthropic, openai, google)", cfg.DefaultVendor)
		if _, err := llm.ParseVendor(vendor); err != nil {
			return err
		}
		cfg.DefaultVendor = vendor

		for _, v := range llm.Vendors {
			vc := cfg.Vendor(string(v))
			fmt.Printf("\n[%s]\n", v)
			vc.Model = prompt(scanner, "Model", vc.Model)
			vc.APIKey = prompt(scanner, "API key (optional; OAuth via 'llmgate auth url')", vc.APIKey)
			maxTokensStr := prompt(scanner, "Max output tokens", strconv.Itoa(vc.MaxTokens))
			if n, err := strconv.Atoi(maxTokensStr); err == nil {
				vc.MaxTokens = n
			}
		}
		fmt.Println()

		cfg.CredentialStore.Driver = prompt(scanner, "Credential store (file or sqlite)", cfg.CredentialStore.Driver)
		enableHTTP := prompt(scanner, "Enable HTTP API (yes/no)", yesNo(cfg.HTTP.Enabled))
		cfg.HTTP.Enabled = strings.HasPrefix(strings.ToLower(enableHTTP), "y")
		if cfg.HTTP.Enabled {
			cfg.HTTP.Listen = prompt(scanner, "HTTP listen address", cfg.HTTP.Listen)
		}

		// Telegram bot token (optional)
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned.
func prompt(scanner *bufio.Scanner, label, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", label, defaultVal)
	} else {
		fmt.Printf("%s: ", label)
	}
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}
