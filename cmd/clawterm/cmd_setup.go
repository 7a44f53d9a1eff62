package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/config"
	"github.com/user/clawterm/internal/safety"
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

		fmt.Println("Clawterm Setup")
		fmt.Println("Press Enter to accept the value shown in brackets.")
		fmt.Println()

		cfg.LLM.BaseURL = prompt(scanner, "LLM base URL", cfg.LLM.BaseURL)
		cfg.LLM.APIKey = prompt(scanner, "LLM API key", cfg.LLM.APIKey)
		cfg.LLM.Model = prompt(scanner, "LLM model name", cfg.LLM.Model)
		if n, err := strconv.Atoi(prompt(scanner, "Max output tokens", strconv.Itoa(cfg.LLM.MaxTokens))); err == nil {
			cfg.LLM.MaxTokens = n
		}
		cfg.LLM.Stream = yesNo(prompt(scanner, "Stream responses (y/n)", boolDefault(cfg.LLM.Stream)))
		cfg.Checkpoint.Restore = yesNo(prompt(scanner, "Resume the previous conversation on start (y/n)", boolDefault(cfg.Checkpoint.Restore)))
		cfg.Telegram.Token = prompt(scanner, "Telegram bot token (optional)", cfg.Telegram.Token)
		cfg.Tools.BraveAPIKey = prompt(scanner, "Brave API key for web_search (optional)", cfg.Tools.BraveAPIKey)

		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		policyPath := cfg.PolicyPath()
		if _, err := os.Stat(policyPath); os.IsNotExist(err) {
			data, err := safety.DefaultPolicy().Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(policyPath, data, 0o644); err != nil {
				return fmt.Errorf("write policy: %w", err)
			}
			fmt.Println("Default safety policy written to", policyPath)
		}

		fmt.Println()
		fmt.Println("Configuration saved to", cfgPath)
		return nil
	},
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

func boolDefault(b bool) string {
	if b {
		return "y"
	}
	return "n"
}

func yesNo(s string) bool {
	switch strings.ToLower(s) {
	case "y", "yes", "true":
		return true
	}
	return false
}
