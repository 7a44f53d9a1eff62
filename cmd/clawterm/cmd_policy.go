package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/safety"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd, policyInitCmd, policyCheckCmd)
	policyCheckCmd.AddCommand(policyCheckPathCmd, policyCheckCommandCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the tool safety policy",
}

func loadPolicy() (*safety.Policy, string, error) {
	cfg := loadConfig()
	path := cfg.PolicyPath()
	p, err := safety.Load(path)
	return p, path, err
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective policy as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, path, err := loadPolicy()
		if err != nil {
			return err
		}
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("# %s not found; built-in default policy\n", path)
		} else {
			fmt.Printf("# %s\n", path)
		}
		fmt.Print(string(data))
		return nil
	},
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default policy file if none exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		path := cfg.PolicyPath()
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("policy %s already exists", path)
		}
		data, err := safety.DefaultPolicy().Marshal()
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write policy: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Wrote %s.\n", path)
		return nil
	},
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check a path or command against the policy",
}

var policyCheckPathCmd = &cobra.Command{
	Use:   "path <path>",
	Short: "Check whether tools may touch a path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := loadPolicy()
		if err != nil {
			return err
		}
		return report(p.CheckPath(args[0]), args[0])
	},
}

var policyCheckCommandCmd = &cobra.Command{
	Use:   "command <command line>",
	Short: "Check whether the shell tool may run a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := loadPolicy()
		if err != nil {
			return err
		}
		if err := report(p.CheckCommand(args[0]), args[0]); err != nil {
			return err
		}
		if p.NeedsConfirmation(safety.RiskHigh) {
			fmt.Println("shell is high risk: confirmation required")
		}
		return nil
	},
}

func report(err error, subject string) error {
	if err != nil {
		if safety.IsViolation(err, "") {
			fmt.Printf("denied: %v\n", err)
			os.Exit(2)
		}
		return err
	}
	fmt.Printf("allowed: %s\n", subject)
	return nil
}
