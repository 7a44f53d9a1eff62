package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "clawterm",
	Short: "Terminal LLM assistant with tool calling",
	Long: `Clawterm runs an LLM conversation in the terminal. The model can call
tools (shell, files, search, web) under a safety policy, and every step
travels over an internal event bus that chat, Telegram and HTTP front-ends
share.`,
	SilenceUsage: true,
	// Bare invocation starts an interactive chat.
	RunE: runChat,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".clawterm", "config.json"), "config file path")
}

// loadConfig loads the config or exits; every subcommand needs it.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging installs the default slog handler. Interactive commands log
// to a file under the data dir so output does not interleave with the chat.
func setupLogging(cfg *config.Config, interactive bool) func() {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := os.Stderr
	closeFn := func() {}
	if interactive {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err == nil {
			f, err := os.OpenFile(filepath.Join(cfg.DataDir, "clawterm.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				out = f
				closeFn = func() { f.Close() }
			}
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))
	return closeFn
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
