package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/control"
	"github.com/user/clawterm/internal/telegram"
	"github.com/user/clawterm/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session headless behind Telegram and/or HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(path string) error {
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg, false)

	if cfg.Telegram.Token == "" && !cfg.HTTP.Enabled {
		return errors.New("nothing to serve: set telegram.token or http.enabled")
	}

	a, err := newApp(cfg, appOptions{})
	if err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telegram adapter
	var adapter *telegram.Adapter
	if cfg.Telegram.Token != "" {
		var journal types.Journal
		if a.journal != nil {
			journal = a.journal
		}
		adapter, err = telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, a.bus, journal, a.session.ID())
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		if err := adapter.Register(); err != nil {
			return err
		}
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.close()

	if adapter != nil {
		go adapter.Start(ctx)
		slog.Info("telegram adapter started", "chat_id", cfg.Telegram.ChatID)
	}

	// Control HTTP server
	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		var journal types.Journal
		if a.journal != nil {
			journal = a.journal
		}
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           control.NewServer(a.bus, a.runtime, a.session.ID(), journal, a.artifacts),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("control server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("control server error", "error", err)
				cancel()
			}
		}()
	}

	slog.Info("clawterm serving",
		"data_dir", cfg.DataDir,
		"session_id", a.session.ID(),
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	a.runtime.OnQuit(cancel)

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			shutdownHTTP(httpServer)
			return nil
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Stop cleanly so the checkpoint is written before re-exec.
				shutdownHTTP(httpServer)
				cancel()
				a.close()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					return fmt.Errorf("re-exec: %w", err)
				}
			}
			slog.Info("shutting down", "signal", sig)
			shutdownHTTP(httpServer)
			return nil
		}
	}
}

func shutdownHTTP(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Warn("control server shutdown", "error", err)
	}
}
