package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/bus"
)

var (
	runApprove bool
	runStream  bool
	runVerbose bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVarP(&runApprove, "yes", "y", false, "approve every tool confirmation")
	runCmd.Flags().BoolVar(&runStream, "stream", false, "stream model output as it arrives")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "show every tool step")
}

var runCmd = &cobra.Command{
	Use:   "run <prompt...>",
	Short: "Run a single turn and print the answer",
	Long: `Run sends one message, prints the final answer and exits. Tool calls
that need confirmation are denied unless --yes is given. The exit status is
non-zero when the turn fails, is cancelled, or hits the step limit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOnce,
}

func runOnce(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	closeLog := setupLogging(cfg, true)
	defer closeLog()

	a, err := newApp(cfg, appOptions{stream: runStream})
	if err != nil {
		return err
	}
	con := newConsole(os.Stdout, runVerbose)
	if err := a.bus.RegisterHandler(bus.ChannelModel, con.handle); err != nil {
		return err
	}
	// Answer confirmations without a human.
	if err := a.bus.RegisterHandler(bus.ChannelModel, func(ctx context.Context, env bus.Envelope) error {
		st, ok := env.Event.(bus.ToolStatus)
		if !ok || st.Phase != bus.PhaseAwaitingConfirmation {
			return nil
		}
		return a.bus.Send(ctx, bus.ConfirmToolExecution{RequestID: st.RequestID, Approved: runApprove})
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.start(ctx); err != nil {
		return err
	}
	defer a.close()

	if err := a.runtime.Submit(ctx, strings.Join(args, " ")); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			_ = a.bus.Send(ctx, bus.Cancel{})
		case done := <-con.done:
			if done.Reason != bus.ReasonCompleted {
				return fmt.Errorf("turn %s", done.Reason)
			}
			return nil
		}
	}
}
