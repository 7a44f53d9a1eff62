package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/internal/state"
	"github.com/user/clawterm/internal/types"
)

var (
	sessionShowLast int
	journalLimit    int
	journalSession  string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd, sessionClearCmd, sessionJournalCmd)
	sessionShowCmd.Flags().IntVarP(&sessionShowLast, "last", "n", 10, "number of recent messages to print")
	sessionJournalCmd.Flags().IntVarP(&journalLimit, "limit", "n", 50, "number of entries to print")
	sessionJournalCmd.Flags().StringVar(&journalSession, "session", "", "session id (defaults to the checkpointed session)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect the checkpointed session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Summarize the checkpointed session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sess, err := session.LoadCheckpoint(cfg.CheckpointPath())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("No checkpoint found.")
				return nil
			}
			return err
		}
		snap := sess.Snapshot()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Session:\t%s\n", snap.SessionID)
		fmt.Fprintf(w, "Messages:\t%d (%d since last summary)\n", len(snap.Messages), sess.SinceSummary())
		fmt.Fprintf(w, "Pruning:\t%s every %d, pinned %v\n", snap.Plan.PruningStrategy, snap.Plan.SummaryFrequency, snap.Plan.PinnedIndices)
		fmt.Fprintf(w, "Memory:\t%s\n", strings.Join(sess.MemoryKeys(), ", "))
		if err := w.Flush(); err != nil {
			return err
		}

		start := max(0, len(snap.Messages)-sessionShowLast)
		if start < len(snap.Messages) {
			fmt.Println()
		}
		for i := start; i < len(snap.Messages); i++ {
			m := snap.Messages[i]
			label := string(m.Role)
			switch {
			case m.Summary:
				label = "summary"
			case m.Role == session.RoleTool:
				label = fmt.Sprintf("tool %s %s", m.Tool, m.ToolCallID)
			}
			pin := " "
			if snap.Pinned(i) {
				pin = "*"
			}
			fmt.Printf("%s%3d [%s] %s\n", pin, i, label, oneLine(m.Content, 100))
		}
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the checkpoint so the next run starts fresh",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		path := cfg.CheckpointPath()
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No checkpoint found.")
				return nil
			}
			return fmt.Errorf("remove checkpoint: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Checkpoint %s removed.\n", path)
		return nil
	},
}

var sessionJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print recent bus events recorded for a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sid := types.SessionID(journalSession)
		if sid == "" {
			sess, err := session.LoadCheckpoint(cfg.CheckpointPath())
			if err != nil {
				return fmt.Errorf("no --session given and no checkpoint to read it from: %w", err)
			}
			sid = sess.ID()
		}

		entries, err := state.NewJournal(cfg.DataDir).Tail(context.Background(), sid, journalLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No journal entries.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tCHANNEL\tSEQ\tKIND\tTURN\tPAYLOAD")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				e.At.Format("15:04:05.000"),
				e.Channel,
				e.Seq,
				e.Kind,
				e.TurnID,
				oneLine(string(e.Payload), 80),
			)
		}
		return w.Flush()
	},
}

// oneLine flattens s to a single line of at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
