package context

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/pkg/llm"
)

// minKeep is the number of recent messages pruning always leaves in place.
const minKeep = 4

// PlanPruning decides whether history should shrink and how much of the
// prefix to replace. The prefix always stops before the first pinned index.
func (e *Engine) PlanPruning(snap session.ConversationContext) (upto int, ok bool) {
	plan := snap.Plan
	if plan.PruningStrategy == "" || plan.PruningStrategy == session.PruneNone {
		return 0, false
	}
	msgs := snap.Messages

	sinceSummary := 0
	for i := len(msgs) - 1; i >= 0 && !msgs[i].Summary; i-- {
		sinceSummary++
	}
	byCount := plan.SummaryFrequency > 0 && sinceSummary >= plan.SummaryFrequency
	byBudget := e.MessageTokens(msgs) > e.InputBudget()
	if !byCount && !byBudget {
		return 0, false
	}

	keep := max(minKeep, plan.SummaryFrequency/2)
	upto = len(msgs) - keep
	for _, p := range plan.PinnedIndices {
		if p < upto {
			upto = p
		}
	}
	// Replacing a lone summary with another gains nothing.
	if upto < 1 || (upto == 1 && msgs[0].Summary) {
		return 0, false
	}
	return upto, true
}

// Summarize produces the text that replaces msgs according to strategy.
func (e *Engine) Summarize(ctx context.Context, provider llm.Provider, strategy session.PruningStrategy, msgs []session.Message) (string, error) {
	switch strategy {
	case session.PruneDropOldest:
		return fmt.Sprintf("[%d earlier messages removed]", len(msgs)), nil
	case session.PruneSummarize:
		if provider == nil {
			return "", errors.New("summarize: no provider")
		}
		resp, err := provider.Complete(ctx, []llm.Message{
			{Role: "system", Content: summaryInstruction},
			{Role: "user", Content: transcript(msgs)},
		}, nil)
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		return strings.TrimSpace(resp.Content), nil
	default:
		return "", fmt.Errorf("summarize: unknown strategy %q", strategy)
	}
}

// Prune shrinks a session's history when its plan calls for it. It is
// called between turns; it reports whether anything changed.
func (e *Engine) Prune(ctx context.Context, sess *session.Session, provider llm.Provider) (bool, error) {
	snap := sess.Snapshot()
	upto, ok := e.PlanPruning(snap)
	if !ok {
		return false, nil
	}
	summary, err := e.Summarize(ctx, provider, snap.Plan.PruningStrategy, snap.Messages[:upto])
	if err != nil {
		return false, err
	}
	res, err := sess.ApplyPruning(session.PrunePlan{Upto: upto, Summary: summary, Generation: snap.Generation})
	if errors.Is(err, session.ErrStalePlan) {
		slog.Debug("pruning plan discarded", "session_id", sess.ID(), "error", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("apply pruning: %w", err)
	}
	slog.Info("session pruned",
		"session_id", sess.ID(),
		"strategy", snap.Plan.PruningStrategy,
		"removed", res.Removed,
	)
	return true, nil
}

const summaryInstruction = `Summarize the conversation transcript below for your own later reference. Keep decisions, facts learned from tools, file paths and open tasks. Drop pleasantries. Answer with the summary only.`

func transcript(msgs []session.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch {
		case m.Summary:
			fmt.Fprintf(&b, "[earlier summary]\n%s\n\n", m.Content)
		case m.Role == session.RoleTool:
			fmt.Fprintf(&b, "[tool %s %s]\n%s\n\n", m.Tool, m.ToolCallID, m.Content)
		default:
			fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
		}
	}
	return b.String()
}
