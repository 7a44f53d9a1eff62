package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/internal/types"
)

// handleUI is the UI stage. Every external input arrives here, whatever
// front-end produced it.
func (rt *Runtime) handleUI(ctx context.Context, env bus.Envelope) error {
	switch ev := env.Event.(type) {
	case bus.UserInput:
		if ev.Text == "" {
			return nil
		}
		rt.emit(ctx, ProcessUserMessage{TurnID: types.NewTurnID(), Text: ev.Text})
	case bus.Cancel:
		id := ev.TurnID
		if id == "" {
			active, ok := rt.Active()
			if !ok {
				return nil
			}
			id = active.ID
		}
		rt.cancelTurn(ctx, id)
	case bus.ConfirmToolExecution:
		if !rt.executor.Approvals().Resolve(ev.RequestID, ev.Approved) {
			return fmt.Errorf("confirm %s: no pending confirmation", ev.RequestID)
		}
	case bus.ClearConversation:
		if err := rt.session.Reset(); err != nil {
			if errors.Is(err, session.ErrTurnInProgress) {
				rt.emit(ctx, bus.AssistantText{Text: "Cannot clear the conversation while a turn is running. Cancel it first."})
				return nil
			}
			return err
		}
		slog.Info("conversation cleared", "session_id", rt.session.ID())
	case bus.Quit:
		rt.mu.Lock()
		fn := rt.onQuit
		rt.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
	return nil
}

// Submit queues user input. It blocks while the UI queue is full.
func (rt *Runtime) Submit(ctx context.Context, text string) error {
	return rt.bus.Send(ctx, bus.UserInput{Text: text})
}

// cancelTurn moves a turn straight to Terminal. In-flight tools see the
// cancel flag at their next safe point; pending confirmations are denied and
// the LLM request, if any, is aborted.
func (rt *Runtime) cancelTurn(ctx context.Context, id types.TurnID) {
	rt.mu.Lock()
	t, ok := rt.turns[id]
	if !ok || t.Status == StatusTerminal {
		rt.mu.Unlock()
		return
	}
	t.cancelled.Store(true)
	requestID := t.RequestID
	rt.mu.Unlock()

	if n := rt.executor.Approvals().DenyTurn(id); n > 0 {
		slog.Debug("denied pending confirmations", "turn_id", id, "count", n)
	}
	if requestID != "" {
		rt.emit(ctx, bus.CancelRequest{RequestID: requestID})
	}
	rt.finishTurn(ctx, id, bus.ReasonCancelled)
}
