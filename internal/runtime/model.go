package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/internal/types"
)

const busyNotice = "A turn is already running. Wait for it to finish or cancel it first."

// handleModel is the model stage. It owns the turn state machine; the
// front-end events on this channel are not its concern.
func (rt *Runtime) handleModel(ctx context.Context, env bus.Envelope) error {
	switch ev := env.Event.(type) {
	case ProcessUserMessage:
		return rt.startTurn(ctx, ev)
	case LLMResponse:
		rt.handleResponse(ctx, ev)
	case LLMFailure:
		rt.handleFailure(ctx, ev)
	case ToolBatchComplete:
		rt.handleBatch(ctx, ev)
	}
	return nil
}

func (rt *Runtime) startTurn(ctx context.Context, ev ProcessUserMessage) error {
	rt.mu.Lock()
	for _, t := range rt.turns {
		if t.Status != StatusTerminal {
			rt.mu.Unlock()
			rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: busyNotice})
			return nil
		}
	}
	if err := rt.session.BeginTurn(ev.TurnID); err != nil {
		rt.mu.Unlock()
		rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: busyNotice})
		return fmt.Errorf("start turn: %w", err)
	}
	t := newTurn(ev.TurnID)
	t.RequestID = types.NewRequestID("req")
	rt.turns[t.ID] = t
	rt.session.AddMessage(session.RoleUser, ev.Text)
	req := bus.SendRequest{TurnID: t.ID, RequestID: t.RequestID}
	rt.mu.Unlock()

	slog.Info("turn started", "turn_id", t.ID, "session_id", rt.session.ID())
	rt.emit(ctx, req)
	return nil
}

// live returns the turn for id when it is still waiting on request. Callers
// hold rt.mu.
func (rt *Runtime) live(id types.TurnID, request types.RequestID) *TurnState {
	t, ok := rt.turns[id]
	if !ok || t.Status != StatusAwaitingModel || t.RequestID != request {
		return nil
	}
	return t
}

func (rt *Runtime) handleResponse(ctx context.Context, ev LLMResponse) {
	parsed := ParseResponse(ev.Response)
	if parsed.Protocol != nil {
		protocolErrorsTotal.Inc()
		slog.Warn("treating malformed envelope as text", "turn_id", ev.TurnID, "error", parsed.Protocol)
	}

	rt.mu.Lock()
	t := rt.live(ev.TurnID, ev.RequestID)
	if t == nil {
		rt.mu.Unlock()
		slog.Debug("dropping stale response", "turn_id", ev.TurnID, "request_id", ev.RequestID)
		return
	}
	t.RequestID = ""

	if parsed.Kind == PlainText {
		rt.session.AddMessage(session.RoleAssistant, parsed.Text)
		rt.mu.Unlock()
		rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: parsed.Text})
		rt.finishTurn(ctx, ev.TurnID, bus.ReasonCompleted)
		return
	}

	// Native calls may come with prose; it is kept ahead of their results.
	prose := strings.TrimSpace(parsed.Text)
	if prose != "" {
		rt.session.AddMessage(session.RoleAssistant, prose)
	}
	t.Status = StatusExecutingTool
	t.Calls = parsed.Calls
	t.Accumulated = append(t.Accumulated, parsed.Calls...)
	var repeats []bool
	if rt.opts.SuppressDuplicateCalls {
		repeats = t.markSeen(parsed.Calls)
	}
	iteration := t.Iteration
	rt.mu.Unlock()

	if prose != "" {
		rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: prose})
	}
	slog.Debug("tool calls parsed", "turn_id", ev.TurnID, "iteration", iteration, "calls", len(parsed.Calls))
	rt.runBatch(t, iteration, parsed.Calls, repeats)
}

// runBatch executes a batch in the background so the model stage stays free
// to observe cancellation. Results are reported in call order. Calls flagged
// in repeats are resolved without running.
func (rt *Runtime) runBatch(t *TurnState, iteration int, calls []ToolCallRequest, repeats []bool) {
	turnID := t.ID
	rt.spawn(func(ctx context.Context) {
		hooks := executor.Hooks{
			Status: func(call executor.Call, phase bus.ToolPhase, detail string) {
				rt.emit(ctx, bus.ToolStatus{
					TurnID:    call.TurnID,
					RequestID: call.RequestID,
					Tool:      call.Tool,
					Phase:     phase,
					Detail:    detail,
				})
			},
			Cancelled: t.Cancelled,
		}

		results := make([]executor.Outcome, len(calls))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(rt.opts.ToolParallelism)
		for i, c := range calls {
			if i < len(repeats) && repeats[i] {
				slog.Debug("suppressing repeated tool call", "turn_id", turnID, "tool", c.Name, "request_id", c.RequestID)
				results[i] = duplicateOutcome(c)
				continue
			}
			g.Go(func() error {
				results[i] = rt.executor.Execute(gctx, executor.Call{
					RequestID: c.RequestID,
					TurnID:    turnID,
					Tool:      c.Name,
					Params:    c.Params,
				}, hooks)
				return nil
			})
		}
		_ = g.Wait()

		rt.emit(ctx, ToolBatchComplete{TurnID: turnID, Iteration: iteration, Calls: calls, Results: results})
	})
}

func (rt *Runtime) handleBatch(ctx context.Context, ev ToolBatchComplete) {
	rt.mu.Lock()
	t, ok := rt.turns[ev.TurnID]
	if !ok || t.Status != StatusExecutingTool || t.Iteration != ev.Iteration {
		rt.mu.Unlock()
		slog.Debug("dropping stale tool results", "turn_id", ev.TurnID, "iteration", ev.Iteration)
		return
	}
	for i, call := range ev.Calls {
		rt.session.Append(toolMessage(call, ev.Results[i]))
	}
	t.Calls = nil
	t.Iteration++

	if t.Iteration >= rt.opts.MaxIterations {
		text := fmt.Sprintf(MaxStepsMessage, t.Iteration)
		rt.session.AddMessage(session.RoleAssistant, text)
		rt.mu.Unlock()
		slog.Warn("turn hit iteration ceiling", "turn_id", ev.TurnID, "iterations", rt.opts.MaxIterations)
		rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: text})
		rt.finishTurn(ctx, ev.TurnID, bus.ReasonMaxIterations)
		return
	}

	t.Status = StatusAwaitingModel
	t.RequestID = types.NewRequestID("req")
	req := bus.SendRequest{TurnID: t.ID, RequestID: t.RequestID}
	rt.mu.Unlock()
	rt.emit(ctx, req)
}

func (rt *Runtime) handleFailure(ctx context.Context, ev LLMFailure) {
	rt.mu.Lock()
	if rt.live(ev.TurnID, ev.RequestID) == nil {
		rt.mu.Unlock()
		return
	}
	text := "The model request failed: " + ev.Message
	rt.session.AddMessage(session.RoleAssistant, text)
	rt.mu.Unlock()

	slog.Error("llm request failed", "turn_id", ev.TurnID, "request_id", ev.RequestID, "error", ev.Err)
	rt.emit(ctx, bus.AssistantText{TurnID: ev.TurnID, Text: text})
	rt.finishTurn(ctx, ev.TurnID, bus.ReasonFailed)
}

// finishTurn moves a turn to Terminal exactly once.
func (rt *Runtime) finishTurn(ctx context.Context, id types.TurnID, reason bus.TurnReason) {
	rt.mu.Lock()
	t, ok := rt.turns[id]
	if !ok || t.Status == StatusTerminal {
		rt.mu.Unlock()
		return
	}
	t.Status = StatusTerminal
	iterations := t.Iteration
	calls := len(t.Accumulated)
	elapsed := time.Since(t.Started)
	delete(rt.turns, id)
	rt.session.EndTurn(id)
	rt.mu.Unlock()

	recordTurn(reason, iterations)
	slog.Info("turn complete",
		"turn_id", id,
		"reason", reason,
		"iterations", iterations,
		"tool_calls", calls,
		"duration", elapsed,
	)
	if rt.opts.AutoPrune && rt.pruning.CompareAndSwap(false, true) {
		rt.spawn(func(ctx context.Context) {
			defer rt.pruning.Store(false)
			if _, err := rt.engine.Prune(ctx, rt.session, rt.provider); err != nil {
				slog.Warn("auto-prune failed", "session_id", rt.session.ID(), "error", err)
			}
		})
	}
	rt.emit(ctx, bus.TurnComplete{TurnID: id, Reason: reason, Iterations: iterations, ToolCalls: calls})
}

func duplicateOutcome(c ToolCallRequest) executor.Outcome {
	return executor.Outcome{
		RequestID: c.RequestID,
		Tool:      c.Name,
		Status:    executor.StatusError,
		ErrorKind: executor.KindDuplicateCall,
		Message:   "an identical " + c.Name + " call was already made in this turn; use its result",
	}
}

func toolMessage(call ToolCallRequest, out executor.Outcome) session.Message {
	return session.Message{
		Role:       session.RoleTool,
		Content:    toolContent(out),
		ToolCallID: call.RequestID,
		Tool:       call.Name,
		Params:     call.Params,
		Native:     call.Native,
	}
}

// toolContent is what the model sees for one call.
func toolContent(out executor.Outcome) string {
	if out.OK() {
		if out.Output == "" {
			return "(no output)"
		}
		return out.Output
	}
	s := fmt.Sprintf("error (%s): %s", out.ErrorKind, out.Message)
	if out.Output != "" {
		s += "\n" + out.Output
	}
	return s
}
