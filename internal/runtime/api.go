package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/clawterm/internal/bus"
	ctxengine "github.com/user/clawterm/internal/context"
	"github.com/user/clawterm/internal/types"
	"github.com/user/clawterm/pkg/llm"
)

const tracerName = "github.com/user/clawterm/internal/runtime"

// handleAPI is the API stage. The channel is unordered so a CancelRequest
// is seen while a SendRequest is still waiting on the network.
func (rt *Runtime) handleAPI(ctx context.Context, env bus.Envelope) error {
	switch ev := env.Event.(type) {
	case bus.SendRequest:
		rt.sendRequest(ctx, ev)
	case bus.CancelRequest:
		if rt.tracker.Cancel(string(ev.RequestID)) {
			slog.Info("llm request cancelled", "request_id", ev.RequestID)
		}
	}
	return nil
}

func (rt *Runtime) sendRequest(ctx context.Context, ev bus.SendRequest) {
	if rt.turn(ev.TurnID) == nil {
		return
	}
	reqCtx, done := rt.tracker.Begin(ctx, string(ev.RequestID))
	defer done()

	reqCtx, span := otel.Tracer(tracerName).Start(reqCtx, "runtime.SendRequest",
		trace.WithAttributes(
			attribute.String("turn_id", string(ev.TurnID)),
			attribute.String("request_id", string(ev.RequestID)),
		),
	)
	defer span.End()

	opts := ctxengine.PromptOptions{
		Tools:  rt.executor.Registry().Descriptors(),
		Native: rt.opts.NativeTools,
		Now:    time.Now(),
	}
	messages := rt.engine.BuildPrompt(rt.session.Snapshot(), opts)
	var tools []llm.Tool
	if rt.opts.NativeTools {
		tools = rt.executor.Registry().AsLLMTools()
	}

	start := time.Now()
	var resp *llm.Response
	err := rt.retry.Execute(reqCtx, func(attempt int) error {
		if err := rt.limiter.Wait(reqCtx); err != nil {
			return err
		}
		if attempt > 1 {
			slog.Warn("retrying llm request", "request_id", ev.RequestID, "attempt", attempt)
		}
		r, err := rt.complete(reqCtx, ev.TurnID, messages, tools)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	llmRequestDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		llmRequestsTotal.WithLabelValues("ok").Inc()
		span.SetAttributes(
			attribute.Int("usage.input_tokens", resp.Usage.InputTokens),
			attribute.Int("usage.output_tokens", resp.Usage.OutputTokens),
		)
		rt.emit(ctx, LLMResponse{TurnID: ev.TurnID, RequestID: ev.RequestID, Response: resp})
	case errors.Is(err, context.Canceled):
		llmRequestsTotal.WithLabelValues("cancelled").Inc()
		slog.Debug("llm request aborted", "request_id", ev.RequestID)
	default:
		llmRequestsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rt.emit(ctx, LLMFailure{TurnID: ev.TurnID, RequestID: ev.RequestID, Err: err, Message: err.Error()})
	}
}

func (rt *Runtime) complete(ctx context.Context, turnID types.TurnID, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	if !rt.opts.Stream {
		return rt.provider.Complete(ctx, messages, tools)
	}

	deltas, err := rt.provider.Stream(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	var (
		content strings.Builder
		resp    llm.Response
		decided bool
		visible bool
	)
	for d := range deltas {
		if d.Err != nil {
			return nil, d.Err
		}
		if d.Content != "" {
			content.WriteString(d.Content)
			switch {
			case visible:
				rt.emit(ctx, bus.StreamChunk{TurnID: turnID, Text: d.Content})
			case !decided:
				// Hold back output until it is clear this is not an envelope.
				if lead := strings.TrimLeft(content.String(), " \t\r\n"); lead != "" {
					decided = true
					visible = !strings.ContainsRune("{[`", rune(lead[0]))
					if visible {
						rt.emit(ctx, bus.StreamChunk{TurnID: turnID, Text: content.String()})
					}
				}
			}
		}
		if len(d.ToolCalls) > 0 {
			resp.ToolCalls = d.ToolCalls
		}
		if d.Usage != nil {
			resp.Usage = *d.Usage
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp.Content = content.String()
	return &resp, nil
}
