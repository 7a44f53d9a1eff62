// Package executor gates and bounds every tool invocation: safety
// validation, optional user confirmation, a hard wall-clock timeout and
// output truncation.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/internal/types"
)

const tracerName = "github.com/user/clawterm/internal/executor"

const (
	DefaultMaxOutputBytes      = 32 * 1024
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultPollInterval        = 100 * time.Millisecond
)

// Call is one tool invocation request parsed from a model response.
type Call struct {
	RequestID types.RequestID `json:"request_id"`
	TurnID    types.TurnID    `json:"turn_id"`
	Tool      string          `json:"tool"`
	Params    json.RawMessage `json:"params"`
}

// Status is how a call resolved. Every status is a valid resolution; none
// aborts the turn.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimedOut  Status = "timed_out"
	StatusDenied    Status = "denied"
	StatusCancelled Status = "cancelled"
)

// Error kinds carried by non-success outcomes.
const (
	KindSafetyViolation     = "safety_violation"
	KindUnknownTool         = "unknown_tool"
	KindInvalidParameters   = "invalid_parameters"
	KindToolError           = "tool_error"
	KindTimeout             = "timeout"
	KindConfirmationDenied  = "confirmation_denied"
	KindConfirmationTimeout = "confirmation_timeout"
	KindCancelled           = "cancelled"
	KindDuplicateCall       = "duplicate_call"
)

// Outcome is the normalized result of Execute.
type Outcome struct {
	RequestID  types.RequestID   `json:"request_id"`
	Tool       string            `json:"tool"`
	Status     Status            `json:"status"`
	Output     string            `json:"output,omitempty"`
	ErrorKind  string            `json:"error_kind,omitempty"`
	Message    string            `json:"message,omitempty"`
	Violation  *safety.Violation `json:"-"`
	Truncated  bool              `json:"truncated,omitempty"`
	ArtifactID types.ArtifactID  `json:"artifact_id,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// OK reports whether the tool ran and succeeded.
func (o Outcome) OK() bool { return o.Status == StatusSuccess }

// Hooks connect a single Execute call to the turn that issued it.
type Hooks struct {
	// Status is told about every phase change.
	Status func(call Call, phase bus.ToolPhase, detail string)
	// Cancelled is the advisory cancellation flag, polled at safe points.
	Cancelled func() bool
}

func (h Hooks) status(call Call, phase bus.ToolPhase, detail string) {
	if h.Status != nil {
		h.Status(call, phase, detail)
	}
}

func (h Hooks) cancelled() bool {
	return h.Cancelled != nil && h.Cancelled()
}

// Options tune an Executor.
type Options struct {
	MaxOutputBytes      int
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	// Artifacts, when set, keeps the full text of truncated outputs.
	Artifacts types.ArtifactStore
	SessionID types.SessionID
}

// Executor wraps the safety gate and tool dispatch.
type Executor struct {
	registry  *Registry
	policy    *safety.Policy
	approvals *Approvals
	opts      Options
}

// New creates an Executor. policy must not be modified afterwards.
func New(registry *Registry, policy *safety.Policy, approvals *Approvals, opts Options) *Executor {
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.ConfirmationTimeout <= 0 {
		opts.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if policy == nil {
		policy = safety.DefaultPolicy()
	}
	if approvals == nil {
		approvals = NewApprovals()
	}
	return &Executor{registry: registry, policy: policy, approvals: approvals, opts: opts}
}

func (e *Executor) Registry() *Registry    { return e.registry }
func (e *Executor) Policy() *safety.Policy { return e.policy }
func (e *Executor) Approvals() *Approvals  { return e.approvals }

// Validate runs the safety gate for call without executing it.
func (e *Executor) Validate(call Call) error {
	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		return fmt.Errorf("validate %s: %w", call.Tool, ErrUnknownTool)
	}
	d := tool.Describe()
	return safety.Validate(safety.Request{
		Tool:          d.Name,
		Params:        call.Params,
		PathParams:    d.PathParams,
		CommandParams: d.CommandParams,
	}, e.policy)
}

// Execute validates call, waits for confirmation when the policy asks for
// it, and runs the tool under a hard deadline. It never retries.
func (e *Executor) Execute(ctx context.Context, call Call, hooks Hooks) Outcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.String("tool", call.Tool),
			attribute.String("request_id", string(call.RequestID)),
			attribute.String("turn_id", string(call.TurnID)),
		),
	)
	defer span.End()

	start := time.Now()
	out := e.execute(ctx, call, hooks)
	out.RequestID = call.RequestID
	out.Tool = call.Tool
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("status", string(out.Status)))
	if !out.OK() {
		span.SetStatus(codes.Error, out.Message)
	}
	recordOutcome(out)
	hooks.status(call, phaseFor(out), out.Message)

	slog.Debug("tool executed",
		"tool", call.Tool,
		"request_id", call.RequestID,
		"status", out.Status,
		"duration", out.Duration,
	)
	return out
}

func (e *Executor) execute(ctx context.Context, call Call, hooks Hooks) Outcome {
	if hooks.cancelled() {
		return failure(StatusCancelled, KindCancelled, "cancelled before start")
	}

	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		return failure(StatusError, KindUnknownTool, fmt.Sprintf("unknown tool %q", call.Tool))
	}
	d := tool.Describe()

	err := safety.Validate(safety.Request{
		Tool:          d.Name,
		Params:        call.Params,
		PathParams:    d.PathParams,
		CommandParams: d.CommandParams,
	}, e.policy)
	if err != nil {
		out := failure(StatusDenied, KindSafetyViolation, err.Error())
		var v *safety.Violation
		if errors.As(err, &v) {
			out.Violation = v
		}
		return out
	}

	if err := checkParams(d.InputSchema, call.Params); err != nil {
		return failure(StatusError, KindInvalidParameters, err.Error())
	}

	if e.policy.NeedsConfirmation(d.Risk) {
		hooks.status(call, bus.PhaseAwaitingConfirmation, fmt.Sprintf("%s risk", d.Risk))
		approved, err := e.approvals.Await(ctx, call, e.opts.ConfirmationTimeout, e.opts.PollInterval, hooks.cancelled)
		switch {
		case errors.Is(err, ErrConfirmationTimeout):
			return failure(StatusDenied, KindConfirmationTimeout, "no confirmation received")
		case errors.Is(err, ErrConfirmationCancelled):
			return failure(StatusCancelled, KindCancelled, err.Error())
		case err != nil:
			return failure(StatusCancelled, KindCancelled, err.Error())
		case hooks.cancelled():
			// The turn was cancelled while we waited.
			return failure(StatusCancelled, KindCancelled, "cancelled awaiting confirmation")
		case !approved:
			return failure(StatusDenied, KindConfirmationDenied, "execution denied by user")
		}
	}

	timeout := e.policy.ExecutionTime(requestedTimeout(call.Params))
	hooks.status(call, bus.PhaseRunning, "")
	return e.run(ctx, tool, call, timeout, hooks)
}

type invokeResult struct {
	output string
	err    error
}

func (e *Executor) run(ctx context.Context, tool Tool, call Call, timeout time.Duration, hooks Hooks) Outcome {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	runCtx = context.WithValue(runCtx, cancelCheckKey{}, hooks.Cancelled)
	results := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- invokeResult{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		output, err := tool.Invoke(runCtx, call.Params)
		results <- invokeResult{output: output, err: err}
	}()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-results:
			cancel()
			return e.normalize(ctx, call, res)
		case <-runCtx.Done():
			cancel()
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
				return failure(StatusTimedOut, KindTimeout, fmt.Sprintf("execution exceeded %s", timeout))
			}
			return failure(StatusCancelled, KindCancelled, runCtx.Err().Error())
		case <-ticker.C:
			if hooks.cancelled() {
				// Advisory: leave the tool to its own deadline and discard
				// whatever it produces.
				go func() {
					select {
					case <-results:
					case <-runCtx.Done():
					}
					cancel()
				}()
				return failure(StatusCancelled, KindCancelled, "cancelled while running")
			}
		}
	}
}

func (e *Executor) normalize(ctx context.Context, call Call, res invokeResult) Outcome {
	out := Outcome{Status: StatusSuccess, Output: res.output}
	if res.err != nil {
		out.Status = StatusError
		out.ErrorKind = KindToolError
		out.Message = res.err.Error()
	}
	if len(out.Output) <= e.opts.MaxOutputBytes {
		return out
	}

	full := out.Output
	cut := e.opts.MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(full[cut]) {
		cut--
	}
	out.Truncated = true
	marker := fmt.Sprintf("\n[output truncated: showing %d of %d bytes]", cut, len(full))
	if e.opts.Artifacts != nil {
		id, err := e.opts.Artifacts.Put(ctx, e.opts.SessionID, call.TurnID, call.Tool, full)
		if err != nil {
			slog.Warn("store truncated output failed", "tool", call.Tool, "request_id", call.RequestID, "error", err)
		} else {
			out.ArtifactID = id
			marker = fmt.Sprintf("\n[output truncated: showing %d of %d bytes, full output in artifact %s]", cut, len(full), id)
		}
	}
	out.Output = full[:cut] + marker
	return out
}

func failure(status Status, kind, message string) Outcome {
	return Outcome{Status: status, ErrorKind: kind, Message: message}
}

// requestedTimeout reads an optional timeout_seconds parameter.
func requestedTimeout(params json.RawMessage) time.Duration {
	var p struct {
		TimeoutSeconds float64 `json:"timeout_seconds"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil || p.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

func phaseFor(o Outcome) bus.ToolPhase {
	switch o.Status {
	case StatusSuccess:
		return bus.PhaseSucceeded
	case StatusTimedOut:
		return bus.PhaseTimedOut
	case StatusDenied:
		return bus.PhaseDenied
	case StatusCancelled:
		return bus.PhaseCancelled
	default:
		return bus.PhaseFailed
	}
}
