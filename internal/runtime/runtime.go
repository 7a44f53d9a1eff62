// Package runtime drives turns: it takes a user message through repeated
// model calls and tool batches until the model answers in plain text, the
// iteration ceiling is hit, or the user cancels.
//
// The work is split into three stages, one per bus channel. The UI stage
// turns front-end input into model-stage work. The model stage owns the
// state machine and the session. The API stage talks to the LLM.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/clawterm/internal/bus"
	ctxengine "github.com/user/clawterm/internal/context"
	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/internal/types"
	"github.com/user/clawterm/pkg/llm"
)

const (
	DefaultMaxIterations   = 25
	DefaultToolParallelism = 4
)

// MaxStepsMessage is the assistant message synthesized when a turn hits the
// iteration ceiling.
const MaxStepsMessage = "Maximum steps exceeded: stopped after %d tool cycles without a final answer."

var (
	// ErrMaxIterations marks a turn forced to Terminal by the iteration ceiling.
	ErrMaxIterations = errors.New("maximum steps exceeded")
	// ErrTurnInProgress is returned by Submit while a turn is running.
	ErrTurnInProgress = errors.New("a turn is already in progress")
	ErrNoActiveTurn   = errors.New("no active turn")
)

// Options tune a Runtime.
type Options struct {
	MaxIterations   int
	ToolParallelism int
	// Stream forwards model output to front-ends as StreamChunk events.
	Stream bool
	// NativeTools offers tools through the provider's tool-calling API in
	// addition to the text envelope.
	NativeTools bool
	// RequestsPerMinute limits outbound LLM requests. Zero means unlimited.
	RequestsPerMinute int
	Retry             *RetryPolicy
	// AutoPrune applies the session's pruning plan after each turn.
	AutoPrune bool
	// SuppressDuplicateCalls answers a call identical to one already
	// requested in the same turn with a duplicate_call error instead of
	// running it again.
	SuppressDuplicateCalls bool
}

// Runtime is the tool-call protocol engine.
type Runtime struct {
	bus      *bus.Bus
	session  *session.Session
	engine   *ctxengine.Engine
	provider llm.Provider
	executor *executor.Executor
	tracker  *llm.Tracker
	limiter  *rate.Limiter
	retry    *RetryPolicy
	opts     Options

	mu     sync.Mutex
	turns  map[types.TurnID]*TurnState
	onQuit func()

	// pruning is set while an auto-prune runs; later turns skip theirs.
	pruning atomic.Bool

	background sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a Runtime. Register must be called before the bus starts.
func New(
	b *bus.Bus,
	sess *session.Session,
	engine *ctxengine.Engine,
	provider llm.Provider,
	exec *executor.Executor,
	opts Options,
) *Runtime {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.ToolParallelism <= 0 {
		opts.ToolParallelism = DefaultToolParallelism
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		bus:        b,
		session:    sess,
		engine:     engine,
		provider:   provider,
		executor:   exec,
		tracker:    llm.NewTracker(),
		limiter:    limiter,
		retry:      opts.Retry,
		opts:       opts,
		turns:      make(map[types.TurnID]*TurnState),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Register installs the runtime's handlers on the bus.
func (rt *Runtime) Register() error {
	if err := rt.bus.RegisterHandler(bus.ChannelUI, rt.handleUI); err != nil {
		return fmt.Errorf("register ui stage: %w", err)
	}
	if err := rt.bus.RegisterHandler(bus.ChannelModel, rt.handleModel); err != nil {
		return fmt.Errorf("register model stage: %w", err)
	}
	if err := rt.bus.RegisterHandler(bus.ChannelAPI, rt.handleAPI); err != nil {
		return fmt.Errorf("register api stage: %w", err)
	}
	return nil
}

// OnQuit sets the callback run when a Quit event arrives.
func (rt *Runtime) OnQuit(fn func()) {
	rt.mu.Lock()
	rt.onQuit = fn
	rt.mu.Unlock()
}

func (rt *Runtime) Session() *session.Session   { return rt.session }
func (rt *Runtime) Executor() *executor.Executor { return rt.executor }

// Active returns the running turn, if any.
func (rt *Runtime) Active() (TurnInfo, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, t := range rt.turns {
		if t.Status != StatusTerminal {
			return t.info(), true
		}
	}
	return TurnInfo{}, false
}

// Shutdown cancels outstanding work and waits for background tool batches
// and pruning. The bus should be stopped afterwards.
func (rt *Runtime) Shutdown() {
	rt.mu.Lock()
	var active []types.TurnID
	for id, t := range rt.turns {
		if t.Status != StatusTerminal {
			active = append(active, id)
		}
	}
	rt.mu.Unlock()
	for _, id := range active {
		rt.cancelTurn(context.Background(), id)
	}
	rt.cancelBase()
	rt.background.Wait()
}

// emit sends a front-end or stage event. A closed bus is logged, not fatal.
func (rt *Runtime) emit(ctx context.Context, ev bus.Event) {
	if err := rt.bus.Send(ctx, ev); err != nil {
		slog.Warn("emit event failed", "kind", ev.Kind(), "turn_id", bus.TurnOf(ev), "error", err)
	}
}

// turn returns the live state for id, or nil when the turn is unknown or
// already terminal.
func (rt *Runtime) turn(id types.TurnID) *TurnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.turns[id]
	if !ok || t.Status == StatusTerminal {
		return nil
	}
	return t
}

// spawn runs fn in the background, tracked by Shutdown.
func (rt *Runtime) spawn(fn func(ctx context.Context)) {
	rt.background.Add(1)
	go func() {
		defer rt.background.Done()
		fn(rt.baseCtx)
	}()
}
