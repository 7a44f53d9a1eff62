package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/config"
	ctxengine "github.com/user/clawterm/internal/context"
	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/runtime"
	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/internal/scheduler"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/internal/state"
	"github.com/user/clawterm/internal/tools"
	"github.com/user/clawterm/pkg/llm"
	"github.com/user/clawterm/pkg/llm/openai"
)

// app is one wired session: bus, runtime and supporting stores.
type app struct {
	cfg       *config.Config
	bus       *bus.Bus
	session   *session.Session
	runtime   *runtime.Runtime
	journal   *state.Journal
	artifacts *state.ArtifactStore
	scheduler *scheduler.Scheduler
	persist   bool
}

// appOptions override config for a single command.
type appOptions struct {
	stream bool
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	policy, err := safety.Load(cfg.PolicyPath())
	if err != nil {
		return nil, err
	}

	systemPrompt, err := loadSystemPrompt(cfg.SystemPromptPath)
	if err != nil {
		return nil, err
	}
	plan := session.ContextPlan{
		SummaryFrequency: cfg.Context.SummaryFrequency,
		PinnedIndices:    cfg.Context.PinnedIndices,
		PruningStrategy:  session.PruningStrategy(cfg.Context.PruningStrategy),
	}
	sess := session.New("", systemPrompt, plan)
	if cfg.Checkpoint.Restore {
		sess, err = session.LoadOrNew(cfg.CheckpointPath(), systemPrompt, plan)
		if err != nil {
			return nil, err
		}
	}

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.Context.MaxContextTokens, cfg.Context.OutputReserve)
	if err != nil {
		return nil, fmt.Errorf("create context engine: %w", err)
	}

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	artifacts := state.NewArtifactStore(cfg.DataDir)
	registry := executor.NewRegistry()
	if err := tools.Register(registry, sess, tools.Options{
		BaseDir:     policy.BaseDir,
		Shell:       cfg.Tools.Shell,
		BraveAPIKey: cfg.Tools.BraveAPIKey,
		Policy:      policy,
	}); err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	exec := executor.New(registry, policy, executor.NewApprovals(), executor.Options{
		MaxOutputBytes:      cfg.Executor.MaxOutputBytes,
		ConfirmationTimeout: time.Duration(cfg.Executor.ConfirmationTimeoutSeconds) * time.Second,
		PollInterval:        time.Duration(cfg.Executor.PollIntervalMS) * time.Millisecond,
		Artifacts:           artifacts,
		SessionID:           sess.ID(),
	})

	b := bus.New(bus.Options{
		Capacity:           cfg.Bus.Capacity,
		HandlerConcurrency: cfg.Bus.HandlerConcurrency,
		Unordered:          []bus.Channel{bus.ChannelAPI},
		Logger:             slog.Default(),
	})

	rt := runtime.New(b, sess, engine, provider, exec, runtime.Options{
		MaxIterations:          cfg.MaxIterations,
		ToolParallelism:        cfg.ToolParallelism,
		Stream:                 opts.stream || cfg.LLM.Stream,
		NativeTools:            cfg.LLM.NativeTools,
		RequestsPerMinute:      cfg.LLM.RequestsPerMinute,
		AutoPrune:              cfg.Context.AutoPrune,
		SuppressDuplicateCalls: cfg.Executor.SuppressDuplicateCalls,
	})
	if err := rt.Register(); err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		bus:       b,
		session:   sess,
		runtime:   rt,
		artifacts: artifacts,
		scheduler: scheduler.New(),
		persist:   cfg.Checkpoint.Restore || cfg.Checkpoint.Schedule != "",
	}

	if cfg.Journal.Enabled {
		a.journal = state.NewJournal(cfg.DataDir)
		skipped, err := a.journal.Attach(b, sess.ID())
		if err != nil {
			return nil, err
		}
		if len(skipped) > 0 {
			slog.Debug("journal skips unordered channels", "channels", skipped)
		}
	}
	if cfg.Checkpoint.Schedule != "" {
		if err := a.scheduler.AddCheckpoint(cfg.Checkpoint.Schedule, sess, cfg.CheckpointPath()); err != nil {
			return nil, err
		}
	}

	slog.Info("session ready",
		"session_id", sess.ID(),
		"messages", sess.Len(),
		"tools", len(registry.All()),
		"llm_model", cfg.LLM.Model,
		"stream", opts.stream || cfg.LLM.Stream,
		"native_tools", cfg.LLM.NativeTools,
		"journal", cfg.Journal.Enabled,
	)
	return a, nil
}

// start begins dispatch. Front-end handlers must be registered first.
func (a *app) start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return err
	}
	a.scheduler.Start()
	return nil
}

// close cancels any running turn, drains the bus and writes a final
// checkpoint when persistence is on.
func (a *app) close() {
	a.scheduler.Stop()
	a.runtime.Shutdown()
	a.bus.Stop()
	if !a.persist {
		return
	}
	if _, err := scheduler.Checkpoint(a.session, a.cfg.CheckpointPath()); err != nil {
		slog.Error("final checkpoint failed", "error", err)
	}
}

func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	return string(data), nil
}
