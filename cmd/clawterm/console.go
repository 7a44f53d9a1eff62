package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/types"
)

// console renders model events as terminal text and tracks what the user
// may need to answer.
type console struct {
	out     io.Writer
	verbose bool

	mu       sync.Mutex
	streamed map[types.TurnID]bool
	pending  []bus.ToolStatus
	texts    []string
	done     chan bus.TurnComplete
}

func newConsole(out io.Writer, verbose bool) *console {
	return &console{
		out:      out,
		verbose:  verbose,
		streamed: make(map[types.TurnID]bool),
		done:     make(chan bus.TurnComplete, 16),
	}
}

// handle is a model-channel bus handler.
func (c *console) handle(_ context.Context, env bus.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev := env.Event.(type) {
	case bus.StreamChunk:
		c.streamed[ev.TurnID] = true
		fmt.Fprint(c.out, ev.Text)
	case bus.AssistantText:
		c.texts = append(c.texts, ev.Text)
		if c.streamed[ev.TurnID] {
			// Already shown chunk by chunk.
			fmt.Fprintln(c.out)
			delete(c.streamed, ev.TurnID)
			return nil
		}
		fmt.Fprintln(c.out, ev.Text)
	case bus.ToolStatus:
		c.toolStatus(ev)
	case bus.TurnComplete:
		delete(c.streamed, ev.TurnID)
		c.pending = c.pending[:0]
		if ev.Reason != bus.ReasonCompleted {
			fmt.Fprintf(c.out, "[turn %s: %s after %d steps]\n", ev.TurnID, ev.Reason, ev.Iterations)
		}
		select {
		case c.done <- ev:
		default:
		}
	case bus.HandlerError:
		if c.verbose {
			fmt.Fprintf(c.out, "[internal error: %v]\n", ev)
		}
	}
	return nil
}

func (c *console) toolStatus(ev bus.ToolStatus) {
	switch ev.Phase {
	case bus.PhaseAwaitingConfirmation:
		c.pending = append(c.pending, ev)
		fmt.Fprintf(c.out, "? %s wants to run: %s\n  approve with y, deny with n (id %s)\n", ev.Tool, ev.Detail, ev.RequestID)
	case bus.PhaseRunning:
		c.resolve(ev.RequestID)
		if c.verbose {
			fmt.Fprintf(c.out, "… %s\n", ev.Tool)
		}
	case bus.PhaseSucceeded:
		c.resolve(ev.RequestID)
		if c.verbose {
			fmt.Fprintf(c.out, "✓ %s\n", ev.Tool)
		}
	default:
		c.resolve(ev.RequestID)
		detail := ""
		if ev.Detail != "" {
			detail = ": " + ev.Detail
		}
		fmt.Fprintf(c.out, "✗ %s %s%s\n", ev.Tool, strings.ReplaceAll(string(ev.Phase), "_", " "), detail)
	}
}

func (c *console) resolve(id types.RequestID) {
	for i, p := range c.pending {
		if p.RequestID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// peekPending returns the oldest confirmation still waiting for an answer.
// It stays pending until a later ToolStatus for the same request arrives.
func (c *console) peekPending() (bus.ToolStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return bus.ToolStatus{}, false
	}
	return c.pending[0], true
}

// lastText returns the most recent assistant text.
func (c *console) lastText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.texts) == 0 {
		return ""
	}
	return c.texts[len(c.texts)-1]
}

// parseLine maps a line of user input to a UI event. Plain text becomes a
// UserInput; slash commands map to control events. ok is false for blank
// lines and unknown commands, with msg explaining the latter.
func parseLine(line string, pending *bus.ToolStatus) (ev bus.Event, msg string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, "", false
	}
	if pending != nil {
		switch strings.ToLower(line) {
		case "y", "yes":
			return bus.ConfirmToolExecution{RequestID: pending.RequestID, Approved: true}, "", true
		case "n", "no":
			return bus.ConfirmToolExecution{RequestID: pending.RequestID, Approved: false}, "", true
		}
	}
	if !strings.HasPrefix(line, "/") {
		return bus.UserInput{Text: line}, "", true
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return bus.Quit{}, "", true
	case "/cancel":
		return bus.Cancel{}, "", true
	case "/clear":
		return bus.ClearConversation{}, "", true
	case "/approve", "/deny":
		if len(fields) < 2 {
			return nil, fmt.Sprintf("usage: %s <request id>", fields[0]), false
		}
		return bus.ConfirmToolExecution{
			RequestID: types.RequestID(fields[1]),
			Approved:  fields[0] == "/approve",
		}, "", true
	case "/help":
		return nil, "commands: /cancel /clear /approve <id> /deny <id> /quit", false
	default:
		return nil, fmt.Sprintf("unknown command %s (try /help)", fields[0]), false
	}
}
