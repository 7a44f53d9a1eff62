// Package session owns the conversation history for one user session.
//
// A Session is the only mutable state shared between bus handlers. Every
// mutation takes the session lock; readers work from a Snapshot so no lock is
// held across LLM network calls.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/user/clawterm/internal/types"
)

var (
	// ErrPinnedIndexViolated is returned when pruning would remove a pinned
	// message. The session is left unchanged.
	ErrPinnedIndexViolated = errors.New("pruning would remove a pinned message")
	// ErrTurnInProgress is returned by operations only allowed between turns.
	ErrTurnInProgress = errors.New("turn in progress")

	ErrInvalidPlan     = errors.New("invalid pruning plan")
	ErrIndexOutOfRange = errors.New("message index out of range")
	// ErrStalePlan is returned when the history was pruned or reset after
	// the snapshot a plan was computed from.
	ErrStalePlan = errors.New("pruning plan built from an older history")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCallID correlates a tool-role message with the call that produced it.
	ToolCallID types.RequestID `json:"tool_call_id,omitempty"`
	// Tool and Params record the call a tool-role message answers.
	Tool   string          `json:"tool,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	// Native marks results of provider-native tool calls.
	Native  bool      `json:"native,omitempty"`
	Summary bool      `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}

type PruningStrategy string

const (
	PruneNone       PruningStrategy = "none"
	PruneSummarize  PruningStrategy = "summarize"
	PruneDropOldest PruningStrategy = "drop_oldest"
)

// ContextPlan tells the context engine when and how to shrink history.
type ContextPlan struct {
	SummaryFrequency int             `json:"summary_frequency"`
	PinnedIndices    []int           `json:"pinned_indices"`
	PruningStrategy  PruningStrategy `json:"pruning_strategy"`
}

// ConversationContext is a point-in-time copy of a session.
type ConversationContext struct {
	SessionID     types.SessionID            `json:"session_id"`
	SystemPrompt  string                     `json:"system_prompt"`
	Messages      []Message                  `json:"messages"`
	WorkingMemory map[string]json.RawMessage `json:"working_memory"`
	Plan          ContextPlan                `json:"context_plan"`
	// Generation changes whenever existing messages are replaced.
	Generation uint64 `json:"-"`
}

// Pinned reports whether message i is pinned.
func (c ConversationContext) Pinned(i int) bool {
	return slices.Contains(c.Plan.PinnedIndices, i)
}

// PrunePlan replaces Messages[0:Upto] with one summary message. Generation
// is that of the snapshot the plan was computed from.
type PrunePlan struct {
	Upto       int
	Summary    string
	Generation uint64
}

type PruneResult struct {
	Removed      int
	SummaryIndex int
	// Pinned holds the pinned indices after re-basing.
	Pinned []int
}

// Session serializes all mutation of one conversation.
type Session struct {
	mu     sync.Mutex
	id     types.SessionID
	ctx    ConversationContext
	active types.TurnID
}

// New creates an empty session.
func New(id types.SessionID, systemPrompt string, plan ContextPlan) *Session {
	if id == "" {
		id = types.NewSessionID()
	}
	if plan.PruningStrategy == "" {
		plan.PruningStrategy = PruneNone
	}
	plan.PinnedIndices = normalizePins(plan.PinnedIndices)
	return &Session{
		id: id,
		ctx: ConversationContext{
			SessionID:     id,
			SystemPrompt:  systemPrompt,
			Messages:      []Message{},
			WorkingMemory: map[string]json.RawMessage{},
			Plan:          plan,
		},
	}
}

func (s *Session) ID() types.SessionID { return s.id }

// AddMessage appends a message and returns its index.
func (s *Session) AddMessage(role Role, content string) int {
	return s.Append(Message{Role: role, Content: content})
}

// Append appends a fully formed message and returns its index.
func (s *Session) Append(m Message) int {
	if m.At.IsZero() {
		m.At = time.Now().UTC().Round(0)
	}
	m.Params = slices.Clone(m.Params)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Messages = append(s.ctx.Messages, m)
	return len(s.ctx.Messages) - 1
}

// Snapshot returns a deep copy. Later mutations are not reflected in it.
func (s *Session) Snapshot() ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyContext(s.ctx)
}

func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ctx.Messages)
}

// SinceSummary counts messages after the most recent summary.
func (s *Session) SinceSummary() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := len(s.ctx.Messages) - 1; i >= 0 && !s.ctx.Messages[i].Summary; i-- {
		n++
	}
	return n
}

func (s *Session) SystemPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.SystemPrompt
}

func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	s.ctx.SystemPrompt = prompt
	s.mu.Unlock()
}

func (s *Session) Plan() ContextPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPlan(s.ctx.Plan)
}

// SetMemory stores a working-memory value. value must be valid JSON.
func (s *Session) SetMemory(key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("set memory: empty key")
	}
	buf, err := compactJSON(value)
	if err != nil {
		return fmt.Errorf("set memory %s: %w", key, err)
	}
	s.mu.Lock()
	s.ctx.WorkingMemory[key] = buf
	s.mu.Unlock()
	return nil
}

func (s *Session) Memory(key string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.ctx.WorkingMemory[key]
	return slices.Clone(v), ok
}

func (s *Session) DeleteMemory(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ctx.WorkingMemory[key]
	delete(s.ctx.WorkingMemory, key)
	return ok
}

func (s *Session) MemoryKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.ctx.WorkingMemory))
}

// Pin protects message i from pruning.
func (s *Session) Pin(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.ctx.Messages) {
		return fmt.Errorf("pin %d: %w", i, ErrIndexOutOfRange)
	}
	s.ctx.Plan.PinnedIndices = normalizePins(append(s.ctx.Plan.PinnedIndices, i))
	return nil
}

func (s *Session) Unpin(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.Plan.PinnedIndices = slices.DeleteFunc(s.ctx.Plan.PinnedIndices, func(p int) bool { return p == i })
}

// BeginTurn marks turn as active. Only one turn may be active at a time.
func (s *Session) BeginTurn(turn types.TurnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return fmt.Errorf("begin turn %s: %w (active %s)", turn, ErrTurnInProgress, s.active)
	}
	s.active = turn
	return nil
}

// EndTurn clears the active turn if it is turn.
func (s *Session) EndTurn(turn types.TurnID) {
	s.mu.Lock()
	if s.active == turn {
		s.active = ""
	}
	s.mu.Unlock()
}

// ActiveTurn returns the running turn, or "" between turns.
func (s *Session) ActiveTurn() types.TurnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ApplyPruning replaces a prefix of the history with a single summary
// message. It is refused while a turn is active and fails without changing
// anything if the prefix contains a pinned index or the plan is stale.
func (s *Session) ApplyPruning(plan PrunePlan) (PruneResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return PruneResult{}, fmt.Errorf("apply pruning: %w", ErrTurnInProgress)
	}
	if plan.Generation != s.ctx.Generation {
		return PruneResult{}, fmt.Errorf("apply pruning: %w: generation %d, session at %d", ErrStalePlan, plan.Generation, s.ctx.Generation)
	}
	if plan.Upto <= 0 || plan.Upto > len(s.ctx.Messages) {
		return PruneResult{}, fmt.Errorf("apply pruning: %w: upto %d of %d messages", ErrInvalidPlan, plan.Upto, len(s.ctx.Messages))
	}
	for _, p := range s.ctx.Plan.PinnedIndices {
		if p < plan.Upto {
			return PruneResult{}, fmt.Errorf("apply pruning: %w: index %d", ErrPinnedIndexViolated, p)
		}
	}

	summary := Message{
		Role:    RoleAssistant,
		Content: plan.Summary,
		Summary: true,
		At:      time.Now().UTC().Round(0),
	}
	rest := s.ctx.Messages[plan.Upto:]
	msgs := make([]Message, 0, len(rest)+1)
	msgs = append(msgs, summary)
	msgs = append(msgs, rest...)
	s.ctx.Messages = msgs
	s.ctx.Generation++

	shift := plan.Upto - 1
	for i := range s.ctx.Plan.PinnedIndices {
		s.ctx.Plan.PinnedIndices[i] -= shift
	}
	return PruneResult{
		Removed:      plan.Upto,
		SummaryIndex: 0,
		Pinned:       slices.Clone(s.ctx.Plan.PinnedIndices),
	}, nil
}

// Reset clears messages, working memory and pins. The system prompt and the
// rest of the plan are kept.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != "" {
		return fmt.Errorf("reset: %w", ErrTurnInProgress)
	}
	s.ctx.Messages = []Message{}
	s.ctx.WorkingMemory = map[string]json.RawMessage{}
	s.ctx.Plan.PinnedIndices = nil
	s.ctx.Generation++
	return nil
}

func copyContext(c ConversationContext) ConversationContext {
	out := c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Params = slices.Clone(m.Params)
		out.Messages[i] = m
	}
	out.WorkingMemory = make(map[string]json.RawMessage, len(c.WorkingMemory))
	for k, v := range c.WorkingMemory {
		out.WorkingMemory[k] = slices.Clone(v)
	}
	out.Plan = copyPlan(c.Plan)
	return out
}

func copyPlan(p ContextPlan) ContextPlan {
	p.PinnedIndices = slices.Clone(p.PinnedIndices)
	return p
}

func normalizePins(pins []int) []int {
	if len(pins) == 0 {
		return nil
	}
	out := slices.Clone(pins)
	sort.Ints(out)
	return slices.Compact(out)
}
