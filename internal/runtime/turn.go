package runtime

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/user/clawterm/internal/types"
)

// TurnStatus is the coarse state of a turn.
type TurnStatus string

const (
	StatusAwaitingModel TurnStatus = "awaiting_model"
	StatusExecutingTool TurnStatus = "executing_tool"
	StatusTerminal      TurnStatus = "terminal"
)

// TurnState is owned by the runtime for the life of one turn. Fields other
// than the cancel flag are only touched with Runtime.mu held.
type TurnState struct {
	ID        types.TurnID
	Iteration int
	Status    TurnStatus
	// Calls is the batch being executed.
	Calls []ToolCallRequest
	// Accumulated holds every call requested so far in the turn.
	Accumulated []ToolCallRequest
	// RequestID is the LLM request in flight, if any.
	RequestID types.RequestID
	Started   time.Time

	seen      map[string]bool
	cancelled atomic.Bool
}

func newTurn(id types.TurnID) *TurnState {
	return &TurnState{ID: id, Status: StatusAwaitingModel, Started: time.Now()}
}

// Cancelled reports whether the turn was cancelled. Tools poll it.
func (t *TurnState) Cancelled() bool { return t.cancelled.Load() }

// markSeen records calls and reports, per call, whether an identical call
// (same tool, same parameters) was already requested in this turn.
func (t *TurnState) markSeen(calls []ToolCallRequest) []bool {
	if t.seen == nil {
		t.seen = make(map[string]bool)
	}
	repeats := make([]bool, len(calls))
	for i, c := range calls {
		key := callKey(c)
		repeats[i] = t.seen[key]
		t.seen[key] = true
	}
	return repeats
}

// callKey identifies a call by tool name and parameters, ignoring key order
// and whitespace in the parameters.
func callKey(c ToolCallRequest) string {
	params := string(c.Params)
	var v any
	if json.Unmarshal(c.Params, &v) == nil {
		if canon, err := json.Marshal(v); err == nil {
			params = string(canon)
		}
	}
	return c.Name + "\x00" + params
}

// TurnInfo is a copy of a TurnState for callers outside the runtime.
type TurnInfo struct {
	ID        types.TurnID
	Iteration int
	Status    TurnStatus
	Calls     int
	// Accumulated counts every call requested in the turn so far.
	Accumulated int
	Started     time.Time
}

func (t *TurnState) info() TurnInfo {
	return TurnInfo{
		ID:          t.ID,
		Iteration:   t.Iteration,
		Status:      t.Status,
		Calls:       len(t.Calls),
		Accumulated: len(t.Accumulated),
		Started:     t.Started,
	}
}
