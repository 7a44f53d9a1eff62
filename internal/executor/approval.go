package executor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/user/clawterm/internal/types"
)

var (
	// ErrConfirmationTimeout is returned by Await when nobody answered in time.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrConfirmationCancelled is returned by Await when the turn was
	// cancelled, including just before the call was registered.
	ErrConfirmationCancelled = errors.New("cancelled awaiting confirmation")
)

type pendingApproval struct {
	turn  types.TurnID
	tool  string
	since time.Time
	reply chan bool
}

// PendingApproval describes a call waiting for the user.
type PendingApproval struct {
	RequestID types.RequestID
	TurnID    types.TurnID
	Tool      string
	Since     time.Time
}

// Approvals matches confirmation answers from the UI to suspended calls.
type Approvals struct {
	mu      sync.Mutex
	pending map[types.RequestID]*pendingApproval
}

func NewApprovals() *Approvals {
	return &Approvals{pending: make(map[types.RequestID]*pendingApproval)}
}

// Await parks the caller until Resolve is called for id, the timeout
// passes, ctx ends, or cancelled reports true. cancelled may be nil; it is
// checked once the call is registered and then every poll. Only the calling
// goroutine waits; the bus keeps dispatching.
func (a *Approvals) Await(ctx context.Context, call Call, timeout, poll time.Duration, cancelled func() bool) (bool, error) {
	p := &pendingApproval{
		turn:  call.TurnID,
		tool:  call.Tool,
		since: time.Now(),
		reply: make(chan bool, 1),
	}
	a.mu.Lock()
	a.pending[call.RequestID] = p
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.pending[call.RequestID] == p {
			delete(a.pending, call.RequestID)
		}
		a.mu.Unlock()
	}()

	// A cancel that ran DenyTurn before the entry existed is caught here.
	var tick <-chan time.Time
	if cancelled != nil {
		if cancelled() {
			return false, ErrConfirmationCancelled
		}
		if poll <= 0 {
			poll = DefaultPollInterval
		}
		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ok := <-p.reply:
			return ok, nil
		case <-timer.C:
			return false, ErrConfirmationTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		case <-tick:
			if cancelled() {
				return false, ErrConfirmationCancelled
			}
		}
	}
}

// Resolve answers a pending confirmation. It reports false when no call
// with that id is waiting.
func (a *Approvals) Resolve(id types.RequestID, approved bool) bool {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	p.reply <- approved
	return true
}

// DenyTurn rejects every pending confirmation that belongs to turn.
func (a *Approvals) DenyTurn(turn types.TurnID) int {
	a.mu.Lock()
	var matched []*pendingApproval
	for id, p := range a.pending {
		if p.turn == turn {
			matched = append(matched, p)
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()
	for _, p := range matched {
		p.reply <- false
	}
	return len(matched)
}

// Pending lists waiting confirmations, oldest first.
func (a *Approvals) Pending() []PendingApproval {
	a.mu.Lock()
	out := make([]PendingApproval, 0, len(a.pending))
	for id, p := range a.pending {
		out = append(out, PendingApproval{RequestID: id, TurnID: p.turn, Tool: p.tool, Since: p.since})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}
