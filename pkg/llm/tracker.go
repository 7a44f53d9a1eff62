package llm

import (
	"context"
	"sort"
	"sync"
)

// Tracker registers in-flight requests by id so they can be cancelled out of
// band, from a goroutine other than the one waiting on the response.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

func NewTracker() *Tracker {
	return &Tracker{inflight: make(map[string]context.CancelFunc)}
}

// Begin derives a cancellable context for request id. The returned done
// func must be called when the request finishes.
func (t *Tracker) Begin(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if prev, ok := t.inflight[id]; ok {
		prev()
	}
	t.inflight[id] = cancel
	t.mu.Unlock()
	return ctx, func() {
		cancel()
		t.mu.Lock()
		delete(t.inflight, id)
		t.mu.Unlock()
	}
}

// Cancel aborts request id. It reports whether the request was in flight.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	cancel, ok := t.inflight[id]
	delete(t.inflight, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// InFlight lists the ids of running requests.
func (t *Tracker) InFlight() []string {
	t.mu.Lock()
	ids := make([]string, 0, len(t.inflight))
	for id := range t.inflight {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}
