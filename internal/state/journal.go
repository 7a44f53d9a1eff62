// internal/state/journal.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/types"
)

// Journal is a JSONL-backed append-only record of bus traffic.
// Entries are stored per session in journal/<sessionID>.jsonl.
type Journal struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewJournal creates a new file-backed Journal rooted at the given directory.
func NewJournal(root string) *Journal {
	return &Journal{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (j *Journal) getLock(sessionID types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[sessionID] = lock
	return lock
}

func (j *Journal) path(sessionID types.SessionID) string {
	return filepath.Join(j.root, "journal", string(sessionID)+".jsonl")
}

// Append adds an entry to the session's journal.
func (j *Journal) Append(_ context.Context, entry *types.JournalEntry) error {
	lock := j.getLock(entry.SessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path(entry.SessionID)), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(j.path(entry.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// Tail returns the last N entries for the given session.
func (j *Journal) Tail(_ context.Context, sessionID types.SessionID, limit int) ([]*types.JournalEntry, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []*types.JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		var entry types.JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	// Return last N entries
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for the given session.
func (j *Journal) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var count int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scan journal: %w", err)
	}
	return count, nil
}

// Attach registers a Tap for sessionID on every ordered channel of b and
// returns the channels it skipped. Handlers on unordered channels run
// concurrently, so their lines could land out of sequence.
func (j *Journal) Attach(b *bus.Bus, sessionID types.SessionID) ([]bus.Channel, error) {
	tap := j.Tap(sessionID)
	var skipped []bus.Channel
	for _, c := range bus.Channels() {
		if !b.Ordered(c) {
			skipped = append(skipped, c)
			continue
		}
		if err := b.RegisterHandler(c, tap); err != nil {
			return skipped, fmt.Errorf("register journal on %s: %w", c, err)
		}
	}
	return skipped, nil
}

// Tap returns a bus handler that records every envelope it sees for
// sessionID. Attach registers it on the channels where order is kept. Write
// failures are logged rather than returned so a full disk cannot flood the
// bus with handler errors.
func (j *Journal) Tap(sessionID types.SessionID) bus.Handler {
	return func(ctx context.Context, env bus.Envelope) error {
		payload, err := json.Marshal(env.Event)
		if err != nil {
			payload = nil
		}
		entry := &types.JournalEntry{
			SessionID: sessionID,
			Channel:   env.Channel.String(),
			Seq:       env.Seq,
			Kind:      env.Event.Kind(),
			TurnID:    bus.TurnOf(env.Event),
			At:        env.At,
			Payload:   payload,
		}
		if err := j.Append(ctx, entry); err != nil {
			slog.Warn("journal append failed", "session_id", sessionID, "kind", entry.Kind, "error", err)
		}
		return nil
	}
}
