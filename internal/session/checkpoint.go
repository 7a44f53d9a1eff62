package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/clawterm/internal/types"
)

const checkpointVersion = 1

type checkpoint struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	ConversationContext
}

// Save writes the session to path atomically. Checkpoints are only taken
// between turns.
func (s *Session) Save(path string) error {
	s.mu.Lock()
	if s.active != "" {
		s.mu.Unlock()
		return fmt.Errorf("save checkpoint: %w", ErrTurnInProgress)
	}
	snap := copyContext(s.ctx)
	s.mu.Unlock()

	data, err := json.Marshal(checkpoint{
		Version:             checkpointVersion,
		SavedAt:             time.Now().UTC(),
		ConversationContext: snap,
	})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	// Atomic write: write to temp file then rename
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores a session saved with Save.
func LoadCheckpoint(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %d", path, cp.Version)
	}
	for _, p := range cp.Plan.PinnedIndices {
		if p < 0 || p >= len(cp.Messages) {
			return nil, fmt.Errorf("checkpoint %s: pinned index %d: %w", path, p, ErrIndexOutOfRange)
		}
	}

	if cp.SessionID == "" {
		cp.SessionID = types.NewSessionID()
	}
	if cp.Messages == nil {
		cp.Messages = []Message{}
	}
	if cp.WorkingMemory == nil {
		cp.WorkingMemory = map[string]json.RawMessage{}
	}
	if cp.Plan.PruningStrategy == "" {
		cp.Plan.PruningStrategy = PruneNone
	}
	return &Session{id: cp.SessionID, ctx: cp.ConversationContext}, nil
}

// LoadOrNew restores the checkpoint at path, or starts a fresh session when
// the file does not exist.
func LoadOrNew(path, systemPrompt string, plan ContextPlan) (*Session, error) {
	if path == "" {
		return New("", systemPrompt, plan), nil
	}
	s, err := LoadCheckpoint(path)
	if errors.Is(err, os.ErrNotExist) {
		return New("", systemPrompt, plan), nil
	}
	return s, err
}

func compactJSON(v json.RawMessage) (json.RawMessage, error) {
	if len(v) == 0 {
		return nil, errors.New("empty value")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
