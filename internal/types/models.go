// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// JournalEntry is one bus event as recorded in the session journal.
type JournalEntry struct {
	SessionID SessionID       `json:"session_id"`
	Channel   string          `json:"channel"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	TurnID    TurnID          `json:"turn_id,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	SessionID SessionID  `json:"session_id"`
	TurnID    TurnID     `json:"turn_id"`
	Tool      string     `json:"tool"`
	Size      int        `json:"size"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
}
