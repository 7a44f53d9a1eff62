// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionID string
type TurnID string
type RequestID string
type ArtifactID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// NewRequestID returns a short correlation id for an LLM request or a tool call
// that arrived without one.
func NewRequestID(prefix string) RequestID {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	if prefix == "" {
		return RequestID(id)
	}
	return RequestID(prefix + "_" + id)
}

func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New().String())
}
