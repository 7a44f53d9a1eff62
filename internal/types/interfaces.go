// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

type ArtifactStore interface {
	Put(ctx context.Context, sessionID SessionID, turnID TurnID, tool string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
	Excerpt(ctx context.Context, id ArtifactID, query string, maxTokens int) (string, error)
}

type Journal interface {
	Append(ctx context.Context, entry *JournalEntry) error
	Tail(ctx context.Context, sessionID SessionID, limit int) ([]*JournalEntry, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}
