// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestJournalEntrySerialization(t *testing.T) {
	entry := JournalEntry{
		SessionID: NewSessionID(),
		Channel:   "model",
		Seq:       7,
		Kind:      "assistant_text",
		TurnID:    NewTurnID(),
		At:        time.Now(),
		Payload:   json.RawMessage(`{"text":"hello"}`),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatal(err)
	}

	var decoded JournalEntry
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	if decoded.Kind != entry.Kind {
		t.Errorf("expected kind %s, got %s", entry.Kind, decoded.Kind)
	}
	if decoded.Seq != 7 {
		t.Errorf("expected seq 7, got %d", decoded.Seq)
	}
	if string(decoded.Payload) != `{"text":"hello"}` {
		t.Errorf("expected payload preserved, got %s", decoded.Payload)
	}
}
