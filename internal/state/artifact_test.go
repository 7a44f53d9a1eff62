// internal/state/artifact_test.go
package state

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/user/clawterm/internal/types"
)

func TestArtifactStore(t *testing.T) {
	dir := t.TempDir()
	store := NewArtifactStore(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()
	turnID := types.NewTurnID()

	// Test put
	data := map[string]any{
		"output": "test result",
		"lines":  []string{"line1", "line2"},
	}

	artifactID, err := store.Put(ctx, sessionID, turnID, "test-tool", data)
	if err != nil {
		t.Fatal(err)
	}
	if artifactID == "" {
		t.Error("expected non-empty artifact ID")
	}

	// Test get
	raw, err := store.Get(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}

	var retrieved map[string]any
	if err := json.Unmarshal(raw, &retrieved); err != nil {
		t.Fatal(err)
	}
	if retrieved["output"] != "test result" {
		t.Error("data mismatch")
	}

	// Test get meta
	meta, err := store.GetMeta(ctx, artifactID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Tool != "test-tool" {
		t.Errorf("expected tool test-tool, got %s", meta.Tool)
	}
	if meta.TurnID != turnID {
		t.Errorf("expected turn %s, got %s", turnID, meta.TurnID)
	}
}

func TestArtifactStoreText(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	ctx := context.Background()

	output := strings.Repeat("a", 100) + "NEEDLE" + strings.Repeat("b", 100)
	id, err := store.Put(ctx, "s1", "t1", "shell", output)
	if err != nil {
		t.Fatal(err)
	}

	text, err := store.Text(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if text != output {
		t.Errorf("expected text round trip, got %d bytes", len(text))
	}

	meta, _ := store.GetMeta(ctx, id)
	if meta.Size != len(output) || !strings.HasPrefix(meta.MimeType, "text/plain") {
		t.Errorf("unexpected meta %+v", meta)
	}

	excerpt, err := store.Excerpt(ctx, id, "needle", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(excerpt) != 20 || !strings.Contains(excerpt, "NEEDLE") {
		t.Errorf("expected 20-char excerpt around the match, got %q", excerpt)
	}

	head, _ := store.Excerpt(ctx, id, "", 2)
	if head != "aaaaaaaa" {
		t.Errorf("expected leading excerpt, got %q", head)
	}
}

func TestArtifactNotFound(t *testing.T) {
	store := NewArtifactStore(t.TempDir())
	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing artifact")
	}
	if _, err := store.Get(context.Background(), "../../etc"); err == nil {
		t.Error("expected error for path-like id")
	}
}
