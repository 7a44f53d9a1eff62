package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func TestAddMessageIndexes(t *testing.T) {
	s := New("", "system", ContextPlan{})
	if i := s.AddMessage(RoleUser, "hello"); i != 0 {
		t.Errorf("expected index 0, got %d", i)
	}
	if i := s.AddMessage(RoleAssistant, "hi"); i != 1 {
		t.Errorf("expected index 1, got %d", i)
	}
	if s.Len() != 2 {
		t.Errorf("expected 2 messages, got %d", s.Len())
	}
}

func TestConcurrentAddMessageIsAtomic(t *testing.T) {
	s := New("", "", ContextPlan{})
	const writers, perWriter = 8, 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Append(Message{Role: RoleTool, Content: fmt.Sprintf("w%d-%d", w, i), Tool: fmt.Sprintf("w%d", w)})
			}
		}(w)
	}
	wg.Wait()

	snap := s.Snapshot()
	if len(snap.Messages) != writers*perWriter {
		t.Fatalf("expected %d messages, got %d", writers*perWriter, len(snap.Messages))
	}
	next := make(map[string]int)
	for _, m := range snap.Messages {
		// A torn message would pair content from one writer with another's tool.
		if !strings.HasPrefix(m.Content, m.Tool+"-") {
			t.Fatalf("torn message: %+v", m)
		}
		want := fmt.Sprintf("%s-%d", m.Tool, next[m.Tool])
		if m.Content != want {
			t.Fatalf("expected %s in writer order, got %s", want, m.Content)
		}
		next[m.Tool]++
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := New("", "sys", ContextPlan{})
	s.AddMessage(RoleUser, "one")
	if err := s.SetMemory("k", json.RawMessage(`{"a":1}`)); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	snap.WorkingMemory["k"][2] = 'X'
	s.AddMessage(RoleAssistant, "two")

	if len(snap.Messages) != 1 {
		t.Errorf("expected snapshot to keep 1 message, got %d", len(snap.Messages))
	}
	again := s.Snapshot()
	if again.Messages[0].Content != "one" {
		t.Errorf("expected session unaffected by snapshot edits, got %q", again.Messages[0].Content)
	}
	if string(again.WorkingMemory["k"]) != `{"a":1}` {
		t.Errorf("expected memory unaffected, got %s", again.WorkingMemory["k"])
	}
}

func TestApplyPruningReplacesPrefix(t *testing.T) {
	s := New("", "", ContextPlan{})
	for i := 0; i < 6; i++ {
		s.AddMessage(RoleUser, fmt.Sprintf("m%d", i))
	}
	if err := s.Pin(5); err != nil {
		t.Fatal(err)
	}

	res, err := s.ApplyPruning(PrunePlan{Upto: 4, Summary: "earlier: m0..m3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed != 4 {
		t.Errorf("expected 4 removed, got %d", res.Removed)
	}
	snap := s.Snapshot()
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap.Messages))
	}
	if !snap.Messages[0].Summary || snap.Messages[0].Content != "earlier: m0..m3" {
		t.Errorf("expected summary first, got %+v", snap.Messages[0])
	}
	if snap.Messages[2].Content != "m5" {
		t.Errorf("expected m5 last, got %q", snap.Messages[2].Content)
	}
	if !reflect.DeepEqual(snap.Plan.PinnedIndices, []int{2}) {
		t.Errorf("expected pin re-based to 2, got %v", snap.Plan.PinnedIndices)
	}
	if !snap.Pinned(2) || snap.Messages[2].Content != "m5" {
		t.Error("expected pinned index to still address m5")
	}
	if s.SinceSummary() != 2 {
		t.Errorf("expected 2 messages since summary, got %d", s.SinceSummary())
	}
}

func TestApplyPruningPinnedIndexViolated(t *testing.T) {
	s := New("", "", ContextPlan{PinnedIndices: []int{1}})
	for i := 0; i < 4; i++ {
		s.AddMessage(RoleUser, fmt.Sprintf("m%d", i))
	}
	before := s.Snapshot()

	for attempt := 0; attempt < 2; attempt++ {
		_, err := s.ApplyPruning(PrunePlan{Upto: 3, Summary: "x"})
		if !errors.Is(err, ErrPinnedIndexViolated) {
			t.Fatalf("expected ErrPinnedIndexViolated, got %v", err)
		}
		if !reflect.DeepEqual(s.Snapshot(), before) {
			t.Fatal("expected session unchanged after failed pruning")
		}
	}
}

func TestApplyPruningRefusedDuringTurn(t *testing.T) {
	s := New("", "", ContextPlan{})
	s.AddMessage(RoleUser, "a")
	s.AddMessage(RoleUser, "b")
	if err := s.BeginTurn("t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyPruning(PrunePlan{Upto: 1}); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("expected ErrTurnInProgress, got %v", err)
	}
	if err := s.BeginTurn("t2"); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("expected second turn refused, got %v", err)
	}
	s.EndTurn("t1")
	if _, err := s.ApplyPruning(PrunePlan{Upto: 1}); err != nil {
		t.Errorf("expected pruning after turn end, got %v", err)
	}
}

func TestApplyPruningInvalidPlan(t *testing.T) {
	s := New("", "", ContextPlan{})
	s.AddMessage(RoleUser, "a")
	for _, upto := range []int{0, -1, 2} {
		if _, err := s.ApplyPruning(PrunePlan{Upto: upto}); !errors.Is(err, ErrInvalidPlan) {
			t.Errorf("upto %d: expected ErrInvalidPlan, got %v", upto, err)
		}
	}
}

func TestApplyPruningRejectsStalePlan(t *testing.T) {
	s := New("", "", ContextPlan{})
	for i := 0; i < 8; i++ {
		s.AddMessage(RoleUser, fmt.Sprintf("old%d", i))
	}
	planned := s.Snapshot()

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		s.AddMessage(RoleUser, fmt.Sprintf("new%d", i))
	}
	before := s.Snapshot()

	_, err := s.ApplyPruning(PrunePlan{Upto: 6, Summary: "summary of old0..old5", Generation: planned.Generation})
	if !errors.Is(err, ErrStalePlan) {
		t.Fatalf("expected ErrStalePlan after reset, got %v", err)
	}
	if !reflect.DeepEqual(s.Snapshot(), before) {
		t.Fatal("expected session unchanged after stale plan")
	}

	if _, err := s.ApplyPruning(PrunePlan{Upto: 4, Summary: "new0..new3", Generation: before.Generation}); err != nil {
		t.Fatal(err)
	}
	// A second plan from the same snapshot would summarize messages that no
	// longer sit at those indices.
	if _, err := s.ApplyPruning(PrunePlan{Upto: 2, Summary: "again", Generation: before.Generation}); !errors.Is(err, ErrStalePlan) {
		t.Errorf("expected ErrStalePlan after earlier pruning, got %v", err)
	}
	snap := s.Snapshot()
	if len(snap.Messages) != 5 || snap.Messages[0].Content != "new0..new3" || snap.Messages[1].Content != "new4" {
		t.Errorf("unexpected history %+v", snap.Messages)
	}
}

func TestResetKeepsSystemPrompt(t *testing.T) {
	s := New("", "be brief", ContextPlan{SummaryFrequency: 10})
	s.AddMessage(RoleUser, "hi")
	s.Pin(0)
	s.SetMemory("task", json.RawMessage(`"build"`))

	if err := s.Reset(); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if snap.SystemPrompt != "be brief" {
		t.Errorf("expected system prompt kept, got %q", snap.SystemPrompt)
	}
	if len(snap.Messages) != 0 || len(snap.WorkingMemory) != 0 || len(snap.Plan.PinnedIndices) != 0 {
		t.Errorf("expected cleared session, got %+v", snap)
	}
	if snap.Plan.SummaryFrequency != 10 {
		t.Errorf("expected plan settings kept, got %d", snap.Plan.SummaryFrequency)
	}
}

func TestMemoryOperations(t *testing.T) {
	s := New("", "", ContextPlan{})
	if err := s.SetMemory("b", json.RawMessage(`{ "x" : [1, 2] }`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemory("a", json.RawMessage(`true`)); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMemory("bad", json.RawMessage(`{nope`)); err == nil {
		t.Error("expected invalid JSON rejected")
	}

	v, ok := s.Memory("b")
	if !ok || string(v) != `{"x":[1,2]}` {
		t.Errorf("expected compacted value, got %s", v)
	}
	if keys := s.MemoryKeys(); !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", keys)
	}
	if !s.DeleteMemory("a") || s.DeleteMemory("a") {
		t.Error("expected first delete true, second false")
	}
}

func TestPinOutOfRange(t *testing.T) {
	s := New("", "", ContextPlan{})
	if err := s.Pin(0); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
	s.AddMessage(RoleUser, "a")
	s.Pin(0)
	s.Pin(0)
	if pins := s.Plan().PinnedIndices; !reflect.DeepEqual(pins, []int{0}) {
		t.Errorf("expected deduplicated pins, got %v", pins)
	}
	s.Unpin(0)
	if pins := s.Plan().PinnedIndices; len(pins) != 0 {
		t.Errorf("expected no pins, got %v", pins)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	s := New("sess-1", "system prompt", ContextPlan{SummaryFrequency: 12, PruningStrategy: PruneSummarize})
	s.AddMessage(RoleUser, "list files")
	s.Append(Message{
		Role:       RoleTool,
		Content:    "a.go\nb.go",
		ToolCallID: "call_1",
		Tool:       "shell",
		Params:     json.RawMessage(`{"command":"ls"}`),
	})
	s.AddMessage(RoleAssistant, "two files")
	s.Pin(0)
	s.SetMemory("cwd", json.RawMessage(`{"path":"/src","depth":2.5,"tags":["a",null]}`))

	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadCheckpoint(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID() != "sess-1" {
		t.Errorf("expected session id sess-1, got %s", loaded.ID())
	}
	if !reflect.DeepEqual(loaded.Snapshot(), s.Snapshot()) {
		t.Errorf("checkpoint did not round-trip:\nwant %+v\ngot  %+v", s.Snapshot(), loaded.Snapshot())
	}
}

func TestSaveRefusedDuringTurn(t *testing.T) {
	s := New("", "", ContextPlan{})
	s.BeginTurn("t")
	if err := s.Save(filepath.Join(t.TempDir(), "cp.json")); !errors.Is(err, ErrTurnInProgress) {
		t.Errorf("expected ErrTurnInProgress, got %v", err)
	}
}

func TestLoadOrNewMissingFile(t *testing.T) {
	s, err := LoadOrNew(filepath.Join(t.TempDir(), "missing.json"), "sys", ContextPlan{})
	if err != nil {
		t.Fatal(err)
	}
	if s.SystemPrompt() != "sys" || s.Len() != 0 {
		t.Errorf("expected fresh session, got prompt %q len %d", s.SystemPrompt(), s.Len())
	}
}
