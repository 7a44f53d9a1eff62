// internal/state/journal_test.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/types"
)

func TestJournal(t *testing.T) {
	dir := t.TempDir()
	journal := NewJournal(dir)
	ctx := context.Background()

	sessionID := types.NewSessionID()

	for i := 1; i <= 3; i++ {
		entry := &types.JournalEntry{
			SessionID: sessionID,
			Channel:   "ui",
			Seq:       uint64(i),
			Kind:      "user_input",
			At:        time.Now(),
			Payload:   json.RawMessage(`{"text":"hello"}`),
		}
		if err := journal.Append(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := journal.Tail(ctx, sessionID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Seq != 2 || entries[1].Seq != 3 {
		t.Errorf("expected seqs 2,3, got %d,%d", entries[0].Seq, entries[1].Seq)
	}

	count, err := journal.Count(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}
}

func TestJournalEmpty(t *testing.T) {
	journal := NewJournal(t.TempDir())
	entries, err := journal.Tail(context.Background(), "nobody", 10)
	if err != nil || entries != nil {
		t.Errorf("expected no entries, got %v %v", entries, err)
	}
	if n, _ := journal.Count(context.Background(), "nobody"); n != 0 {
		t.Errorf("expected 0, got %d", n)
	}
}

func TestJournalTapRecordsBusTraffic(t *testing.T) {
	journal := NewJournal(t.TempDir())
	b := bus.New(bus.Options{})
	for _, c := range bus.Channels() {
		if err := b.RegisterHandler(c, journal.Tap("s1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	b.Send(ctx, bus.UserInput{Text: "hi"})
	b.Send(ctx, bus.TurnComplete{TurnID: "t1", Reason: bus.ReasonCompleted, Iterations: 2})
	b.Send(ctx, bus.CancelRequest{RequestID: "r1"})
	b.Stop()

	entries, err := journal.Tail(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	kinds := map[string]*types.JournalEntry{}
	for _, e := range entries {
		kinds[e.Kind] = e
	}
	done, ok := kinds["turn_complete"]
	if !ok {
		t.Fatal("expected turn_complete entry")
	}
	if done.Channel != "model" || done.TurnID != "t1" || done.Seq != 1 {
		t.Errorf("unexpected entry %+v", done)
	}
	var payload bus.TurnComplete
	if err := json.Unmarshal(done.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Iterations != 2 {
		t.Errorf("expected payload iterations 2, got %d", payload.Iterations)
	}
	if _, ok := kinds["user_input"]; !ok {
		t.Error("expected user_input entry")
	}
}

func TestJournalAttachSkipsUnorderedChannels(t *testing.T) {
	journal := NewJournal(t.TempDir())
	b := bus.New(bus.Options{Unordered: []bus.Channel{bus.ChannelAPI}})
	skipped, err := journal.Attach(b, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(skipped) != 1 || skipped[0] != bus.ChannelAPI {
		t.Fatalf("expected api channel skipped, got %v", skipped)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		b.Send(ctx, bus.SendRequest{TurnID: "t1", RequestID: types.RequestID(fmt.Sprintf("r%d", i))})
		b.Send(ctx, bus.StreamChunk{TurnID: "t1", Text: fmt.Sprint(i)})
	}
	b.Stop()

	entries, err := journal.Tail(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	var last uint64
	for _, e := range entries {
		if e.Channel == "api" {
			t.Fatalf("expected no api entries, got %+v", e)
		}
		if e.Seq <= last {
			t.Errorf("expected increasing sequence numbers, got %d after %d", e.Seq, last)
		}
		last = e.Seq
	}
	if len(entries) != 20 {
		t.Errorf("expected 20 stream entries, got %d", len(entries))
	}
}
