package context

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/pkg/llm"
)

func newEngine(t *testing.T, maxTokens, reserve int) *Engine {
	t.Helper()
	e, err := New("gpt-4", maxTokens, reserve)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func snapshotOf(msgs ...session.Message) session.ConversationContext {
	return session.ConversationContext{
		SessionID:     "test-session",
		SystemPrompt:  "You are a test assistant.",
		Messages:      msgs,
		WorkingMemory: map[string]json.RawMessage{},
	}
}

func TestNewEngine(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	if e.InputBudget() != 128000-4096 {
		t.Errorf("expected input budget %d, got %d", 128000-4096, e.InputBudget())
	}
	if e.CountTokens("hello world") == 0 {
		t.Error("expected non-zero token count")
	}
}

func TestBuildPromptBasic(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	snap := snapshotOf(
		session.Message{Role: session.RoleUser, Content: "hello"},
		session.Message{Role: session.RoleAssistant, Content: "hi there"},
	)

	messages := e.BuildPrompt(snap, PromptOptions{})
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" || messages[0].Content != "You are a test assistant." {
		t.Errorf("expected system prompt first, got %+v", messages[0])
	}
	if messages[1].Role != "user" || messages[1].Content != "hello" {
		t.Errorf("expected user 'hello', got %+v", messages[1])
	}
	if messages[2].Role != "assistant" {
		t.Errorf("expected assistant message, got %q", messages[2].Role)
	}
}

func TestBuildPromptToolResultEnvelope(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	snap := snapshotOf(
		session.Message{Role: session.RoleUser, Content: "list files"},
		session.Message{Role: session.RoleTool, Content: "a.go\n", ToolCallID: "call_1", Tool: "shell"},
	)

	messages := e.BuildPrompt(snap, PromptOptions{})
	last := messages[len(messages)-1]
	if last.Role != "user" {
		t.Fatalf("expected tool result delivered as user message, got %q", last.Role)
	}
	var resp struct {
		JSONRPC string `json:"jsonrpc"`
		ID      string `json:"id"`
		Result  struct {
			Tool   string `json:"tool"`
			Output string `json:"output"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(last.Content), &resp); err != nil {
		t.Fatalf("expected JSON-RPC response, got %q: %v", last.Content, err)
	}
	if resp.JSONRPC != "2.0" || resp.ID != "call_1" || resp.Result.Output != "a.go\n" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
}

func TestBuildPromptNativeToolGroup(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	snap := snapshotOf(
		session.Message{Role: session.RoleUser, Content: "check"},
		session.Message{Role: session.RoleTool, Native: true, ToolCallID: "c1", Tool: "shell", Params: json.RawMessage(`{"command":"ls"}`), Content: "a"},
		session.Message{Role: session.RoleTool, Native: true, ToolCallID: "c2", Tool: "list_dir", Content: "b"},
		session.Message{Role: session.RoleAssistant, Content: "done"},
	)

	messages := e.BuildPrompt(snap, PromptOptions{Native: true})
	// system, user, assistant(tool_calls), tool, tool, assistant
	if len(messages) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(messages))
	}
	call := messages[2]
	if call.Role != "assistant" || len(call.Tools) != 2 {
		t.Fatalf("expected synthesized assistant with 2 calls, got %+v", call)
	}
	if string(call.Tools[0].Function.Arguments) != `{"command":"ls"}` || string(call.Tools[1].Function.Arguments) != `{}` {
		t.Errorf("unexpected call arguments: %s / %s", call.Tools[0].Function.Arguments, call.Tools[1].Function.Arguments)
	}
	if messages[3].Role != "tool" || messages[3].ToolCallID != "c1" || messages[4].ToolCallID != "c2" {
		t.Errorf("expected tool results correlated to c1 and c2, got %+v %+v", messages[3], messages[4])
	}
}

func TestBuildPromptBudgetKeepsNewest(t *testing.T) {
	e := newEngine(t, 500, 100)
	var msgs []session.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, session.Message{
			Role:    session.RoleUser,
			Content: fmt.Sprintf("message %d takes up tokens in the context window budget.", i),
		})
	}

	messages := e.BuildPrompt(snapshotOf(msgs...), PromptOptions{})
	if len(messages) >= 51 {
		t.Fatalf("expected truncation, got %d messages", len(messages))
	}
	if len(messages) < 2 {
		t.Fatalf("expected at least the newest message, got %d", len(messages))
	}
	if !strings.HasPrefix(messages[len(messages)-1].Content, "message 49 ") {
		t.Errorf("expected newest message kept, got %q", messages[len(messages)-1].Content)
	}
}

func TestSystemPromptTemplate(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	snap := snapshotOf()
	snap.SystemPrompt = "" // use DefaultPrompt
	snap.WorkingMemory["goal"] = json.RawMessage(`"fix the build"`)
	tools := []executor.Descriptor{{
		Name:        "shell",
		Description: "Run a shell command.",
		Risk:        safety.RiskHigh,
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}}

	prompt := e.SystemPrompt(snap, PromptOptions{Tools: tools, Now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})
	for _, want := range []string{
		"2026-01-02T03:04:05Z",
		"test-session",
		`- goal: "fix the build"`,
		"### shell (high risk)",
		`"method":"mcp.tool_call"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}

	native := e.SystemPrompt(snap, PromptOptions{Tools: tools, Native: true})
	if strings.Contains(native, "mcp.tool_call") {
		t.Error("expected native prompt to omit envelope instructions")
	}
}

func TestSystemPromptInvalidTemplateVerbatim(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	snap := snapshotOf()
	snap.SystemPrompt = "literal {{ not closed"
	if got := e.SystemPrompt(snap, PromptOptions{}); got != "literal {{ not closed" {
		t.Errorf("expected verbatim prompt, got %q", got)
	}
}

func userMessages(n int) []session.Message {
	msgs := make([]session.Message, n)
	for i := range msgs {
		msgs[i] = session.Message{Role: session.RoleUser, Content: fmt.Sprintf("m%d", i)}
	}
	return msgs
}

func TestPlanPruning(t *testing.T) {
	e := newEngine(t, 128000, 4096)

	snap := snapshotOf(userMessages(10)...)
	snap.Plan = session.ContextPlan{SummaryFrequency: 8, PruningStrategy: session.PruneDropOldest}
	upto, ok := e.PlanPruning(snap)
	if !ok || upto != 6 {
		t.Errorf("expected prune up to 6, got %d %v", upto, ok)
	}

	snap.Plan.PinnedIndices = []int{3}
	upto, ok = e.PlanPruning(snap)
	if !ok || upto != 3 {
		t.Errorf("expected prefix to stop before pinned index 3, got %d %v", upto, ok)
	}

	snap.Plan.PinnedIndices = []int{0}
	if _, ok := e.PlanPruning(snap); ok {
		t.Error("expected no pruning when the first message is pinned")
	}

	snap.Plan = session.ContextPlan{SummaryFrequency: 8, PruningStrategy: session.PruneNone}
	if _, ok := e.PlanPruning(snap); ok {
		t.Error("expected strategy none never to prune")
	}

	snap = snapshotOf(userMessages(5)...)
	snap.Plan = session.ContextPlan{SummaryFrequency: 8, PruningStrategy: session.PruneDropOldest}
	if _, ok := e.PlanPruning(snap); ok {
		t.Error("expected no pruning below the frequency")
	}
}

func TestPlanPruningByBudget(t *testing.T) {
	e := newEngine(t, 200, 100)
	var msgs []session.Message
	for i := 0; i < 12; i++ {
		msgs = append(msgs, session.Message{Role: session.RoleUser, Content: strings.Repeat("token ", 20)})
	}
	snap := snapshotOf(msgs...)
	snap.Plan = session.ContextPlan{PruningStrategy: session.PruneDropOldest}
	if upto, ok := e.PlanPruning(snap); !ok || upto != 12-minKeep {
		t.Errorf("expected budget-triggered prune up to %d, got %d %v", 12-minKeep, upto, ok)
	}
}

func TestPruneDropOldest(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	sess := session.New("", "sys", session.ContextPlan{SummaryFrequency: 6, PruningStrategy: session.PruneDropOldest})
	for i := 0; i < 8; i++ {
		sess.AddMessage(session.RoleUser, fmt.Sprintf("m%d", i))
	}

	changed, err := e.Prune(context.Background(), sess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("expected pruning")
	}
	snap := sess.Snapshot()
	if len(snap.Messages) != 5 {
		t.Fatalf("expected summary plus 4 kept, got %d", len(snap.Messages))
	}
	if snap.Messages[0].Content != "[4 earlier messages removed]" {
		t.Errorf("unexpected marker %q", snap.Messages[0].Content)
	}
	if changed, _ := e.Prune(context.Background(), sess, nil); changed {
		t.Error("expected second prune to be a no-op")
	}
}

type summaryProvider struct {
	mu   sync.Mutex
	seen []llm.Message
	// during runs while the summary is being produced.
	during func()
}

func (p *summaryProvider) Complete(_ context.Context, messages []llm.Message, _ []llm.Tool) (*llm.Response, error) {
	if p.during != nil {
		p.during()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = messages
	return &llm.Response{Content: "  the user listed files  "}, nil
}

func (p *summaryProvider) Stream(context.Context, []llm.Message, []llm.Tool) (<-chan llm.Delta, error) {
	return nil, fmt.Errorf("not supported")
}

func TestPruneSummarize(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	sess := session.New("", "sys", session.ContextPlan{SummaryFrequency: 6, PruningStrategy: session.PruneSummarize})
	sess.AddMessage(session.RoleUser, "list files")
	sess.Append(session.Message{Role: session.RoleTool, Tool: "shell", ToolCallID: "c1", Content: "a.go"})
	for i := 0; i < 5; i++ {
		sess.AddMessage(session.RoleAssistant, fmt.Sprintf("reply %d", i))
	}

	provider := &summaryProvider{}
	if _, err := e.Prune(context.Background(), sess, provider); err != nil {
		t.Fatal(err)
	}
	snap := sess.Snapshot()
	if !snap.Messages[0].Summary || snap.Messages[0].Content != "the user listed files" {
		t.Errorf("expected trimmed LLM summary, got %+v", snap.Messages[0])
	}
	if len(provider.seen) != 2 || !strings.Contains(provider.seen[1].Content, "[tool shell c1]") {
		t.Errorf("expected transcript sent to provider, got %+v", provider.seen)
	}
}

func TestPruneDiscardsPlanAfterReset(t *testing.T) {
	e := newEngine(t, 128000, 4096)
	sess := session.New("", "sys", session.ContextPlan{SummaryFrequency: 6, PruningStrategy: session.PruneSummarize})
	for i := 0; i < 8; i++ {
		sess.AddMessage(session.RoleUser, fmt.Sprintf("old%d", i))
	}
	provider := &summaryProvider{during: func() {
		if err := sess.Reset(); err != nil {
			t.Error(err)
		}
		for i := 0; i < 8; i++ {
			sess.AddMessage(session.RoleUser, fmt.Sprintf("new%d", i))
		}
	}}

	changed, err := e.Prune(context.Background(), sess, provider)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("expected stale plan to be discarded")
	}
	snap := sess.Snapshot()
	if len(snap.Messages) != 8 {
		t.Fatalf("expected 8 messages, got %d", len(snap.Messages))
	}
	for i, m := range snap.Messages {
		if m.Summary || m.Content != fmt.Sprintf("new%d", i) {
			t.Errorf("message %d: expected new%d, got %+v", i, i, m)
		}
	}
}
