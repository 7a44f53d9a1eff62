// internal/context/engine.go
package context

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/session"
	"github.com/user/clawterm/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// InputBudget is the number of prompt tokens available for one request.
func (e *Engine) InputBudget() int {
	return e.maxTokens - e.reserve
}

// PromptOptions control how a snapshot is rendered.
type PromptOptions struct {
	Tools []executor.Descriptor
	// Native renders tool results for provider-native tool calling instead of
	// the text envelope.
	Native bool
	Now    time.Time
}

// BuildPrompt renders a session snapshot into LLM messages. The system
// prompt is always included; history is kept newest first until the budget
// runs out, never splitting a native tool-call group.
func (e *Engine) BuildPrompt(snap session.ConversationContext, opts PromptOptions) []llm.Message {
	sysPrompt := e.SystemPrompt(snap, opts)
	remaining := e.InputBudget() - e.CountTokens(sysPrompt)

	units := groupMessages(snap.Messages, opts.Native)
	start := len(units)
	for start > 0 {
		cost := e.unitTokens(units[start-1])
		if cost > remaining && start < len(units) {
			break
		}
		remaining -= cost
		start--
	}

	messages := []llm.Message{{Role: "system", Content: sysPrompt}}
	for _, u := range units[start:] {
		messages = append(messages, u...)
	}
	return messages
}

func (e *Engine) unitTokens(unit []llm.Message) int {
	n := 0
	for _, m := range unit {
		n += e.CountTokens(m.Content)
		for _, tc := range m.Tools {
			n += e.CountTokens(tc.Function.Name)
			n += e.CountTokens(string(tc.Function.Arguments))
		}
	}
	return n
}

// MessageTokens totals the tokens of a message history.
func (e *Engine) MessageTokens(msgs []session.Message) int {
	n := 0
	for _, m := range msgs {
		n += e.CountTokens(m.Content)
		n += e.CountTokens(string(m.Params))
	}
	return n
}

// SystemPrompt renders the session's system prompt as a template. A prompt
// that is not a valid template is used verbatim.
func (e *Engine) SystemPrompt(snap session.ConversationContext, opts PromptOptions) string {
	text := snap.SystemPrompt
	if strings.TrimSpace(text) == "" {
		text = DefaultPrompt
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return text
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newPromptData(snap, opts, now)); err != nil {
		return text
	}
	return buf.String()
}

// groupMessages converts history to LLM messages. Each returned unit is
// trimmed as a whole.
func groupMessages(msgs []session.Message, native bool) [][]llm.Message {
	var units [][]llm.Message
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == session.RoleTool && native && m.Native {
			// A run of native results is preceded by the assistant message
			// that requested them.
			call := llm.Message{Role: "assistant"}
			var results []llm.Message
			for ; i < len(msgs) && msgs[i].Role == session.RoleTool && msgs[i].Native; i++ {
				t := msgs[i]
				args := t.Params
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				call.Tools = append(call.Tools, llm.ToolCall{
					ID:       string(t.ToolCallID),
					Type:     "function",
					Function: llm.FunctionCall{Name: t.Tool, Arguments: args},
				})
				results = append(results, llm.Message{Role: "tool", Content: t.Content, ToolCallID: string(t.ToolCallID)})
			}
			i--
			units = append(units, append([]llm.Message{call}, results...))
			continue
		}
		units = append(units, []llm.Message{toLLM(m)})
	}
	return units
}

func toLLM(m session.Message) llm.Message {
	switch m.Role {
	case session.RoleTool:
		return llm.Message{Role: "user", Content: ToolResultEnvelope(m)}
	case session.RoleAssistant:
		if m.Summary {
			return llm.Message{Role: "assistant", Content: "Summary of the earlier conversation:\n" + m.Content}
		}
		return llm.Message{Role: "assistant", Content: m.Content}
	default:
		return llm.Message{Role: string(m.Role), Content: m.Content}
	}
}

// ToolResultEnvelope renders a tool-role message as the JSON-RPC response
// answering the call it correlates with.
func ToolResultEnvelope(m session.Message) string {
	resp := struct {
		JSONRPC string `json:"jsonrpc"`
		Result  any    `json:"result"`
		ID      string `json:"id"`
	}{
		JSONRPC: "2.0",
		Result: map[string]string{
			"tool":   m.Tool,
			"output": m.Content,
		},
		ID: string(m.ToolCallID),
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return m.Content
	}
	return string(data)
}
