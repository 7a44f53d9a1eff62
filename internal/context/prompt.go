package context

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/session"
)

// PromptData is what a system prompt template can reference.
type PromptData struct {
	Time      string
	SessionID string
	Tools     []executor.Descriptor
	ToolNames string
	Memory    string
	Native    bool
}

func newPromptData(snap session.ConversationContext, opts PromptOptions, now time.Time) PromptData {
	names := make([]string, len(opts.Tools))
	for i, d := range opts.Tools {
		names[i] = d.Name
	}
	return PromptData{
		Time:      now.Format(time.RFC3339),
		SessionID: string(snap.SessionID),
		Tools:     opts.Tools,
		ToolNames: strings.Join(names, ", "),
		Memory:    renderMemory(snap),
		Native:    opts.Native,
	}
}

func renderMemory(snap session.ConversationContext) string {
	if len(snap.WorkingMemory) == 0 {
		return ""
	}
	keys := make([]string, 0, len(snap.WorkingMemory))
	for k := range snap.WorkingMemory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, snap.WorkingMemory[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// DefaultPrompt is the built-in system prompt template used when no custom
// prompt file is configured. It uses Go text/template syntax with PromptData
// fields: .Time, .SessionID, .Tools, .ToolNames, .Memory, .Native
const DefaultPrompt = `You are Clawterm, a terminal assistant that helps the user with software tasks on their machine.

## Current Context

- Time: {{.Time}}
- Session: {{.SessionID}}
- Available tools: {{.ToolNames}}
{{- if .Memory}}

## Working Memory

Task-scoped notes saved earlier in this session:

{{.Memory}}
{{- end}}
{{- if .Tools}}

## Tools
{{range .Tools}}
### {{.Name}} ({{.Risk}} risk)
{{.Description}}
Parameters: {{printf "%s" .InputSchema}}
{{end}}
{{- if not .Native}}
## Calling Tools

To call a tool, reply with nothing but a JSON-RPC request, one object per call:

{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"<tool>","parameters":{...}},"id":"<unique id>"}

You may send several requests in one reply to run them together; give each a different id. Each result comes back as a JSON-RPC response carrying the same id. Any reply that is not a tool call is shown to the user as your answer.
{{- end}}

High-risk tools may need the user's approval and can be denied. A denied or failed call is reported back to you; adapt rather than repeating it unchanged.
{{- end}}

## Response Style

- Be concise and direct.
- Check tool results instead of assuming success.
- Use code blocks for code and command output.
`
