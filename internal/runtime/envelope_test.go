package runtime

import (
	"encoding/json"
	"testing"

	"github.com/user/clawterm/pkg/llm"
)

func TestParseEnvelopeSingleCall(t *testing.T) {
	text := `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"list_dir","parameters":{"path":"."}},"id":"call_1"}`
	parsed := ParseEnvelope(text)
	if parsed.Kind != ToolCalls {
		t.Fatalf("expected tool_calls, got %s (%v)", parsed.Kind, parsed.Protocol)
	}
	if len(parsed.Calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(parsed.Calls))
	}
	call := parsed.Calls[0]
	if call.RequestID != "call_1" || call.Name != "list_dir" || string(call.Params) != `{"path":"."}` {
		t.Errorf("unexpected call %+v", call)
	}
}

func TestParseEnvelopeForms(t *testing.T) {
	one := `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}},"id":"1"}`
	two := `{"jsonrpc":"2.0","method":"tool_call","params":{"name":"b","parameters":{}},"id":2}`

	tests := []struct {
		name  string
		text  string
		calls int
	}{
		{"fenced", "```json\n" + one + "\n```", 1},
		{"bare fence", "```\n" + one + "\n```", 1},
		{"sequence", one + "\n" + two, 2},
		{"array", "[" + one + "," + two + "]", 2},
		{"surrounding space", "\n\n  " + one + "  \n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := ParseEnvelope(tt.text)
			if parsed.Kind != ToolCalls || len(parsed.Calls) != tt.calls {
				t.Errorf("expected %d calls, got %s with %d (%v)", tt.calls, parsed.Kind, len(parsed.Calls), parsed.Protocol)
			}
		})
	}
}

func TestParseEnvelopeNumericID(t *testing.T) {
	parsed := ParseEnvelope(`{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}},"id":42}`)
	if parsed.Kind != ToolCalls || parsed.Calls[0].RequestID != "42" {
		t.Errorf("expected request id 42, got %+v", parsed)
	}
}

func TestParseEnvelopePlainText(t *testing.T) {
	for _, text := range []string{
		"Here are the files you asked for.",
		"",
		"```go\nfmt.Println(1)\n```",
		"I would call {\"jsonrpc\":\"2.0\"} but won't.",
	} {
		parsed := ParseEnvelope(text)
		if parsed.Kind != PlainText || parsed.Text != text || parsed.Protocol != nil {
			t.Errorf("expected plain text without protocol error for %q, got %+v", text, parsed)
		}
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"bad json", `{"jsonrpc":"2.0",`},
		{"wrong version", `{"jsonrpc":"1.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}},"id":"1"}`},
		{"wrong method", `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"a","parameters":{}},"id":"1"}`},
		{"missing id", `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}}}`},
		{"bool id", `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}},"id":true}`},
		{"missing name", `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"parameters":{}},"id":"1"}`},
		{"array parameters", `{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":[1]},"id":"1"}`},
		{"params string", `{"jsonrpc":"2.0","method":"mcp.tool_call","params":"a","id":"1"}`},
		{"empty batch", `[]`},
		{"duplicate ids", `[{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"a","parameters":{}},"id":"1"},{"jsonrpc":"2.0","method":"mcp.tool_call","params":{"name":"b","parameters":{}},"id":"1"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := ParseEnvelope(tt.text)
			if parsed.Kind != PlainText {
				t.Fatalf("expected plain text, got %s", parsed.Kind)
			}
			if parsed.Protocol == nil {
				t.Error("expected protocol error")
			}
			if parsed.Text != tt.text {
				t.Errorf("expected raw text kept, got %q", parsed.Text)
			}
		})
	}
}

func TestParseEnvelopeResponseIsText(t *testing.T) {
	parsed := ParseEnvelope(`{"jsonrpc":"2.0","result":"All done.","id":"x"}`)
	if parsed.Kind != PlainText || parsed.Text != "All done." || parsed.Protocol != nil {
		t.Errorf("expected result text, got %+v", parsed)
	}
}

func TestParseResponseNative(t *testing.T) {
	resp := &llm.Response{
		Content: "Let me look.",
		ToolCalls: []llm.ToolCall{
			{ID: "a", Function: llm.FunctionCall{Name: "list_dir", Arguments: json.RawMessage(`{"path":"."}`)}},
			{ID: "a", Function: llm.FunctionCall{Name: "read_file"}},
			{Function: llm.FunctionCall{Name: "search", Arguments: json.RawMessage(`{"pattern":"x"}`)}},
		},
	}
	parsed := ParseResponse(resp)
	if parsed.Kind != ToolCalls || len(parsed.Calls) != 3 {
		t.Fatalf("expected 3 native calls, got %+v", parsed)
	}
	seen := map[string]bool{}
	for _, c := range parsed.Calls {
		if !c.Native {
			t.Error("expected native flag")
		}
		if c.RequestID == "" || seen[string(c.RequestID)] {
			t.Errorf("expected unique request ids, got %q", c.RequestID)
		}
		seen[string(c.RequestID)] = true
	}
	if string(parsed.Calls[1].Params) != `{}` {
		t.Errorf("expected empty arguments to become {}, got %s", parsed.Calls[1].Params)
	}
	if parsed.Calls[0].RequestID != "a" {
		t.Errorf("expected first id kept, got %q", parsed.Calls[0].RequestID)
	}
}

func TestParseResponseNil(t *testing.T) {
	if parsed := ParseResponse(nil); parsed.Kind != PlainText {
		t.Errorf("expected plain text, got %s", parsed.Kind)
	}
}
