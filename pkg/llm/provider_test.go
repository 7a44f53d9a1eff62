package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIErrorTemporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			err := &APIError{StatusCode: tt.status, Body: "x"}
			if got := err.Temporary(); got != tt.want {
				t.Errorf("expected Temporary()=%v for %d, got %v", tt.want, tt.status, got)
			}
		})
	}
}

func TestAPIErrorUnwrapsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("complete: %w", &APIError{StatusCode: 503, Body: "overloaded"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("expected errors.As to find the APIError")
	}
	if !strings.Contains(err.Error(), "status 503") || !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestMessageJSONOmitsEmptyToolFields(t *testing.T) {
	data, err := json.Marshal(Message{Role: "user", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"role":"user","content":"hi"}` {
		t.Errorf("unexpected encoding %s", data)
	}

	data, err = json.Marshal(Message{
		Role:       "tool",
		Content:    "ok",
		ToolCallID: "call_1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"tool_call_id":"call_1"`) {
		t.Errorf("expected tool_call_id in %s", data)
	}
}

func TestToolCallArgumentsStayRaw(t *testing.T) {
	var call ToolCall
	in := `{"id":"c1","type":"function","function":{"name":"shell","arguments":{"command":"ls"}}}`
	if err := json.Unmarshal([]byte(in), &call); err != nil {
		t.Fatal(err)
	}
	if call.Function.Name != "shell" || string(call.Function.Arguments) != `{"command":"ls"}` {
		t.Errorf("unexpected call %+v", call)
	}
}
