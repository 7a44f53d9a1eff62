package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestShellDescribe(t *testing.T) {
	d := NewShell("", "").Describe()
	if d.Name != "shell" {
		t.Errorf("expected 'shell', got %q", d.Name)
	}
	if d.Risk != "high" {
		t.Errorf("expected high risk, got %q", d.Risk)
	}
	if len(d.CommandParams) != 1 || d.CommandParams[0] != "command" {
		t.Errorf("expected command param gated, got %v", d.CommandParams)
	}
	var schema map[string]any
	if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
		t.Fatal(err)
	}
	if schema["type"] != "object" {
		t.Errorf("expected object schema, got %v", schema["type"])
	}
}

func TestShellInvokeSimple(t *testing.T) {
	s := NewShell("", "")
	args, _ := json.Marshal(map[string]string{"command": "echo hello"})
	result, err := s.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(result) != "hello" {
		t.Errorf("expected 'hello', got %q", result)
	}
}

func TestShellInvokeStderr(t *testing.T) {
	s := NewShell("", "")
	args, _ := json.Marshal(map[string]string{"command": "echo err >&2"})
	result, err := s.Invoke(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, "err") {
		t.Errorf("expected stderr output, got %q", result)
	}
}

func TestShellInvokeDir(t *testing.T) {
	dir := t.TempDir()
	s := NewShell("", dir)
	result, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"pwd"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result, dir) {
		t.Errorf("expected to run in %s, got %q", dir, result)
	}
}

func TestShellInvokeContextDeadline(t *testing.T) {
	s := NewShell("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.Invoke(ctx, json.RawMessage(`{"command":"sleep 10"}`))
	if err == nil {
		t.Fatal("expected error when the deadline passes")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("deadline took too long: %v", elapsed)
	}
}

func TestShellInvokeExitCode(t *testing.T) {
	s := NewShell("", "")
	out, err := s.Invoke(context.Background(), json.RawMessage(`{"command":"echo partial; exit 3"}`))
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "status 3") {
		t.Errorf("expected exit status in error, got %v", err)
	}
	if strings.TrimSpace(out) != "partial" {
		t.Errorf("expected output kept on failure, got %q", out)
	}
}

func TestShellMissingCommand(t *testing.T) {
	if _, err := NewShell("", "").Invoke(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing command")
	}
}
