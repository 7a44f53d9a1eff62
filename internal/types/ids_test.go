// internal/types/ids_test.go
package types

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if id == "" {
		t.Error("expected non-empty SessionID")
	}
	if len(string(id)) != 36 {
		t.Errorf("expected UUID format, got %s", id)
	}
}

func TestNewTurnIDUnique(t *testing.T) {
	a, b := NewTurnID(), NewTurnID()
	if a == b {
		t.Errorf("expected distinct turn ids, got %s twice", a)
	}
}

func TestNewRequestIDPrefix(t *testing.T) {
	id := NewRequestID("call")
	if !strings.HasPrefix(string(id), "call_") {
		t.Errorf("expected call_ prefix, got %s", id)
	}
	if len(string(id)) != len("call_")+12 {
		t.Errorf("expected 12 char suffix, got %s", id)
	}

	bare := NewRequestID("")
	if len(string(bare)) != 12 {
		t.Errorf("expected 12 chars, got %s", bare)
	}
}
