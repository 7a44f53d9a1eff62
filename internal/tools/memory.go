package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
	"github.com/user/clawterm/internal/session"
)

// The memory tools give the model task-scoped scratch space in the
// session's working memory. Values are arbitrary JSON.

// MemorySet stores a value under a key.
type MemorySet struct{ sess *session.Session }

func NewMemorySet(sess *session.Session) *MemorySet { return &MemorySet{sess: sess} }

func (m *MemorySet) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "memory_set",
		Description: "Save a value in working memory under a key, replacing any previous value. Working memory is shown in the system prompt",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Name of the entry"},
				"value": {"description": "Any JSON value to remember"}
			},
			"required": ["key", "value"]
		}`),
		Risk: safety.RiskLow,
	}
}

func (m *MemorySet) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	key := strings.TrimSpace(params.Key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if len(bytes.TrimSpace(params.Value)) == 0 {
		return "", fmt.Errorf("value is required")
	}
	if err := m.sess.SetMemory(key, params.Value); err != nil {
		return "", err
	}
	return "Saved: " + key, nil
}

// MemoryGet reads one key, or lists every key when none is given.
type MemoryGet struct{ sess *session.Session }

func NewMemoryGet(sess *session.Session) *MemoryGet { return &MemoryGet{sess: sess} }

func (m *MemoryGet) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "memory_get",
		Description: "Read a value from working memory. Without a key, list all keys",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Name of the entry"}
			}
		}`),
		Risk: safety.RiskLow,
	}
}

func (m *MemoryGet) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Key string `json:"key"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	key := strings.TrimSpace(params.Key)
	if key == "" {
		keys := m.sess.MemoryKeys()
		if len(keys) == 0 {
			return "Working memory is empty.", nil
		}
		return strings.Join(keys, "\n"), nil
	}
	value, ok := m.sess.Memory(key)
	if !ok {
		return "Not set: " + key, nil
	}
	return string(value), nil
}

// MemoryDelete removes a key.
type MemoryDelete struct{ sess *session.Session }

func NewMemoryDelete(sess *session.Session) *MemoryDelete { return &MemoryDelete{sess: sess} }

func (m *MemoryDelete) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "memory_delete",
		Description: "Delete an entry from working memory",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"key": {"type": "string", "description": "Name of the entry to forget"}
			},
			"required": ["key"]
		}`),
		Risk: safety.RiskLow,
	}
}

func (m *MemoryDelete) Invoke(_ context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Key string `json:"key"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	key := strings.TrimSpace(params.Key)
	if key == "" {
		return "", fmt.Errorf("key is required")
	}
	if !m.sess.DeleteMemory(key) {
		return "Memory not found: " + key, nil
	}
	return "Deleted: " + key, nil
}
