package config

import (
	"reflect"
	"testing"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{"empty", map[string]any{}, map[string]any{}},
		{"simple", map[string]any{"a": "hello", "b": 42.0}, map[string]any{"a": "hello", "b": 42.0}},
		{
			"nested",
			map[string]any{"llm": map[string]any{"model": "gpt-4", "stream": true}, "log_level": "info"},
			map[string]any{"llm.model": "gpt-4", "llm.stream": true, "log_level": "info"},
		},
		{
			"deep",
			map[string]any{"a": map[string]any{"b": map[string]any{"c": "deep"}}},
			map[string]any{"a.b.c": "deep"},
		},
		{"empty nested map produces nothing", map[string]any{"a": map[string]any{}}, map[string]any{}},
		{
			"slices stay leaves",
			map[string]any{"context": map[string]any{"pinned_indices": []any{0.0, 2.0}}},
			map[string]any{"context.pinned_indices": []any{0.0, 2.0}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Flatten(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestUnflattenRoundTrip(t *testing.T) {
	original := map[string]any{
		"data_dir": "/tmp/clawterm",
		"llm": map[string]any{
			"model":       "gpt-4",
			"temperature": 0.2,
		},
		"telegram": map[string]any{"token": "123:abc", "chat_id": 42.0},
	}
	got := Unflatten(Flatten(original))
	if !reflect.DeepEqual(got, original) {
		t.Errorf("expected %v, got %v", original, got)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.model":           "gpt-4",
		"llm.api_key":         "sk-test123456",
		"tools.brave_api_key": "BSA-abcdef1234",
		"telegram.token":      "123456:ABCdefGHIjkl",
		"log_level":           "info",
	}
	got := MaskSecrets(flat)

	want := map[string]any{
		"llm.model":           "gpt-4",
		"llm.api_key":         "***3456",
		"tools.brave_api_key": "***1234",
		"telegram.token":      "***Ijkl",
		"log_level":           "info",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if flat["llm.api_key"] != "sk-test123456" {
		t.Error("expected input map untouched")
	}
}

func TestMaskSecretsShortValues(t *testing.T) {
	for in, want := range map[string]string{"": "", "ab": "***ab", "abcd": "***abcd"} {
		got := MaskSecrets(map[string]any{"llm.api_key": in})["llm.api_key"]
		if got != want {
			t.Errorf("mask %q: expected %q, got %v", in, want, got)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]any{"llm.model": 1, "data_dir": 2, "bus.capacity": 3})
	want := []string{"bus.capacity", "data_dir", "llm.model"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}
