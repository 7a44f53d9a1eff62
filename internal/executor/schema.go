package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

type inputSchema struct {
	Type       string                     `json:"type"`
	Properties map[string]json.RawMessage `json:"properties"`
	Required   []string                   `json:"required"`
}

// checkParams enforces the required fields and primitive property types of
// a tool's input schema. Params must decode to a JSON object.
func checkParams(schema, params json.RawMessage) error {
	fields := map[string]any{}
	if len(bytes.TrimSpace(params)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(params))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return fmt.Errorf("parameters must be a JSON object: %w", err)
		}
	}
	if len(schema) == 0 {
		return nil
	}
	var s inputSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return fmt.Errorf("decode input schema: %w", err)
	}

	for _, name := range s.Required {
		if v, ok := fields[name]; !ok || v == nil {
			return fmt.Errorf("missing required field: %s", name)
		}
	}
	for key, value := range fields {
		raw, ok := s.Properties[key]
		if !ok {
			continue
		}
		var prop struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &prop); err != nil || prop.Type == "" {
			continue
		}
		if err := checkType(value, prop.Type); err != nil {
			return fmt.Errorf("field %s: %w", key, err)
		}
	}
	return nil
}

func checkType(value any, expected string) error {
	switch expected {
	case "string":
		if _, ok := value.(string); ok {
			return nil
		}
	case "number":
		if n, ok := value.(json.Number); ok {
			if _, err := n.Float64(); err == nil {
				return nil
			}
		}
	case "integer":
		if n, ok := value.(json.Number); ok {
			if f, err := n.Float64(); err == nil && math.Trunc(f) == f {
				return nil
			}
		}
	case "boolean":
		if _, ok := value.(bool); ok {
			return nil
		}
	case "object":
		if _, ok := value.(map[string]any); ok {
			return nil
		}
	case "array":
		if _, ok := value.([]any); ok {
			return nil
		}
	case "null":
		if value == nil {
			return nil
		}
	default:
		return nil
	}
	return fmt.Errorf("expected %s but got %s", expected, jsonKind(value))
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
