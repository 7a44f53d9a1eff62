package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/user/clawterm/internal/types"
	"github.com/user/clawterm/pkg/llm"
)

// Methods accepted in a tool-call envelope.
const (
	MethodToolCall      = "mcp.tool_call"
	MethodToolCallShort = "tool_call"
)

// ResponseKind tags a ParsedResponse.
type ResponseKind int

const (
	PlainText ResponseKind = iota
	ToolCalls
)

func (k ResponseKind) String() string {
	if k == ToolCalls {
		return "tool_calls"
	}
	return "plain_text"
}

// ToolCallRequest is one call the model asked for.
type ToolCallRequest struct {
	RequestID types.RequestID `json:"request_id"`
	Name      string          `json:"name"`
	Params    json.RawMessage `json:"params"`
	// Native is set for calls that came through the provider's tool-calling
	// API rather than a text envelope.
	Native bool `json:"native,omitempty"`
}

// ParsedResponse is either PlainText (Text) or ToolCalls (Calls). Protocol
// is set when the text looked like an envelope but failed validation; the
// response is then PlainText carrying the raw text.
type ParsedResponse struct {
	Kind     ResponseKind
	Text     string
	Calls    []ToolCallRequest
	Protocol *ProtocolError
}

// ProtocolError describes a malformed tool-call envelope. It is never fatal.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "malformed tool-call envelope: " + e.Reason
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

type rpcParams struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// ParseResponse turns an LLM response into a ParsedResponse. Native tool
// calls win; otherwise the text is given one strict envelope parse.
func ParseResponse(resp *llm.Response) ParsedResponse {
	if resp == nil {
		return ParsedResponse{Kind: PlainText}
	}
	if len(resp.ToolCalls) > 0 {
		return parseNative(resp)
	}
	return ParseEnvelope(resp.Content)
}

func parseNative(resp *llm.Response) ParsedResponse {
	calls := make([]ToolCallRequest, 0, len(resp.ToolCalls))
	seen := make(map[types.RequestID]bool, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		id := types.RequestID(tc.ID)
		if id == "" || seen[id] {
			id = types.NewRequestID("call")
		}
		seen[id] = true
		params := tc.Function.Arguments
		if len(bytes.TrimSpace(params)) == 0 {
			params = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallRequest{
			RequestID: id,
			Name:      tc.Function.Name,
			Params:    params,
			Native:    true,
		})
	}
	return ParsedResponse{Kind: ToolCalls, Text: resp.Content, Calls: calls}
}

// ParseEnvelope attempts a strict parse of text as one or more JSON-RPC
// tool-call requests, optionally inside a single fenced code block. Text
// that is not JSON is PlainText; JSON that fails validation is PlainText
// with Protocol set. Either way the original text is kept.
func ParseEnvelope(text string) ParsedResponse {
	plain := ParsedResponse{Kind: PlainText, Text: text}
	body := unfence(strings.TrimSpace(text))
	if body == "" || (body[0] != '{' && body[0] != '[') {
		return plain
	}

	values, err := decodeAll(body)
	if err != nil {
		plain.Protocol = &ProtocolError{Reason: err.Error()}
		return plain
	}

	// A lone JSON-RPC response is the model answering in protocol form.
	if len(values) == 1 && len(values[0].Result) > 0 && values[0].Method == "" {
		plain.Text = resultText(values[0].Result)
		return plain
	}

	calls := make([]ToolCallRequest, 0, len(values))
	seen := make(map[types.RequestID]bool, len(values))
	for i, env := range values {
		call, err := validateEnvelope(env)
		if err != nil {
			plain.Protocol = &ProtocolError{Reason: fmt.Sprintf("call %d: %v", i, err)}
			return plain
		}
		if seen[call.RequestID] {
			plain.Protocol = &ProtocolError{Reason: fmt.Sprintf("call %d: duplicate id %q", i, call.RequestID)}
			return plain
		}
		seen[call.RequestID] = true
		calls = append(calls, call)
	}
	return ParsedResponse{Kind: ToolCalls, Calls: calls}
}

// decodeAll reads a sequence of objects or arrays of objects.
func decodeAll(body string) ([]rpcEnvelope, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	var out []rpcEnvelope
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace(raw)
		switch raw[0] {
		case '{':
			var env rpcEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, err
			}
			out = append(out, env)
		case '[':
			var batch []rpcEnvelope
			if err := json.Unmarshal(raw, &batch); err != nil {
				return nil, err
			}
			if len(batch) == 0 {
				return nil, errors.New("empty batch")
			}
			out = append(out, batch...)
		default:
			return nil, fmt.Errorf("unexpected JSON value %.20s", raw)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no envelope")
	}
	return out, nil
}

func validateEnvelope(env rpcEnvelope) (ToolCallRequest, error) {
	if env.JSONRPC != "2.0" {
		return ToolCallRequest{}, fmt.Errorf("jsonrpc must be \"2.0\", got %q", env.JSONRPC)
	}
	if env.Method != MethodToolCall && env.Method != MethodToolCallShort {
		return ToolCallRequest{}, fmt.Errorf("unsupported method %q", env.Method)
	}
	id, err := envelopeID(env.ID)
	if err != nil {
		return ToolCallRequest{}, err
	}

	var params rpcParams
	if len(env.Params) == 0 || env.Params[0] != '{' {
		return ToolCallRequest{}, errors.New("params must be an object")
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		return ToolCallRequest{}, fmt.Errorf("params: %w", err)
	}
	if strings.TrimSpace(params.Name) == "" {
		return ToolCallRequest{}, errors.New("params.name is required")
	}
	parameters := bytes.TrimSpace(params.Parameters)
	if len(parameters) == 0 || parameters[0] != '{' {
		return ToolCallRequest{}, errors.New("params.parameters must be an object")
	}
	return ToolCallRequest{RequestID: id, Name: params.Name, Params: json.RawMessage(parameters)}, nil
}

// envelopeID accepts a string or a number.
func envelopeID(raw json.RawMessage) (types.RequestID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("id is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", errors.New("id is empty")
		}
		return types.RequestID(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return types.RequestID(n.String()), nil
	}
	return "", fmt.Errorf("id must be a string or number, got %s", raw)
}

// unfence strips a code fence when it wraps the whole text.
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	inner := strings.TrimSuffix(s[3:], "```")
	if nl := strings.IndexByte(inner, '\n'); nl >= 0 {
		lang := strings.TrimSpace(inner[:nl])
		if lang == "" || lang == "json" {
			inner = inner[nl+1:]
		}
	}
	if strings.Contains(inner, "```") {
		return s
	}
	return strings.TrimSpace(inner)
}

func resultText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
