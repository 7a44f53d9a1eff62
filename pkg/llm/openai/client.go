package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/user/clawterm/pkg/llm"
)

const defaultTimeout = 120 * time.Second

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// requestMessage is the OpenAI message format for requests.
type requestMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []wireCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// wireCall is a tool call as OpenAI encodes it: arguments travel as a JSON
// document inside a string.
type wireCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// chatResponse is the OpenAI chat completions response body.
type chatResponse struct {
	Choices []choice       `json:"choices"`
	Usage   *responseUsage `json:"usage"`
}

// choice represents a single completion choice. Message is set on complete
// responses, Delta on stream chunks.
type choice struct {
	Message responseMessage `json:"message"`
	Delta   responseMessage `json:"delta"`
}

// responseMessage is the OpenAI message format in responses.
type responseMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []wireCall `json:"tool_calls,omitempty"`
}

// responseUsage is the OpenAI token usage format.
type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toUsage() llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	return llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	resp, err := c.post(ctx, c.buildRequest(messages, tools, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := chatResp.Choices[0]
	return &llm.Response{
		Content:   choice.Message.Content,
		ToolCalls: fromWire(choice.Message.ToolCalls),
		Usage:     chatResp.Usage.toUsage(),
	}, nil
}

// Stream sends a streaming chat completion request. Content arrives as it is
// generated; tool-call fragments are assembled and delivered, with usage, in
// the final delta.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	resp, err := c.post(ctx, c.buildRequest(messages, tools, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d llm.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := make(map[int]*wireCall)
		var usage *llm.Usage
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				break
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(llm.Delta{Err: fmt.Errorf("parsing stream chunk: %w", err)})
				return
			}
			if chunk.Usage != nil {
				u := chunk.Usage.toUsage()
				usage = &u
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			mergeCalls(calls, delta.ToolCalls)
			if delta.Content != "" && !send(llm.Delta{Content: delta.Content}) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
			return
		}

		final := llm.Delta{Usage: usage}
		if len(calls) > 0 {
			indexes := make([]int, 0, len(calls))
			for i := range calls {
				indexes = append(indexes, i)
			}
			sort.Ints(indexes)
			wire := make([]wireCall, 0, len(indexes))
			for _, i := range indexes {
				wire = append(wire, *calls[i])
			}
			final.ToolCalls = fromWire(wire)
		}
		send(final)
	}()

	return ch, nil
}

func (c *Client) buildRequest(messages []llm.Message, tools []llm.Tool, stream bool) chatRequest {
	reqMessages := make([]requestMessage, len(messages))
	for i, msg := range messages {
		rm := requestMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if msg.Role == "tool" && rm.ToolCallID == "" && len(msg.Tools) > 0 {
			rm.ToolCallID = msg.Tools[0].ID
		} else if msg.Role != "tool" && len(msg.Tools) > 0 {
			rm.ToolCalls = toWire(msg.Tools)
		}
		reqMessages[i] = rm
	}

	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: reqMessages,
		Stream:   stream,
	}
	if stream {
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}

	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}
	return reqBody
}

func (c *Client) post(ctx context.Context, reqBody chatRequest) (*http.Response, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if reqBody.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sending request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, &llm.APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// mergeCalls folds streamed tool-call fragments into calls, keyed by index.
func mergeCalls(calls map[int]*wireCall, fragments []wireCall) {
	for pos, f := range fragments {
		idx := pos
		if f.Index != nil {
			idx = *f.Index
		}
		cur, ok := calls[idx]
		if !ok {
			cur = &wireCall{}
			calls[idx] = cur
		}
		if f.ID != "" {
			cur.ID = f.ID
		}
		if f.Type != "" {
			cur.Type = f.Type
		}
		cur.Function.Name += f.Function.Name
		cur.Function.Arguments += f.Function.Arguments
	}
}

func toWire(calls []llm.ToolCall) []wireCall {
	out := make([]wireCall, len(calls))
	for i, tc := range calls {
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = wireCall{
			ID:   tc.ID,
			Type: typ,
			Function: wireFunction{
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			},
		}
	}
	return out
}

// fromWire decodes argument strings into raw JSON. Arguments that are not
// valid JSON are kept as a JSON string so nothing the model sent is lost.
func fromWire(calls []wireCall) []llm.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llm.ToolCall, len(calls))
	for i, wc := range calls {
		args := json.RawMessage(wc.Function.Arguments)
		switch {
		case strings.TrimSpace(wc.Function.Arguments) == "":
			args = json.RawMessage(`{}`)
		case !json.Valid(args):
			quoted, _ := json.Marshal(wc.Function.Arguments)
			args = quoted
		}
		typ := wc.Type
		if typ == "" {
			typ = "function"
		}
		out[i] = llm.ToolCall{
			ID:   wc.ID,
			Type: typ,
			Function: llm.FunctionCall{
				Name:      wc.Function.Name,
				Arguments: args,
			},
		}
	}
	return out
}
