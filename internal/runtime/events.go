package runtime

import (
	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/types"
	"github.com/user/clawterm/pkg/llm"
)

// Model-channel events exchanged between the runtime's stages. Front-ends
// ignore them.

// ProcessUserMessage asks the model stage to start a turn for Text.
type ProcessUserMessage struct {
	TurnID types.TurnID `json:"turn_id"`
	Text   string       `json:"text"`
}

// LLMResponse carries a completed model response back to the model stage.
type LLMResponse struct {
	TurnID    types.TurnID    `json:"turn_id"`
	RequestID types.RequestID `json:"request_id"`
	Response  *llm.Response   `json:"response"`
}

// LLMFailure reports a model request that failed after retries.
type LLMFailure struct {
	TurnID    types.TurnID    `json:"turn_id"`
	RequestID types.RequestID `json:"request_id"`
	Err       error           `json:"-"`
	Message   string          `json:"message"`
}

// ToolBatchComplete carries the outcomes of one tool batch, in call order.
type ToolBatchComplete struct {
	TurnID    types.TurnID       `json:"turn_id"`
	Iteration int                `json:"iteration"`
	Calls     []ToolCallRequest  `json:"calls"`
	Results   []executor.Outcome `json:"results"`
}

func (ProcessUserMessage) Channel() bus.Channel { return bus.ChannelModel }
func (ProcessUserMessage) Kind() string         { return "process_user_message" }
func (e ProcessUserMessage) Turn() types.TurnID { return e.TurnID }
func (LLMResponse) Channel() bus.Channel        { return bus.ChannelModel }
func (LLMResponse) Kind() string                { return "llm_response" }
func (e LLMResponse) Turn() types.TurnID        { return e.TurnID }
func (LLMFailure) Channel() bus.Channel         { return bus.ChannelModel }
func (LLMFailure) Kind() string                 { return "llm_failure" }
func (e LLMFailure) Turn() types.TurnID         { return e.TurnID }
func (ToolBatchComplete) Channel() bus.Channel  { return bus.ChannelModel }
func (ToolBatchComplete) Kind() string          { return "tool_batch_complete" }
func (e ToolBatchComplete) Turn() types.TurnID  { return e.TurnID }
