package bus

import (
	"fmt"
	"time"

	"github.com/user/clawterm/internal/types"
)

// Channel identifies one of the bus mailboxes.
type Channel int

const (
	ChannelUI Channel = iota
	ChannelModel
	ChannelAPI

	numChannels
)

func (c Channel) String() string {
	switch c {
	case ChannelUI:
		return "ui"
	case ChannelModel:
		return "model"
	case ChannelAPI:
		return "api"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Channels returns every channel in dispatch order.
func Channels() []Channel {
	return []Channel{ChannelUI, ChannelModel, ChannelAPI}
}

// Event is implemented by every value sent through the bus. Events are
// immutable once constructed.
type Event interface {
	Channel() Channel
	Kind() string
}

// TurnScoped is implemented by events that belong to a single turn.
type TurnScoped interface {
	Turn() types.TurnID
}

// TurnOf returns the turn an event belongs to, or "" when it is not turn scoped.
func TurnOf(ev Event) types.TurnID {
	if ts, ok := ev.(TurnScoped); ok {
		return ts.Turn()
	}
	return ""
}

// Envelope is what handlers receive: the event plus its per-channel sequence
// number and the time it was sent.
type Envelope struct {
	Channel Channel
	Seq     uint64
	At      time.Time
	Event   Event
}

// UI channel.

type UserInput struct {
	Text string `json:"text"`
}

// Cancel requests cancellation of a turn. An empty TurnID targets the active turn.
type Cancel struct {
	TurnID types.TurnID `json:"turn_id,omitempty"`
}

type ConfirmToolExecution struct {
	RequestID types.RequestID `json:"request_id"`
	Approved  bool            `json:"approved"`
}

type ClearConversation struct{}

type Quit struct{}

func (UserInput) Channel() Channel            { return ChannelUI }
func (UserInput) Kind() string                { return "user_input" }
func (Cancel) Channel() Channel               { return ChannelUI }
func (Cancel) Kind() string                   { return "cancel" }
func (c Cancel) Turn() types.TurnID           { return c.TurnID }
func (ConfirmToolExecution) Channel() Channel { return ChannelUI }
func (ConfirmToolExecution) Kind() string     { return "confirm_tool_execution" }
func (ClearConversation) Channel() Channel    { return ChannelUI }
func (ClearConversation) Kind() string        { return "clear_conversation" }
func (Quit) Channel() Channel                 { return ChannelUI }
func (Quit) Kind() string                     { return "quit" }

// Model channel, consumed by front-ends.

type AssistantText struct {
	TurnID types.TurnID `json:"turn_id"`
	Text   string       `json:"text"`
}

type StreamChunk struct {
	TurnID types.TurnID `json:"turn_id"`
	Text   string       `json:"text"`
}

// ToolPhase is the lifecycle step reported in a ToolStatus event.
type ToolPhase string

const (
	PhaseAwaitingConfirmation ToolPhase = "awaiting_confirmation"
	PhaseRunning              ToolPhase = "running"
	PhaseSucceeded            ToolPhase = "succeeded"
	PhaseFailed               ToolPhase = "failed"
	PhaseTimedOut             ToolPhase = "timed_out"
	PhaseDenied               ToolPhase = "denied"
	PhaseCancelled            ToolPhase = "cancelled"
)

type ToolStatus struct {
	TurnID    types.TurnID    `json:"turn_id"`
	RequestID types.RequestID `json:"request_id"`
	Tool      string          `json:"tool"`
	Phase     ToolPhase       `json:"phase"`
	Detail    string          `json:"detail,omitempty"`
}

// TurnReason explains why a turn reached Terminal.
type TurnReason string

const (
	ReasonCompleted     TurnReason = "completed"
	ReasonMaxIterations TurnReason = "max_iterations"
	ReasonCancelled     TurnReason = "cancelled"
	ReasonFailed        TurnReason = "failed"
)

type TurnComplete struct {
	TurnID     types.TurnID `json:"turn_id"`
	Reason     TurnReason   `json:"reason"`
	Iterations int          `json:"iterations"`
	// ToolCalls counts every tool call requested during the turn.
	ToolCalls int `json:"tool_calls"`
}

// HandlerError reports a handler that returned an error or panicked.
type HandlerError struct {
	Source    Channel `json:"source"`
	Seq       uint64  `json:"seq"`
	EventKind string  `json:"event_kind"`
	Err       error   `json:"-"`
	Panicked  bool    `json:"panicked"`
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("%s handler for %s #%d: %v", e.Source, e.EventKind, e.Seq, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

func (AssistantText) Channel() Channel     { return ChannelModel }
func (AssistantText) Kind() string         { return "assistant_text" }
func (e AssistantText) Turn() types.TurnID { return e.TurnID }
func (StreamChunk) Channel() Channel       { return ChannelModel }
func (StreamChunk) Kind() string           { return "stream_chunk" }
func (e StreamChunk) Turn() types.TurnID   { return e.TurnID }
func (ToolStatus) Channel() Channel        { return ChannelModel }
func (ToolStatus) Kind() string            { return "tool_status" }
func (e ToolStatus) Turn() types.TurnID    { return e.TurnID }
func (TurnComplete) Channel() Channel      { return ChannelModel }
func (TurnComplete) Kind() string          { return "turn_complete" }
func (e TurnComplete) Turn() types.TurnID  { return e.TurnID }
func (HandlerError) Channel() Channel      { return ChannelModel }
func (HandlerError) Kind() string          { return "handler_error" }

// API channel.

type SendRequest struct {
	TurnID    types.TurnID    `json:"turn_id"`
	RequestID types.RequestID `json:"request_id"`
}

type CancelRequest struct {
	RequestID types.RequestID `json:"request_id"`
}

func (SendRequest) Channel() Channel     { return ChannelAPI }
func (SendRequest) Kind() string         { return "send_request" }
func (e SendRequest) Turn() types.TurnID { return e.TurnID }
func (CancelRequest) Channel() Channel   { return ChannelAPI }
func (CancelRequest) Kind() string       { return "cancel_request" }
