package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of run event.
type EventType string

const (
	EventAssistantDelta EventType = "assistant_delta"
	EventAssistantFinal EventType = "assistant_final"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventStatus         EventType = "status"
	EventError          EventType = "error"
)

// Event is the wire model for run streaming. Every event carries the
// required envelope fields (Type, RunID, Seq, CreatedAt); the remaining
// fields are type-specific and omitted when unused. Seq is assigned by the
// bus producer and is strictly increasing within a run with no gaps.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`

	// assistant_delta
	Text     string `json:"text,omitempty"`
	Thinking bool   `json:"thinking,omitempty"`

	// assistant_final
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// tool_call and tool_result
	CallID      string          `json:"call_id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Success     *bool           `json:"success,omitempty"`
	Output      string          `json:"output,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`

	// status
	State RunStatus `json:"state,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Error string    `json:"error,omitempty"`

	// error
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// Terminal reports whether the event closes the run's stream.
func (e *Event) Terminal() bool {
	return e.Type == EventStatus && e.State.Terminal()
}

// NewDeltaEvent builds an assistant_delta event.
func NewDeltaEvent(runID, text string) *Event {
	return &Event{Type: EventAssistantDelta, RunID: runID, Text: text}
}

// NewThinkingEvent builds an assistant_delta event flagged as thinking.
func NewThinkingEvent(runID, text string) *Event {
	return &Event{Type: EventAssistantDelta, RunID: runID, Text: text, Thinking: true}
}

// NewFinalEvent builds an assistant_final event.
func NewFinalEvent(runID, content string, calls []ToolCall) *Event {
	return &Event{Type: EventAssistantFinal, RunID: runID, Content: content, ToolCalls: calls}
}

// NewToolCallEvent builds a tool_call event.
func NewToolCallEvent(runID string, call ToolCall) *Event {
	return &Event{Type: EventToolCall, RunID: runID, CallID: call.ID, Name: call.Name, Args: call.Args}
}

// NewToolResultEvent builds a tool_result event.
func NewToolResultEvent(runID, callID, name string, success bool, output string, attachments []Attachment) *Event {
	return &Event{
		Type:        EventToolResult,
		RunID:       runID,
		CallID:      callID,
		Name:        name,
		Success:     &success,
		Output:      output,
		Attachments: attachments,
	}
}

// NewStatusEvent builds a status event. Kind and errMsg may be empty.
func NewStatusEvent(runID string, state RunStatus, kind, errMsg string) *Event {
	return &Event{Type: EventStatus, RunID: runID, State: state, Kind: kind, Error: errMsg}
}

// NewErrorEvent builds an error event.
func NewErrorEvent(runID, message string, recoverable bool) *Event {
	return &Event{Type: EventError, RunID: runID, Message: message, Recoverable: recoverable}
}
