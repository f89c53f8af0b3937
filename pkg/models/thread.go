// Package models provides the shared domain types for the Loom agent
// execution core: threads, messages, runs, agent versions, task list
// snapshots, and the streamed event model.
package models

import (
	"encoding/json"
	"time"
)

// Thread is a conversation scope. Threads are created on first message and
// never destroyed while messages exist. Ownership equals AccountID.
type Thread struct {
	ID        string         `json:"thread_id"`
	ProjectID string         `json:"project_id"`
	AccountID string         `json:"account_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// MessageType discriminates the kinds of events stored in a thread.
type MessageType string

const (
	MessageTypeUser         MessageType = "user"
	MessageTypeAssistant    MessageType = "assistant"
	MessageTypeTool         MessageType = "tool"
	MessageTypeStatus       MessageType = "status"
	MessageTypeBrowserState MessageType = "browser_state"
	MessageTypeTaskList     MessageType = "task_list"
	MessageTypeSummary      MessageType = "summary"
)

// Role indicates the message author type in LLM terms.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single event in a thread. Content is structured JSON whose
// shape depends on Type. Messages within a thread are totally ordered by
// (CreatedAt, ID).
type Message struct {
	ID        string          `json:"message_id"`
	ThreadID  string          `json:"thread_id"`
	ProjectID string          `json:"project_id"`
	Type      MessageType     `json:"type"`
	Role      Role            `json:"role,omitempty"`
	Content   json.RawMessage `json:"content"`
	IsLLM     bool            `json:"is_llm_message"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TextContent is the Content shape for user and plain assistant messages.
type TextContent struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AssistantContent is the Content shape for assistant messages that may
// carry native tool calls.
type AssistantContent struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolContent is the Content shape for tool result messages. ToolCallID
// references the assistant tool call that produced this result.
type ToolContent struct {
	Role       Role   `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Attachment references a file or media artifact produced by a tool.
type Attachment struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// ThreadRunIDKey is the metadata key carrying the run that produced an
// assistant-turn message.
const ThreadRunIDKey = "thread_run_id"
