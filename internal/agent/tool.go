// Package agent implements the agent execution core: the tool registry and
// dispatcher, the XML tool-call parser, context window management, and the
// turn loop that drives LLM calls and tool execution for a run.
package agent

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// Capability flags declare tool behavior the dispatcher must honor.
type Capability string

const (
	// CapRequiresSandbox marks tools that need a project sandbox handle.
	CapRequiresSandbox Capability = "requires_sandbox"
	// CapLongRunning selects the long dispatch timeout.
	CapLongRunning Capability = "long_running"
	// CapBuild selects the build dispatch timeout.
	CapBuild Capability = "build"
	// CapStreamingOutput marks tools that stream partial output.
	CapStreamingOutput Capability = "streaming_output"
	// CapTerminal marks tools whose result ends the run.
	CapTerminal Capability = "terminal"
)

// Capabilities is a set of capability flags.
type Capabilities map[Capability]bool

// Has reports whether the set contains c.
func (s Capabilities) Has(c Capability) bool { return s[c] }

// Caps builds a capability set.
func Caps(caps ...Capability) Capabilities {
	out := make(Capabilities, len(caps))
	for _, c := range caps {
		out[c] = true
	}
	return out
}

// SandboxHandle is the borrowed execution environment for sandboxed tools.
// Adapters serialize commands on their own session inside the sandbox.
type SandboxHandle interface {
	// Exec runs a command in the sandbox and returns combined output.
	Exec(ctx context.Context, session, command string) (string, int, error)
	// WriteFile writes a file inside the sandbox workspace.
	WriteFile(ctx context.Context, path string, data []byte) error
	// ReadFile reads a file from the sandbox workspace.
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// ToolContext carries the per-invocation environment. Tools must not retain
// it beyond the call.
type ToolContext struct {
	RunID     string
	ThreadID  string
	ProjectID string
	Sandbox   SandboxHandle
	Store     store.Store
	Producer  *bus.Producer
}

// FollowUpTerminate is the follow-up kind set by terminal tools.
const FollowUpTerminate = "terminate"

// FollowUp is an optional directive attached to a tool result.
type FollowUp struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ToolResult is the uniform result envelope for tool invocations.
type ToolResult struct {
	Success     bool                `json:"success"`
	Output      string              `json:"output"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	FollowUp    *FollowUp           `json:"follow_up,omitempty"`
}

// Terminate reports whether the result ends the run.
func (r *ToolResult) Terminate() bool {
	return r.FollowUp != nil && r.FollowUp.Kind == FollowUpTerminate
}

// Success builds a successful result.
func Success(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output}
}

// Failure builds a failed result whose output is fed back to the model.
func Failure(output string) *ToolResult {
	return &ToolResult{Success: false, Output: output}
}

// Terminal builds a successful result that ends the run.
func Terminal(output string) *ToolResult {
	return &ToolResult{Success: true, Output: output, FollowUp: &FollowUp{Kind: FollowUpTerminate}}
}

// Tool is the contract every tool satisfies. Implementations are registered
// once at startup and must be safe for concurrent invocation when
// ParallelSafe reports true.
type Tool interface {
	// Name is the unique tool identifier, matching [a-z][a-z0-9_]*.
	Name() string

	// Description is shown to the model in native tool mode.
	Description() string

	// Schema is the JSON schema for the tool's argument object.
	Schema() json.RawMessage

	// Examples returns XML usage examples injected into the system prompt
	// in XML tool-call mode. May be empty.
	Examples() string

	// Capabilities declares dispatcher-relevant behavior.
	Capabilities() Capabilities

	// ParallelSafe reports whether the dispatcher may run this tool
	// concurrently with others in the same turn.
	ParallelSafe() bool

	// Invoke executes the tool with validated arguments.
	Invoke(ctx context.Context, args map[string]any, tc *ToolContext) (*ToolResult, error)
}
