// Package tools implements the built-in tool adapters: terminal tools that
// end the run, sandboxed shell and file tools, web search and scraping, the
// web project scaffolder, and the presentation builder.
package tools

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/agent"
)

// askTool pauses the run to get input from the user. Terminal: the run ends
// and the next user message starts a fresh run.
type askTool struct{}

// NewAskTool creates the ask tool.
func NewAskTool() agent.Tool { return &askTool{} }

func (t *askTool) Name() string { return "ask" }

func (t *askTool) Description() string {
	return "Ask the user a question and end the run. Use when you need information or a decision only the user can provide."
}

func (t *askTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "The question for the user"},
			"attachments": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["text"]
	}`)
}

func (t *askTool) Examples() string {
	return `<function_calls>
<invoke name="ask">
<parameter name="text">Which database should the service use, Postgres or SQLite?</parameter>
</invoke>
</function_calls>`
}

func (t *askTool) Capabilities() agent.Capabilities { return agent.Caps(agent.CapTerminal) }
func (t *askTool) ParallelSafe() bool               { return false }

func (t *askTool) Invoke(_ context.Context, args map[string]any, _ *agent.ToolContext) (*agent.ToolResult, error) {
	text, _ := args["text"].(string)
	result := agent.Terminal(text)
	result.Attachments = refAttachments(args["attachments"])
	return result, nil
}

// completeTool signals that the task is finished.
type completeTool struct{}

// NewCompleteTool creates the complete tool.
func NewCompleteTool() agent.Tool { return &completeTool{} }

func (t *completeTool) Name() string { return "complete" }

func (t *completeTool) Description() string {
	return "Mark the task as finished and end the run. Summarize what was accomplished."
}

func (t *completeTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "Summary of the completed work"},
			"attachments": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["text"]
	}`)
}

func (t *completeTool) Examples() string {
	return `<function_calls>
<invoke name="complete">
<parameter name="text">Created the project scaffold and verified the build passes.</parameter>
</invoke>
</function_calls>`
}

func (t *completeTool) Capabilities() agent.Capabilities { return agent.Caps(agent.CapTerminal) }
func (t *completeTool) ParallelSafe() bool               { return false }

func (t *completeTool) Invoke(_ context.Context, args map[string]any, _ *agent.ToolContext) (*agent.ToolResult, error) {
	text, _ := args["text"].(string)
	result := agent.Terminal(text)
	result.Attachments = refAttachments(args["attachments"])
	return result, nil
}

// browserTakeoverTool hands the live browser session to the user.
type browserTakeoverTool struct{}

// NewBrowserTakeoverTool creates the web_browser_takeover tool.
func NewBrowserTakeoverTool() agent.Tool { return &browserTakeoverTool{} }

func (t *browserTakeoverTool) Name() string { return "web_browser_takeover" }

func (t *browserTakeoverTool) Description() string {
	return "Hand control of the browser to the user and end the run. Use for logins, CAPTCHAs, or anything requiring the user's own credentials."
}

func (t *browserTakeoverTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "description": "What the user should do in the browser"}
		},
		"required": ["text"]
	}`)
}

func (t *browserTakeoverTool) Examples() string {
	return `<function_calls>
<invoke name="web_browser_takeover">
<parameter name="text">Please log in to your account, then tell me to continue.</parameter>
</invoke>
</function_calls>`
}

func (t *browserTakeoverTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapTerminal)
}
func (t *browserTakeoverTool) ParallelSafe() bool { return false }

func (t *browserTakeoverTool) Invoke(_ context.Context, args map[string]any, _ *agent.ToolContext) (*agent.ToolResult, error) {
	text, _ := args["text"].(string)
	return agent.Terminal(text), nil
}
