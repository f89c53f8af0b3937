package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/models"

	"github.com/loomworks/loom/internal/agent"
)

// refAttachments converts a string-array argument into attachment refs.
func refAttachments(v any) []models.Attachment {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]models.Attachment, 0, len(items))
	for _, item := range items {
		if ref, ok := item.(string); ok && ref != "" {
			out = append(out, models.Attachment{Kind: "file", Ref: ref})
		}
	}
	return out
}

// executeCommandTool runs shell commands in the project sandbox. Commands
// sharing a session name run on the same serialized session; distinct
// sessions may run concurrently.
type executeCommandTool struct{}

// NewExecuteCommandTool creates the execute_command tool.
func NewExecuteCommandTool() agent.Tool { return &executeCommandTool{} }

func (t *executeCommandTool) Name() string { return "execute_command" }

func (t *executeCommandTool) Description() string {
	return "Run a shell command in the project sandbox and return its output and exit code. Use session to group related commands; commands in the same session run in order."
}

func (t *executeCommandTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"session": {"type": "string", "description": "Session name, default \"default\""},
			"long_running": {"type": "boolean", "description": "Set for commands expected to take minutes"}
		},
		"required": ["command"]
	}`)
}

func (t *executeCommandTool) Examples() string {
	return `<function_calls>
<invoke name="execute_command">
<parameter name="command">ls /workspace</parameter>
</invoke>
</function_calls>`
}

func (t *executeCommandTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox, agent.CapLongRunning, agent.CapStreamingOutput)
}

func (t *executeCommandTool) ParallelSafe() bool { return false }

func (t *executeCommandTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	command, _ := args["command"].(string)
	session, _ := args["session"].(string)
	if session == "" {
		session = "default"
	}

	output, exitCode, err := tc.Sandbox.Exec(ctx, session, command)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	if exitCode != 0 {
		return agent.Failure(fmt.Sprintf("exit code %d\n%s", exitCode, output)), nil
	}
	return agent.Success(output), nil
}
