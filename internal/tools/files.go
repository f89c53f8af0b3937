package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/pkg/models"
)

// createFileTool writes a file into the sandbox workspace.
type createFileTool struct{}

// NewCreateFileTool creates the create_file tool.
func NewCreateFileTool() agent.Tool { return &createFileTool{} }

func (t *createFileTool) Name() string { return "create_file" }

func (t *createFileTool) Description() string {
	return "Create or overwrite a file in the project workspace with the given contents."
}

func (t *createFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Workspace-relative or absolute file path"},
			"contents": {"type": "string"}
		},
		"required": ["path", "contents"]
	}`)
}

func (t *createFileTool) Examples() string {
	return `<function_calls>
<invoke name="create_file">
<parameter name="path">src/main.py</parameter>
<parameter name="contents">print("hello")</parameter>
</invoke>
</function_calls>`
}

func (t *createFileTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox)
}
func (t *createFileTool) ParallelSafe() bool { return false }

func (t *createFileTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	path, _ := args["path"].(string)
	contents, _ := args["contents"].(string)

	if err := tc.Sandbox.WriteFile(ctx, path, []byte(contents)); err != nil {
		return agent.Failure(fmt.Sprintf("write %s: %v", path, err)), nil
	}
	result := agent.Success(fmt.Sprintf("wrote %d bytes to %s", len(contents), path))
	result.Attachments = []models.Attachment{{Kind: "file", Ref: path}}
	return result, nil
}

// readFileTool reads a file from the sandbox workspace.
type readFileTool struct{}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool() agent.Tool { return &readFileTool{} }

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file from the project workspace."
}

func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"]
	}`)
}

func (t *readFileTool) Examples() string {
	return `<function_calls>
<invoke name="read_file">
<parameter name="path">src/main.py</parameter>
</invoke>
</function_calls>`
}

func (t *readFileTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox)
}
func (t *readFileTool) ParallelSafe() bool { return true }

func (t *readFileTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	path, _ := args["path"].(string)

	data, err := tc.Sandbox.ReadFile(ctx, path)
	if err != nil {
		return agent.Failure(fmt.Sprintf("read %s: %v", path, err)), nil
	}
	return agent.Success(string(data)), nil
}

// strReplaceTool performs a targeted single-occurrence edit on a file.
type strReplaceTool struct{}

// NewStrReplaceTool creates the str_replace tool.
func NewStrReplaceTool() agent.Tool { return &strReplaceTool{} }

func (t *strReplaceTool) Name() string { return "str_replace" }

func (t *strReplaceTool) Description() string {
	return "Replace one occurrence of old_str with new_str in a workspace file. old_str must match exactly once."
}

func (t *strReplaceTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"old_str": {"type": "string"},
			"new_str": {"type": "string"}
		},
		"required": ["path", "old_str", "new_str"]
	}`)
}

func (t *strReplaceTool) Examples() string {
	return `<function_calls>
<invoke name="str_replace">
<parameter name="path">src/main.py</parameter>
<parameter name="old_str">print("hello")</parameter>
<parameter name="new_str">print("hello, world")</parameter>
</invoke>
</function_calls>`
}

func (t *strReplaceTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox)
}
func (t *strReplaceTool) ParallelSafe() bool { return false }

func (t *strReplaceTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	path, _ := args["path"].(string)
	oldStr, _ := args["old_str"].(string)
	newStr, _ := args["new_str"].(string)

	data, err := tc.Sandbox.ReadFile(ctx, path)
	if err != nil {
		return agent.Failure(fmt.Sprintf("read %s: %v", path, err)), nil
	}
	text := string(data)

	switch strings.Count(text, oldStr) {
	case 0:
		return agent.Failure(fmt.Sprintf("old_str not found in %s", path)), nil
	case 1:
	default:
		return agent.Failure(fmt.Sprintf("old_str matches more than once in %s; provide more context", path)), nil
	}

	if err := tc.Sandbox.WriteFile(ctx, path, []byte(strings.Replace(text, oldStr, newStr, 1))); err != nil {
		return agent.Failure(fmt.Sprintf("write %s: %v", path, err)), nil
	}
	return agent.Success(fmt.Sprintf("replaced in %s", path)), nil
}

// deleteFileTool removes a file from the sandbox workspace.
type deleteFileTool struct{}

// NewDeleteFileTool creates the delete_file tool.
func NewDeleteFileTool() agent.Tool { return &deleteFileTool{} }

func (t *deleteFileTool) Name() string { return "delete_file" }

func (t *deleteFileTool) Description() string {
	return "Delete a file from the project workspace."
}

func (t *deleteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"}
		},
		"required": ["path"]
	}`)
}

func (t *deleteFileTool) Examples() string { return "" }

func (t *deleteFileTool) Capabilities() agent.Capabilities {
	return agent.Caps(agent.CapRequiresSandbox)
}
func (t *deleteFileTool) ParallelSafe() bool { return false }

func (t *deleteFileTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if tc.Sandbox == nil {
		return agent.Failure("no sandbox available for this project"), nil
	}
	path, _ := args["path"].(string)

	output, exitCode, err := tc.Sandbox.Exec(ctx, "fs", "rm -f -- "+shellQuote(path))
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	if exitCode != 0 {
		return agent.Failure(output), nil
	}
	return agent.Success(fmt.Sprintf("deleted %s", path)), nil
}

// shellQuote single-quotes a string for safe interpolation into sh -c.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
