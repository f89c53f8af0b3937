package tasklist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/pkg/models"
)

// Tools returns the task list tool set bound to an engine, in registration
// order.
func Tools(engine *Engine) []agent.Tool {
	return []agent.Tool{
		&createTasksTool{engine: engine},
		&viewTasksTool{engine: engine},
		&updateTasksTool{engine: engine},
		&deleteTasksTool{engine: engine},
		&clearAllTool{engine: engine},
	}
}

func snapshotResult(snapshot *models.TaskListSnapshot) *agent.ToolResult {
	return agent.Success(Render(snapshot))
}

// stringSlice accepts both a JSON array of strings and a single string.
func stringSlice(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type createTasksTool struct {
	engine *Engine
}

func (t *createTasksTool) Name() string { return "create_tasks" }

func (t *createTasksTool) Description() string {
	return "Add tasks to the thread's task list. Pass sections=[{title, tasks:[...]}] to create tasks across sections, or section_title/section_id with task_contents to target one section. Missing sections are created."
}

func (t *createTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"sections": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"title": {"type": "string"},
						"tasks": {"type": "array", "items": {"type": "string"}}
					},
					"required": ["title"]
				}
			},
			"section_title": {"type": "string"},
			"section_id": {"type": "string"},
			"task_contents": {"type": "array", "items": {"type": "string"}}
		}
	}`)
}

func (t *createTasksTool) Examples() string {
	return `<function_calls>
<invoke name="create_tasks">
<parameter name="sections">[{"title":"Research","tasks":["Find sources","Summarize findings"]}]</parameter>
</invoke>
</function_calls>`
}

func (t *createTasksTool) Capabilities() agent.Capabilities { return nil }
func (t *createTasksTool) ParallelSafe() bool               { return false }

func (t *createTasksTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	if raw, ok := args["sections"]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return agent.Failure(fmt.Sprintf("invalid sections: %v", err)), nil
		}
		var sections []SectionInput
		if err := json.Unmarshal(data, &sections); err != nil {
			return agent.Failure(fmt.Sprintf("invalid sections: %v", err)), nil
		}
		snapshot, err := t.engine.CreateTasks(ctx, tc.ThreadID, sections)
		if err != nil {
			return agent.Failure(err.Error()), nil
		}
		return snapshotResult(snapshot), nil
	}

	contents := stringSlice(args["task_contents"])
	sectionID, _ := args["section_id"].(string)
	sectionTitle, _ := args["section_title"].(string)
	snapshot, err := t.engine.CreateTasksInSection(ctx, tc.ThreadID, sectionID, sectionTitle, contents)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return snapshotResult(snapshot), nil
}

type viewTasksTool struct {
	engine *Engine
}

func (t *viewTasksTool) Name() string { return "view_tasks" }

func (t *viewTasksTool) Description() string {
	return "Show the thread's current task list snapshot."
}

func (t *viewTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *viewTasksTool) Examples() string {
	return `<function_calls>
<invoke name="view_tasks">
</invoke>
</function_calls>`
}

func (t *viewTasksTool) Capabilities() agent.Capabilities { return nil }
func (t *viewTasksTool) ParallelSafe() bool               { return true }

func (t *viewTasksTool) Invoke(ctx context.Context, _ map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	snapshot, err := t.engine.Snapshot(ctx, tc.ThreadID)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return snapshotResult(snapshot), nil
}

type updateTasksTool struct {
	engine *Engine
}

func (t *updateTasksTool) Name() string { return "update_tasks" }

func (t *updateTasksTool) Description() string {
	return "Update tasks by id: change content, status (pending|completed|cancelled), or move to another section. Accepts one id or a list; the whole batch is rejected if any id is unknown."
}

func (t *updateTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_ids": {
				"anyOf": [
					{"type": "string"},
					{"type": "array", "items": {"type": "string"}}
				]
			},
			"content": {"type": "string"},
			"status": {"type": "string", "enum": ["pending", "completed", "cancelled"]},
			"section_id": {"type": "string"}
		},
		"required": ["task_ids"]
	}`)
}

func (t *updateTasksTool) Examples() string {
	return `<function_calls>
<invoke name="update_tasks">
<parameter name="task_ids">["id-1","id-2"]</parameter>
<parameter name="status">completed</parameter>
</invoke>
</function_calls>`
}

func (t *updateTasksTool) Capabilities() agent.Capabilities { return nil }
func (t *updateTasksTool) ParallelSafe() bool               { return false }

func (t *updateTasksTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	ids := stringSlice(args["task_ids"])
	if len(ids) == 0 {
		return agent.Failure("task_ids must name at least one task"), nil
	}

	var update TaskUpdate
	if content, ok := args["content"].(string); ok {
		update.Content = &content
	}
	if raw, ok := args["status"].(string); ok {
		status, err := models.ParseTaskStatus(raw)
		if err != nil {
			return agent.Failure(err.Error()), nil
		}
		update.Status = &status
	}
	if sectionID, ok := args["section_id"].(string); ok {
		update.SectionID = &sectionID
	}

	snapshot, err := t.engine.UpdateTasks(ctx, tc.ThreadID, ids, update)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return snapshotResult(snapshot), nil
}

type deleteTasksTool struct {
	engine *Engine
}

func (t *deleteTasksTool) Name() string { return "delete_tasks" }

func (t *deleteTasksTool) Description() string {
	return "Delete tasks by id, or whole sections (with their tasks) by section id. Section deletion requires confirm=true."
}

func (t *deleteTasksTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"task_ids": {
				"anyOf": [
					{"type": "string"},
					{"type": "array", "items": {"type": "string"}}
				]
			},
			"section_ids": {
				"anyOf": [
					{"type": "string"},
					{"type": "array", "items": {"type": "string"}}
				]
			},
			"confirm": {"type": "boolean"}
		}
	}`)
}

func (t *deleteTasksTool) Examples() string {
	return `<function_calls>
<invoke name="delete_tasks">
<parameter name="task_ids">["id-3"]</parameter>
</invoke>
</function_calls>`
}

func (t *deleteTasksTool) Capabilities() agent.Capabilities { return nil }
func (t *deleteTasksTool) ParallelSafe() bool               { return false }

func (t *deleteTasksTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	taskIDs := stringSlice(args["task_ids"])
	sectionIDs := stringSlice(args["section_ids"])
	confirm, _ := args["confirm"].(bool)

	snapshot, err := t.engine.DeleteTasks(ctx, tc.ThreadID, taskIDs, sectionIDs, confirm)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return snapshotResult(snapshot), nil
}

type clearAllTool struct {
	engine *Engine
}

func (t *clearAllTool) Name() string { return "clear_all" }

func (t *clearAllTool) Description() string {
	return "Remove every section and task from the thread's task list. Requires confirm=true."
}

func (t *clearAllTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"confirm": {"type": "boolean"}
		},
		"required": ["confirm"]
	}`)
}

func (t *clearAllTool) Examples() string {
	return `<function_calls>
<invoke name="clear_all">
<parameter name="confirm">true</parameter>
</invoke>
</function_calls>`
}

func (t *clearAllTool) Capabilities() agent.Capabilities { return nil }
func (t *clearAllTool) ParallelSafe() bool               { return false }

func (t *clearAllTool) Invoke(ctx context.Context, args map[string]any, tc *agent.ToolContext) (*agent.ToolResult, error) {
	confirm, _ := args["confirm"].(bool)
	snapshot, err := t.engine.ClearAll(ctx, tc.ThreadID, confirm)
	if err != nil {
		return agent.Failure(err.Error()), nil
	}
	return snapshotResult(snapshot), nil
}
