package tasklist

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

func testLoggerForTools() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func toolByName(t *testing.T, tools []agent.Tool, name string) agent.Tool {
	t.Helper()
	for _, tool := range tools {
		if tool.Name() == name {
			return tool
		}
	}
	t.Fatalf("tool %q not in set", name)
	return nil
}

func TestCreateTasksToolWithSections(t *testing.T) {
	e, st := newTestEngine(t)
	tools := Tools(e)
	tc := &agent.ToolContext{ThreadID: "thread-1"}

	create := toolByName(t, tools, "create_tasks")
	args := map[string]any{
		"sections": []any{
			map[string]any{"title": "Plan", "tasks": []any{"a", "b"}},
		},
	}
	res, err := create.Invoke(context.Background(), args, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("create_tasks failed: %s", res.Output)
	}
	if !strings.Contains(res.Output, "## Plan") || !strings.Contains(res.Output, "Total tasks: 2") {
		t.Errorf("output = %q, want rendered Plan section with 2 tasks", res.Output)
	}

	page, err := st.ListMessages(context.Background(), "thread-1", store.MessageFilter{
		Types: []models.MessageType{models.MessageTypeTaskList},
	})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("task_list messages = %d, want 1", len(page.Messages))
	}
}

func TestCreateTasksToolWithSectionTitle(t *testing.T) {
	e, _ := newTestEngine(t)
	tools := Tools(e)
	tc := &agent.ToolContext{ThreadID: "thread-1"}

	create := toolByName(t, tools, "create_tasks")
	res, err := create.Invoke(context.Background(), map[string]any{
		"section_title": "Research",
		"task_contents": []any{"read docs"},
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || !strings.Contains(res.Output, "## Research") {
		t.Fatalf("output = %q, want Research section", res.Output)
	}
}

func TestUpdateTasksToolSingleID(t *testing.T) {
	e, _ := newTestEngine(t)
	tools := Tools(e)
	tc := &agent.ToolContext{ThreadID: "thread-1"}

	snapshot, err := e.CreateTasks(context.Background(), "thread-1", []SectionInput{{Title: "Plan", Tasks: []string{"a"}}})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	update := toolByName(t, tools, "update_tasks")
	res, err := update.Invoke(context.Background(), map[string]any{
		"task_ids": snapshot.Tasks[0].ID,
		"status":   "completed",
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("update_tasks failed: %s", res.Output)
	}

	current, _ := e.Snapshot(context.Background(), "thread-1")
	if current.Tasks[0].Status != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", current.Tasks[0].Status)
	}
}

func TestUpdateTasksToolRejectsBadStatus(t *testing.T) {
	e, _ := newTestEngine(t)
	tools := Tools(e)
	tc := &agent.ToolContext{ThreadID: "thread-1"}

	snapshot, err := e.CreateTasks(context.Background(), "thread-1", []SectionInput{{Title: "Plan", Tasks: []string{"a"}}})
	if err != nil {
		t.Fatalf("CreateTasks: %v", err)
	}

	update := toolByName(t, tools, "update_tasks")
	res, err := update.Invoke(context.Background(), map[string]any{
		"task_ids": snapshot.Tasks[0].ID,
		"status":   "done",
	}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Success {
		t.Fatal("update_tasks accepted an invalid status")
	}
}

func TestViewTasksToolOnEmptyThread(t *testing.T) {
	e, _ := newTestEngine(t)
	tools := Tools(e)
	tc := &agent.ToolContext{ThreadID: "thread-1"}

	view := toolByName(t, tools, "view_tasks")
	res, err := view.Invoke(context.Background(), map[string]any{}, tc)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success || !strings.Contains(res.Output, "Total tasks: 0") {
		t.Errorf("output = %q, want empty snapshot rendering", res.Output)
	}
}

func TestToolSchemasRegister(t *testing.T) {
	// Every task list tool must register cleanly against the dispatcher's
	// schema compiler.
	e, _ := newTestEngine(t)
	r := agent.NewRegistry(agent.RegistryOptions{}, testLoggerForTools(), nil)
	for _, tool := range Tools(e) {
		if err := r.Register(tool); err != nil {
			t.Errorf("Register(%s): %v", tool.Name(), err)
		}
	}
}
