// Package tasklist implements the per-thread sectioned TODO list the agent
// maintains as its plan of record. The list is materialized as the newest
// task_list message in the thread; every mutation loads the current snapshot,
// modifies it, and appends a whole new snapshot message.
package tasklist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// Engine performs task list reads and mutations. Mutations within one thread
// are serialized by a per-thread lock held around the load-modify-save.
type Engine struct {
	store store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a task list engine over the given store.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) threadLock(threadID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[threadID] = lock
	}
	return lock
}

// Snapshot returns the thread's current task list, or an empty snapshot when
// no task_list message exists yet.
func (e *Engine) Snapshot(ctx context.Context, threadID string) (*models.TaskListSnapshot, error) {
	page, err := e.store.ListMessages(ctx, threadID, store.MessageFilter{
		Types: []models.MessageType{models.MessageTypeTaskList},
	})
	if err != nil {
		return nil, fmt.Errorf("tasklist: load: %w", err)
	}
	if len(page.Messages) == 0 {
		return &models.TaskListSnapshot{}, nil
	}

	newest := page.Messages[len(page.Messages)-1]
	var snapshot models.TaskListSnapshot
	if err := json.Unmarshal(newest.Content, &snapshot); err != nil {
		return nil, fmt.Errorf("tasklist: decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// mutate runs fn against the current snapshot under the thread lock and
// persists the result as a new task_list message. fn returning an error
// rejects the whole mutation; nothing is written.
func (e *Engine) mutate(ctx context.Context, threadID string, fn func(*models.TaskListSnapshot) error) (*models.TaskListSnapshot, error) {
	lock := e.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := e.Snapshot(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := fn(snapshot); err != nil {
		return nil, err
	}
	if err := snapshot.Validate(); err != nil {
		return nil, fmt.Errorf("tasklist: inconsistent snapshot: %w", err)
	}

	content, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("tasklist: encode snapshot: %w", err)
	}
	msg := &models.Message{
		ID:       uuid.NewString(),
		ThreadID: threadID,
		Type:     models.MessageTypeTaskList,
		Role:     models.RoleUser,
		Content:  content,
		IsLLM:    true,
	}
	if err := e.store.AddMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("tasklist: persist snapshot: %w", err)
	}
	return snapshot, nil
}

// SectionInput is one section with its new tasks for CreateTasks.
type SectionInput struct {
	Title string   `json:"title"`
	Tasks []string `json:"tasks"`
}

// CreateTasks appends tasks grouped by section. Missing sections are created
// by case-insensitive title match; existing section order is preserved and
// new tasks land in input order.
func (e *Engine) CreateTasks(ctx context.Context, threadID string, sections []SectionInput) (*models.TaskListSnapshot, error) {
	if len(sections) == 0 {
		return nil, fmt.Errorf("tasklist: no sections given")
	}
	return e.mutate(ctx, threadID, func(snapshot *models.TaskListSnapshot) error {
		for _, input := range sections {
			if strings.TrimSpace(input.Title) == "" {
				return fmt.Errorf("tasklist: section title must not be empty")
			}
			section, ok := snapshot.SectionByTitle(input.Title)
			if !ok {
				section = models.Section{ID: uuid.NewString(), Title: input.Title}
				snapshot.Sections = append(snapshot.Sections, section)
			}
			for _, content := range input.Tasks {
				snapshot.Tasks = append(snapshot.Tasks, models.Task{
					ID:        uuid.NewString(),
					Content:   content,
					Status:    models.TaskStatusPending,
					SectionID: section.ID,
				})
			}
		}
		return nil
	})
}

// CreateTasksInSection appends tasks to one section addressed by id or by
// case-insensitive title; the section is created when neither matches.
func (e *Engine) CreateTasksInSection(ctx context.Context, threadID, sectionID, sectionTitle string, contents []string) (*models.TaskListSnapshot, error) {
	if len(contents) == 0 {
		return nil, fmt.Errorf("tasklist: no task contents given")
	}
	return e.mutate(ctx, threadID, func(snapshot *models.TaskListSnapshot) error {
		var section models.Section
		switch {
		case sectionID != "":
			found := false
			for _, sec := range snapshot.Sections {
				if sec.ID == sectionID {
					section, found = sec, true
					break
				}
			}
			if !found {
				return fmt.Errorf("tasklist: section %s not found", sectionID)
			}
		case sectionTitle != "":
			var ok bool
			section, ok = snapshot.SectionByTitle(sectionTitle)
			if !ok {
				section = models.Section{ID: uuid.NewString(), Title: sectionTitle}
				snapshot.Sections = append(snapshot.Sections, section)
			}
		default:
			return fmt.Errorf("tasklist: section_id or section_title required")
		}

		for _, content := range contents {
			snapshot.Tasks = append(snapshot.Tasks, models.Task{
				ID:        uuid.NewString(),
				Content:   content,
				Status:    models.TaskStatusPending,
				SectionID: section.ID,
			})
		}
		return nil
	})
}

// TaskUpdate carries the mutable task fields; nil fields are left unchanged.
type TaskUpdate struct {
	Content   *string
	Status    *models.TaskStatus
	SectionID *string
}

// UpdateTasks applies one update to every task in ids. All ids must exist
// and the target section (when moving) must exist; any failure rejects the
// entire batch.
func (e *Engine) UpdateTasks(ctx context.Context, threadID string, ids []string, update TaskUpdate) (*models.TaskListSnapshot, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("tasklist: no task ids given")
	}
	if update.Content == nil && update.Status == nil && update.SectionID == nil {
		return nil, fmt.Errorf("tasklist: nothing to update")
	}
	return e.mutate(ctx, threadID, func(snapshot *models.TaskListSnapshot) error {
		index := make(map[string]int, len(snapshot.Tasks))
		for i, task := range snapshot.Tasks {
			index[task.ID] = i
		}
		for _, id := range ids {
			if _, ok := index[id]; !ok {
				return fmt.Errorf("tasklist: task %s not found", id)
			}
		}
		if update.SectionID != nil {
			found := false
			for _, sec := range snapshot.Sections {
				if sec.ID == *update.SectionID {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("tasklist: section %s not found", *update.SectionID)
			}
		}

		for _, id := range ids {
			task := &snapshot.Tasks[index[id]]
			if update.Content != nil {
				task.Content = *update.Content
			}
			if update.Status != nil {
				task.Status = *update.Status
			}
			if update.SectionID != nil {
				task.SectionID = *update.SectionID
			}
		}
		return nil
	})
}

// DeleteTasks removes tasks and, with confirm, whole sections. Deleting a
// section cascades to its tasks. At least one of taskIDs/sectionIDs must be
// given; section deletion without confirm is rejected.
func (e *Engine) DeleteTasks(ctx context.Context, threadID string, taskIDs, sectionIDs []string, confirm bool) (*models.TaskListSnapshot, error) {
	if len(taskIDs) == 0 && len(sectionIDs) == 0 {
		return nil, fmt.Errorf("tasklist: task_ids or section_ids required")
	}
	if len(sectionIDs) > 0 && !confirm {
		return nil, fmt.Errorf("tasklist: deleting sections requires confirm=true")
	}
	return e.mutate(ctx, threadID, func(snapshot *models.TaskListSnapshot) error {
		taskSet := make(map[string]bool, len(taskIDs))
		for _, id := range taskIDs {
			taskSet[id] = true
		}
		sectionSet := make(map[string]bool, len(sectionIDs))
		for _, id := range sectionIDs {
			sectionSet[id] = true
		}

		for _, id := range taskIDs {
			found := false
			for _, task := range snapshot.Tasks {
				if task.ID == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("tasklist: task %s not found", id)
			}
		}
		for _, id := range sectionIDs {
			found := false
			for _, sec := range snapshot.Sections {
				if sec.ID == id {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("tasklist: section %s not found", id)
			}
		}

		tasks := snapshot.Tasks[:0]
		for _, task := range snapshot.Tasks {
			if taskSet[task.ID] || sectionSet[task.SectionID] {
				continue
			}
			tasks = append(tasks, task)
		}
		snapshot.Tasks = tasks

		sections := snapshot.Sections[:0]
		for _, sec := range snapshot.Sections {
			if sectionSet[sec.ID] {
				continue
			}
			sections = append(sections, sec)
		}
		snapshot.Sections = sections
		return nil
	})
}

// ClearAll installs an empty snapshot. Requires confirm=true.
func (e *Engine) ClearAll(ctx context.Context, threadID string, confirm bool) (*models.TaskListSnapshot, error) {
	if !confirm {
		return nil, fmt.Errorf("tasklist: clear_all requires confirm=true")
	}
	return e.mutate(ctx, threadID, func(snapshot *models.TaskListSnapshot) error {
		snapshot.Sections = nil
		snapshot.Tasks = nil
		return nil
	})
}

// Render formats a snapshot for the model: only sections containing at least
// one task are listed, while the totals count every task.
func Render(snapshot *models.TaskListSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Total tasks: %d (pending %d, completed %d, cancelled %d)\n",
		snapshot.TotalTasks(),
		snapshot.CountByStatus(models.TaskStatusPending),
		snapshot.CountByStatus(models.TaskStatusCompleted),
		snapshot.CountByStatus(models.TaskStatusCancelled))

	grouped := snapshot.TasksBySection()
	for _, sec := range snapshot.Sections {
		tasks := grouped[sec.ID]
		if len(tasks) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n", sec.Title)
		for _, task := range tasks {
			marker := " "
			switch task.Status {
			case models.TaskStatusCompleted:
				marker = "x"
			case models.TaskStatusCancelled:
				marker = "-"
			}
			fmt.Fprintf(&sb, "- [%s] %s (id: %s)\n", marker, task.Content, task.ID)
		}
	}
	return sb.String()
}
