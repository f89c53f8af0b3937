package models

import (
	"fmt"
	"strings"
)

// TaskStatus is the state of a single task in a task list snapshot.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// ParseTaskStatus validates a status string against the enum.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusCompleted, TaskStatusCancelled:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("invalid task status %q", s)
}

// Section groups tasks in a task list snapshot.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Task is a single TODO entry. SectionID references a Section in the same
// snapshot. IDs are UUIDs and stable across updates.
type Task struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	Status    TaskStatus `json:"status"`
	SectionID string     `json:"section_id"`
}

// TaskListSnapshot is the Content shape of a task_list message: the
// complete state of all sections and tasks at a point in time. Counts and
// groupings are derived, not stored.
type TaskListSnapshot struct {
	Sections []Section `json:"sections"`
	Tasks    []Task    `json:"tasks"`
}

// TotalTasks counts all tasks in the snapshot, including those in sections
// not rendered because they are empty elsewhere.
func (s *TaskListSnapshot) TotalTasks() int { return len(s.Tasks) }

// CountByStatus returns the number of tasks with the given status.
func (s *TaskListSnapshot) CountByStatus(status TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// TasksBySection groups tasks by section id, preserving task order.
func (s *TaskListSnapshot) TasksBySection() map[string][]Task {
	out := make(map[string][]Task, len(s.Sections))
	for _, t := range s.Tasks {
		out[t.SectionID] = append(out[t.SectionID], t)
	}
	return out
}

// SectionByTitle finds a section by case-insensitive title match.
func (s *TaskListSnapshot) SectionByTitle(title string) (Section, bool) {
	for _, sec := range s.Sections {
		if strings.EqualFold(sec.Title, title) {
			return sec, true
		}
	}
	return Section{}, false
}

// Validate checks snapshot self-consistency: every task's SectionID must
// reference a section present in the snapshot.
func (s *TaskListSnapshot) Validate() error {
	ids := make(map[string]bool, len(s.Sections))
	for _, sec := range s.Sections {
		if sec.ID == "" {
			return fmt.Errorf("section %q has empty id", sec.Title)
		}
		ids[sec.ID] = true
	}
	for _, t := range s.Tasks {
		if !ids[t.SectionID] {
			return fmt.Errorf("task %s references unknown section %s", t.ID, t.SectionID)
		}
	}
	return nil
}
