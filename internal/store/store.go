// Package store persists threads, messages, agents, agent versions, and
// agent runs. The postgres implementation backs production; the memory
// implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// MessagePage is one page of thread messages.
type MessagePage struct {
	Messages []*models.Message `json:"messages"`
	Total    int               `json:"total"`
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	// LLMOnly restricts to messages included in LLM context construction.
	LLMOnly bool
	// Types restricts to the given message types; empty means all.
	Types []models.MessageType
	// Limit and Offset paginate. Limit <= 0 means no limit.
	Limit  int
	Offset int
}

// RunUpdate carries the mutable fields of a run status transition. Nil
// pointer fields are left unchanged.
type RunUpdate struct {
	Status       models.RunStatus
	Error        string
	ErrorKind    string
	EndedAt      *time.Time
	InputTokens  *int
	OutputTokens *int
}

// Store is the persistence surface for the runtime.
type Store interface {
	// Threads.
	CreateThread(ctx context.Context, thread *models.Thread) error
	GetThread(ctx context.Context, id string) (*models.Thread, error)

	// Messages. AddMessage assigns CreatedAt when zero; messages are
	// returned in insertion order.
	AddMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, threadID string, filter MessageFilter) (*MessagePage, error)

	// Agents and versions. Versions are immutable once created.
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgentVersion(ctx context.Context, version *models.AgentVersion) error
	GetAgentVersion(ctx context.Context, id string) (*models.AgentVersion, error)
	SetCurrentVersion(ctx context.Context, agentID, versionID string) error

	// Runs.
	CreateRun(ctx context.Context, run *models.AgentRun) error
	GetRun(ctx context.Context, id string) (*models.AgentRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	// ListRuns returns a thread's runs, newest first.
	ListRuns(ctx context.Context, threadID string) ([]*models.AgentRun, error)
	// ListRunningRuns returns all runs still marked running, across threads.
	// The reaper uses this to find abandoned runs.
	ListRunningRuns(ctx context.Context) ([]*models.AgentRun, error)

	Close() error
}
