package models

import "time"

// RunStatus is the lifecycle state of an agent run. Transitions are
// exactly-once: running -> {completed, stopped, failed}.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is one of the terminal states.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusStopped, RunStatusFailed:
		return true
	}
	return false
}

// Failure kinds recorded on failed runs. Kind is empty for generic failures.
const (
	FailureKindContextWindow = "context_window"
	FailureKindLLMExhausted  = "llm_exhausted"
	FailureKindBilling       = "billing"
	FailureKindAbandoned     = "abandoned"
	FailureKindContentPolicy = "content_policy"
	FailureKindOutputSchema  = "output_schema"
)

// AgentRun is one execution of the agent loop for one user turn. The run
// exclusively owns its append-only response log and its control channel.
type AgentRun struct {
	ID         string     `json:"run_id"`
	ThreadID   string     `json:"thread_id"`
	AgentID    string     `json:"agent_id,omitempty"`
	VersionID  string     `json:"version_id,omitempty"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	InstanceID string     `json:"instance_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// Usage accounting, populated from the final provider chunks.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
