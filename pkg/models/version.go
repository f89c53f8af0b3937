package models

import (
	"encoding/json"
	"time"
)

// Agent is a configured agent. CurrentVersionID points at the immutable
// AgentVersion snapshot used for new runs; histories are kept.
type Agent struct {
	ID               string    `json:"agent_id"`
	AccountID        string    `json:"account_id"`
	Name             string    `json:"name"`
	CurrentVersionID string    `json:"current_version_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ToolSpec configures one enabled tool on an agent version.
type ToolSpec struct {
	// Enabled gates the tool for this version.
	Enabled bool `json:"enabled"`
	// Args carries per-tool configuration passed to the adapter.
	Args map[string]any `json:"args,omitempty"`
}

// MCPConfig describes an MCP server attached to an agent version. MCP
// servers are external tool providers; only the reference is stored here.
type MCPConfig struct {
	Name    string         `json:"name"`
	URL     string         `json:"url,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
}

// AgentVersion is an immutable snapshot of agent configuration. Runs
// resolve the agent's current version at start and pin it for the run.
type AgentVersion struct {
	ID              string              `json:"version_id"`
	AgentID         string              `json:"agent_id"`
	SystemPrompt    string              `json:"system_prompt"`
	Model           string              `json:"model"`
	ConfiguredTools map[string]ToolSpec `json:"configured_tools,omitempty"`
	ConfiguredMCPs  []MCPConfig         `json:"configured_mcps,omitempty"`
	CustomMCPs      []MCPConfig         `json:"custom_mcps,omitempty"`
	// OutputSchema, when set, disables tools for the run and validates the
	// final assistant text against this JSON schema.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	VersionTag   string          `json:"version_tag,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// EnabledTools returns the names of tools enabled on this version, in no
// particular order. A nil ConfiguredTools map means "all registered tools".
func (v *AgentVersion) EnabledTools() []string {
	if v.ConfiguredTools == nil {
		return nil
	}
	names := make([]string, 0, len(v.ConfiguredTools))
	for name, spec := range v.ConfiguredTools {
		if spec.Enabled {
			names = append(names, name)
		}
	}
	return names
}
