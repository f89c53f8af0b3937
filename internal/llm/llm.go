// Package llm defines the provider abstraction for streaming model
// completions and implements it for Anthropic and OpenAI.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomworks/loom/pkg/models"
)

// ToolDef describes one tool offered to the model: a name, a natural
// language description, and a JSON schema for its arguments.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// ToolResultRef is a tool execution result echoed back to the model.
type ToolResultRef struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// CompletionMessage is one turn of model-visible conversation.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ToolResultRef
}

// CompletionRequest is a streaming completion request. Tools may be empty
// for plain text turns (e.g. XML-style tool calling or structured output).
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []ToolDef
	MaxTokens   int
	Temperature float32

	// ToolChoice is "required" to force a tool call on this turn, or empty
	// to let the model decide. It only applies when Tools is non-empty.
	ToolChoice string

	// EnableThinking requests extended reasoning where the provider
	// supports it; ThinkingBudgetTokens caps it.
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// Chunk is one streamed completion fragment. Exactly one of Text, Thinking,
// ToolCall, Done, or Error is meaningful per chunk; token counts arrive on
// the Done chunk.
type Chunk struct {
	Text     string
	Thinking string

	// ToolCall is a complete tool invocation, emitted once its streamed
	// argument JSON has been fully accumulated.
	ToolCall *models.ToolCall

	Done         bool
	InputTokens  int
	OutputTokens int

	Error error
}

// Provider is a streaming LLM backend. Complete returns immediately with a
// channel that delivers chunks until a Done or Error chunk, after which the
// channel is closed. Cancelling ctx aborts the stream.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *Chunk, error)
	SupportsTools() bool
}

// ProviderConfig holds per-provider connection settings.
type ProviderConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewProvider constructs a provider by name ("anthropic" or "openai").
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg)
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", name)
	}
}

// Registry routes requests to named providers.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry builds a registry; fallback names the provider used when a
// request does not select one.
func NewRegistry(fallback string) *Registry {
	return &Registry{providers: make(map[string]Provider), fallback: fallback}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the named provider, or the fallback when name is empty.
func (r *Registry) Get(name string) (Provider, error) {
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("llm: provider %q not configured", name)
	}
	return p, nil
}

// ProviderForModel picks a provider from a model identifier prefix.
func (r *Registry) ProviderForModel(model string) (Provider, error) {
	switch {
	case hasPrefix(model, "claude"):
		return r.Get("anthropic")
	case hasPrefix(model, "gpt"), hasPrefix(model, "o1"), hasPrefix(model, "o3"):
		return r.Get("openai")
	default:
		return r.Get("")
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
