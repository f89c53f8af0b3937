package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

var toolNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// RegistryOptions sets dispatch timeouts per capability class.
type RegistryOptions struct {
	DefaultTimeout time.Duration
	LongTimeout    time.Duration
	BuildTimeout   time.Duration
}

type registeredTool struct {
	tool     Tool
	compiled *jsonschema.Schema
	order    int
}

// Registry holds the process-wide tool set. Registration happens at startup;
// the registry is immutable and safe for concurrent reads afterwards.
type Registry struct {
	tools   map[string]*registeredTool
	opts    RegistryOptions
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty registry. Zero timeouts get the defaults
// (30s / 30m / 60m).
func NewRegistry(opts RegistryOptions, logger *observability.Logger, metrics *observability.Metrics) *Registry {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = 30 * time.Minute
	}
	if opts.BuildTimeout <= 0 {
		opts.BuildTimeout = 60 * time.Minute
	}
	return &Registry{
		tools:   make(map[string]*registeredTool),
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool. The name must match [a-z][a-z0-9_]*, be unique, and
// the schema must compile as JSON Schema.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !toolNameRe.MatchString(name) {
		return fmt.Errorf("registry: invalid tool name %q", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("registry: tool %q already registered", name)
	}

	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(tool.Schema()))); err != nil {
		return fmt.Errorf("registry: schema for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("registry: schema for %q: %w", name, err)
	}

	r.tools[name] = &registeredTool{tool: tool, compiled: compiled, order: len(r.tools)}
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Enabled returns tools filtered by an enabled-name set in registration
// order. A nil set means all tools.
func (r *Registry) Enabled(names []string) []Tool {
	var selected []*registeredTool
	if names == nil {
		for _, rt := range r.tools {
			selected = append(selected, rt)
		}
	} else {
		for _, name := range names {
			if rt, ok := r.tools[name]; ok {
				selected = append(selected, rt)
			}
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].order < selected[j].order })

	out := make([]Tool, len(selected))
	for i, rt := range selected {
		out[i] = rt.tool
	}
	return out
}

// ValidateArgs coerces and validates raw argument JSON against the tool's
// schema. String values are coerced to numbers and booleans where the schema
// asks for them, matching how models frequently quote scalar arguments.
func (r *Registry) ValidateArgs(name string, raw json.RawMessage) (map[string]any, error) {
	rt, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
		}
	}

	coerceArgs(args, rt.tool.Schema())

	if err := rt.compiled.Validate(args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// coerceArgs rewrites string values into the scalar or structured types the
// schema's top-level properties declare.
func coerceArgs(args map[string]any, schemaJSON json.RawMessage) {
	var schema struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return
	}

	for key, prop := range schema.Properties {
		val, ok := args[key]
		if !ok {
			continue
		}
		str, isString := val.(string)
		if !isString {
			continue
		}
		switch prop.Type {
		case "number":
			if f, err := strconv.ParseFloat(str, 64); err == nil {
				args[key] = f
			}
		case "integer":
			if n, err := strconv.ParseInt(str, 10, 64); err == nil {
				// JSON Schema validators see json.Unmarshal output, which
				// models integers as float64.
				args[key] = float64(n)
			}
		case "boolean":
			if b, err := strconv.ParseBool(str); err == nil {
				args[key] = b
			}
		case "array", "object":
			var parsed any
			if err := json.Unmarshal([]byte(str), &parsed); err == nil {
				args[key] = parsed
			}
		}
	}
}

// Dispatch validates and invokes one tool call. It never returns an error:
// validation failures, timeouts, adapter errors, and panics all become
// failed results fed back to the model. Panics additionally publish an
// internal error event.
func (r *Registry) Dispatch(ctx context.Context, call models.ToolCall, tc *ToolContext) *ToolResult {
	start := time.Now()
	result := r.dispatch(ctx, call, tc)
	if r.metrics != nil {
		status := "success"
		if !result.Success {
			status = "error"
		}
		r.metrics.RecordToolExecution(call.Name, status, time.Since(start).Seconds())
	}
	return result
}

func (r *Registry) dispatch(ctx context.Context, call models.ToolCall, tc *ToolContext) (result *ToolResult) {
	rt, ok := r.tools[call.Name]
	if !ok {
		return Failure(fmt.Sprintf("unknown tool %q", call.Name))
	}

	args, err := r.ValidateArgs(call.Name, call.Args)
	if err != nil {
		return Failure(err.Error())
	}

	timeout := r.timeoutFor(rt.tool)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "tool panicked", "tool", call.Name, "panic", fmt.Sprint(rec))
			if tc.Producer != nil {
				_ = tc.Producer.Publish(ctx, models.NewErrorEvent(tc.RunID,
					fmt.Sprintf("tool %s panicked", call.Name), true))
			}
			result = Failure(fmt.Sprintf("unexpected: tool %s panicked", call.Name))
		}
	}()

	res, err := rt.tool.Invoke(callCtx, args, tc)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return Failure(fmt.Sprintf("<timeout> tool %s exceeded %s", call.Name, timeout))
		}
		return Failure(err.Error())
	}
	if res == nil {
		return Failure(fmt.Sprintf("unexpected: tool %s returned no result", call.Name))
	}
	return res
}

func (r *Registry) timeoutFor(tool Tool) time.Duration {
	caps := tool.Capabilities()
	switch {
	case caps.Has(CapBuild):
		return r.opts.BuildTimeout
	case caps.Has(CapLongRunning):
		return r.opts.LongTimeout
	default:
		return r.opts.DefaultTimeout
	}
}

// FunctionSchema renders a tool's schema in the OpenAPI-style function
// wrapper used for prompt injection and native tool declarations.
func FunctionSchema(tool Tool) json.RawMessage {
	wrapper := map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  json.RawMessage(tool.Schema()),
		},
	}
	data, _ := json.Marshal(wrapper)
	return data
}
