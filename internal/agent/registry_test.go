package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/models"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func toolCall(name, args string) models.ToolCall {
	return models.ToolCall{ID: "call_" + name, Name: name, Args: json.RawMessage(args)}
}

type stubTool struct {
	name     string
	schema   string
	parallel bool
	caps     Capabilities
	invoke   func(ctx context.Context, args map[string]any, tc *ToolContext) (*ToolResult, error)
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) Schema() json.RawMessage     { return json.RawMessage(s.schema) }
func (s *stubTool) Examples() string            { return "" }
func (s *stubTool) Capabilities() Capabilities  { return s.caps }
func (s *stubTool) ParallelSafe() bool          { return s.parallel }
func (s *stubTool) Invoke(ctx context.Context, args map[string]any, tc *ToolContext) (*ToolResult, error) {
	if s.invoke == nil {
		return Success("ok"), nil
	}
	return s.invoke(ctx, args, tc)
}

const emptySchema = `{"type":"object","properties":{}}`

func newTestRegistry(t *testing.T, opts RegistryOptions) *Registry {
	t.Helper()
	return NewRegistry(opts, testLogger(), nil)
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	for _, name := range []string{"", "BadName", "1tool", "has-dash", "white space"} {
		if err := r.Register(&stubTool{name: name, schema: emptySchema}); err == nil {
			t.Errorf("Register(%q) accepted an invalid name", name)
		}
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	if err := r.Register(&stubTool{name: "echo", schema: emptySchema}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&stubTool{name: "echo", schema: emptySchema}); err == nil {
		t.Fatal("duplicate Register accepted")
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	if err := r.Register(&stubTool{name: "bad", schema: `{"type":`}); err == nil {
		t.Fatal("Register accepted malformed schema JSON")
	}
}

func TestEnabledPreservesRegistrationOrder(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name, schema: emptySchema}); err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	all := r.Enabled(nil)
	got := make([]string, len(all))
	for i, tool := range all {
		got[i] = tool.Name()
	}
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Enabled(nil) order = %v, want %v", got, want)
		}
	}

	subset := r.Enabled([]string{"mid", "zeta", "missing"})
	if len(subset) != 2 || subset[0].Name() != "zeta" || subset[1].Name() != "mid" {
		t.Fatalf("Enabled(subset) = %v, want [zeta mid]", subset)
	}
}

func TestValidateArgsCoercion(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	schema := `{
		"type": "object",
		"properties": {
			"count":   {"type": "integer"},
			"ratio":   {"type": "number"},
			"enabled": {"type": "boolean"},
			"items":   {"type": "array"}
		},
		"required": ["count"]
	}`
	if err := r.Register(&stubTool{name: "convert", schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	raw := json.RawMessage(`{"count":"3","ratio":"0.5","enabled":"true","items":"[1,2]"}`)
	args, err := r.ValidateArgs("convert", raw)
	if err != nil {
		t.Fatalf("ValidateArgs: %v", err)
	}
	if got := args["count"]; got != float64(3) {
		t.Errorf("count = %v (%T), want 3", got, got)
	}
	if got := args["ratio"]; got != 0.5 {
		t.Errorf("ratio = %v, want 0.5", got)
	}
	if got := args["enabled"]; got != true {
		t.Errorf("enabled = %v, want true", got)
	}
	items, ok := args["items"].([]any)
	if !ok || len(items) != 2 {
		t.Errorf("items = %v, want a 2-element array", args["items"])
	}
}

func TestValidateArgsCoercesJSONStringSections(t *testing.T) {
	// Models in XML mode hand structured parameters over as JSON strings.
	r := newTestRegistry(t, RegistryOptions{})
	schema := `{
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
			}
		},
		"required": ["sections"]
	}`
	if err := r.Register(&stubTool{name: "create_tasks", schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	raw := json.RawMessage(`{"sections":"[{\"title\":\"Plan\",\"tasks\":[\"a\",\"b\"]}]"}`)
	args, err := r.ValidateArgs("create_tasks", raw)
	if err != nil {
		t.Fatalf("ValidateArgs: %v", err)
	}
	sections, ok := args["sections"].([]any)
	if !ok || len(sections) != 1 {
		t.Fatalf("sections = %v, want one structured section", args["sections"])
	}
	section := sections[0].(map[string]any)
	if section["title"] != "Plan" {
		t.Errorf("section title = %v, want Plan", section["title"])
	}
}

func TestValidateArgsMissingRequired(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	schema := `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`
	if err := r.Register(&stubTool{name: "read_file", schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.ValidateArgs("read_file", json.RawMessage(`{}`)); err == nil {
		t.Fatal("ValidateArgs accepted missing required argument")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	res := r.Dispatch(context.Background(), toolCall("nope", `{}`), &ToolContext{})
	if res.Success {
		t.Fatal("Dispatch of unknown tool reported success")
	}
}

func TestDispatchValidationFailureIsNotFatal(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	schema := `{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"]}`
	if err := r.Register(&stubTool{name: "need_n", schema: schema}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	res := r.Dispatch(context.Background(), toolCall("need_n", `{}`), &ToolContext{})
	if res.Success {
		t.Fatal("validation failure reported success")
	}
	if !strings.Contains(res.Output, "invalid arguments") {
		t.Errorf("output = %q, want a validation message", res.Output)
	}
}

func TestDispatchTimeout(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{DefaultTimeout: 25 * time.Millisecond})
	tool := &stubTool{
		name:   "slow",
		schema: emptySchema,
		invoke: func(ctx context.Context, _ map[string]any, _ *ToolContext) (*ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Dispatch(context.Background(), toolCall("slow", `{}`), &ToolContext{})
	if res.Success {
		t.Fatal("timed-out dispatch reported success")
	}
	if !strings.Contains(res.Output, "<timeout>") {
		t.Errorf("output = %q, want <timeout> marker", res.Output)
	}
}

func TestDispatchPanicBecomesFailure(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	tool := &stubTool{
		name:   "boom",
		schema: emptySchema,
		invoke: func(context.Context, map[string]any, *ToolContext) (*ToolResult, error) {
			panic("broken adapter")
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res := r.Dispatch(context.Background(), toolCall("boom", `{}`), &ToolContext{})
	if res.Success {
		t.Fatal("panicking dispatch reported success")
	}
	if !strings.Contains(res.Output, "unexpected") {
		t.Errorf("output = %q, want unexpected-error marker", res.Output)
	}
}

func TestFunctionSchemaWrapsParameters(t *testing.T) {
	tool := &stubTool{name: "echo", schema: `{"type":"object","properties":{"text":{"type":"string"}}}`}
	var wrapper struct {
		Type     string `json:"type"`
		Function struct {
			Name       string          `json:"name"`
			Parameters json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(FunctionSchema(tool), &wrapper); err != nil {
		t.Fatalf("unmarshal wrapper: %v", err)
	}
	if wrapper.Type != "function" || wrapper.Function.Name != "echo" {
		t.Errorf("wrapper = %+v, want type=function name=echo", wrapper)
	}
	if !strings.Contains(string(wrapper.Function.Parameters), `"text"`) {
		t.Errorf("parameters = %s, want original schema", wrapper.Function.Parameters)
	}
}
