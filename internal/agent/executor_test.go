package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

func TestExecuteSerialOrder(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	var mu sync.Mutex
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		err := r.Register(&stubTool{
			name:   name,
			schema: emptySchema,
			invoke: func(context.Context, map[string]any, *ToolContext) (*ToolResult, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return Success(name), nil
			},
		})
		if err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	ex := NewExecutor(r, 4)
	calls := []models.ToolCall{toolCall("first", `{}`), toolCall("second", `{}`), toolCall("third", `{}`)}
	results := ex.Execute(context.Background(), calls, &ToolContext{})

	for i, call := range calls {
		if results[i] == nil || results[i].Output != call.Name {
			t.Errorf("results[%d] = %+v, want output %q", i, results[i], call.Name)
		}
	}
	for i, name := range []string{"first", "second", "third"} {
		if order[i] != name {
			t.Fatalf("execution order = %v, want serial textual order", order)
		}
	}
}

func TestExecuteParallelGroupResultsInCallOrder(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	// The slowest tool comes first so completion order inverts call order.
	delays := map[string]time.Duration{"pa": 30 * time.Millisecond, "pb": 10 * time.Millisecond, "pc": 0}
	for name, delay := range delays {
		name, delay := name, delay
		err := r.Register(&stubTool{
			name:     name,
			schema:   emptySchema,
			parallel: true,
			invoke: func(context.Context, map[string]any, *ToolContext) (*ToolResult, error) {
				time.Sleep(delay)
				return Success(name), nil
			},
		})
		if err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}

	ex := NewExecutor(r, 4)
	calls := []models.ToolCall{toolCall("pa", `{}`), toolCall("pb", `{}`), toolCall("pc", `{}`)}
	results := ex.Execute(context.Background(), calls, &ToolContext{})

	for i, call := range calls {
		if results[i].Output != call.Name {
			t.Errorf("results[%d].Output = %q, want %q", i, results[i].Output, call.Name)
		}
	}
}

func TestExecuteParallelLimitBounds(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	var current, peak atomic.Int32
	err := r.Register(&stubTool{
		name:     "bounded",
		schema:   emptySchema,
		parallel: true,
		invoke: func(context.Context, map[string]any, *ToolContext) (*ToolResult, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			return Success("ok"), nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	ex := NewExecutor(r, 2)
	calls := make([]models.ToolCall, 8)
	for i := range calls {
		calls[i] = models.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "bounded", Args: []byte(`{}`)}
	}
	ex.Execute(context.Background(), calls, &ToolContext{})

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestExecuteMixedGroups(t *testing.T) {
	r := newTestRegistry(t, RegistryOptions{})
	register := func(name string, parallel bool) {
		err := r.Register(&stubTool{
			name:     name,
			schema:   emptySchema,
			parallel: parallel,
			invoke: func(context.Context, map[string]any, *ToolContext) (*ToolResult, error) {
				return Success(name), nil
			},
		})
		if err != nil {
			t.Fatalf("Register(%q): %v", name, err)
		}
	}
	register("serial_one", false)
	register("par_one", true)
	register("par_two", true)
	register("serial_two", false)

	ex := NewExecutor(r, 4)
	calls := []models.ToolCall{
		toolCall("serial_one", `{}`),
		toolCall("par_one", `{}`),
		toolCall("par_two", `{}`),
		toolCall("serial_two", `{}`),
	}
	results := ex.Execute(context.Background(), calls, &ToolContext{})
	for i, call := range calls {
		if results[i] == nil || results[i].Output != call.Name {
			t.Errorf("results[%d] = %+v, want output %q", i, results[i], call.Name)
		}
	}
}
