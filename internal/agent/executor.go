package agent

import (
	"context"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// Executor applies the dispatch policy to a turn's tool calls: serial
// execution in textual order, except maximal runs of consecutive
// parallel-safe calls, which run as a bounded-parallel group. Results are
// always returned in call order regardless of completion order.
type Executor struct {
	registry      *Registry
	parallelLimit int
}

// NewExecutor creates an executor. limit bounds concurrent invocations
// within one parallel group (default 4).
func NewExecutor(registry *Registry, limit int) *Executor {
	if limit <= 0 {
		limit = 4
	}
	return &Executor{registry: registry, parallelLimit: limit}
}

// Execute dispatches calls and returns one result per call, positionally
// aligned with the input.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, tc *ToolContext) []*ToolResult {
	results := make([]*ToolResult, len(calls))

	i := 0
	for i < len(calls) {
		if !e.parallelSafe(calls[i].Name) {
			results[i] = e.registry.Dispatch(ctx, calls[i], tc)
			i++
			continue
		}

		// Extend the group across consecutive parallel-safe calls.
		j := i + 1
		for j < len(calls) && e.parallelSafe(calls[j].Name) {
			j++
		}
		e.executeGroup(ctx, calls[i:j], results[i:j], tc)
		i = j
	}
	return results
}

func (e *Executor) executeGroup(ctx context.Context, calls []models.ToolCall, results []*ToolResult, tc *ToolContext) {
	if len(calls) == 1 {
		results[0] = e.registry.Dispatch(ctx, calls[0], tc)
		return
	}

	sem := make(chan struct{}, e.parallelLimit)
	var wg sync.WaitGroup
	for idx := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = e.registry.Dispatch(ctx, calls[idx], tc)
		}(idx)
	}
	wg.Wait()
}

func (e *Executor) parallelSafe(name string) bool {
	tool, ok := e.registry.Get(name)
	return ok && tool.ParallelSafe()
}
