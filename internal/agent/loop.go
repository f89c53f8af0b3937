package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// Tool call styles.
const (
	StyleNative = "native"
	StyleXML    = "xml"
)

// StopFlag is the level-triggered cooperative stop signal for a run. The
// controller sets it when a stop arrives on the control channel; the loop
// checks it between stream deltas and before every dispatch.
type StopFlag struct {
	flag atomic.Bool
}

// Stop raises the flag. Safe to call repeatedly.
func (s *StopFlag) Stop() { s.flag.Store(true) }

// Stopped reports whether a stop has been requested.
func (s *StopFlag) Stopped() bool { return s.flag.Load() }

// LoopOptions configures one run of the turn loop.
type LoopOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int

	// ToolChoice is auto, required, or none. "none" withholds tools from
	// the request entirely.
	ToolChoice string

	// ToolCallStyle selects native structured tool calls or XML blocks
	// parsed out of assistant text.
	ToolCallStyle string

	// MaxIterations caps the number of LLM calls in the run.
	MaxIterations int

	// IncludeXMLExamples injects per-tool usage examples into the system
	// prompt in XML mode.
	IncludeXMLExamples bool

	// NativeMaxAutoContinues caps automatic continuations after tool
	// rounds in native mode.
	NativeMaxAutoContinues int

	EnableThinking       bool
	ThinkingBudgetTokens int

	// IdleTimeout aborts a stream that delivers no chunk for this long
	// (default 60s); StreamRetries bounds retry attempts (default 3).
	IdleTimeout   time.Duration
	StreamRetries int
}

// RunParams carries the per-run inputs to the loop.
type RunParams struct {
	RunID     string
	ThreadID  string
	ProjectID string

	SystemPrompt string
	Version      *models.AgentVersion

	Options  LoopOptions
	Producer *bus.Producer
	Sandbox  SandboxHandle
	Stop     *StopFlag
}

// Outcome is the loop's terminal result. The run controller publishes the
// terminal status event and persists it, keeping the exactly-once transition
// in one place.
type Outcome struct {
	Status models.RunStatus
	Kind   string
	Error  string

	Iterations   int
	InputTokens  int
	OutputTokens int
}

// Loop drives one agent run to completion: LLM call, tool extraction, tool
// dispatch, feedback, repeated until a final assistant message or a terminal
// signal.
type Loop struct {
	store      store.Store
	providers  *llm.Registry
	registry   *Registry
	executor   *Executor
	compressor *Compressor
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewLoop wires a turn loop. compressor may be nil to disable history
// compression.
func NewLoop(st store.Store, providers *llm.Registry, registry *Registry, executor *Executor, compressor *Compressor, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	return &Loop{
		store:      st,
		providers:  providers,
		registry:   registry,
		executor:   executor,
		compressor: compressor,
		logger:     logger,
		metrics:    metrics,
	}
}

// turnOutput is everything one LLM stream produced.
type turnOutput struct {
	text         string
	toolCalls    []models.ToolCall
	inputTokens  int
	outputTokens int
	stopped      bool
}

// Run executes the loop and returns the terminal outcome. It publishes
// non-terminal events itself; the caller emits the terminal status.
func (l *Loop) Run(ctx context.Context, p *RunParams) *Outcome {
	ctx = observability.WithRunID(ctx, p.RunID)
	ctx = observability.WithThreadID(ctx, p.ThreadID)

	if p.Stop == nil {
		p.Stop = &StopFlag{}
	}

	opts := p.Options
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	if opts.NativeMaxAutoContinues <= 0 {
		opts.NativeMaxAutoContinues = 25
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.StreamRetries <= 0 {
		opts.StreamRetries = 3
	}
	if opts.ToolCallStyle == "" {
		opts.ToolCallStyle = StyleNative
	}

	outcome := &Outcome{Status: models.RunStatusCompleted}

	outputSchema := l.compileOutputSchema(p)
	toolsDisabled := outputSchema != nil || opts.ToolChoice == "none"

	var enabled []Tool
	if !toolsDisabled {
		var names []string
		if p.Version != nil {
			names = p.Version.EnabledTools()
		}
		enabled = l.registry.Enabled(names)
	}

	system := p.SystemPrompt
	if opts.ToolCallStyle == StyleXML && opts.IncludeXMLExamples && len(enabled) > 0 {
		system += XMLExamplesSection(enabled)
	}

	provider, err := l.providers.ProviderForModel(opts.Model)
	if err != nil {
		outcome.Status = models.RunStatusFailed
		outcome.Error = err.Error()
		return outcome
	}

	compressed := false
	autoContinues := 0

	for iteration := 1; ; iteration++ {
		if p.Stop.Stopped() {
			outcome.Status = models.RunStatusStopped
			return outcome
		}
		if iteration > opts.MaxIterations {
			outcome.Kind = "max_iterations"
			return outcome
		}

		messages, err := l.buildContext(ctx, p.ThreadID, p.RunID, opts.MaxIterations)
		if err != nil {
			outcome.Status = models.RunStatusFailed
			outcome.Error = fmt.Sprintf("context assembly: %v", err)
			return outcome
		}

		if l.compressor != nil && l.compressor.NeedsCompression(system, messages) {
			if compressed {
				outcome.Status = models.RunStatusFailed
				outcome.Kind = models.FailureKindContextWindow
				outcome.Error = "context window exceeded after compression"
				return outcome
			}
			compressed = true
			if l.metrics != nil {
				l.metrics.ContextCompressions.Inc()
			}
			raw, err := l.loadRaw(ctx, p.ThreadID)
			if err == nil {
				if _, err = l.compressor.Compress(ctx, l.store, p.ThreadID, raw); err != nil {
					l.logger.Warn(ctx, "history compression failed", "error", err)
				}
			}
			if messages, err = l.buildContext(ctx, p.ThreadID, p.RunID, opts.MaxIterations); err != nil {
				outcome.Status = models.RunStatusFailed
				outcome.Error = fmt.Sprintf("context assembly: %v", err)
				return outcome
			}
			if l.compressor.NeedsCompression(system, messages) {
				outcome.Status = models.RunStatusFailed
				outcome.Kind = models.FailureKindContextWindow
				outcome.Error = "context window exceeded after compression"
				return outcome
			}
		}

		req := &llm.CompletionRequest{
			Model:                opts.Model,
			System:               system,
			Messages:             messages,
			MaxTokens:            opts.MaxTokens,
			Temperature:          opts.Temperature,
			EnableThinking:       opts.EnableThinking,
			ThinkingBudgetTokens: opts.ThinkingBudgetTokens,
		}
		if opts.ToolCallStyle == StyleNative && !toolsDisabled {
			req.Tools = toolDefs(enabled)
			req.ToolChoice = opts.ToolChoice
		}

		turn, err := l.streamTurn(ctx, provider, req, p, opts)
		if err != nil {
			l.fillFailure(outcome, err)
			return outcome
		}
		outcome.Iterations = iteration
		outcome.InputTokens += turn.inputTokens
		outcome.OutputTokens += turn.outputTokens

		if err := l.persistAssistant(ctx, p, turn); err != nil {
			outcome.Status = models.RunStatusFailed
			outcome.Error = fmt.Sprintf("persist assistant message: %v", err)
			return outcome
		}

		if turn.stopped || p.Stop.Stopped() {
			outcome.Status = models.RunStatusStopped
			return outcome
		}

		if outputSchema != nil {
			l.publishFinal(ctx, p, turn)
			if err := validateOutput(outputSchema, turn.text); err != nil {
				outcome.Status = models.RunStatusFailed
				outcome.Kind = models.FailureKindOutputSchema
				outcome.Error = err.Error()
			}
			return outcome
		}

		if len(turn.toolCalls) == 0 {
			l.publishFinal(ctx, p, turn)
			return outcome
		}

		terminal, err := l.dispatchTools(ctx, p, turn.toolCalls)
		if err != nil {
			outcome.Status = models.RunStatusFailed
			outcome.Error = err.Error()
			return outcome
		}
		if terminal {
			l.publishFinal(ctx, p, turn)
			return outcome
		}
		if p.Stop.Stopped() {
			outcome.Status = models.RunStatusStopped
			return outcome
		}

		if opts.ToolCallStyle == StyleNative {
			autoContinues++
			if autoContinues > opts.NativeMaxAutoContinues {
				outcome.Kind = "auto_continue_limit"
				return outcome
			}
		}
	}
}

func (l *Loop) publishFinal(ctx context.Context, p *RunParams, turn *turnOutput) {
	if err := p.Producer.Publish(ctx, models.NewFinalEvent(p.RunID, turn.text, turn.toolCalls)); err != nil {
		l.logger.Warn(ctx, "failed to publish assistant_final", "error", err)
	}
}

// streamTurn runs one LLM call with idle-timeout and retry handling, emitting
// delta events as chunks arrive.
func (l *Loop) streamTurn(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest, p *RunParams, opts LoopOptions) (*turnOutput, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < opts.StreamRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}

		turn, err := l.consumeStream(ctx, provider, req, p, opts)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if !llm.IsRetryable(err) {
			return nil, err
		}
		l.logger.Warn(ctx, "llm stream failed, retrying",
			"attempt", attempt+1, "error", err)
	}
	return nil, &llm.ProviderError{
		Provider: provider.Name(),
		Model:    req.Model,
		Message:  fmt.Sprintf("retries exhausted: %v", lastErr),
		Kind:     llm.KindServer,
		Cause:    lastErr,
	}
}

func (l *Loop) consumeStream(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest, p *RunParams, opts LoopOptions) (*turnOutput, error) {
	start := time.Now()
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := provider.Complete(streamCtx, req)
	if err != nil {
		return nil, err
	}

	turn := &turnOutput{}
	var text strings.Builder
	var parser *XMLParser
	if opts.ToolCallStyle == StyleXML {
		parser = NewXMLParser()
	}

	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-idle.C:
			cancel()
			return nil, &llm.ProviderError{
				Provider: provider.Name(),
				Model:    req.Model,
				Message:  fmt.Sprintf("stream idle for %s", opts.IdleTimeout),
				Kind:     llm.KindTimeout,
			}
		case chunk, open := <-chunks:
			if !open {
				// Stream ended without a Done chunk; treat the
				// accumulated output as final.
				l.finishTurn(turn, &text, parser)
				l.recordLLM(provider, req, turn, start)
				return turn, nil
			}
			idle.Reset(opts.IdleTimeout)

			switch {
			case chunk.Error != nil:
				return nil, chunk.Error
			case chunk.Done:
				turn.inputTokens = chunk.InputTokens
				turn.outputTokens = chunk.OutputTokens
				l.finishTurn(turn, &text, parser)
				l.recordLLM(provider, req, turn, start)
				return turn, nil
			case chunk.ToolCall != nil:
				turn.toolCalls = append(turn.toolCalls, *chunk.ToolCall)
			case chunk.Thinking != "":
				if err := p.Producer.Publish(ctx, models.NewThinkingEvent(p.RunID, chunk.Thinking)); err != nil {
					l.logger.Warn(ctx, "failed to publish thinking delta", "error", err)
				}
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				if parser != nil {
					turn.toolCalls = append(turn.toolCalls, parser.Feed(chunk.Text)...)
				}
				if err := p.Producer.Publish(ctx, models.NewDeltaEvent(p.RunID, chunk.Text)); err != nil {
					l.logger.Warn(ctx, "failed to publish assistant delta", "error", err)
				}
			}

			if p.Stop.Stopped() {
				cancel()
				l.finishTurn(turn, &text, parser)
				turn.stopped = true
				return turn, nil
			}
		}
	}
}

func (l *Loop) finishTurn(turn *turnOutput, text *strings.Builder, parser *XMLParser) {
	turn.text = text.String()
	if parser != nil {
		turn.toolCalls = append(turn.toolCalls, parser.Finish()...)
	}
}

func (l *Loop) recordLLM(provider llm.Provider, req *llm.CompletionRequest, turn *turnOutput, start time.Time) {
	if l.metrics != nil {
		l.metrics.RecordLLMRequest(provider.Name(), req.Model, "success",
			time.Since(start).Seconds(), turn.inputTokens, turn.outputTokens)
	}
}

// dispatchTools publishes tool_call events in textual order, executes the
// calls under the dispatch policy, publishes tool_result events and persists
// tool messages in call order. It reports whether a terminal tool fired.
func (l *Loop) dispatchTools(ctx context.Context, p *RunParams, calls []models.ToolCall) (bool, error) {
	for _, call := range calls {
		if err := p.Producer.Publish(ctx, models.NewToolCallEvent(p.RunID, call)); err != nil {
			l.logger.Warn(ctx, "failed to publish tool_call", "error", err)
		}
	}

	tc := &ToolContext{
		RunID:     p.RunID,
		ThreadID:  p.ThreadID,
		ProjectID: p.ProjectID,
		Sandbox:   p.Sandbox,
		Store:     l.store,
		Producer:  p.Producer,
	}
	results := l.executor.Execute(ctx, calls, tc)

	terminal := false
	for i, call := range calls {
		res := results[i]
		if err := p.Producer.Publish(ctx, models.NewToolResultEvent(
			p.RunID, call.ID, call.Name, res.Success, res.Output, res.Attachments)); err != nil {
			l.logger.Warn(ctx, "failed to publish tool_result", "error", err)
		}

		content, err := json.Marshal(models.ToolContent{
			Role:       models.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Output,
			IsError:    !res.Success,
		})
		if err != nil {
			return false, fmt.Errorf("marshal tool result: %w", err)
		}
		msg := &models.Message{
			ID:        uuid.NewString(),
			ThreadID:  p.ThreadID,
			ProjectID: p.ProjectID,
			Type:      models.MessageTypeTool,
			Role:      models.RoleTool,
			Content:   content,
			IsLLM:     true,
			Metadata:  map[string]any{models.ThreadRunIDKey: p.RunID},
		}
		if err := l.store.AddMessage(ctx, msg); err != nil {
			return false, fmt.Errorf("persist tool message: %w", err)
		}

		if res.Terminate() {
			terminal = true
		}
	}
	return terminal, nil
}

func (l *Loop) persistAssistant(ctx context.Context, p *RunParams, turn *turnOutput) error {
	content, err := json.Marshal(models.AssistantContent{
		Role:      models.RoleAssistant,
		Content:   turn.text,
		ToolCalls: turn.toolCalls,
	})
	if err != nil {
		return err
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		ThreadID:  p.ThreadID,
		ProjectID: p.ProjectID,
		Type:      models.MessageTypeAssistant,
		Role:      models.RoleAssistant,
		Content:   content,
		IsLLM:     true,
		Metadata:  map[string]any{models.ThreadRunIDKey: p.RunID},
	}
	return l.store.AddMessage(ctx, msg)
}

func (l *Loop) loadRaw(ctx context.Context, threadID string) ([]*models.Message, error) {
	page, err := l.store.ListMessages(ctx, threadID, store.MessageFilter{LLMOnly: true})
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// buildContext loads the thread's LLM-visible messages and converts them to
// completion messages. When a summary message exists, the messages it
// replaced are elided and the summary takes their place at the front. At most
// maxRounds prior assistant/tool rounds belonging to runID are included; a
// run that loops heavily ages out its own oldest rounds while the rest of the
// thread's history stays intact.
func (l *Loop) buildContext(ctx context.Context, threadID, runID string, maxRounds int) ([]llm.CompletionMessage, error) {
	raw, err := l.loadRaw(ctx, threadID)
	if err != nil {
		return nil, err
	}

	drop := capRunRounds(raw, runID, maxRounds)

	// Locate the newest summary and the end of the block it replaced.
	summaryIdx := -1
	replacedUntil := ""
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i].Type == models.MessageTypeSummary {
			summaryIdx = i
			if until, ok := raw[i].Metadata["replaces_until"].(string); ok {
				replacedUntil = until
			}
			break
		}
	}

	var out []llm.CompletionMessage
	if summaryIdx >= 0 {
		if cm, ok := toCompletionMessage(raw[summaryIdx]); ok {
			out = append(out, cm)
		}
	}

	skipping := replacedUntil != ""
	for i, msg := range raw {
		if i == summaryIdx {
			continue
		}
		if skipping {
			if msg.ID == replacedUntil {
				skipping = false
			}
			continue
		}
		if drop[i] {
			continue
		}
		if cm, ok := toCompletionMessage(msg); ok {
			out = append(out, cm)
		}
	}
	return out, nil
}

// capRunRounds marks the oldest assistant/tool messages attributed to runID
// for elision once the run has accumulated more than maxRounds rounds. A
// round is one assistant message plus the tool messages that follow it.
func capRunRounds(raw []*models.Message, runID string, maxRounds int) map[int]bool {
	if runID == "" || maxRounds <= 0 {
		return nil
	}

	drop := make(map[int]bool)
	kept := 0
	dropping := false
	for i := len(raw) - 1; i >= 0; i-- {
		msg := raw[i]
		if rid, _ := msg.Metadata[models.ThreadRunIDKey].(string); rid != runID {
			continue
		}
		switch msg.Type {
		case models.MessageTypeAssistant:
			if dropping {
				drop[i] = true
				continue
			}
			kept++
			if kept == maxRounds {
				dropping = true
			}
		case models.MessageTypeTool:
			if dropping {
				drop[i] = true
			}
		}
	}
	if len(drop) == 0 {
		return nil
	}
	return drop
}

func toCompletionMessage(msg *models.Message) (llm.CompletionMessage, bool) {
	switch msg.Type {
	case models.MessageTypeAssistant:
		var ac models.AssistantContent
		if err := json.Unmarshal(msg.Content, &ac); err != nil {
			return llm.CompletionMessage{}, false
		}
		return llm.CompletionMessage{
			Role:      "assistant",
			Content:   ac.Content,
			ToolCalls: ac.ToolCalls,
		}, true
	case models.MessageTypeTool:
		var tcnt models.ToolContent
		if err := json.Unmarshal(msg.Content, &tcnt); err != nil {
			return llm.CompletionMessage{}, false
		}
		return llm.CompletionMessage{
			Role: "tool",
			ToolResults: []llm.ToolResultRef{{
				ToolCallID: tcnt.ToolCallID,
				Content:    tcnt.Content,
				IsError:    tcnt.IsError,
			}},
		}, true
	default:
		var text models.TextContent
		if err := json.Unmarshal(msg.Content, &text); err != nil || text.Content == "" {
			// Structured message types (task_list, browser_state) are
			// surfaced to the model as their raw JSON.
			return llm.CompletionMessage{Role: "user", Content: string(msg.Content)}, len(msg.Content) > 0
		}
		return llm.CompletionMessage{Role: "user", Content: text.Content}, true
	}
}

func toolDefs(tools []Tool) []llm.ToolDef {
	defs := make([]llm.ToolDef, len(tools))
	for i, tool := range tools {
		defs[i] = llm.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		}
	}
	return defs
}

func (l *Loop) compileOutputSchema(p *RunParams) *jsonschema.Schema {
	if p.Version == nil || len(p.Version.OutputSchema) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "output://" + p.RunID + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(p.Version.OutputSchema))); err != nil {
		l.logger.Warn(context.Background(), "invalid output schema", "error", err)
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		l.logger.Warn(context.Background(), "invalid output schema", "error", err)
		return nil
	}
	return schema
}

func validateOutput(schema *jsonschema.Schema, text string) error {
	var value any
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return fmt.Errorf("final output is not valid JSON: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("final output violates schema: %w", err)
	}
	return nil
}

// fillFailure maps a provider error onto the run outcome.
func (l *Loop) fillFailure(outcome *Outcome, err error) {
	outcome.Status = models.RunStatusFailed
	outcome.Error = err.Error()
	switch llm.KindOf(err) {
	case llm.KindContextWindow:
		outcome.Kind = models.FailureKindContextWindow
	case llm.KindBilling:
		outcome.Kind = models.FailureKindBilling
	case llm.KindContentPolicy:
		outcome.Kind = models.FailureKindContentPolicy
	case llm.KindRateLimited, llm.KindServer, llm.KindTimeout:
		outcome.Kind = models.FailureKindLLMExhausted
	}
}
