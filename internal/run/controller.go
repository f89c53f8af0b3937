// Package run manages agent run lifecycle: starting workers, streaming
// events to subscribers, cooperative stop, heartbeats, and reaping runs
// abandoned by dead instances.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/kv"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/models"
)

// SandboxProvider acquires a project's sandbox handle for tool execution.
// It may return nil when the project has no sandbox.
type SandboxProvider func(ctx context.Context, projectID string) (agent.SandboxHandle, error)

// Config configures the controller.
type Config struct {
	// InstanceID identifies this process in the active-run set. Defaults
	// to a random UUID.
	InstanceID string

	// Heartbeat is the TTL refresh interval for active runs (default 30s).
	// The liveness key TTL is twice this.
	Heartbeat time.Duration

	// ReaperSchedule is the cron spec for the abandoned-run sweeper
	// (default "@every 1m").
	ReaperSchedule string

	// DefaultSystemPrompt is used when neither the request nor the agent
	// version carries one.
	DefaultSystemPrompt string

	// Loop carries the default turn loop options.
	Loop agent.LoopOptions
}

// StartRequest is the public start operation's input.
type StartRequest struct {
	ThreadID        string `json:"thread_id"`
	AgentID         string `json:"agent_id,omitempty"`
	Model           string `json:"model,omitempty"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	EnableThinking  bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`

	// Stream asks the gateway to answer the start request with the run's
	// event stream instead of a bare run id.
	Stream bool `json:"stream,omitempty"`
}

type activeRun struct {
	stop   *agent.StopFlag
	cancel context.CancelFunc
}

// Controller owns run lifecycle on one instance. Any instance can stream or
// stop any run; only the owning instance executes the worker.
type Controller struct {
	store   store.Store
	kv      kv.Store
	bus     *bus.Bus
	loop    *agent.Loop
	sandbox SandboxProvider
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	reaper  *cron.Cron

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

// NewController wires a controller. Call StartReaper to begin sweeping
// abandoned runs and Shutdown to drain workers.
func NewController(st store.Store, kvStore kv.Store, b *bus.Bus, loop *agent.Loop, sandbox SandboxProvider, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ReaperSchedule == "" {
		cfg.ReaperSchedule = "@every 1m"
	}
	return &Controller{
		store:   st,
		kv:      kvStore,
		bus:     b,
		loop:    loop,
		sandbox: sandbox,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		active:  make(map[string]*activeRun),
	}
}

// WithTracer attaches a tracer; each worker run then executes under a root
// span.
func (c *Controller) WithTracer(tracer *observability.Tracer) *Controller {
	c.tracer = tracer
	return c
}

func activeRunsKey(instanceID string) string { return "active_runs:" + instanceID }
func livenessKey(runID string) string        { return "active_run:" + runID }
func stopRequestKey(runID string) string     { return "stop_requested:" + runID }

// Start inserts the run, publishes status(running), registers liveness, and
// spawns the worker. It returns the new run id immediately.
func (c *Controller) Start(ctx context.Context, req StartRequest) (string, error) {
	thread, err := c.store.GetThread(ctx, req.ThreadID)
	if err != nil {
		return "", fmt.Errorf("run: thread %s: %w", req.ThreadID, err)
	}

	var version *models.AgentVersion
	if req.AgentID != "" {
		ag, err := c.store.GetAgent(ctx, req.AgentID)
		if err != nil {
			return "", fmt.Errorf("run: agent %s: %w", req.AgentID, err)
		}
		if ag.CurrentVersionID != "" {
			version, err = c.store.GetAgentVersion(ctx, ag.CurrentVersionID)
			if err != nil {
				return "", fmt.Errorf("run: agent version: %w", err)
			}
		}
	}

	runID := uuid.NewString()
	run := &models.AgentRun{
		ID:         runID,
		ThreadID:   req.ThreadID,
		AgentID:    req.AgentID,
		Status:     models.RunStatusRunning,
		InstanceID: c.cfg.InstanceID,
		StartedAt:  time.Now().UTC(),
	}
	if version != nil {
		run.VersionID = version.ID
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("run: create: %w", err)
	}

	producer, err := c.bus.Producer(ctx, runID)
	if err != nil {
		return "", err
	}
	if err := producer.Publish(ctx, models.NewStatusEvent(runID, models.RunStatusRunning, "", "")); err != nil {
		return "", err
	}

	if err := c.kv.SAdd(ctx, activeRunsKey(c.cfg.InstanceID), runID); err != nil {
		c.logger.Warn(ctx, "failed to register active run", "run_id", runID, "error", err)
	}
	if err := c.kv.Set(ctx, livenessKey(runID), c.cfg.InstanceID, 2*c.cfg.Heartbeat); err != nil {
		c.logger.Warn(ctx, "failed to set run liveness", "run_id", runID, "error", err)
	}

	stop := &agent.StopFlag{}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.active[runID] = &activeRun{stop: stop, cancel: cancel}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RunStarted(req.AgentID)
	}

	c.wg.Add(1)
	go c.runWorker(workerCtx, run, thread, version, req, producer, stop)

	return runID, nil
}

func (c *Controller) runWorker(ctx context.Context, run *models.AgentRun, thread *models.Thread, version *models.AgentVersion, req StartRequest, producer *bus.Producer, stop *agent.StopFlag) {
	defer c.wg.Done()
	ctx = observability.WithRunID(ctx, run.ID)
	start := time.Now()

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartRun(ctx, run.ID, run.AgentID)
		defer span.End()
	}

	// Control channel and the persisted stop-request flag together make a
	// stop effective even if it raced the worker startup.
	controlCtx, cancelControl := context.WithCancel(ctx)
	defer cancelControl()
	control, err := c.bus.SubscribeControl(controlCtx, run.ID)
	if err != nil {
		c.logger.Error(ctx, "failed to subscribe control channel", "error", err)
	} else {
		go func() {
			for msg := range control {
				switch msg {
				case bus.ControlStop, bus.ControlShutdown:
					stop.Stop()
				}
			}
		}()
	}
	if _, err := c.kv.Get(ctx, stopRequestKey(run.ID)); err == nil {
		stop.Stop()
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeat(heartbeatCtx, run.ID)

	var sandboxHandle agent.SandboxHandle
	if c.sandbox != nil && thread.ProjectID != "" {
		sandboxHandle, err = c.sandbox(ctx, thread.ProjectID)
		if err != nil {
			c.logger.Warn(ctx, "sandbox unavailable, continuing without", "project_id", thread.ProjectID, "error", err)
		}
	}

	opts := c.cfg.Loop
	systemPrompt := c.cfg.DefaultSystemPrompt
	if version != nil {
		if version.SystemPrompt != "" {
			systemPrompt = version.SystemPrompt
		}
		if version.Model != "" {
			opts.Model = version.Model
		}
	}
	if req.SystemPrompt != "" {
		systemPrompt = req.SystemPrompt
	}
	if req.Model != "" {
		opts.Model = req.Model
	}
	if req.EnableThinking {
		opts.EnableThinking = true
	}
	if req.ReasoningEffort != "" {
		opts.EnableThinking = true
		opts.ThinkingBudgetTokens = thinkingBudget(req.ReasoningEffort)
	}

	outcome := c.loop.Run(ctx, &agent.RunParams{
		RunID:        run.ID,
		ThreadID:     run.ThreadID,
		ProjectID:    thread.ProjectID,
		SystemPrompt: systemPrompt,
		Version:      version,
		Options:      opts,
		Producer:     producer,
		Sandbox:      sandboxHandle,
		Stop:         stop,
	})

	c.finish(ctx, run.ID, producer, outcome, time.Since(start))
}

func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 1024
	case "medium":
		return 4096
	default:
		return 16384
	}
}

// finish performs the exactly-once terminal transition: persist the status,
// publish the terminal event, and release liveness state. Duplicate terminal
// transitions are ignored.
func (c *Controller) finish(ctx context.Context, runID string, producer *bus.Producer, outcome *agent.Outcome, elapsed time.Duration) {
	current, err := c.store.GetRun(ctx, runID)
	if err == nil && current.Status.Terminal() {
		return
	}

	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:       outcome.Status,
		Error:        outcome.Error,
		ErrorKind:    outcome.Kind,
		EndedAt:      &now,
		InputTokens:  &outcome.InputTokens,
		OutputTokens: &outcome.OutputTokens,
	}
	if err := c.store.UpdateRun(ctx, runID, update); err != nil {
		c.logger.Error(ctx, "failed to persist terminal status", "error", err)
	}

	if err := producer.Publish(ctx, models.NewStatusEvent(runID, outcome.Status, outcome.Kind, outcome.Error)); err != nil {
		c.logger.Error(ctx, "failed to publish terminal status", "error", err)
	}

	if err := c.kv.SRem(ctx, activeRunsKey(c.cfg.InstanceID), runID); err != nil {
		c.logger.Warn(ctx, "failed to deregister active run", "error", err)
	}
	if err := c.kv.Del(ctx, livenessKey(runID), stopRequestKey(runID)); err != nil {
		c.logger.Warn(ctx, "failed to clear run liveness", "error", err)
	}

	c.mu.Lock()
	delete(c.active, runID)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RunFinished(string(outcome.Status), outcome.Kind, elapsed.Seconds(), outcome.Iterations)
	}
	c.logger.Info(ctx, "run finished",
		"status", outcome.Status, "kind", outcome.Kind, "duration", elapsed.String())
}

func (c *Controller) heartbeat(ctx context.Context, runID string) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.kv.Set(ctx, livenessKey(runID), c.cfg.InstanceID, 2*c.cfg.Heartbeat); err != nil {
				c.logger.Warn(ctx, "heartbeat failed", "run_id", runID, "error", err)
			}
		}
	}
}

// Stream replays the run's event log after fromSeq and follows live events
// until a terminal status or ctx ends.
func (c *Controller) Stream(ctx context.Context, runID string, fromSeq uint64) (<-chan *models.Event, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, fmt.Errorf("run: %s: %w", runID, err)
	}
	return c.bus.Subscribe(ctx, runID, fromSeq)
}

// Stop requests cooperative termination. Idempotent: stopping a finished or
// already-stopping run is a no-op.
func (c *Controller) Stop(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("run: %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return nil
	}

	// The persisted flag covers workers that have not subscribed yet.
	if err := c.kv.Set(ctx, stopRequestKey(runID), "1", time.Hour); err != nil {
		c.logger.Warn(ctx, "failed to persist stop request", "run_id", runID, "error", err)
	}
	if err := c.bus.SendControl(ctx, runID, bus.ControlStop); err != nil {
		return err
	}

	// Local fast path when this instance owns the worker.
	c.mu.Lock()
	if ar, ok := c.active[runID]; ok {
		ar.stop.Stop()
	}
	c.mu.Unlock()
	return nil
}

// StartReaper begins the periodic sweep for abandoned runs.
func (c *Controller) StartReaper() error {
	c.reaper = cron.New()
	if _, err := c.reaper.AddFunc(c.cfg.ReaperSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.ReapAbandoned(ctx); err != nil {
			c.logger.Error(ctx, "reaper sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("run: reaper schedule %q: %w", c.cfg.ReaperSchedule, err)
	}
	c.reaper.Start()
	return nil
}

// ReapAbandoned marks running runs with an expired liveness key as failed
// with kind abandoned and publishes their terminal status.
func (c *Controller) ReapAbandoned(ctx context.Context) error {
	running, err := c.store.ListRunningRuns(ctx)
	if err != nil {
		return err
	}

	for _, run := range running {
		// Grace period for runs the owner has not heartbeated yet.
		if time.Since(run.StartedAt) < 2*c.cfg.Heartbeat {
			continue
		}
		if _, err := c.kv.Get(ctx, livenessKey(run.ID)); err == nil {
			continue
		} else if !errors.Is(err, kv.ErrNotFound) {
			c.logger.Warn(ctx, "liveness check failed", "run_id", run.ID, "error", err)
			continue
		}

		now := time.Now().UTC()
		update := store.RunUpdate{
			Status:    models.RunStatusFailed,
			Error:     "run abandoned by instance " + run.InstanceID,
			ErrorKind: models.FailureKindAbandoned,
			EndedAt:   &now,
		}
		if err := c.store.UpdateRun(ctx, run.ID, update); err != nil {
			c.logger.Error(ctx, "failed to reap run", "run_id", run.ID, "error", err)
			continue
		}

		producer, err := c.bus.Producer(ctx, run.ID)
		if err == nil {
			_ = producer.Publish(ctx, models.NewStatusEvent(run.ID, models.RunStatusFailed, models.FailureKindAbandoned, update.Error))
		}
		if err := c.kv.SRem(ctx, activeRunsKey(run.InstanceID), run.ID); err != nil {
			c.logger.Warn(ctx, "failed to deregister reaped run", "run_id", run.ID, "error", err)
		}
		c.logger.Info(ctx, "reaped abandoned run", "run_id", run.ID, "instance_id", run.InstanceID)
	}
	return nil
}

// ActiveRuns returns the run ids this instance currently executes.
func (c *Controller) ActiveRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.active))
	for id := range c.active {
		out = append(out, id)
	}
	return out
}

// Shutdown broadcasts shutdown to local workers and waits for them to
// finish, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.reaper != nil {
		c.reaper.Stop()
	}

	c.mu.Lock()
	for runID, ar := range c.active {
		ar.stop.Stop()
		if err := c.kv.Set(ctx, stopRequestKey(runID), "1", time.Hour); err != nil {
			c.logger.Warn(ctx, "failed to persist stop request", "run_id", runID, "error", err)
		}
		if err := c.bus.SendControl(ctx, runID, bus.ControlShutdown); err != nil {
			c.logger.Warn(ctx, "failed to send shutdown", "run_id", runID, "error", err)
		}
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Force-cancel stragglers; their finish path still publishes a
		// terminal status.
		c.mu.Lock()
		for _, ar := range c.active {
			ar.cancel()
		}
		c.mu.Unlock()
		return ctx.Err()
	}
}
