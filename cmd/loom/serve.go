package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/agent"
	"github.com/loomworks/loom/internal/bus"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/gateway"
	"github.com/loomworks/loom/internal/kv"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/internal/run"
	"github.com/loomworks/loom/internal/sandbox"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tasklist"
	"github.com/loomworks/loom/internal/tools"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and agent workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to loom.yaml")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "loom",
		ServiceVersion: version,
		Endpoint:       tracingEndpoint(cfg),
		SamplingRate:   cfg.Tracing.SampleRate,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
		}
	}()

	kvStore, err := openKV(ctx, cfg)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eventBus := bus.New(kvStore, bus.Options{
		LogTTL:        cfg.Bus.LogTTL,
		LogMaxEntries: cfg.Bus.LogMaxEntries,
	}, logger, metrics)

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	registry := agent.NewRegistry(agent.RegistryOptions{
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		LongTimeout:    cfg.Tools.LongTimeout,
		BuildTimeout:   cfg.Tools.BuildTimeout,
	}, logger, metrics)

	if err := tools.Register(registry, tools.WebConfig{
		TavilyAPIKey: cfg.Tools.WebSearch.APIKey,
		TavilyURL:    cfg.Tools.WebSearch.BaseURL,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	taskEngine := tasklist.NewEngine(st)
	for _, tool := range tasklist.Tools(taskEngine) {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register task list tools: %w", err)
		}
	}

	compressor, err := buildCompressor(cfg, providers)
	if err != nil {
		return err
	}

	executor := agent.NewExecutor(registry, cfg.Tools.ParallelSafeLimit)
	loop := agent.NewLoop(st, providers, registry, executor, compressor, logger, metrics)

	sandboxProvider := buildSandboxProvider(cfg, logger)

	controller := run.NewController(st, kvStore, eventBus, loop, sandboxProvider, run.Config{
		Heartbeat:      cfg.Run.HeartbeatInterval,
		ReaperSchedule: cfg.Run.ReaperSchedule,
		Loop: agent.LoopOptions{
			Model:                  cfg.LLM.DefaultModel,
			Temperature:            cfg.LLM.Temperature,
			MaxTokens:              cfg.LLM.MaxTokens,
			MaxIterations:          cfg.Run.MaxIterations,
			NativeMaxAutoContinues: cfg.Run.NativeMaxAutoContinues,
		},
	}, logger, metrics).WithTracer(tracer)
	if err := controller.StartReaper(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           gateway.NewServer(controller, st, logger, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutting down")
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}

	// Teardown in reverse order: stop accepting requests, then drain
	// workers; the deferred closes release kv, store, and tracer.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "gateway shutdown failed", "error", err)
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "controller shutdown incomplete", "error", err)
	}
	return nil
}

func openKV(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.Redis.Addr == "" || cfg.Redis.Addr == "memory" {
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(ctx, kv.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(ctx, store.PostgresOptions{
			URL:             cfg.Store.URL,
			MaxConnections:  cfg.Store.MaxConnections,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildProviders(cfg *config.Config) (*llm.Registry, error) {
	registry := llm.NewRegistry(cfg.LLM.DefaultProvider)
	for name, pc := range cfg.LLM.Providers {
		provider, err := llm.NewProvider(name, llm.ProviderConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		registry.Register(provider)
	}
	return registry, nil
}

func buildCompressor(cfg *config.Config, providers *llm.Registry) (*agent.Compressor, error) {
	counter, err := agent.NewTokenCounter(cfg.LLM.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("token counter: %w", err)
	}
	provider, err := providers.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		// No providers configured; compression falls back to digests.
		provider = nil
	}
	return agent.NewCompressor(agent.CompressorOptions{
		SoftCeilingTokens: cfg.Context.SoftCeilingTokens,
		TailPreserveTurns: cfg.Context.TailPreserveTurns,
		Model:             cfg.LLM.DefaultModel,
	}, provider, counter), nil
}

// buildSandboxProvider connects to Docker lazily; a missing daemon degrades
// sandboxed tools rather than failing startup.
func buildSandboxProvider(cfg *config.Config, logger *observability.Logger) run.SandboxProvider {
	manager, err := sandbox.NewManager(sandbox.Config{
		Image:       cfg.Sandbox.Image,
		Workdir:     cfg.Sandbox.Workspace,
		StopTimeout: cfg.Sandbox.Timeout,
	}, logger)
	if err != nil {
		logger.Warn(context.Background(), "docker unavailable, sandboxed tools disabled", "error", err)
		return nil
	}
	return func(ctx context.Context, projectID string) (agent.SandboxHandle, error) {
		return manager.Acquire(ctx, projectID)
	}
}

func tracingEndpoint(cfg *config.Config) string {
	if !cfg.Tracing.Enabled {
		return ""
	}
	return cfg.Tracing.Endpoint
}
