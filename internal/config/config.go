// Package config defines the Loom configuration model and YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Loom.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	LLM     LLMConfig     `yaml:"llm"`
	Run     RunConfig     `yaml:"run"`
	Bus     BusConfig     `yaml:"bus"`
	Tools   ToolsConfig   `yaml:"tools"`
	Context ContextConfig `yaml:"context"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type StoreConfig struct {
	// Driver selects the persistent store: "postgres" or "memory".
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	MaxTokens       int                          `yaml:"max_tokens"`
	Temperature     float32                      `yaml:"temperature"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type RunConfig struct {
	// MaxIterations caps LLM calls per run.
	MaxIterations int `yaml:"max_iterations"`
	// NativeMaxAutoContinues caps automatic continuations when the model
	// keeps requesting tools in native tool-call style.
	NativeMaxAutoContinues int           `yaml:"native_max_auto_continues"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval"`
	// ReaperSchedule is a cron expression for the stale-run sweep.
	ReaperSchedule string `yaml:"reaper_schedule"`
}

type BusConfig struct {
	LogTTL        time.Duration `yaml:"log_ttl"`
	LogMaxEntries int64         `yaml:"log_max_entries"`
}

type ToolsConfig struct {
	DefaultTimeout    time.Duration   `yaml:"default_timeout"`
	LongTimeout       time.Duration   `yaml:"long_timeout"`
	BuildTimeout      time.Duration   `yaml:"build_timeout"`
	ParallelSafeLimit int             `yaml:"parallel_safe_limit"`
	WebSearch         WebSearchConfig `yaml:"websearch"`
}

type WebSearchConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type ContextConfig struct {
	// SoftCeilingTokens triggers history compression when exceeded.
	SoftCeilingTokens int `yaml:"soft_ceiling_tokens"`
	// TailPreserveTurns is the number of trailing messages compression
	// never rewrites.
	TailPreserveTurns int `yaml:"tail_preserve_turns"`
}

type SandboxConfig struct {
	// Image is the container image used for project sandboxes.
	Image string `yaml:"image"`
	// Workspace is the working directory inside sandbox containers.
	Workspace string        `yaml:"workspace"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `yaml:"sample_rate"`
}

// DefaultConfig returns the configuration defaults applied before any file
// or environment overrides.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxConnections:  20,
			ConnMaxLifetime: time.Hour,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-20250514",
			MaxTokens:       8192,
		},
		Run: RunConfig{
			MaxIterations:          100,
			NativeMaxAutoContinues: 25,
			HeartbeatInterval:      30 * time.Second,
			ReaperSchedule:         "@every 1m",
		},
		Bus: BusConfig{
			LogTTL:        24 * time.Hour,
			LogMaxEntries: 10000,
		},
		Tools: ToolsConfig{
			DefaultTimeout:    30 * time.Second,
			LongTimeout:       30 * time.Minute,
			BuildTimeout:      60 * time.Minute,
			ParallelSafeLimit: 4,
		},
		Context: ContextConfig{
			SoftCeilingTokens: 120000,
			TailPreserveTurns: 6,
		},
		Sandbox: SandboxConfig{
			Image:     "loomworks/sandbox:latest",
			Workspace: "/workspace",
			Timeout:   30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			SampleRate: 0.1,
		},
	}
}

// Load reads a YAML config file, expands ${ENV_VAR} references, and merges
// it over the defaults. An empty path returns the defaults with environment
// overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv pulls secrets from the environment so they never need to live in
// the config file.
func (c *Config) applyEnv() {
	if c.Providers() == nil {
		c.LLM.Providers = map[string]LLMProviderConfig{}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		p := c.LLM.Providers["anthropic"]
		p.APIKey = v
		c.LLM.Providers["anthropic"] = p
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		p := c.LLM.Providers["openai"]
		p.APIKey = v
		c.LLM.Providers["openai"] = p
	}
	if v := os.Getenv("LOOM_DATABASE_URL"); v != "" {
		c.Store.URL = v
	}
	if v := os.Getenv("LOOM_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TAVILY_API_KEY"); v != "" {
		c.Tools.WebSearch.APIKey = v
	}
}

// Providers returns the configured LLM providers map (may be nil).
func (c *Config) Providers() map[string]LLMProviderConfig {
	return c.LLM.Providers
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.URL == "" {
		return fmt.Errorf("config: store.url is required for the postgres driver")
	}
	if c.Run.MaxIterations <= 0 {
		return fmt.Errorf("config: run.max_iterations must be positive")
	}
	if c.Tools.ParallelSafeLimit <= 0 {
		return fmt.Errorf("config: tools.parallel_safe_limit must be positive")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("config: tracing.sample_rate must be within [0, 1]")
	}
	return nil
}
