// Package config loads and validates the relay configuration from a YAML file
// plus environment variable overrides. Unknown keys are rejected.
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Config is the main configuration structure for the relay broker.
type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	Transport   TransportConfig   `yaml:"transport"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Context     ContextConfig     `yaml:"context"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Memory      MemoryConfig      `yaml:"memory"`
	Logging     LoggingConfig     `yaml:"logging"`
	// CatalogPath locates the declarative model/tool catalog file.
	CatalogPath string `yaml:"catalog_path"`
}

// DatabaseConfig configures the single SQLite database shared by sessions,
// vector-store metadata, jobs and memory pointers.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig tunes the stdio JSON-RPC transport.
type TransportConfig struct {
	// MaxLineBytes rejects inbound lines longer than this with a parse error.
	MaxLineBytes int `yaml:"max_line_bytes"`
	// MaxConcurrentHandlers bounds simultaneously executing tool calls.
	MaxConcurrentHandlers int `yaml:"max_concurrent_handlers"`
}

// ProviderConfig holds credentials and endpoint for one provider family.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// MaxAttempts bounds adapter retries for transient failures.
	MaxAttempts int `yaml:"max_attempts"`
}

// ProvidersConfig configures upstream provider families.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Gemini    ProviderConfig `yaml:"gemini"`
}

// ContextConfig tunes context assembly.
type ContextConfig struct {
	// Tokenizer selects the token estimator: a tiktoken encoding name, or
	// "chars4" for the 4-chars-per-token fallback.
	Tokenizer string `yaml:"tokenizer"`
	// InlineBudgetFraction of the tool's context window allowed inline.
	InlineBudgetFraction float64 `yaml:"inline_budget_fraction"`
	// IgnoreFiles are gitignore-style files applied while gathering paths.
	IgnoreFiles []string `yaml:"ignore_files"`
	// WorkerPoolSize bounds concurrent file reads and tokenization.
	// Zero means the hardware parallelism.
	WorkerPoolSize int `yaml:"worker_pool_size"`
}

// VectorStoreConfig tunes the provider vector-store lease manager.
type VectorStoreConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval is the cadence of the expiry sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// ProviderCap is the provider-side limit on concurrent stores.
	ProviderCap int `yaml:"provider_cap"`
	// CapacityThreshold forces eviction when usage reaches this fraction of
	// ProviderCap.
	CapacityThreshold float64 `yaml:"capacity_threshold"`
	// DeleteOnEvict deletes the provider-side index when evicting locally.
	DeleteOnEvict bool `yaml:"delete_on_evict"`
}

// SessionsConfig tunes the session continuity cache.
type SessionsConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// MaxHistoryMessages bounds the compacted history per session.
	MaxHistoryMessages int `yaml:"max_history_messages"`
	// LockTimeout bounds how long a call waits for the per-session lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// JobsConfig tunes the async job queue.
type JobsConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// PollInterval is the worker's sleep when no job is pending.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DefaultMaxRuntime bounds a job when the caller does not set one.
	DefaultMaxRuntime time.Duration `yaml:"default_max_runtime"`
}

// MemoryConfig tunes the post-call memory subsystem.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// WriteTimeout bounds a single memory store operation.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// EmbeddingModel names the provider embedding model.
	EmbeddingModel string `yaml:"embedding_model"`
	// OptOutFamilies lists provider families whose calls are not memorized.
	OptOutFamilies []string `yaml:"opt_out_families"`
}

// LoggingConfig configures the structured log sink.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	// Destination is "stderr" or a file path. Stdout is never used: it
	// belongs to the JSON-RPC transport.
	Destination string `yaml:"destination"`
}

// Default returns the configuration used when a field is absent from the file.
func Default() *Config {
	return &Config{
		Database:  DatabaseConfig{Path: "relay.db"},
		Transport: TransportConfig{MaxLineBytes: 10 << 20, MaxConcurrentHandlers: 64},
		Providers: ProvidersConfig{
			OpenAI:    ProviderConfig{MaxAttempts: 3},
			Anthropic: ProviderConfig{MaxAttempts: 3},
			Gemini:    ProviderConfig{MaxAttempts: 3},
		},
		Context: ContextConfig{
			Tokenizer:            "cl100k_base",
			InlineBudgetFraction: 0.01,
			WorkerPoolSize:       runtime.NumCPU(),
		},
		VectorStore: VectorStoreConfig{
			TTL:               2 * time.Hour,
			SweepInterval:     5 * time.Minute,
			ProviderCap:       100,
			CapacityThreshold: 0.95,
		},
		Sessions: SessionsConfig{
			TTL:                24 * time.Hour,
			SweepInterval:      10 * time.Minute,
			MaxHistoryMessages: 40,
			LockTimeout:        30 * time.Second,
		},
		Jobs: JobsConfig{
			TTL:               24 * time.Hour,
			PollInterval:      500 * time.Millisecond,
			DefaultMaxRuntime: 30 * time.Minute,
		},
		Memory: MemoryConfig{
			Enabled:        true,
			WriteTimeout:   5 * time.Second,
			EmbeddingModel: "text-embedding-3-small",
		},
		Logging:     LoggingConfig{Level: "info", Destination: "stderr"},
		CatalogPath: "catalog.yaml",
	}
}

// Validate checks the configuration for internally inconsistent values.
// Configuration errors detected here abort startup.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Transport.MaxLineBytes <= 0 {
		return fmt.Errorf("transport.max_line_bytes must be positive")
	}
	if c.Transport.MaxConcurrentHandlers <= 0 {
		return fmt.Errorf("transport.max_concurrent_handlers must be positive")
	}
	if c.Context.InlineBudgetFraction <= 0 || c.Context.InlineBudgetFraction > 1 {
		return fmt.Errorf("context.inline_budget_fraction must be in (0, 1]")
	}
	if c.VectorStore.CapacityThreshold <= 0 || c.VectorStore.CapacityThreshold > 1 {
		return fmt.Errorf("vector_store.capacity_threshold must be in (0, 1]")
	}
	if c.VectorStore.ProviderCap <= 0 {
		return fmt.Errorf("vector_store.provider_cap must be positive")
	}
	if c.Sessions.TTL <= 0 {
		return fmt.Errorf("sessions.ttl must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("jobs.poll_interval must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("catalog_path is required")
	}
	return nil
}
