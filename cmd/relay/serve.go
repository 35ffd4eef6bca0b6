package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/adapters"
	"github.com/haasonsaas/relay/internal/assembler"
	"github.com/haasonsaas/relay/internal/catalog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/jobs"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/vectorstore"
	"github.com/haasonsaas/relay/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP broker on stdio",
		Long: `Run the broker: JSON-RPC 2.0 requests arrive on stdin, responses leave
on stdout, and logs go to stderr. The process runs until stdin closes or it
receives SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return &configError{err: err}
	}

	logger, logCloser, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Destination)
	if err != nil {
		return &configError{err: err}
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	metrics := observability.NewMetrics()

	if _, err := storage.NewMigrator(cfg.Database.Path, logger).Up(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	db, err := storage.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	registry, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return &configError{err: err}
	}

	estimator, err := assembler.NewEstimator(cfg.Context.Tokenizer)
	if err != nil {
		return &configError{err: err}
	}
	ignores, err := assembler.NewIgnoreSet(nil, cfg.Context.IgnoreFiles)
	if err != nil {
		return &configError{err: err}
	}
	asm := assembler.New(estimator, ignores, cfg.Context.WorkerPoolSize, logger)

	// Vector stores ride on the OpenAI files API; without a key the broker
	// still serves, inline-only.
	var vstores *vectorstore.Manager
	var retriever adapters.Retriever
	if cfg.Providers.OpenAI.APIKey != "" {
		provider := vectorstore.NewOpenAIProvider(
			cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL,
			retryFor(cfg.Providers.OpenAI))
		vstores = vectorstore.NewManager(db, provider, cfg.VectorStore, metrics, logger)
		retriever = provider
	}

	adapterReg, err := buildAdapters(cfg, estimator, retriever, logger)
	if err != nil {
		return &configError{err: err}
	}

	sessStore := sessions.NewSQLiteStore(db)
	locks := sessions.NewLockManager(cfg.Sessions.LockTimeout)

	var memoryMgr *memory.Manager
	if cfg.Memory.Enabled {
		var embedder memory.Embedder
		if cfg.Providers.OpenAI.APIKey != "" {
			embedder = memory.NewOpenAIEmbedder(
				cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL,
				cfg.Memory.EmbeddingModel)
		}
		memoryMgr = memory.NewManager(db, embedder, cfg.Memory, metrics, logger)
	}

	jobStore := jobs.NewSQLiteStore(db, cfg.Jobs.TTL)

	// The worker's runner is the server's own tool pipeline; the server in
	// turn exposes cancel_job through the worker. Close the cycle with a
	// late-bound reference.
	var server *mcp.Server
	worker := jobs.NewWorker(jobStore, func(ctx context.Context, job *jobs.Job) (*models.ToolResult, error) {
		return server.RunJob(ctx, job)
	}, cfg.Jobs, metrics, logger)

	server = mcp.NewServer(mcp.Options{
		Config:    cfg,
		Version:   version,
		Registry:  registry,
		Assembler: asm,
		Adapters:  adapterReg,
		Sessions:  sessStore,
		Locks:     locks,
		Vstores:   vstores,
		Jobs:      jobStore,
		Worker:    worker,
		Memory:    memoryMgr,
		Metrics:   metrics,
		Logger:    logger,
	})

	framer := mcp.NewFramer(os.Stdin, os.Stdout, cfg.Transport.MaxLineBytes, metrics, logger)
	dispatcher := mcp.NewDispatcher(framer, cfg.Transport.MaxConcurrentHandlers, metrics, logger)
	server.Attach(dispatcher)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(ctx)
	go worker.RunPruner(ctx, cfg.Jobs.TTL/4)
	go sessions.NewSweeper(sessStore, cfg.Sessions.SweepInterval, logger).Run(ctx)
	if vstores != nil {
		go vstores.RunSweeper(ctx)
	}

	logger.Info("relay serving", "version", version, "tools", len(registry.List()))
	err = dispatcher.Run(ctx)

	if memoryMgr != nil {
		memoryMgr.Flush()
	}
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}

// buildAdapters registers one adapter per configured provider family plus the
// local token counter. Catalog tools whose adapter has no credentials fail at
// call time, not startup, so a partial credential set still serves.
func buildAdapters(cfg *config.Config, estimator assembler.Estimator, retriever adapters.Retriever, logger *slog.Logger) (*adapters.Registry, error) {
	reg := adapters.NewRegistry()

	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		a := adapters.NewOpenAIAdapter(key, cfg.Providers.OpenAI.BaseURL,
			retriever, retryFor(cfg.Providers.OpenAI), logger)
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		a := adapters.NewAnthropicAdapter(key, cfg.Providers.Anthropic.BaseURL,
			retriever, retryFor(cfg.Providers.Anthropic), logger)
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	if key := cfg.Providers.Gemini.APIKey; key != "" {
		a := adapters.NewGeminiAdapter(key, cfg.Providers.Gemini.BaseURL,
			retriever, retryFor(cfg.Providers.Gemini), logger)
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	if err := reg.Register(adapters.NewTokenCountAdapter(estimator)); err != nil {
		return nil, err
	}
	return reg, nil
}

// retryFor derives the adapter retry policy from a provider's config.
func retryFor(pc config.ProviderConfig) retry.Config {
	cfg := retry.DefaultConfig()
	if pc.MaxAttempts > 0 {
		cfg.MaxAttempts = pc.MaxAttempts
	}
	return cfg
}
