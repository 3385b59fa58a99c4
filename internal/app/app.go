// Package app assembles thane-core components from a loaded
// configuration. Both command-line binaries build on it so that the
// agent, the memory tiers, and the consolidation engine are wired the
// same way everywhere.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/thane-core/internal/agent"
	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/connwatch"
	"github.com/nugget/thane-core/internal/consolidation"
	"github.com/nugget/thane-core/internal/events"
	"github.com/nugget/thane-core/internal/knowledge"
	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/memory"
	"github.com/nugget/thane-core/internal/router"
	"github.com/nugget/thane-core/internal/toolrt"
	"github.com/nugget/thane-core/internal/tools"
	"github.com/nugget/thane-core/internal/workspace"
)

// redisPrefix namespaces short-term keys in a shared Redis.
const redisPrefix = "thane-core"

// OpenMemory opens both memory tiers and returns a store over them. The
// long-term database directory is created when missing.
func OpenMemory(ctx context.Context, cfg *config.Config, logger *slog.Logger, bus *events.Bus) (*memory.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Memory.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}
	long, err := memory.OpenLongTerm(cfg.Memory.Driver, cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("open long-term memory: %w", err)
	}

	ttl := time.Duration(cfg.Memory.TTLHours) * time.Hour
	var short memory.ShortTermStore
	switch cfg.Memory.ShortTerm {
	case "redis":
		rs, err := memory.NewRedisShortTerm(ctx, memory.RedisOptions{
			Addr:          cfg.Memory.RedisAddr,
			Password:      cfg.Memory.RedisPassword,
			DB:            cfg.Memory.RedisDB,
			Prefix:        redisPrefix,
			MaxPerSession: cfg.Memory.MaxPerSession,
			TTL:           ttl,
		})
		if err != nil {
			long.Close()
			return nil, fmt.Errorf("open short-term memory: %w", err)
		}
		short = rs
	default:
		short = memory.NewInProcessShortTerm(cfg.Memory.MaxPerSession, ttl)
	}

	logger.Info("memory opened",
		"long_term", cfg.Memory.Path,
		"driver", cfg.Memory.Driver,
		"short_term", cfg.Memory.ShortTerm,
	)
	return memory.NewStore(short, long, logger, memory.WithEventBus(bus)), nil
}

// NewLLM creates the model client described by cfg.Models.
func NewLLM(cfg *config.Config, logger *slog.Logger) *llm.OllamaClient {
	opts := []llm.OllamaOption{llm.WithTemperature(cfg.Models.Temperature)}
	if cfg.Models.MaxTokens > 0 {
		opts = append(opts, llm.WithMaxTokens(cfg.Models.MaxTokens))
	}
	return llm.NewOllamaClient(cfg.Models.OllamaURL, logger, opts...)
}

// NewEngine creates a consolidation engine over store. A nil client
// leaves the engine on the extractive summarizer. The returned close
// function releases the lock backend and is never nil.
func NewEngine(cfg *config.Config, store *memory.Store, client llm.Client, logger *slog.Logger, bus *events.Bus) (*consolidation.Engine, func() error, error) {
	opts := []consolidation.Option{consolidation.WithEventBus(bus)}
	closeFn := func() error { return nil }

	if cfg.Consolidation.Lock == "etcd" {
		locker, err := consolidation.NewEtcdLocker(cfg.Consolidation.EtcdEndpoints, logger)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, consolidation.WithLocker(locker))
		closeFn = locker.Close
	}
	if client != nil {
		timeout := time.Duration(cfg.Models.TimeoutSec) * time.Second
		opts = append(opts, consolidation.WithSummarizer(
			consolidation.NewLLMSummarizer(consolidation.ChatFunc(client, cfg.Models.Default, timeout)),
		))
	}
	return consolidation.NewEngine(store.ShortTerm(), store.LongTerm(), logger, opts...), closeFn, nil
}

// NewWorker creates the scheduled consolidation worker.
func NewWorker(cfg *config.Config, engine *consolidation.Engine, logger *slog.Logger) (*consolidation.Worker, error) {
	strategy, err := consolidation.ParseStrategy(cfg.Consolidation.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := memory.NewRetentionPolicy(cfg.Memory.RetentionPolicy)
	if err != nil {
		return nil, err
	}
	return consolidation.NewWorker(engine, logger, consolidation.WorkerConfig{
		Interval:      cfg.Consolidation.Interval(),
		Agents:        cfg.Consolidation.Agents,
		Strategy:      strategy,
		MinImportance: cfg.Consolidation.MinImportance,
		MaxAgeHours:   float64(cfg.Consolidation.MaxAgeHours),
		Retention:     policy,
	}), nil
}

// NewGateway creates the tool gateway and bridges the tools of every
// configured runtime into it. Runtimes that fail to connect are logged
// and skipped; the gateway is usable without them.
func NewGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*tools.Gateway, []*toolrt.Client) {
	shellCfg := tools.DefaultShellExecConfig()
	shellCfg.Enabled = cfg.Tools.Shell.Enabled
	shellCfg.AllowedCmds = cfg.Tools.Shell.AllowedPrefixes
	shellCfg.DeniedCmds = append(shellCfg.DeniedCmds, cfg.Tools.Shell.DeniedPatterns...)
	shellCfg.DefaultTimeout = time.Duration(cfg.Tools.Shell.DefaultTimeoutSec) * time.Second

	registry := tools.NewRegistry()
	clients, err := toolrt.Connect(ctx, cfg.Tools.Runtimes, registry, logger)
	if err != nil {
		logger.Warn("some tool runtimes are unavailable", "error", err)
	}

	gw := tools.NewGateway(registry, tools.NewShellExec(shellCfg), logger,
		tools.WithTimeout(cfg.Loop.StepTimeout()))
	return gw, clients
}

// Runtime is a fully wired reasoning loop with its dependencies.
type Runtime struct {
	Bus     *events.Bus
	LLM     *llm.OllamaClient
	Store   *memory.Store
	Writer  *memory.Writer
	Gateway *tools.Gateway
	Loop    *agent.Loop
	Engine  *consolidation.Engine

	runtimes    []*toolrt.Client
	closeEngine func() error
	logger      *slog.Logger
}

// Open wires every component described by cfg. Close releases them.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Bus:    events.New(),
		LLM:    NewLLM(cfg, logger),
		logger: logger,
	}

	store, err := OpenMemory(ctx, cfg, logger, rt.Bus)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.Writer = memory.NewWriter(store, cfg.Memory.WriteQueueSize, logger, rt.Bus)

	rt.Engine, rt.closeEngine, err = NewEngine(cfg, store, rt.LLM, logger, rt.Bus)
	if err != nil {
		rt.Close()
		return nil, err
	}

	resolver, err := workspace.New(cfg.Workspace)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("workspace: %w", err)
	}

	rt.Gateway, rt.runtimes = NewGateway(ctx, cfg, logger)

	rt.Loop, err = agent.New(agent.Config{
		LLM:       rt.LLM,
		Model:     cfg.Models.Default,
		Tools:     rt.Gateway,
		Workspace: resolver,
		Memory:    store,
		Writer:    rt.Writer,
		Knowledge: knowledge.New(cfg.Knowledge, logger),
		Router: router.NewRouter(logger, router.Config{
			ExtraKeywords: cfg.Loop.ExtraLoopKeywords,
		}),
		Bus:                    rt.Bus,
		Logger:                 logger,
		ChatMaxIterations:      cfg.Loop.ChatMaxIterations,
		WorkspaceMaxIterations: cfg.Loop.WorkspaceMaxIterations,
		StepTimeout:            cfg.Loop.StepTimeout(),
		ContextTopK:            cfg.Loop.ContextTopK,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// WatchHealth registers the model endpoint and every connected tool
// runtime with m.
func (rt *Runtime) WatchHealth(ctx context.Context, m *connwatch.Manager) error {
	if _, err := m.Watch(ctx, connwatch.Service{Name: "model", Probe: rt.LLM.Ping}); err != nil {
		return err
	}
	for _, c := range rt.runtimes {
		if _, err := m.Watch(ctx, connwatch.Service{Name: "runtime:" + c.Name(), Probe: c.Ping}); err != nil {
			return err
		}
	}
	return nil
}

// Close drains pending memory writes and releases every resource.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Writer != nil {
		errs = append(errs, rt.Writer.Close())
	}
	for _, c := range rt.runtimes {
		errs = append(errs, c.Close())
	}
	if rt.closeEngine != nil {
		errs = append(errs, rt.closeEngine())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}
