package consolidation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/thane-core/internal/memory"
)

// WorkerConfig controls scheduled consolidation.
type WorkerConfig struct {
	// Interval between passes. Default: 1 hour.
	Interval time.Duration

	// Timeout bounds one agent's run. Default: 5 minutes.
	Timeout time.Duration

	// Agents to consolidate each pass.
	Agents []string

	// Strategy applied to every agent. Default: summarize.
	Strategy      Strategy
	MinImportance float64
	MaxAgeHours   float64

	// Retention, when non-empty, is applied to each agent's long-term
	// records after consolidation.
	Retention *memory.RetentionPolicy
}

// DefaultWorkerConfig returns the scheduled consolidation defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Interval: time.Hour,
		Timeout:  5 * time.Minute,
		Strategy: StrategySummarize,
	}
}

func (c *WorkerConfig) applyDefaults() {
	d := DefaultWorkerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
}

// Worker runs consolidation on a schedule. Each pass evicts expired
// short-term records, consolidates every configured agent, then applies
// the retention policy.
type Worker struct {
	engine *Engine
	logger *slog.Logger
	config WorkerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker. Call Start to begin processing.
func NewWorker(engine *Engine, logger *slog.Logger, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	return &Worker{
		engine: engine,
		logger: logger.With("component", "consolidation_worker"),
		config: cfg,
		done:   make(chan struct{}),
	}
}

// Start begins the background worker. The first pass runs after one
// interval.
func (w *Worker) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("consolidation worker started",
		"interval", w.config.Interval,
		"strategy", w.config.Strategy,
		"agents", len(w.config.Agents),
	)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("consolidation worker stopped")
			return
		case <-ticker.C:
			w.Pass(ctx)
		}
	}
}

// PassReport summarizes one scheduled pass.
type PassReport struct {
	Evicted  int
	Results  map[string]*Result
	Retained map[string]int // records deleted by retention, per agent
}

// Pass runs one scheduled pass immediately. Failures are logged and do
// not stop the remaining agents.
func (w *Worker) Pass(ctx context.Context) *PassReport {
	report := &PassReport{
		Results:  make(map[string]*Result, len(w.config.Agents)),
		Retained: make(map[string]int),
	}

	now := w.engine.now()
	evicted, err := w.engine.short.EvictExpired(ctx, now)
	if err != nil {
		w.logger.Error("short-term eviction failed", "error", err)
	} else if evicted > 0 {
		w.logger.Info("evicted expired short-term records", "count", evicted)
	}
	report.Evicted = evicted

	for _, agentID := range w.config.Agents {
		if ctx.Err() != nil {
			return report
		}
		w.consolidateAgent(ctx, agentID, report)
	}
	return report
}

func (w *Worker) consolidateAgent(ctx context.Context, agentID string, report *PassReport) {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	res, err := w.engine.Consolidate(ctx, Request{
		AgentID:       agentID,
		MinImportance: w.config.MinImportance,
		MaxAgeHours:   w.config.MaxAgeHours,
		Strategy:      w.config.Strategy,
	})
	report.Results[agentID] = res
	switch {
	case errors.Is(err, ErrConsolidationConflict):
		return
	case err != nil:
		w.logger.Error("scheduled consolidation failed", "agent_id", agentID, "error", err)
		return
	}

	if w.config.Retention == nil || w.config.Retention.Empty() {
		return
	}
	deleted, err := w.config.Retention.Apply(ctx, w.engine.long, agentID, w.engine.now(), false)
	if err != nil {
		w.logger.Error("retention failed", "agent_id", agentID, "error", err)
		return
	}
	if deleted > 0 {
		w.logger.Info("retention deleted long-term records",
			"agent_id", agentID, "count", deleted, "policy", w.config.Retention.String())
	}
	report.Retained[agentID] = deleted
}
