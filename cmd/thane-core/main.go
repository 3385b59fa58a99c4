// Thane-core is the reasoning-and-memory core of a coding assistant.
//
// It runs one request or an interactive session through the reasoning
// loop, and runs the background memory consolidation worker. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	thane-core ask <question>        Run one request and print the answer
//	thane-core chat                  Read requests from stdin, one per line
//	thane-core serve                 Run scheduled consolidation and event publishing
//	thane-core consolidate [agent]   Consolidate short-term memory now
//	thane-core version               Print version and build information
//	thane-core -o json version       Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nugget/thane-core/internal/agent"
	"github.com/nugget/thane-core/internal/app"
	"github.com/nugget/thane-core/internal/buildinfo"
	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/connwatch"
	"github.com/nugget/thane-core/internal/consolidation"
	"github.com/nugget/thane-core/internal/mqtt"
	"github.com/nugget/thane-core/internal/router"
)

// shutdownTimeout bounds the drain of pending memory writes and the
// MQTT goodbye on exit.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run].
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// options holds the parsed command line.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	agentID    string
	sessionID  string
	mode       string
	workDir    string
	strategy   string

	command string
	args    []string
}

// parseArgs parses args by hand. The flag package relies on
// package-level globals, which makes concurrent calls to run from tests
// impossible. Flags may appear before or after the command.
func parseArgs(args []string) (*options, error) {
	opts := &options{}
	valueFlags := map[string]*string{
		"-config":   &opts.configPath,
		"-o":        &opts.outputFmt,
		"--output":  &opts.outputFmt,
		"-agent":    &opts.agentID,
		"-session":  &opts.sessionID,
		"-mode":     &opts.mode,
		"-dir":      &opts.workDir,
		"-strategy": &opts.strategy,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "-h" || arg == "-help" || arg == "--help" {
			opts.command = "help"
			return opts, nil
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			name, value, hasValue := strings.Cut(arg, "=")
			dst, ok := valueFlags[name]
			if !ok {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			if !hasValue {
				if i+1 >= len(args) {
					return nil, fmt.Errorf("flag %s requires a value", name)
				}
				i++
				value = args[i]
			}
			*dst = value
			continue
		}
		if opts.command == "" {
			opts.command = arg
			continue
		}
		opts.args = append(opts.args, arg)
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return nil, fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	if opts.agentID == "" {
		opts.agentID = "cli"
	}
	return opts, nil
}

// run is the real entry point for the thane-core command. All OS-level
// dependencies are injected: ctx controls the lifetime of the process,
// stdin feeds the chat session, answers go to stdout and logs to
// stderr (stdout for serve). run returns nil on clean shutdown.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch opts.command {
	case "ask":
		if len(opts.args) == 0 {
			return fmt.Errorf("usage: thane-core ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts)
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "serve":
		return runServe(ctx, stdout, opts)
	case "consolidate":
		return runConsolidate(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runAsk handles "thane-core ask <question>". In text mode the answer is
// streamed to stdout as it arrives; in json mode the full result is
// printed once.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts *options) error {
	cfg, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}
	mode, err := agent.ParseMode(opts.mode)
	if err != nil {
		return err
	}

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = "cli-" + ulid.Make().String()
	}
	req := &agent.Request{
		AgentID:        opts.agentID,
		SessionID:      sessionID,
		Message:        strings.Join(opts.args, " "),
		Mode:           mode,
		WorkingDirHint: opts.workDir,
	}
	if opts.outputFmt == "text" {
		req.OnToken = func(tok string) { fmt.Fprint(stdout, tok) }
	}

	res, err := rt.Loop.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	fmt.Fprintln(stdout)
	if res.Partial {
		fmt.Fprintln(stderr, "(partial answer: the iteration budget ran out or a step failed)")
	}
	return nil
}

// runChat handles "thane-core chat": a line-oriented session where every
// line is one request in the same session. "/quit" or EOF ends it.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts *options) error {
	cfg, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}
	mode, err := agent.ParseMode(opts.mode)
	if err != nil {
		return err
	}

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = "chat-" + ulid.Make().String()
	}
	logger.Info("chat session started", "agent_id", opts.agentID, "session_id", sessionID, "mode", mode)

	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}

		res, err := rt.Loop.Run(ctx, &agent.Request{
			AgentID:        opts.agentID,
			SessionID:      sessionID,
			Message:        line,
			Mode:           mode,
			WorkingDirHint: opts.workDir,
			OnToken:        func(tok string) { fmt.Fprint(stdout, tok) },
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed request does not end the session.
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(stdout)
		if res.Partial {
			fmt.Fprintln(stderr, "(partial answer)")
		}
	}
}

// runServe handles "thane-core serve". It runs the scheduled
// consolidation worker and mirrors events to MQTT until ctx is
// cancelled.
func runServe(ctx context.Context, stdout io.Writer, opts *options) error {
	cfg, logger, err := setup(opts, stdout)
	if err != nil {
		return err
	}
	logger.Info("starting thane-core", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Consolidation.Enabled {
		worker, err := app.NewWorker(cfg, rt.Engine, logger)
		if err != nil {
			return fmt.Errorf("consolidation worker: %w", err)
		}
		worker.Start(ctx)
		defer worker.Stop()
	} else {
		logger.Info("scheduled consolidation disabled")
	}

	health := connwatch.NewManager(logger, rt.Bus)
	defer health.Stop()
	if err := rt.WatchHealth(ctx, health); err != nil {
		return err
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, rt.Bus, logger)
		go func() {
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "uptime", buildinfo.Uptime())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt disconnect failed", "error", err)
		}
	}
	if err := rt.Writer.Flush(shutdownCtx); err != nil {
		logger.Warn("pending memory writes not flushed", "error", err)
	}
	for _, st := range health.Status() {
		logger.Info("service health", "service", st.Name, "ready", st.Ready, "last_error", st.LastError)
	}
	stats := rt.Loop.Router().Stats()
	logger.Info("router summary",
		"total", stats.TotalRequests,
		"loop", stats.PathCounts[router.PathLoop.String()],
		"direct", stats.PathCounts[router.PathDirect.String()],
		"failures", stats.Failures,
	)
	return nil
}

// runConsolidate handles "thane-core consolidate [agent...]". Agents
// default to consolidation.agents from the config; the strategy defaults
// to consolidation.strategy.
func runConsolidate(ctx context.Context, stdout, stderr io.Writer, opts *options) error {
	cfg, logger, err := setup(opts, stderr)
	if err != nil {
		return err
	}

	agents := opts.args
	if len(agents) == 0 {
		agents = cfg.Consolidation.Agents
	}
	if len(agents) == 0 {
		return fmt.Errorf("usage: thane-core consolidate <agent>... (or set consolidation.agents)")
	}
	name := opts.strategy
	if name == "" {
		name = cfg.Consolidation.Strategy
	}
	strategy, err := consolidation.ParseStrategy(name)
	if err != nil {
		return err
	}

	store, err := app.OpenMemory(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, closeEngine, err := app.NewEngine(cfg, store, app.NewLLM(cfg, logger), logger, nil)
	if err != nil {
		return err
	}
	defer closeEngine()

	results := make(map[string]*consolidation.Result, len(agents))
	var errs []error
	for _, agentID := range agents {
		res, err := engine.Consolidate(ctx, consolidation.Request{
			AgentID:       agentID,
			MinImportance: cfg.Consolidation.MinImportance,
			MaxAgeHours:   float64(cfg.Consolidation.MaxAgeHours),
			Strategy:      strategy,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("consolidate %s: %w", agentID, err))
			continue
		}
		results[agentID] = res
	}

	if opts.outputFmt == "json" {
		if err := writeJSON(stdout, results); err != nil {
			return err
		}
		return errors.Join(errs...)
	}
	for _, agentID := range agents {
		res, ok := results[agentID]
		if !ok {
			continue
		}
		fmt.Fprintf(stdout, "%s (%s): processed=%d created=%d archived=%d updated=%d\n",
			agentID, strategy, res.STMProcessed, res.LTMCreated, res.STMArchived, res.LTMUpdated)
	}
	return errors.Join(errs...)
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "thane-core - reasoning loop and agent memory")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: thane-core [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <question>       Run one request and print the answer")
	fmt.Fprintln(w, "  chat                 Interactive session reading requests from stdin")
	fmt.Fprintln(w, "  serve                Run scheduled consolidation and MQTT event publishing")
	fmt.Fprintln(w, "  consolidate [agent]  Consolidate short-term memory now")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -agent <id>       Agent id (default: cli)")
	fmt.Fprintln(w, "  -session <id>     Session id (default: generated)")
	fmt.Fprintln(w, "  -mode <mode>      chat (default) or workspace")
	fmt.Fprintln(w, "  -dir <path>       Working directory hint; \"name:rel\" selects a named root")
	fmt.Fprintln(w, "  -strategy <name>  Consolidation strategy: summarize, promote, merge, archive")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// setup loads the configuration and builds the logger writing to w.
func setup(opts *options, w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := config.NewLogger(w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("config loaded", "path", cfgPath)
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
