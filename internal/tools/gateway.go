package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a tool call when the gateway is not configured
// otherwise.
const DefaultTimeout = 30 * time.Second

// Result is a successful tool call.
type Result struct {
	Tool     string
	Output   string
	Duration time.Duration
}

// Gateway executes tool calls. Built-in tools are dispatched over the
// closed [Kind] set; anything else is looked up in the [Registry].
type Gateway struct {
	files    *FileTools
	shell    *ShellExec
	git      *GitTool
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
	timeout  time.Duration
}

// GatewayOption configures a [Gateway].
type GatewayOption func(*Gateway)

// WithTimeout sets the per-call time budget.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGateway creates a gateway. A nil registry is replaced by an empty
// one; a nil shell disables the shell and git tools.
func NewGateway(registry *Registry, shell *ShellExec, logger *slog.Logger, opts ...GatewayOption) *Gateway {
	if registry == nil {
		registry = NewRegistry()
	}
	if shell == nil {
		shell = NewShellExec(DefaultShellExecConfig())
	}
	g := &Gateway{
		files:    NewFileTools(),
		shell:    shell,
		git:      NewGitTool(shell),
		registry: registry,
		logger:   logger.With("component", "tools"),
		tracer:   otel.Tracer("github.com/nugget/thane-core/internal/tools"),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the registry of pluggable tools.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Catalogue lists every tool a caller may invoke: enabled built-ins in
// declaration order followed by registered tools sorted by name.
func (g *Gateway) Catalogue() []Tool {
	var out []Tool
	for _, k := range Kinds() {
		if (k == KindShell || k == KindGit) && !g.shell.Enabled() {
			continue
		}
		t := builtinSpecs[k]
		t.Name = k.String()
		t.Source = "builtin"
		out = append(out, t)
	}
	for _, t := range g.registry.List() {
		out = append(out, *t)
	}
	return out
}

// Execute runs the named tool with args against workingDir. Every error
// it returns is a *[Failure].
func (g *Gateway) Execute(ctx context.Context, name string, args map[string]any, workingDir string) (*Result, error) {
	ctx, span := g.tracer.Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.working_dir", workingDir),
	)

	start := time.Now()
	output, err := g.execute(ctx, name, args, workingDir)
	elapsed := time.Since(start)

	if err != nil {
		var f *Failure
		if !errors.As(err, &f) {
			f = &Failure{Kind: ToolExecutionError, Tool: name, Err: err}
		}
		span.RecordError(f)
		span.SetStatus(codes.Error, f.Kind.String())
		g.logger.Debug("tool call failed",
			"tool", name,
			"kind", f.Kind,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", f.Err,
		)
		return nil, f
	}

	g.logger.Debug("tool call complete",
		"tool", name,
		"elapsed", elapsed.Round(time.Millisecond),
		"output_len", len(output),
	)
	return &Result{Tool: name, Output: output, Duration: elapsed}, nil
}

func (g *Gateway) execute(ctx context.Context, name string, args map[string]any, workingDir string) (string, error) {
	var run func(context.Context) (string, error)
	if kind, ok := ParseKind(name); ok {
		run = func(ctx context.Context) (string, error) {
			return g.dispatch(ctx, kind, args, workingDir)
		}
	} else {
		t := g.registry.Get(name)
		if t == nil {
			return "", &Failure{Kind: UnregisteredTool, Tool: name}
		}
		run = func(ctx context.Context) (string, error) {
			return t.Handler(ctx, args, workingDir)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := run(ctx)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			var f *Failure
			if errors.As(o.err, &f) {
				return "", o.err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", &Failure{Kind: ToolTimeout, Tool: name, Err: o.err}
			}
			return "", &Failure{Kind: ToolExecutionError, Tool: name, Err: o.err}
		}
		return o.out, nil
	case <-ctx.Done():
		// The handler keeps running until it notices cancellation; its
		// result is discarded.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &Failure{Kind: ToolTimeout, Tool: name, Err: ctx.Err()}
		}
		return "", &Failure{Kind: ToolExecutionError, Tool: name, Err: ctx.Err()}
	}
}

// dispatch runs a built-in tool.
func (g *Gateway) dispatch(ctx context.Context, kind Kind, args map[string]any, workingDir string) (string, error) {
	switch kind {
	case KindReadFile:
		a, err := decodeArgs[ReadFileArgs](args)
		if err != nil {
			return "", err
		}
		return g.files.Read(ctx, workingDir, a)
	case KindWriteFile:
		a, err := decodeArgs[WriteFileArgs](args)
		if err != nil {
			return "", err
		}
		return g.files.Write(ctx, workingDir, a)
	case KindEditFile:
		a, err := decodeArgs[EditFileArgs](args)
		if err != nil {
			return "", err
		}
		return g.files.Edit(ctx, workingDir, a)
	case KindListFiles:
		a, err := decodeArgs[ListFilesArgs](args)
		if err != nil {
			return "", err
		}
		return g.files.List(ctx, workingDir, a)
	case KindShell:
		a, err := decodeArgs[ShellArgs](args)
		if err != nil {
			return "", err
		}
		if a.Command == "" {
			return "", errors.New("command is required")
		}
		res, err := g.shell.Exec(ctx, workingDir, a.Command, a.TimeoutSec)
		if err != nil {
			return "", err
		}
		return execOutcome(kind.String(), res)
	case KindGit:
		a, err := decodeArgs[GitArgs](args)
		if err != nil {
			return "", err
		}
		res, err := g.git.Exec(ctx, workingDir, a)
		if err != nil {
			return "", err
		}
		return execOutcome(kind.String(), res)
	default:
		return "", fmt.Errorf("unhandled built-in tool %s", kind)
	}
}

// execOutcome converts a process result into output or a failure.
func execOutcome(tool string, res *ExecResult) (string, error) {
	switch {
	case res.TimedOut:
		return "", &Failure{Kind: ToolTimeout, Tool: tool, Err: context.DeadlineExceeded, Output: res.Output()}
	case res.Error != "":
		return "", &Failure{Kind: ToolExecutionError, Tool: tool, Err: errors.New(res.Error), Output: res.Output()}
	case res.ExitCode != 0:
		return "", &Failure{Kind: ToolExecutionError, Tool: tool, Err: fmt.Errorf("exit code %d", res.ExitCode), Output: res.Output()}
	}
	return res.Output(), nil
}
