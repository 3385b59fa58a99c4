// Package agent implements the reasoning loop. A message is routed
// either to a single streamed model answer (the direct path) or to a
// bounded Reason-Act-Observe loop that calls tools in a fixed working
// directory. Both paths read memory before answering and record what
// happened afterwards.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/thane-core/internal/events"
	"github.com/nugget/thane-core/internal/knowledge"
	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/memory"
	"github.com/nugget/thane-core/internal/prompts"
	"github.com/nugget/thane-core/internal/router"
	"github.com/nugget/thane-core/internal/tools"
	"github.com/nugget/thane-core/internal/workspace"
)

// Defaults applied by [New] to zero config values.
const (
	DefaultChatMaxIterations      = 2
	DefaultWorkspaceMaxIterations = 10
	DefaultStepTimeout            = 60 * time.Second
	DefaultContextTopK            = 3
)

// Importance of the records the loop writes.
const (
	ImportanceToolSuccess     = 0.7
	ImportanceToolFailure     = 0.9
	ImportanceSummaryWithTool = 0.8
	ImportanceSummary         = 0.5
)

const (
	maxRecordObservation  = 1000
	maxRecordAnswer       = 2000
	maxPartialObservation = 2000
)

// ToolExecutor runs tool calls. *tools.Gateway satisfies it.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any, workingDir string) (*tools.Result, error)
	Catalogue() []tools.Tool
}

// ContextLoader reads the memory slice injected into the first
// iteration. *memory.Store satisfies it.
type ContextLoader interface {
	GetContext(ctx context.Context, agentID, sessionID, queryText string) (*memory.Context, error)
}

// MemoryWriter accepts records for asynchronous persistence.
// *memory.Writer satisfies it.
type MemoryWriter interface {
	Enqueue(rec *memory.Record) bool
}

// WorkspaceResolver picks the working directory of an invocation.
// *workspace.Resolver satisfies it.
type WorkspaceResolver interface {
	Resolve(agentID, sessionID, hint string) (workspace.Resolution, error)
}

// Config wires the loop's collaborators. LLM, Tools, and Workspace are
// required; the rest degrade gracefully when nil.
type Config struct {
	LLM       llm.Client
	Model     string
	Tools     ToolExecutor
	Workspace WorkspaceResolver
	Memory    ContextLoader
	Writer    MemoryWriter
	Knowledge knowledge.Retriever
	Router    *router.Router
	Bus       *events.Bus
	Logger    *slog.Logger

	ChatMaxIterations      int
	WorkspaceMaxIterations int
	// StepTimeout bounds one iteration: the model call and the tool
	// call it proposes.
	StepTimeout time.Duration
	// ContextTopK caps each kind of injected context.
	ContextTopK int
}

// Request is one user message.
type Request struct {
	AgentID        string
	SessionID      string
	Message        string
	Mode           Mode
	WorkingDirHint string
	// OnToken receives streamed answer text. On the direct path it
	// sees tokens as they arrive; on the loop path it receives the
	// final answer once.
	OnToken func(token string)
}

// Result is the outcome of a request.
type Result struct {
	Answer     string      `json:"answer"`
	ToolsUsed  []string    `json:"tools_used"`
	Iterations int         `json:"iterations"`
	Partial    bool        `json:"partial,omitempty"`
	Path       router.Path `json:"-"`
	RunID      string      `json:"run_id"`
	// MemoryWritten counts records accepted by the memory writer.
	MemoryWritten    int    `json:"memory_written"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Loop runs requests. It is safe for concurrent use; requests in the
// same agent session run one at a time in arrival order.
type Loop struct {
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	sessions *SessionQueue
}

// New validates cfg and creates a loop.
func New(cfg Config) (*Loop, error) {
	if cfg.LLM == nil {
		return nil, errors.New("agent: LLM client is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("agent: tool executor is required")
	}
	if cfg.Workspace == nil {
		return nil, errors.New("agent: workspace resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChatMaxIterations <= 0 {
		cfg.ChatMaxIterations = DefaultChatMaxIterations
	}
	if cfg.WorkspaceMaxIterations <= 0 {
		cfg.WorkspaceMaxIterations = DefaultWorkspaceMaxIterations
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.ContextTopK <= 0 {
		cfg.ContextTopK = DefaultContextTopK
	}
	if cfg.Knowledge == nil {
		cfg.Knowledge = knowledge.Noop{}
	}
	if cfg.Router == nil {
		cfg.Router = router.NewRouter(cfg.Logger, router.Config{})
	}
	return &Loop{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "agent"),
		tracer:   otel.Tracer("github.com/nugget/thane-core/internal/agent"),
		sessions: NewSessionQueue(),
	}, nil
}

// Router returns the loop's router, for audit and stats queries.
func (l *Loop) Router() *router.Router {
	return l.cfg.Router
}

// MaxIterations returns the iteration budget for mode.
func (l *Loop) MaxIterations(mode Mode) int {
	if mode == ModeWorkspace {
		return l.cfg.WorkspaceMaxIterations
	}
	return l.cfg.ChatMaxIterations
}

func validate(req *Request) error {
	switch {
	case req == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	case strings.TrimSpace(req.AgentID) == "":
		return fmt.Errorf("%w: agent id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.SessionID) == "":
		return fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Message) == "":
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	return nil
}

// Run handles one message end to end.
func (l *Loop) Run(ctx context.Context, req *Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	release, err := l.sessions.Acquire(ctx, req.AgentID+"\x00"+req.SessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	runID := ulid.Make().String()
	ctx = tools.WithCaller(ctx, req.AgentID, req.SessionID, runID)
	ctx, span := l.tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("agent.session_id", req.SessionID),
		attribute.String("agent.run_id", runID),
		attribute.String("agent.mode", req.Mode.String()),
	))
	defer span.End()

	path, decision := l.cfg.Router.Route(ctx, router.Request{
		Query:     req.Message,
		Workspace: req.Mode == ModeWorkspace,
		AgentID:   req.AgentID,
		SessionID: req.SessionID,
	})
	span.SetAttributes(attribute.String("agent.path", path.String()))

	log := l.logger.With("run_id", runID, "agent_id", req.AgentID, "session_id", req.SessionID)
	log.Info("request started",
		"mode", req.Mode,
		"path", path,
		"intent", decision.DetectedIntent,
		"query_len", len(req.Message),
	)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"run_id":     runID,
		"agent_id":   req.AgentID,
		"session_id": req.SessionID,
		"mode":       req.Mode.String(),
		"path":       path.String(),
	})

	start := time.Now()
	var res *Result
	if path == router.PathDirect {
		res, err = l.runDirect(ctx, req, runID, log)
	} else {
		res, err = l.runLoop(ctx, req, runID, log)
	}
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.cfg.Router.RecordOutcome(decision.RequestID, elapsed, 0, 0, false)
		l.cfg.Bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
			"run_id":     runID,
			"error":      err.Error(),
			"elapsed_ms": elapsed.Milliseconds(),
		})
		log.Warn("request failed", "error", err, "elapsed", elapsed.Round(time.Millisecond))
		return nil, err
	}

	res.Path = path
	res.RunID = runID
	l.cfg.Router.RecordOutcome(decision.RequestID, elapsed, res.Iterations, len(res.ToolsUsed), !res.Partial)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"run_id":     runID,
		"iterations": res.Iterations,
		"tools":      res.ToolsUsed,
		"partial":    res.Partial,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	log.Info("request complete",
		"path", path,
		"iterations", res.Iterations,
		"tools", len(res.ToolsUsed),
		"partial", res.Partial,
		"memory_written", res.MemoryWritten,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return res, nil
}

// runDirect streams a single model answer with no tools.
func (l *Loop) runDirect(ctx context.Context, req *Request, runID string, log *slog.Logger) (*Result, error) {
	system := prompts.DirectPrompt()
	if section := l.contextSection(ctx, req, log); section != "" {
		system += "\n\n" + section
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: req.Message},
	}

	genCtx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()

	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"run_id": runID,
		"iter":   1,
		"model":  l.cfg.Model,
	})
	resp, err := l.cfg.LLM.ChatStream(genCtx, l.cfg.Model, msgs, nil, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && req.OnToken != nil {
			req.OnToken(ev.Token)
		}
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %w", ErrModelGeneration, err)
	}
	answer := stripMarker(resp.Message.Content)
	if answer == "" {
		return nil, fmt.Errorf("%w: empty response", ErrModelGeneration)
	}

	written := 0
	if l.write(summaryRecord(req, answer, nil, false, "agent:direct")) {
		written++
	}
	return &Result{
		Answer:        answer,
		ToolsUsed:     []string{},
		Iterations:    1,
		MemoryWritten: written,
	}, nil
}

// runLoop runs the bounded Reason-Act-Observe loop.
func (l *Loop) runLoop(ctx context.Context, req *Request, runID string, log *slog.Logger) (*Result, error) {
	wd, err := l.cfg.Workspace.Resolve(req.AgentID, req.SessionID, req.WorkingDirHint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWorkspace, err)
	}
	st := newLoopState(runID, req.AgentID, req.SessionID, req.Mode, l.MaxIterations(req.Mode), wd.Dir)
	log = log.With("working_dir", st.WorkingDirectory)
	log.Debug("working directory resolved", "source", wd.Source, "max_iterations", st.MaxIterations)

	docs, specs := toolSpecs(l.cfg.Tools.Catalogue())
	system := prompts.SystemPrompt(st.WorkingDirectory, docs)
	injected := l.contextSection(ctx, req, log)

	var answer string
	done := false
	for st.Iteration < st.MaxIterations && !done {
		if err := ctx.Err(); err != nil {
			l.setState(st, StateTerminal, log)
			log.Info("request cancelled", "iterations", st.Iteration)
			return nil, err
		}
		st.Iteration++
		answer, done, err = l.iterate(ctx, st, req, system, injected, specs, log)
		if err != nil {
			l.setState(st, StateTerminal, log)
			return nil, err
		}
	}

	partial := false
	if !done {
		answer = synthesize(st)
		partial = true
		log.Info("iteration budget exhausted", "iterations", st.Iteration)
	} else if st.unresolvedError() {
		partial = true
	}
	l.setState(st, StateTerminal, log)

	if l.write(summaryRecord(req, answer, st.ToolsUsed, partial, "agent:loop")) {
		st.written++
	}
	if req.OnToken != nil {
		req.OnToken(answer)
	}

	return &Result{
		Answer:           answer,
		ToolsUsed:        st.ToolsUsed,
		Iterations:       st.Iteration,
		Partial:          partial,
		MemoryWritten:    st.written,
		WorkingDirectory: st.WorkingDirectory,
	}, nil
}

// iterate runs one loop iteration under the step timeout. done reports
// a final answer; an error ends the request.
func (l *Loop) iterate(ctx context.Context, st *LoopState, req *Request, system, injected string,
	specs []llm.ToolSpec, log *slog.Logger) (answer string, done bool, err error) {

	ctx, span := l.tracer.Start(ctx, "agent.iteration", trace.WithAttributes(
		attribute.Int("agent.iteration", st.Iteration),
	))
	defer span.End()

	stepCtx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()

	msgs := buildMessages(st, system, injected, req.Message)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"run_id": st.RunID,
		"iter":   st.Iteration,
		"model":  l.cfg.Model,
	})
	resp, err := l.cfg.LLM.Chat(stepCtx, l.cfg.Model, msgs, specs)
	if err != nil {
		span.RecordError(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		if len(st.History) == 0 {
			return "", false, fmt.Errorf("%w: %w", ErrModelGeneration, err)
		}
		log.Warn("model call failed", "iteration", st.Iteration, "error", err)
		l.setState(st, StateObserving, log)
		st.History = append(st.History, Step{Observation: &Observation{
			Text:   prompts.ToolErrorObservation("model call failed: " + err.Error()),
			Failed: true,
			Kind:   "model_generation",
		}})
		l.setState(st, StateReasoning, log)
		return "", false, nil
	}

	rep := parseReply(resp.Message)
	switch rep.kind {
	case replyFinal:
		if rep.fallback {
			log.Debug("reply without protocol markers taken as final answer", "iteration", st.Iteration)
		}
		l.setState(st, StateDone, log)
		return rep.answer, true, nil

	case replyEmpty:
		log.Debug("empty model reply", "iteration", st.Iteration)
		l.setState(st, StateObserving, log)
		st.History = append(st.History, Step{Observation: &Observation{
			Text: prompts.ProtocolReminder,
			Kind: "empty_reply",
		}})
		l.setState(st, StateReasoning, log)

	case replyAction:
		if rep.loose && !offered(specs, rep.action.Tool) {
			log.Debug("json in reply names no known tool, taken as final answer",
				"iteration", st.Iteration, "name", rep.action.Tool)
			l.setState(st, StateDone, log)
			return rep.answer, true, nil
		}
		obs, err := l.act(stepCtx, st, rep.action, log)
		st.History = append(st.History, Step{Thought: rep.thought, Action: rep.action, Observation: obs})
		if l.write(toolRecord(st, req, rep.action, obs)) {
			st.written++
		}
		if err != nil {
			return "", false, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", false, ctxErr
		}
		l.setState(st, StateReasoning, log)
	}
	return "", false, nil
}

func offered(specs []llm.ToolSpec, name string) bool {
	for _, s := range specs {
		if s.Name == name {
			return true
		}
	}
	return false
}

// act executes one tool call. Only an unregistered tool is returned as
// an error; every other failure becomes a failed observation.
func (l *Loop) act(ctx context.Context, st *LoopState, a *Action, log *slog.Logger) (*Observation, error) {
	l.setState(st, StateActing, log)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"run_id": st.RunID,
		"tool":   a.Tool,
		"iter":   st.Iteration,
	})

	start := time.Now()
	res, err := l.cfg.Tools.Execute(ctx, a.Tool, a.Args, st.WorkingDirectory)
	elapsed := time.Since(start)

	l.setState(st, StateObserving, log)
	st.ToolsUsed = append(st.ToolsUsed, a.Tool)
	l.cfg.Bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"run_id":      st.RunID,
		"tool":        a.Tool,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})

	if err == nil {
		log.Debug("tool call observed", "tool", a.Tool, "iteration", st.Iteration, "output_len", len(res.Output))
		return &Observation{Text: res.Output}, nil
	}

	kind := tools.KindOf(err)
	if kind == 0 {
		kind = tools.ToolExecutionError
	}
	obs := &Observation{
		Text:   prompts.ToolErrorObservation(failureReason(err)),
		Failed: true,
		Kind:   kind.String(),
	}
	if kind == tools.UnregisteredTool {
		log.Error("model called an unregistered tool", "tool", a.Tool)
		return obs, fmt.Errorf("agent: %w", err)
	}
	log.Info("tool call failed", "tool", a.Tool, "kind", kind, "error", err)
	return obs, nil
}

// setState moves the loop state machine and publishes the change. An
// illegal move is a bug in the loop; it is logged and the state is
// left unchanged.
func (l *Loop) setState(st *LoopState, next State, log *slog.Logger) {
	from := st.State
	if from == next {
		return
	}
	if err := st.transition(next); err != nil {
		log.Error("state machine violation", "error", err)
		return
	}
	l.cfg.Bus.Emit(events.SourceAgent, events.KindStateChange, map[string]any{
		"run_id": st.RunID,
		"from":   from.String(),
		"to":     next.String(),
		"iter":   st.Iteration,
	})
}

func (l *Loop) write(rec *memory.Record) bool {
	if l.cfg.Writer == nil {
		return false
	}
	return l.cfg.Writer.Enqueue(rec)
}

// contextSection reads memory and knowledge for the message. Failures
// degrade to whatever was retrieved.
func (l *Loop) contextSection(ctx context.Context, req *Request, log *slog.Logger) string {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StepTimeout)
	defer cancel()

	k := l.cfg.ContextTopK
	var summary string
	var mems, docs []prompts.ContextItem

	if l.cfg.Memory != nil {
		mc, err := l.cfg.Memory.GetContext(ctx, req.AgentID, req.SessionID, req.Message)
		if err != nil {
			log.Warn("memory context degraded", "error", err)
		}
		if mc != nil {
			summary = mc.Summary
			for _, r := range capRecords(mc.RecentInteractions, k) {
				mems = append(mems, prompts.ContextItem{Label: "recent", Content: r.Content})
			}
			relevant := interleave(k, mc.RelevantLessons, mc.RelevantChallenges, mc.RelevantFeedback)
			for _, r := range relevant {
				mems = append(mems, prompts.ContextItem{Label: string(r.Category), Content: r.Content})
			}
		}
	}

	chunks, err := l.cfg.Knowledge.Retrieve(ctx, req.AgentID, req.Message, k)
	if err != nil {
		log.Warn("knowledge retrieval failed", "error", err)
	}
	for i, c := range chunks {
		if i == k {
			break
		}
		label := c.Source
		if label == "" {
			label = "knowledge"
		}
		docs = append(docs, prompts.ContextItem{Label: label, Content: c.Content})
	}

	return prompts.ContextSection(summary, mems, docs)
}

// buildMessages renders the conversation for the current iteration.
// Injected context rides on the first iteration only. The last
// iteration asks the model to wrap up.
func buildMessages(st *LoopState, system, injected, message string) []llm.Message {
	if st.Iteration == 1 && injected != "" {
		system += "\n\n" + injected
	}
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: message},
	}
	for _, step := range st.History {
		if step.Action != nil {
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: renderAction(step)})
		}
		if step.Observation != nil {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: renderObservation(step)})
		}
	}
	if st.finalIteration() && len(st.History) > 0 {
		var last string
		if obs := st.lastObservation(); obs != nil {
			last = obs.Text
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: prompts.SynthesisPrompt(last)})
	}
	return msgs
}

func renderAction(step Step) string {
	b, err := json.Marshal(struct {
		Thought string         `json:"thought,omitempty"`
		Action  string         `json:"action"`
		Args    map[string]any `json:"args"`
	}{step.Thought, step.Action.Tool, step.Action.Args})
	if err != nil {
		return fmt.Sprintf(`{"action": %q}`, step.Action.Tool)
	}
	return string(b)
}

func renderObservation(step Step) string {
	if step.Action == nil {
		return "Observation:\n" + step.Observation.Text
	}
	return "Observation from " + step.Action.Tool + ":\n" + step.Observation.Text
}

// synthesize builds the answer used when the budget runs out without a
// final answer. It never calls the model.
func synthesize(st *LoopState) string {
	obs := st.lastObservation()
	if obs == nil || strings.TrimSpace(obs.Text) == "" {
		return prompts.PartialFallback
	}
	return prompts.PartialFallback + " The last thing I observed was:\n\n" + truncate(obs.Text, maxPartialObservation)
}

// toolSpecs converts the gateway catalogue into prompt docs and native
// tool specs.
func toolSpecs(catalogue []tools.Tool) ([]prompts.ToolDoc, []llm.ToolSpec) {
	docs := make([]prompts.ToolDoc, 0, len(catalogue))
	specs := make([]llm.ToolSpec, 0, len(catalogue))
	for _, t := range catalogue {
		docs = append(docs, prompts.ToolDoc{
			Name:        t.Name,
			Description: t.Description,
			Args:        argDocs(t.Parameters),
		})
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return docs, specs
}

// argDocs extracts per-argument descriptions from a JSON Schema object.
func argDocs(schema map[string]any) map[string]string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	out := make(map[string]string, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		desc, _ := prop["description"].(string)
		if desc == "" {
			desc, _ = prop["type"].(string)
		}
		out[name] = desc
	}
	return out
}

func failureReason(err error) string {
	var f *tools.Failure
	if !errors.As(err, &f) {
		return err.Error()
	}
	reason := f.Error()
	if f.Kind == tools.ToolTimeout && f.Err != nil {
		reason += ": " + f.Err.Error()
	}
	if out := strings.TrimSpace(f.Output); out != "" {
		reason += "\n" + truncate(out, maxRecordObservation)
	}
	return reason
}

// toolRecord describes one tool call for short-term memory.
func toolRecord(st *LoopState, req *Request, a *Action, obs *Observation) *memory.Record {
	outcome, importance, tag := "succeeded", ImportanceToolSuccess, memory.TagSuccess
	if obs.Failed {
		outcome, importance, tag = "failed", ImportanceToolFailure, memory.TagFailure
	}
	args, _ := json.Marshal(a.Args)
	content := fmt.Sprintf("Tool %s %s (iteration %d) with args %s: %s",
		a.Tool, outcome, st.Iteration, args, truncate(obs.Text, maxRecordObservation))

	return &memory.Record{
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		Tier:       memory.ShortTerm,
		Category:   memory.CategoryInteraction,
		Content:    content,
		Importance: importance,
		Metadata: memory.Metadata{
			Tags:       []string{memory.TagToolPrefix + a.Tool, memory.TagToolCall, tag},
			Confidence: 1,
			Source:     "agent:loop",
		},
	}
}

// summaryRecord describes a completed request for short-term memory.
func summaryRecord(req *Request, answer string, toolsUsed []string, partial bool, source string) *memory.Record {
	var sb strings.Builder
	sb.WriteString("User: " + req.Message + "\n")
	sb.WriteString("Answer: " + truncate(answer, maxRecordAnswer))
	if len(toolsUsed) > 0 {
		sb.WriteString("\nTools: " + strings.Join(toolsUsed, ", "))
	}

	importance := ImportanceSummary
	if len(toolsUsed) > 0 {
		importance = ImportanceSummaryWithTool
	}
	tags := []string{memory.TagSummary}
	if partial {
		tags = append(tags, "partial")
	}
	return &memory.Record{
		AgentID:    req.AgentID,
		SessionID:  req.SessionID,
		Tier:       memory.ShortTerm,
		Category:   memory.CategoryInteraction,
		Content:    sb.String(),
		Importance: importance,
		Metadata: memory.Metadata{
			Tags:       tags,
			Confidence: 1,
			Source:     source,
		},
	}
}

func capRecords(recs []*memory.Record, n int) []*memory.Record {
	if len(recs) > n {
		return recs[:n]
	}
	return recs
}

// interleave takes one record from each list in turn until n are
// collected, so no category crowds out the others.
func interleave(n int, lists ...[]*memory.Record) []*memory.Record {
	var out []*memory.Record
	for i := 0; len(out) < n; i++ {
		progressed := false
		for _, list := range lists {
			if i < len(list) && len(out) < n {
				out = append(out, list[i])
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}

func stripMarker(s string) string {
	s = strings.TrimSpace(s)
	if i := indexFold(s, prompts.FinalAnswerMarker); i >= 0 {
		s = strings.TrimSpace(s[i+len(prompts.FinalAnswerMarker):])
	}
	return s
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
