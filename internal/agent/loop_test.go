package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/events"
	"github.com/nugget/thane-core/internal/knowledge"
	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/memory"
	"github.com/nugget/thane-core/internal/prompts"
	"github.com/nugget/thane-core/internal/router"
	"github.com/nugget/thane-core/internal/tools"
	"github.com/nugget/thane-core/internal/workspace"
)

// scripted is one canned model reply.
type scripted struct {
	content string
	err     error
}

// scriptedLLM replays replies in order and records every request.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []scripted
	calls   [][]llm.Message
	specs   [][]llm.ToolSpec
	streams int
}

func (m *scriptedLLM) next(msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	m.specs = append(m.specs, specs)
	i := len(m.calls) - 1
	m.mu.Unlock()

	if i >= len(m.replies) {
		return nil, errors.New("script exhausted")
	}
	r := m.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: r.content}, Done: true}, nil
}

func (m *scriptedLLM) Chat(_ context.Context, _ string, msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	return m.next(msgs, specs)
}

func (m *scriptedLLM) ChatStream(_ context.Context, _ string, msgs []llm.Message, specs []llm.ToolSpec, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.streams++
	m.mu.Unlock()
	resp, err := m.next(msgs, specs)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Message.Content, " ") {
		cb(llm.StreamEvent{Kind: llm.KindToken, Token: word})
	}
	cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	return resp, nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

func (m *scriptedLLM) call(i int) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

type fakeWriter struct {
	mu      sync.Mutex
	records []*memory.Record
}

func (w *fakeWriter) Enqueue(rec *memory.Record) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return true
}

func (w *fakeWriter) all() []*memory.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*memory.Record(nil), w.records...)
}

type fakeMemory struct {
	mc  *memory.Context
	err error
}

func (f *fakeMemory) GetContext(context.Context, string, string, string) (*memory.Context, error) {
	return f.mc, f.err
}

type fakeKnowledge struct{ chunks []knowledge.Chunk }

func (f *fakeKnowledge) Retrieve(context.Context, string, string, int) ([]knowledge.Chunk, error) {
	return f.chunks, nil
}

type testEnv struct {
	loop    *Loop
	llm     *scriptedLLM
	writer  *fakeWriter
	gateway *tools.Gateway
	dir     string
}

func newTestEnv(t *testing.T, replies []scripted, mutate func(*Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver, err := workspace.New(config.WorkspaceConfig{DefaultRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		llm:     &scriptedLLM{replies: replies},
		writer:  &fakeWriter{},
		gateway: tools.NewGateway(nil, nil, logger, tools.WithTimeout(time.Second)),
		dir:     t.TempDir(),
	}
	cfg := Config{
		LLM:         env.llm,
		Model:       "test-model",
		Tools:       env.gateway,
		Workspace:   resolver,
		Writer:      env.writer,
		Logger:      logger,
		StepTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.loop, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) request(msg string, mode Mode) *Request {
	return &Request{
		AgentID:        "agent-1",
		SessionID:      "session-1",
		Message:        msg,
		Mode:           mode,
		WorkingDirHint: e.dir,
	}
}

func register(t *testing.T, g *tools.Gateway, name string, h tools.Handler) {
	t.Helper()
	if err := g.Registry().Register(&tools.Tool{Name: name, Description: name, Handler: h}); err != nil {
		t.Fatal(err)
	}
}

func TestRun_DirectPath(t *testing.T) {
	env := newTestEnv(t, []scripted{{content: "React is a JavaScript library for building user interfaces."}}, nil)

	var streamed strings.Builder
	req := env.request("what is React?", ModeChat)
	req.OnToken = func(tok string) { streamed.WriteString(tok) }

	res, err := env.loop.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Path != router.PathDirect {
		t.Errorf("Path = %v, want direct", res.Path)
	}
	if res.ToolsUsed == nil || len(res.ToolsUsed) != 0 {
		t.Errorf("ToolsUsed = %#v, want empty list", res.ToolsUsed)
	}
	if !strings.HasPrefix(res.Answer, "React is") {
		t.Errorf("Answer = %q", res.Answer)
	}
	if streamed.String() != res.Answer {
		t.Errorf("streamed %q, answer %q", streamed.String(), res.Answer)
	}
	if env.llm.streams != 1 || env.llm.specs[0] != nil {
		t.Errorf("direct path should stream once without tools (streams=%d)", env.llm.streams)
	}

	recs := env.writer.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	r := recs[0]
	if r.Category != memory.CategoryInteraction || r.Importance != ImportanceSummary || !r.HasTag(memory.TagSummary) {
		t.Errorf("record = %+v", r)
	}
	if r.Tier != memory.ShortTerm || r.SessionID != "session-1" || r.AgentID != "agent-1" {
		t.Errorf("record scope = %s/%s/%s", r.Tier, r.AgentID, r.SessionID)
	}
	if res.MemoryWritten != 1 {
		t.Errorf("MemoryWritten = %d", res.MemoryWritten)
	}
}

func TestRun_ListFiles(t *testing.T) {
	env := newTestEnv(t, []scripted{
		{content: `{"thought": "I should look at the files", "action": "list_files", "args": {"path": "."}}`},
		{content: "Final Answer: The project contains main.go and README.md."},
	}, nil)
	os.WriteFile(filepath.Join(env.dir, "main.go"), []byte("package main\n"), 0o644)
	os.WriteFile(filepath.Join(env.dir, "README.md"), []byte("# demo\n"), 0o644)

	res, err := env.loop.Run(context.Background(), env.request("list files in the project", ModeChat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Path != router.PathLoop || res.Iterations != 2 || res.Partial {
		t.Errorf("result = %+v", res)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "list_files" {
		t.Errorf("ToolsUsed = %v", res.ToolsUsed)
	}
	if !strings.Contains(res.Answer, "main.go") || !strings.Contains(res.Answer, "README.md") {
		t.Errorf("Answer = %q", res.Answer)
	}

	// The second model call sees the observation.
	second := env.llm.call(1)
	var sawListing bool
	for _, m := range second {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "Observation from list_files") &&
			strings.Contains(m.Content, "README.md\nmain.go") {
			sawListing = true
		}
	}
	if !sawListing {
		t.Errorf("observation missing from second call: %+v", second)
	}

	recs := env.writer.all()
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	tool, summary := recs[0], recs[1]
	if tool.Importance != ImportanceToolSuccess || !tool.HasTag("tool:list_files") ||
		!tool.HasTag(memory.TagToolCall) || !tool.HasTag(memory.TagSuccess) {
		t.Errorf("tool record = %+v", tool.Metadata)
	}
	if summary.Importance != ImportanceSummaryWithTool || !summary.HasTag(memory.TagSummary) {
		t.Errorf("summary record = %+v", summary)
	}
}

func TestRun_ToolTimeoutYieldsPartialAnswer(t *testing.T) {
	tests := []struct {
		name   string
		second string
	}{
		{"model keeps calling", `{"action": "slow_build", "args": {}}`},
		{"model answers despite error", "Final Answer: The build did not finish."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []scripted{
				{content: `{"action": "slow_build", "args": {}}`},
				{content: tt.second},
			}, nil)
			register(t, env.gateway, "slow_build", func(ctx context.Context, _ map[string]any, _ string) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})

			start := time.Now()
			res, err := env.loop.Run(context.Background(), env.request("run the slow build", ModeChat))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if elapsed := time.Since(start); elapsed > 4*time.Second {
				t.Errorf("run took %v, want bounded by iterations x step timeout", elapsed)
			}
			if !res.Partial {
				t.Error("answer after a timed-out tool should be partial")
			}
			if res.Iterations > 2 {
				t.Errorf("Iterations = %d, want at most 2", res.Iterations)
			}
			if res.Answer == "" {
				t.Error("partial answer is empty")
			}

			recs := env.writer.all()
			if len(recs) == 0 || recs[0].Importance != ImportanceToolFailure || !recs[0].HasTag(memory.TagFailure) {
				t.Fatalf("first record = %+v", recs)
			}
			if !strings.Contains(recs[0].Content, "error:") {
				t.Errorf("tool record content = %q", recs[0].Content)
			}
			if last := recs[len(recs)-1]; !last.HasTag("partial") {
				t.Errorf("summary tags = %v", last.Metadata.Tags)
			}
		})
	}
}

func TestRun_BudgetExhaustedSynthesizesFromLastObservation(t *testing.T) {
	env := newTestEnv(t, []scripted{
		{content: `{"action": "list_files"}`},
		{content: `{"action": "list_files"}`},
	}, nil)
	os.WriteFile(filepath.Join(env.dir, "only.txt"), nil, 0o644)

	res, err := env.loop.Run(context.Background(), env.request("list files here", ModeChat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Partial || !strings.HasPrefix(res.Answer, prompts.PartialFallback) || !strings.Contains(res.Answer, "only.txt") {
		t.Errorf("result = %+v", res)
	}
	if len(env.llm.calls) != 2 {
		t.Errorf("model calls = %d, want 2", len(env.llm.calls))
	}
	last := env.llm.call(1)
	if !strings.Contains(last[len(last)-1].Content, "used all of your steps") {
		t.Errorf("final iteration should ask for a wrap-up, got %q", last[len(last)-1].Content)
	}
}

func TestRun_WorkingDirectoryFixedPerRun(t *testing.T) {
	env := newTestEnv(t, []scripted{
		{content: `{"action": "where", "args": {}}`},
		{content: `{"action": "where", "args": {}}`},
		{content: `{"action": "where", "args": {}}`},
		{content: "Final Answer: done"},
	}, nil)

	var mu sync.Mutex
	var dirs, runIDs []string
	register(t, env.gateway, "where", func(ctx context.Context, _ map[string]any, wd string) (string, error) {
		_, _, runID := tools.CallerFromContext(ctx)
		mu.Lock()
		dirs = append(dirs, wd)
		runIDs = append(runIDs, runID)
		mu.Unlock()
		return wd, nil
	})

	res, err := env.loop.Run(context.Background(), env.request("check where we are", ModeWorkspace))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dirs) != 3 {
		t.Fatalf("tool calls = %d, want 3", len(dirs))
	}
	for i, d := range dirs {
		if d != res.WorkingDirectory || d != env.dir {
			t.Errorf("call %d ran in %q, want %q", i, d, env.dir)
		}
		if runIDs[i] != res.RunID {
			t.Errorf("call %d run id = %q, want %q", i, runIDs[i], res.RunID)
		}
	}
	if res.Iterations != 4 || res.Partial {
		t.Errorf("result = %+v", res)
	}
}

func TestRun_QuotedJSONInAnswer(t *testing.T) {
	answer := "The package.json declares the app:\n```json\n{\"name\": \"demo-app\", \"version\": \"1.0.0\"}\n```"
	env := newTestEnv(t, []scripted{
		{content: `{"action": "read_file", "args": {"path": "package.json"}}`},
		{content: answer},
	}, nil)
	os.WriteFile(filepath.Join(env.dir, "package.json"), []byte(`{"name": "demo-app", "version": "1.0.0"}`), 0o644)

	res, err := env.loop.Run(context.Background(), env.request("read the package.json", ModeWorkspace))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != answer || res.Partial || res.Iterations != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(res.ToolsUsed) != 1 {
		t.Errorf("ToolsUsed = %v, want only read_file", res.ToolsUsed)
	}
}

func TestRun_UnknownLooseToolNameIsAnswer(t *testing.T) {
	content := `Use this runner config: {"tool": "jest", "args": {"coverage": true}}`
	env := newTestEnv(t, []scripted{{content: content}}, nil)

	res, err := env.loop.Run(context.Background(), env.request("how do I configure tests in this project", ModeWorkspace))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != content || len(res.ToolsUsed) != 0 {
		t.Errorf("result = %+v", res)
	}
}

// cancellingLLM cancels the request context on call number at and
// fails that call with the context error.
type cancellingLLM struct {
	*scriptedLLM
	cancel context.CancelFunc
	at     int
}

func (c *cancellingLLM) Chat(ctx context.Context, model string, msgs []llm.Message, specs []llm.ToolSpec) (*llm.ChatResponse, error) {
	resp, err := c.scriptedLLM.Chat(ctx, model, msgs, specs)
	c.mu.Lock()
	n := len(c.calls)
	c.mu.Unlock()
	if n == c.at {
		c.cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return resp, err
}

func TestRun_CancelledMidRun(t *testing.T) {
	t.Run("during a model call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		env := newTestEnv(t, []scripted{
			{content: `{"action": "list_files"}`},
			{content: `{"action": "list_files"}`},
		}, func(cfg *Config) {
			cfg.LLM = &cancellingLLM{scriptedLLM: cfg.LLM.(*scriptedLLM), cancel: cancel, at: 2}
		})

		res, err := env.loop.Run(ctx, env.request("list the files", ModeWorkspace))
		if !errors.Is(err, context.Canceled) || res != nil {
			t.Fatalf("Run = %+v, %v; want context.Canceled", res, err)
		}
		if n := len(env.llm.calls); n != 2 {
			t.Errorf("model calls = %d, want 2", n)
		}
		for _, r := range env.writer.all() {
			if r.HasTag(memory.TagSummary) {
				t.Errorf("cancelled run wrote a summary: %q", r.Content)
			}
		}
	})

	t.Run("during a tool call", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		env := newTestEnv(t, []scripted{
			{content: `{"action": "stop_here", "args": {}}`},
			{content: "Final Answer: should not be reached"},
		}, nil)
		register(t, env.gateway, "stop_here", func(context.Context, map[string]any, string) (string, error) {
			cancel()
			return "ok", nil
		})

		_, err := env.loop.Run(ctx, env.request("run the stop step", ModeWorkspace))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if n := len(env.llm.calls); n != 1 {
			t.Errorf("model calls = %d, want 1", n)
		}
	})
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := "héllo" // é is two bytes at offsets 1-2
	if got := truncate(s, 2); got != "h..." {
		t.Errorf("truncate = %q, want %q", got, "h...")
	}
	if got := truncate(s, 3); got != "hé..." {
		t.Errorf("truncate = %q, want %q", got, "hé...")
	}
	if got := truncate(s, 10); got != s {
		t.Errorf("truncate = %q", got)
	}
}

func TestRun_UnregisteredToolSurfaced(t *testing.T) {
	env := newTestEnv(t, []scripted{{content: `{"action": "web_search", "args": {"q": "go"}}`}}, nil)

	_, err := env.loop.Run(context.Background(), env.request("search the repo", ModeWorkspace))
	if tools.KindOf(err) != tools.UnregisteredTool {
		t.Fatalf("err = %v, want unregistered tool", err)
	}
	recs := env.writer.all()
	if len(recs) != 1 || !recs[0].HasTag(memory.TagFailure) || !recs[0].HasTag("tool:web_search") {
		t.Errorf("records = %+v", recs)
	}
}

func TestRun_ModelErrors(t *testing.T) {
	boom := errors.New("connection refused")

	t.Run("before any observation", func(t *testing.T) {
		env := newTestEnv(t, []scripted{{err: boom}}, nil)
		_, err := env.loop.Run(context.Background(), env.request("edit the file", ModeWorkspace))
		if !errors.Is(err, ErrModelGeneration) || !errors.Is(err, boom) {
			t.Fatalf("err = %v", err)
		}
		if n := len(env.writer.all()); n != 0 {
			t.Errorf("records = %d, want none", n)
		}
	})

	t.Run("direct path", func(t *testing.T) {
		env := newTestEnv(t, []scripted{{err: boom}}, nil)
		_, err := env.loop.Run(context.Background(), env.request("hello there", ModeChat))
		if !errors.Is(err, ErrModelGeneration) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("after an observation", func(t *testing.T) {
		env := newTestEnv(t, []scripted{
			{content: `{"action": "list_files"}`},
			{err: boom},
			{content: "Final Answer: recovered"},
		}, nil)
		res, err := env.loop.Run(context.Background(), env.request("list the files", ModeWorkspace))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if res.Answer != "recovered" || res.Iterations != 3 {
			t.Errorf("result = %+v", res)
		}
		third := env.llm.call(2)
		if !strings.Contains(third[len(third)-1].Content, "model call failed") {
			t.Errorf("model failure not observed: %q", third[len(third)-1].Content)
		}
	})
}

func TestRun_EmptyReplyGetsReminder(t *testing.T) {
	env := newTestEnv(t, []scripted{{content: "  "}, {content: "Final Answer: ok"}}, nil)
	res, err := env.loop.Run(context.Background(), env.request("build it", ModeWorkspace))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "ok" || res.Partial {
		t.Errorf("result = %+v", res)
	}
	second := env.llm.call(1)
	if !strings.Contains(second[len(second)-1].Content, prompts.ProtocolReminder) {
		t.Errorf("reminder missing: %q", second[len(second)-1].Content)
	}
}

func TestRun_ContextInjectedOnFirstIterationOnly(t *testing.T) {
	mem := &fakeMemory{mc: &memory.Context{
		RecentInteractions: []*memory.Record{{Content: "User asked about the build yesterday"}},
		RelevantLessons:    []*memory.Record{{Category: memory.CategoryLesson, Content: "Always run go vet before committing"}},
	}, err: errors.New("long-term tier unavailable")}
	kb := &fakeKnowledge{chunks: []knowledge.Chunk{{Source: "CONTRIBUTING.md", Content: "Use table-driven tests"}}}

	env := newTestEnv(t, []scripted{
		{content: `{"action": "list_files"}`},
		{content: "Final Answer: done"},
	}, func(c *Config) {
		c.Memory = mem
		c.Knowledge = kb
	})
	if _, err := env.loop.Run(context.Background(), env.request("fix the tests", ModeWorkspace)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	first := env.llm.call(0)[0].Content
	for _, want := range []string{"Always run go vet", "build yesterday", "Use table-driven tests", "CONTRIBUTING.md"} {
		if !strings.Contains(first, want) {
			t.Errorf("first system prompt missing %q", want)
		}
	}
	if second := env.llm.call(1)[0].Content; strings.Contains(second, "Always run go vet") {
		t.Error("context should not be repeated after the first iteration")
	}
}

func TestRun_EventsAndRouterOutcome(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)

	env := newTestEnv(t, []scripted{
		{content: `{"action": "list_files"}`},
		{content: "Final Answer: done"},
	}, func(c *Config) { c.Bus = bus })

	res, err := env.loop.Run(context.Background(), env.request("list files", ModeChat))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[string]int{}
	timeout := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-ch:
			seen[ev.Kind]++
			if ev.Kind == events.KindRequestComplete {
				break collect
			}
		case <-timeout:
			break collect
		}
	}
	for _, kind := range []string{
		events.KindRequestStart, events.KindLLMCall, events.KindToolCall,
		events.KindToolDone, events.KindStateChange, events.KindRequestComplete,
	} {
		if seen[kind] == 0 {
			t.Errorf("no %s event (saw %v)", kind, seen)
		}
	}

	log := env.loop.Router().AuditLog(0)
	if len(log) != 1 {
		t.Fatalf("audit log = %d entries", len(log))
	}
	d := log[0]
	if d.Path != router.PathLoop || d.Iterations != res.Iterations || d.ToolsUsed != 1 || d.Success == nil || !*d.Success {
		t.Errorf("decision = %+v", d)
	}
}

func TestRun_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	tests := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"no agent", &Request{SessionID: "s", Message: "hi"}},
		{"no session", &Request{AgentID: "a", Message: "hi"}},
		{"blank message", &Request{AgentID: "a", SessionID: "s", Message: "  "}},
	}
	for _, tt := range tests {
		if _, err := env.loop.Run(context.Background(), tt.req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestRun_BadWorkingDirectory(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req := env.request("list files", ModeWorkspace)
	req.WorkingDirHint = filepath.Join(env.dir, "missing")
	if _, err := env.loop.Run(context.Background(), req); !errors.Is(err, ErrWorkspace) {
		t.Fatalf("err = %v, want ErrWorkspace", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("empty config should fail")
	}
	env := newTestEnv(t, nil, nil)
	if env.loop.MaxIterations(ModeChat) != DefaultChatMaxIterations ||
		env.loop.MaxIterations(ModeWorkspace) != DefaultWorkspaceMaxIterations {
		t.Error("iteration defaults not applied")
	}
}

func TestInterleave(t *testing.T) {
	rec := func(s string) *memory.Record { return &memory.Record{Content: s} }
	lessons := []*memory.Record{rec("l1"), rec("l2"), rec("l3")}
	feedback := []*memory.Record{rec("f1")}

	got := interleave(3, lessons, nil, feedback)
	var names []string
	for _, r := range got {
		names = append(names, r.Content)
	}
	if strings.Join(names, ",") != "l1,f1,l2" {
		t.Errorf("interleave = %v", names)
	}
	if len(interleave(10, lessons, feedback)) != 4 {
		t.Error("interleave should stop when lists run out")
	}
}

func TestArgDocs(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":  map[string]any{"type": "string", "description": "file path"},
			"limit": map[string]any{"type": "integer"},
		},
	}
	got := argDocs(schema)
	if got["path"] != "file path" || got["limit"] != "integer" {
		t.Errorf("argDocs = %v", got)
	}
	if argDocs(nil) != nil {
		t.Error("nil schema should give nil docs")
	}
}
