package consolidation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nugget/thane-core/internal/llm"
	"github.com/nugget/thane-core/internal/memory"
)

func TestWorkerConfig_Defaults(t *testing.T) {
	var cfg WorkerConfig
	cfg.applyDefaults()
	if cfg.Interval != time.Hour || cfg.Timeout != 5*time.Minute || cfg.Strategy != StrategySummarize {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestWorker_Pass(t *testing.T) {
	f := newFixture(t)
	f.add(t, memory.CategoryLesson, 0.9, time.Hour, "Keep functions small", "style")
	f.add(t, memory.CategoryLesson, 0.3, time.Hour, "Low value detail")

	policy, err := memory.NewRetentionPolicy(`importance < 0.95 && "style" in tags`)
	if err != nil {
		t.Fatalf("NewRetentionPolicy: %v", err)
	}

	w := NewWorker(f.engine, quietLogger(), WorkerConfig{
		Agents:        []string{agentID},
		Strategy:      StrategyPromote,
		MinImportance: 0.5,
		Retention:     policy,
	})
	report := w.Pass(context.Background())

	res := report.Results[agentID]
	if res == nil || res.LTMCreated != 1 {
		t.Fatalf("result = %+v, want one promoted record", res)
	}
	if report.Retained[agentID] != 1 {
		t.Errorf("retained = %d, want 1", report.Retained[agentID])
	}
	if n := len(f.longTerm(t)); n != 0 {
		t.Errorf("long-term after retention = %d, want 0", n)
	}
}

func TestWorker_PassEvictsExpired(t *testing.T) {
	f := newFixture(t)
	short := memory.NewInProcessShortTerm(10, time.Hour)
	f.engine.short = short
	old := &memory.Record{
		ID: memory.NewID(), AgentID: agentID, SessionID: "s", Tier: memory.ShortTerm,
		Category: memory.CategoryContext, Content: "stale", CreatedAt: testNow.Add(-2 * time.Hour),
	}
	if err := short.Append(context.Background(), old); err != nil {
		t.Fatalf("Append: %v", err)
	}

	w := NewWorker(f.engine, quietLogger(), WorkerConfig{})
	if got := w.Pass(context.Background()).Evicted; got != 1 {
		t.Errorf("Evicted = %d, want 1", got)
	}
}

func TestWorker_StartStop(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.engine, quietLogger(), WorkerConfig{Interval: time.Hour, Agents: []string{agentID}})
	w.Start(context.Background())

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestExtractiveSummarizer(t *testing.T) {
	var recs []*memory.Record
	for i, imp := range []float64{0.2, 0.9, 0.5} {
		recs = append(recs, &memory.Record{
			Content:    []string{"first", "second", "third"}[i],
			Importance: imp,
			CreatedAt:  testNow.Add(time.Duration(i) * time.Hour),
		})
	}

	got, err := ExtractiveSummarizer{MaxLines: 2}.Summarize(context.Background(), memory.CategoryLesson, recs)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.HasPrefix(got, "3 lesson observations") {
		t.Errorf("header = %q", got)
	}
	if strings.Index(got, "second") > strings.Index(got, "third") {
		t.Errorf("records not ranked by importance: %q", got)
	}
	if strings.Contains(got, "first") || !strings.Contains(got, "and 1 more") {
		t.Errorf("line cap not applied: %q", got)
	}
}

type stubLLM struct {
	prompt string
	reply  string
}

func (s *stubLLM) Chat(_ context.Context, _ string, msgs []llm.Message, _ []llm.ToolSpec) (*llm.ChatResponse, error) {
	s.prompt = msgs[len(msgs)-1].Content
	return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: s.reply}}, nil
}

func (s *stubLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []llm.ToolSpec, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return s.Chat(ctx, model, msgs, tools)
}

func (s *stubLLM) Ping(context.Context) error { return nil }

func TestLLMSummarizer(t *testing.T) {
	stub := &stubLLM{reply: "  Always run the linter.  "}
	s := NewLLMSummarizer(ChatFunc(stub, "test-model", time.Second))

	got, err := s.Summarize(context.Background(), memory.CategoryLesson, []*memory.Record{
		{Content: "lint caught a bug"},
	})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "Always run the linter." {
		t.Errorf("summary = %q", got)
	}
	if !strings.Contains(stub.prompt, "lint caught a bug") {
		t.Errorf("prompt missing observation: %q", stub.prompt)
	}
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	release, err := l.TryLock(context.Background(), "a")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock(context.Background(), "a"); err != ErrConsolidationConflict {
		t.Errorf("second TryLock = %v, want conflict", err)
	}
	release()
	release() // idempotent

	again, err := l.TryLock(context.Background(), "a")
	if err != nil {
		t.Fatalf("TryLock after release: %v", err)
	}
	again()
}

func TestNewEtcdLocker_NoEndpoints(t *testing.T) {
	if _, err := NewEtcdLocker(nil, quietLogger()); err == nil {
		t.Error("expected error without endpoints")
	}
}
