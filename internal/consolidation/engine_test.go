package consolidation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-core/internal/events"
	"github.com/nugget/thane-core/internal/memory"
)

const agentID = "agent-1"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	short  *memory.InProcessShortTerm
	long   *memory.SQLiteLongTerm
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	long, err := memory.OpenLongTerm(memory.DriverPureGo, filepath.Join(t.TempDir(), "ltm.db"))
	if err != nil {
		t.Fatalf("OpenLongTerm: %v", err)
	}
	t.Cleanup(func() { long.Close() })

	// A generous TTL keeps old fixtures visible to real-clock reads.
	short := memory.NewInProcessShortTerm(50, 10*365*24*time.Hour)
	e := NewEngine(short, long, quietLogger(), opts...)
	e.now = func() time.Time { return testNow }
	return &fixture{short: short, long: long, engine: e}
}

// add stores a short-term record created age ago and returns it.
func (f *fixture) add(t *testing.T, cat memory.Category, importance float64, age time.Duration, content string, tags ...string) *memory.Record {
	t.Helper()
	rec := &memory.Record{
		ID:         memory.NewID(),
		AgentID:    agentID,
		SessionID:  "s1",
		Tier:       memory.ShortTerm,
		Category:   cat,
		Content:    content,
		Importance: importance,
		Metadata:   memory.Metadata{Tags: tags},
		CreatedAt:  testNow.Add(-age),
		UpdatedAt:  testNow.Add(-age),
	}
	rec.Normalize()
	if err := f.short.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return rec
}

func (f *fixture) longTerm(t *testing.T) []*memory.Record {
	t.Helper()
	recs, err := f.long.List(context.Background(), memory.Filter{AgentID: agentID})
	if err != nil {
		t.Fatalf("List long-term: %v", err)
	}
	return recs
}

func (f *fixture) unprocessed(t *testing.T) map[string]bool {
	t.Helper()
	recs, err := f.short.List(context.Background(), memory.Filter{AgentID: agentID})
	if err != nil {
		t.Fatalf("List short-term: %v", err)
	}
	ids := make(map[string]bool, len(recs))
	for _, r := range recs {
		ids[r.ID] = true
	}
	return ids
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, err := ParseStrategy(" " + strings.ToUpper(string(s)) + " ")
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseStrategy("compress"); err == nil {
		t.Error("unknown strategy should fail")
	}
}

func TestConsolidate_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	tests := []Request{
		{Strategy: StrategySummarize},
		{AgentID: agentID, Strategy: "compress"},
		{AgentID: agentID, Strategy: StrategyPromote, MinImportance: 1.5},
		{AgentID: agentID, Strategy: StrategyArchive, MaxAgeHours: -1},
	}
	for _, req := range tests {
		res, err := f.engine.Consolidate(context.Background(), req)
		if err == nil {
			t.Errorf("Consolidate(%+v) should fail", req)
		}
		if res == nil || *res != (Result{}) {
			t.Errorf("Consolidate(%+v) result = %+v, want zero", req, res)
		}
	}
}

func TestConsolidate_Summarize(t *testing.T) {
	f := newFixture(t)
	l1 := f.add(t, memory.CategoryLesson, 0.6, 3*time.Hour, "Run go vet before committing", "go")
	l2 := f.add(t, memory.CategoryLesson, 0.9, 2*time.Hour, "Table tests keep cases readable", "testing")
	c1 := f.add(t, memory.CategoryChallenge, 0.7, time.Hour, "Flaky network in CI", "ci")
	low := f.add(t, memory.CategoryLesson, 0.1, time.Hour, "Trivial note")

	res, err := f.engine.Consolidate(context.Background(), Request{
		AgentID: agentID, MinImportance: 0.5, Strategy: StrategySummarize,
	})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	want := Result{STMProcessed: 3, LTMCreated: 2}
	if *res != want {
		t.Errorf("result = %+v, want %+v", *res, want)
	}

	ltm := f.longTerm(t)
	if len(ltm) != 2 {
		t.Fatalf("long-term records = %d, want 2", len(ltm))
	}
	byCat := map[memory.Category]*memory.Record{}
	for _, r := range ltm {
		byCat[r.Category] = r
	}
	lesson := byCat[memory.CategoryLesson]
	if lesson == nil {
		t.Fatal("no lesson summary")
	}
	if got := strings.Join(lesson.Metadata.ConsolidatedFrom, ","); got != l1.ID+","+l2.ID {
		t.Errorf("lesson sources = %s, want oldest first", got)
	}
	if lesson.Importance != 0.9 {
		t.Errorf("lesson importance = %v, want group max 0.9", lesson.Importance)
	}
	if !lesson.HasTag("go") || !lesson.HasTag("testing") {
		t.Errorf("lesson tags = %v, want union", lesson.Metadata.Tags)
	}
	if !strings.Contains(lesson.Content, "Table tests") {
		t.Errorf("lesson content = %q", lesson.Content)
	}
	if ch := byCat[memory.CategoryChallenge]; ch == nil || ch.Metadata.ConsolidatedFrom[0] != c1.ID {
		t.Errorf("challenge summary missing or wrong source: %+v", ch)
	}

	left := f.unprocessed(t)
	if len(left) != 1 || !left[low.ID] {
		t.Errorf("unprocessed = %v, want only the low-importance record", left)
	}
}

func TestConsolidate_Idempotent(t *testing.T) {
	for _, strategy := range []Strategy{StrategySummarize, StrategyPromote, StrategyMerge} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t)
			f.add(t, memory.CategoryLesson, 0.9, time.Hour, "Prefer small commits", "git")
			f.add(t, memory.CategoryFeedback, 0.85, time.Hour, "User likes terse answers", "style")

			req := Request{AgentID: agentID, Strategy: strategy}
			first, err := f.engine.Consolidate(context.Background(), req)
			if err != nil {
				t.Fatalf("first run: %v", err)
			}
			if first.LTMCreated == 0 {
				t.Fatal("first run created nothing")
			}
			before := len(f.longTerm(t))

			second, err := f.engine.Consolidate(context.Background(), req)
			if err != nil {
				t.Fatalf("second run: %v", err)
			}
			if *second != (Result{}) {
				t.Errorf("second run = %+v, want zero", *second)
			}
			if after := len(f.longTerm(t)); after != before {
				t.Errorf("long-term records %d -> %d after re-run", before, after)
			}
		})
	}
}

func TestConsolidate_SourcesExist(t *testing.T) {
	f := newFixture(t)
	ids := map[string]bool{}
	for _, r := range []*memory.Record{
		f.add(t, memory.CategoryLesson, 0.6, time.Hour, "one", "a"),
		f.add(t, memory.CategoryLesson, 0.6, time.Hour, "two", "a"),
		f.add(t, memory.CategoryError, 0.6, time.Hour, "three", "b"),
	} {
		ids[r.ID] = true
	}

	for _, strategy := range []Strategy{StrategySummarize, StrategyMerge} {
		if _, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: strategy}); err != nil {
			t.Fatalf("%s: %v", strategy, err)
		}
	}
	for _, r := range f.longTerm(t) {
		if len(r.Metadata.ConsolidatedFrom) == 0 {
			t.Errorf("record %s has no sources", r.ID)
		}
		for _, src := range r.Metadata.ConsolidatedFrom {
			if !ids[src] {
				t.Errorf("record %s references unknown source %s", r.ID, src)
			}
		}
	}
}

func TestConsolidate_RepairsUnmarkedSources(t *testing.T) {
	for _, strategy := range []Strategy{StrategySummarize, StrategyPromote} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t)
			rec := f.add(t, memory.CategoryLesson, 0.9, time.Hour, "Already folded", "x")

			// Simulate a run that inserted but stopped before marking.
			ltm := newLongTerm(agentID, rec.Category, rec.Content, testNow, StrategyPromote)
			absorb(ltm, rec)
			if err := f.long.Insert(context.Background(), ltm); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			res, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: strategy})
			if err != nil {
				t.Fatalf("Consolidate: %v", err)
			}
			if res.LTMCreated != 0 {
				t.Errorf("LTMCreated = %d, want 0", res.LTMCreated)
			}
			if res.STMProcessed != 1 {
				t.Errorf("STMProcessed = %d, want 1", res.STMProcessed)
			}
			if n := len(f.longTerm(t)); n != 1 {
				t.Errorf("long-term records = %d, want 1", n)
			}
			if len(f.unprocessed(t)) != 0 {
				t.Error("already consolidated record should be marked processed")
			}
		})
	}
}

func TestConsolidate_Promote(t *testing.T) {
	f := newFixture(t)
	hi := f.add(t, memory.CategoryDecision, 0.8, time.Hour, "Use SQLite for long-term memory", "storage")
	mid := f.add(t, memory.CategoryDecision, 0.79, time.Hour, "Maybe add caching")

	res, err := f.engine.Consolidate(context.Background(), Request{
		AgentID: agentID, MinImportance: 0.5, Strategy: StrategyPromote,
	})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if *res != (Result{STMProcessed: 1, LTMCreated: 1}) {
		t.Errorf("result = %+v", *res)
	}

	ltm := f.longTerm(t)
	if len(ltm) != 1 {
		t.Fatalf("long-term = %d, want 1", len(ltm))
	}
	got := ltm[0]
	if got.Content != hi.Content || got.Importance != hi.Importance {
		t.Errorf("promoted = %q/%v, want verbatim copy", got.Content, got.Importance)
	}
	if len(got.Metadata.ConsolidatedFrom) != 1 || got.Metadata.ConsolidatedFrom[0] != hi.ID {
		t.Errorf("sources = %v", got.Metadata.ConsolidatedFrom)
	}
	if !f.unprocessed(t)[mid.ID] {
		t.Error("below-threshold record should stay unprocessed")
	}
}

func TestConsolidate_PromoteRespectsHigherMinimum(t *testing.T) {
	f := newFixture(t)
	f.add(t, memory.CategoryLesson, 0.85, time.Hour, "good")
	f.add(t, memory.CategoryLesson, 0.95, time.Hour, "great")

	res, err := f.engine.Consolidate(context.Background(), Request{
		AgentID: agentID, MinImportance: 0.9, Strategy: StrategyPromote,
	})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.LTMCreated != 1 {
		t.Errorf("LTMCreated = %d, want 1", res.LTMCreated)
	}
}

func TestConsolidate_Merge(t *testing.T) {
	f := newFixture(t)
	existing := &memory.Record{
		ID:         memory.NewID(),
		AgentID:    agentID,
		Tier:       memory.LongTerm,
		Category:   memory.CategoryLesson,
		Content:    "Go modules need tidy after dependency changes.",
		Importance: 0.6,
		Metadata:   memory.Metadata{Tags: []string{"go", "modules"}},
		CreatedAt:  testNow.Add(-48 * time.Hour),
		UpdatedAt:  testNow.Add(-48 * time.Hour),
	}
	existing.Normalize()
	if err := f.long.Insert(context.Background(), existing); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	match := f.add(t, memory.CategoryLesson, 0.7, time.Hour, "Vendor directory must be refreshed too.", "go", "vendor")
	other := f.add(t, memory.CategoryLesson, 0.6, time.Hour, "Use prettier for the UI code.", "frontend")
	wrongCat := f.add(t, memory.CategoryError, 0.6, time.Hour, "go build failed on CI.", "go")

	res, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: StrategyMerge})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	want := Result{STMProcessed: 3, LTMCreated: 2, LTMUpdated: 1}
	if *res != want {
		t.Errorf("result = %+v, want %+v", *res, want)
	}

	ltm := f.longTerm(t)
	if len(ltm) != 3 {
		t.Fatalf("long-term = %d, want 3", len(ltm))
	}
	for _, r := range ltm {
		switch r.ID {
		case existing.ID:
			if !strings.Contains(r.Content, "tidy") || !strings.Contains(r.Content, "Vendor directory") {
				t.Errorf("merged content = %q", r.Content)
			}
			if len(r.Metadata.ConsolidatedFrom) != 1 || r.Metadata.ConsolidatedFrom[0] != match.ID {
				t.Errorf("merged sources = %v", r.Metadata.ConsolidatedFrom)
			}
			if r.Importance != 0.7 || !r.HasTag("vendor") {
				t.Errorf("merged importance/tags = %v/%v", r.Importance, r.Metadata.Tags)
			}
		default:
			src := r.Metadata.ConsolidatedFrom
			if len(src) != 1 || (src[0] != other.ID && src[0] != wrongCat.ID) {
				t.Errorf("new record sources = %v", src)
			}
		}
	}
}

func TestConsolidate_MergeFoldsIntoNewRecords(t *testing.T) {
	f := newFixture(t)
	f.add(t, memory.CategoryPreference, 0.6, 2*time.Hour, "Likes tabs", "style")
	f.add(t, memory.CategoryPreference, 0.6, time.Hour, "Likes short names", "style")

	res, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: StrategyMerge})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if *res != (Result{STMProcessed: 2, LTMCreated: 1}) {
		t.Errorf("result = %+v", *res)
	}
	ltm := f.longTerm(t)
	if len(ltm) != 1 || len(ltm[0].Metadata.ConsolidatedFrom) != 2 {
		t.Fatalf("want one record with two sources, got %+v", ltm)
	}
}

func TestConsolidate_Archive(t *testing.T) {
	f := newFixture(t)
	stale := f.add(t, memory.CategoryContext, 0.2, 72*time.Hour, "old low-value note")
	fresh := f.add(t, memory.CategoryContext, 0.2, time.Hour, "new low-value note")
	important := f.add(t, memory.CategoryContext, 0.9, 72*time.Hour, "old important note")

	res, err := f.engine.Consolidate(context.Background(), Request{
		AgentID: agentID, MinImportance: 0.5, MaxAgeHours: 48, Strategy: StrategyArchive,
	})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if *res != (Result{STMProcessed: 1, STMArchived: 1}) {
		t.Errorf("result = %+v", *res)
	}
	if n := len(f.longTerm(t)); n != 0 {
		t.Errorf("archive created %d long-term records", n)
	}
	left := f.unprocessed(t)
	if left[stale.ID] || !left[fresh.ID] || !left[important.ID] {
		t.Errorf("unprocessed = %v", left)
	}
}

func TestConsolidate_MaxAgeWindow(t *testing.T) {
	f := newFixture(t)
	f.add(t, memory.CategoryLesson, 0.9, 100*time.Hour, "ancient")
	f.add(t, memory.CategoryLesson, 0.9, time.Hour, "recent")

	res, err := f.engine.Consolidate(context.Background(), Request{
		AgentID: agentID, MaxAgeHours: 24, Strategy: StrategyPromote,
	})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.STMProcessed != 1 {
		t.Errorf("STMProcessed = %d, want 1", res.STMProcessed)
	}
}

// blockingSummarizer parks inside Summarize until released.
type blockingSummarizer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSummarizer) Summarize(ctx context.Context, cat memory.Category, recs []*memory.Record) (string, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return ExtractiveSummarizer{}.Summarize(ctx, cat, recs)
}

func TestConsolidate_ConcurrentRunsConflict(t *testing.T) {
	bs := &blockingSummarizer{entered: make(chan struct{}), release: make(chan struct{})}
	bus := events.New()
	ch := bus.Subscribe(16)
	f := newFixture(t, WithSummarizer(bs), WithEventBus(bus))
	for i := range 4 {
		f.add(t, memory.CategoryLesson, 0.6, time.Duration(i+1)*time.Minute, "lesson body", "t")
	}

	req := Request{AgentID: agentID, Strategy: StrategySummarize}
	type outcome struct {
		res *Result
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		res, err := f.engine.Consolidate(context.Background(), req)
		first <- outcome{res, err}
	}()
	<-bs.entered

	res, err := f.engine.Consolidate(context.Background(), req)
	if !errors.Is(err, ErrConsolidationConflict) {
		t.Fatalf("second run error = %v, want conflict", err)
	}
	if res.STMProcessed != 0 || *res != (Result{}) {
		t.Errorf("second run result = %+v, want zero", *res)
	}

	close(bs.release)
	out := <-first
	if out.err != nil {
		t.Fatalf("first run: %v", out.err)
	}
	if out.res.STMProcessed != 4 {
		t.Errorf("first run STMProcessed = %d, want 4", out.res.STMProcessed)
	}
	if n := len(f.longTerm(t)); n != 1 {
		t.Errorf("long-term = %d, want 1", n)
	}

	kinds := map[string]int{}
	for len(ch) > 0 {
		kinds[(<-ch).Kind]++
	}
	if kinds[events.KindConsolidationConflict] != 1 || kinds[events.KindConsolidationComplete] != 1 {
		t.Errorf("events = %v", kinds)
	}
}

func TestConsolidate_OtherAgentsRunConcurrently(t *testing.T) {
	locker := NewLocalLocker()
	release, err := locker.TryLock(context.Background(), "agent-2")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer release()

	f := newFixture(t, WithLocker(locker))
	f.add(t, memory.CategoryLesson, 0.9, time.Hour, "independent")
	if _, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: StrategyPromote}); err != nil {
		t.Errorf("lock on another agent blocked this one: %v", err)
	}
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, memory.Category, []*memory.Record) (string, error) {
	return "", errors.New("model offline")
}

func TestConsolidate_SummarizerFallback(t *testing.T) {
	f := newFixture(t, WithSummarizer(failingSummarizer{}))
	f.add(t, memory.CategoryError, 0.7, time.Hour, "permission denied writing /etc/hosts")

	res, err := f.engine.Consolidate(context.Background(), Request{AgentID: agentID, Strategy: StrategySummarize})
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if res.LTMCreated != 1 {
		t.Fatalf("LTMCreated = %d", res.LTMCreated)
	}
	if got := f.longTerm(t)[0].Content; !strings.Contains(got, "permission denied") {
		t.Errorf("fallback content = %q", got)
	}
}
