package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/thane-core/internal/app"
	"github.com/nugget/thane-core/internal/config"
	"github.com/nugget/thane-core/internal/memory"
)

// seedConfig writes a config whose long-term tier lives in a temp dir
// and seeds it with three records for agent a1.
func seedConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := fmt.Sprintf("data_dir: %s\nlog_level: error\nmemory:\n  driver: sqlite\n", dir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	store, err := app.OpenMemory(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	seed := []*memory.Record{
		{Category: memory.CategoryLesson, Content: "run go vet before committing", Importance: 0.9,
			Metadata: memory.Metadata{Tags: []string{"go"}}},
		{Category: memory.CategoryFeedback, Content: "user prefers short answers", Importance: 0.6},
		{Category: memory.CategoryChallenge, Content: "flaky integration test in ci", Importance: 0.1,
			CreatedAt: old, UpdatedAt: old, LastAccessedAt: old},
	}
	for _, r := range seed {
		r.AgentID = "a1"
		r.Tier = memory.LongTerm
		if err := store.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestQuery(t *testing.T) {
	cfgPath := seedConfig(t)

	out, err := execute(t, "-c", cfgPath, "-a", "a1", "-f", "json", "query", "--tier", "long")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var recs []*memory.Record
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if len(recs) != 3 {
		t.Fatalf("query returned %d records, want 3", len(recs))
	}

	out, err = execute(t, "-c", cfgPath, "-a", "a1", "query", "--category", "lesson", "--tags", "go")
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	if !strings.Contains(out, "run go vet before committing") || strings.Contains(out, "short answers") {
		t.Errorf("filtered query output = %q", out)
	}

	out, err = execute(t, "-c", cfgPath, "-a", "nobody", "query")
	if err != nil || !strings.Contains(out, "no records") {
		t.Errorf("empty agent = %q, %v", out, err)
	}
}

func TestQuery_BadFlags(t *testing.T) {
	cfgPath := seedConfig(t)
	tests := [][]string{
		{"-c", cfgPath, "query", "--tier", "medium"},
		{"-c", cfgPath, "query", "--category", "gossip"},
		{"-c", cfgPath, "-f", "yaml", "query"},
	}
	for _, args := range tests {
		if _, err := execute(t, args...); err == nil {
			t.Errorf("execute(%v) should fail", args)
		}
	}
}

func TestContext(t *testing.T) {
	cfgPath := seedConfig(t)

	out, err := execute(t, "-c", cfgPath, "-a", "a1", "context", "how", "should", "I", "commit", "go", "code")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	for _, want := range []string{"Lessons:", "run go vet", "Feedback:"} {
		if !strings.Contains(out, want) {
			t.Errorf("context output missing %q:\n%s", want, out)
		}
	}

	if _, err := execute(t, "-c", cfgPath, "context"); err == nil {
		t.Error("context without a message should fail")
	}
}

func TestStats(t *testing.T) {
	cfgPath := seedConfig(t)

	out, err := execute(t, "-c", cfgPath, "-a", "a1", "-f", "json", "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var st memory.Stats
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if st.AgentID != "a1" || st.LongTerm[memory.CategoryLesson] != 1 || st.LongTerm[memory.CategoryChallenge] != 1 {
		t.Errorf("stats = %+v", st)
	}

	out, err = execute(t, "-c", cfgPath, "-a", "a1", "stats")
	if err != nil || !strings.Contains(out, "total") {
		t.Errorf("text stats = %q, %v", out, err)
	}
}

func TestRetention(t *testing.T) {
	cfgPath := seedConfig(t)
	policy := "importance < 0.3 && age_hours > 720.0"

	out, err := execute(t, "-c", cfgPath, "-a", "a1", "retention", policy)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "would delete 1 ") {
		t.Errorf("dry run output = %q", out)
	}

	out, err = execute(t, "-c", cfgPath, "-a", "a1", "-f", "json", "retention", "--apply", policy)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var res struct {
		Matched int  `json:"matched"`
		Deleted bool `json:"deleted"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if res.Matched != 1 || !res.Deleted {
		t.Errorf("apply result = %+v", res)
	}

	out, _ = execute(t, "-c", cfgPath, "-a", "a1", "retention", policy)
	if !strings.Contains(out, "would delete 0 ") {
		t.Errorf("after apply = %q", out)
	}

	if _, err := execute(t, "-c", cfgPath, "-a", "a1", "retention"); err == nil {
		t.Error("retention without any policy should fail")
	}
	if _, err := execute(t, "-c", cfgPath, "-a", "a1", "retention", "importance +"); err == nil {
		t.Error("invalid expression should fail")
	}
}

func TestConsolidate(t *testing.T) {
	cfgPath := seedConfig(t)

	// The in-process short-term tier starts empty in a new process, so
	// there is nothing to fold.
	out, err := execute(t, "-c", cfgPath, "-a", "a1", "-f", "json", "consolidate", "--extractive", "--strategy", "promote")
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	var res map[string]int
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode: %v (%s)", err, out)
	}
	if res["stm_processed"] != 0 || res["ltm_created"] != 0 {
		t.Errorf("result = %v", res)
	}

	if _, err := execute(t, "-c", cfgPath, "consolidate", "--strategy", "squash"); err == nil {
		t.Error("unknown strategy should fail")
	}
}
