package memory

import (
	"testing"
	"time"
)

func TestNewRetentionPolicy_Errors(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"syntax", "importance <"},
		{"unknown variable", "weight > 2.0"},
		{"non-boolean", "importance * 2.0"},
	}
	for _, tt := range tests {
		if _, err := NewRetentionPolicy(tt.expr); err == nil {
			t.Errorf("%s: NewRetentionPolicy(%q) should fail", tt.name, tt.expr)
		}
	}
}

func TestRetentionPolicy_Matches(t *testing.T) {
	now := time.Now()
	rec := &Record{
		ID:          "r1",
		Importance:  0.2,
		AccessCount: 0,
		Category:    CategoryContext,
		Metadata:    Metadata{Tags: []string{"scratch"}},
		CreatedAt:   now.Add(-48 * time.Hour),
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"importance < 0.3 && access_count == 0", true},
		{"age_hours > 72.0", false},
		{"idle_hours >= 48.0", true},
		{`category == "context" && "scratch" in tags`, true},
		{`"pinned" in tags`, false},
	}
	for _, tt := range tests {
		p, err := NewRetentionPolicy(tt.expr)
		if err != nil {
			t.Fatalf("NewRetentionPolicy(%q) error: %v", tt.expr, err)
		}
		got, err := p.Matches(rec, now)
		if err != nil {
			t.Fatalf("Matches(%q) error: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Errorf("Matches(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestRetentionPolicy_EmptyMatchesNothing(t *testing.T) {
	p, err := NewRetentionPolicy("  ")
	if err != nil {
		t.Fatalf("NewRetentionPolicy error: %v", err)
	}
	if !p.Empty() {
		t.Error("blank policy should be empty")
	}
	ok, _ := p.Matches(&Record{}, time.Now())
	if ok {
		t.Error("empty policy matched")
	}
}

func TestRetentionPolicy_Apply(t *testing.T) {
	long := testLongTerm(t, DriverPureGo)
	ctx := t.Context()
	_ = long.Insert(ctx, ltmRecord("keep", CategoryLesson, 0.9, "valuable"))
	_ = long.Insert(ctx, ltmRecord("drop1", CategoryContext, 0.1, "noise"))
	_ = long.Insert(ctx, ltmRecord("drop2", CategoryContext, 0.2, "more noise"))

	p, err := NewRetentionPolicy("importance < 0.5")
	if err != nil {
		t.Fatal(err)
	}

	n, err := p.Apply(ctx, long, "agent-1", time.Now(), true)
	if err != nil || n != 2 {
		t.Fatalf("dry run = %d, %v; want 2", n, err)
	}
	if left, _ := long.List(ctx, Filter{AgentID: "agent-1"}); len(left) != 3 {
		t.Fatalf("dry run deleted records: %d left", len(left))
	}

	n, err = p.Apply(ctx, long, "agent-1", time.Now(), false)
	if err != nil || n != 2 {
		t.Fatalf("Apply = %d, %v; want 2", n, err)
	}
	left, _ := long.List(ctx, Filter{AgentID: "agent-1"})
	if len(left) != 1 || left[0].ID != "keep" {
		t.Errorf("remaining = %v, want only keep", left)
	}
}
