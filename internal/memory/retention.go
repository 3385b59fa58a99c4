package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// RetentionPolicy selects long-term records for deletion with a CEL
// expression. The expression sees these variables:
//
//	importance    double  record importance, 0..1
//	access_count  int     times the record was returned by a query
//	age_hours     double  hours since creation
//	idle_hours    double  hours since last access (age when never accessed)
//	category      string  record category
//	tags          list(string)
//
// Example: `importance < 0.3 && access_count == 0 && age_hours > 720`.
// An empty expression matches nothing.
type RetentionPolicy struct {
	expr string
	prg  cel.Program
}

// NewRetentionPolicy compiles expr. The expression must evaluate to a
// bool.
func NewRetentionPolicy(expr string) (*RetentionPolicy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &RetentionPolicy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("importance", cel.DoubleType),
		cel.Variable("access_count", cel.IntType),
		cel.Variable("age_hours", cel.DoubleType),
		cel.Variable("idle_hours", cel.DoubleType),
		cel.Variable("category", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("retention env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("compile retention policy: %w", iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("retention policy must be boolean, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build retention program: %w", err)
	}
	return &RetentionPolicy{expr: expr, prg: prg}, nil
}

// Empty reports whether the policy never matches.
func (p *RetentionPolicy) Empty() bool {
	return p == nil || p.prg == nil
}

// String returns the source expression.
func (p *RetentionPolicy) String() string {
	if p == nil {
		return ""
	}
	return p.expr
}

// Matches evaluates the policy for one record.
func (p *RetentionPolicy) Matches(r *Record, now time.Time) (bool, error) {
	if p.Empty() {
		return false, nil
	}

	lastUse := r.LastAccessedAt
	if lastUse.IsZero() {
		lastUse = r.CreatedAt
	}
	tags := r.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}

	out, _, err := p.prg.Eval(map[string]any{
		"importance":   r.Importance,
		"access_count": int64(r.AccessCount),
		"age_hours":    now.Sub(r.CreatedAt).Hours(),
		"idle_hours":   now.Sub(lastUse).Hours(),
		"category":     string(r.Category),
		"tags":         tags,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate retention policy on %s: %w", r.ID, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("retention policy returned %T", out.Value())
	}
	return matched, nil
}

// Apply deletes every long-term record of agentID the policy matches
// and returns the number deleted. With dryRun the matches are only
// counted.
func (p *RetentionPolicy) Apply(ctx context.Context, long LongTermStore, agentID string, now time.Time, dryRun bool) (int, error) {
	if p.Empty() {
		return 0, nil
	}
	recs, err := long.List(ctx, Filter{AgentID: agentID})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRead, err)
	}

	var doomed []string
	for _, r := range recs {
		ok, err := p.Matches(r, now)
		if err != nil {
			return 0, err
		}
		if ok {
			doomed = append(doomed, r.ID)
		}
	}
	if dryRun || len(doomed) == 0 {
		return len(doomed), nil
	}
	n, err := long.Delete(ctx, agentID, doomed)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return n, nil
}
