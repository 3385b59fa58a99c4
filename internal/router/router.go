// Package router decides whether a message needs the tool-using
// reasoning loop or can be answered by streaming straight from the
// model.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
)

// Path is the execution path chosen for a message.
type Path int

const (
	PathDirect Path = iota // stream a single model response
	PathLoop               // run the reasoning loop with tools
)

func (p Path) String() string {
	switch p {
	case PathDirect:
		return "direct"
	case PathLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// Request contains the information needed for a routing decision.
type Request struct {
	Query     string
	Workspace bool // workspace-mode invocations always loop
	AgentID   string
	SessionID string
}

// Complexity categorizes query difficulty.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityModerate
	ComplexityComplex
)

func (c Complexity) String() string {
	switch c {
	case ComplexitySimple:
		return "simple"
	case ComplexityModerate:
		return "moderate"
	case ComplexityComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Decision records why a path was chosen.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	QueryLength    int        `json:"query_length"`
	Workspace      bool       `json:"workspace"`
	DetectedIntent string     `json:"detected_intent"`
	Complexity     Complexity `json:"complexity"`

	RulesEvaluated []string `json:"rules_evaluated"`
	RulesMatched   []string `json:"rules_matched"`

	Path      Path   `json:"path"`
	Reasoning string `json:"reasoning"`

	// Filled in by RecordOutcome.
	LatencyMs  int64 `json:"latency_ms,omitempty"`
	Iterations int   `json:"iterations,omitempty"`
	ToolsUsed  int   `json:"tools_used,omitempty"`
	Success    *bool `json:"success,omitempty"`
}

// Config holds router configuration.
type Config struct {
	// ExtraKeywords are added to the built-in loop keywords.
	ExtraKeywords []string
	// MaxAuditLog bounds the decision ring. Default 1000.
	MaxAuditLog int
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests    int64            `json:"total_requests"`
	PathCounts       map[string]int64 `json:"path_counts"`
	IntentCounts     map[string]int64 `json:"intent_counts"`
	ComplexityCounts map[string]int64 `json:"complexity_counts"`
	AvgLatencyMs     map[string]int64 `json:"avg_latency_ms"`
	Failures         int64            `json:"failures"`
}

// loopKeywords name files, commands, and workspace state. Matching is
// per word and tolerates simple inflections ("files", "running",
// "edited").
var loopKeywords = []string{
	"file", "list", "directory", "dir", "read", "write", "edit", "create",
	"delete", "rename", "move", "run", "execute", "command", "shell",
	"script", "git", "commit", "diff", "branch", "status", "build",
	"compile", "test", "install", "project", "workspace", "folder", "repo",
	"repository", "code", "function", "fix", "refactor", "lint", "grep",
}

var intentKeywords = []struct {
	intent string
	words  []string
}{
	{"vcs", []string{"git", "commit", "diff", "branch", "repo", "repository"}},
	{"command", []string{"run", "execute", "command", "shell", "script", "build", "compile", "test", "install", "lint"}},
	{"file_ops", []string{"file", "read", "write", "edit", "create", "delete", "rename", "move", "code", "function", "fix", "refactor"}},
	{"workspace_state", []string{"list", "directory", "dir", "folder", "project", "workspace", "status", "grep"}},
}

var pathLike = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])(?:\.{0,2}/)?[\w.-]+(?:/[\w.-]+)*\.(?:go|mod|sum|py|js|ts|tsx|jsx|md|json|ya?ml|toml|txt|sh|rs|java|rb|c|h|cpp|html|css|sql|env|lock)\b`)

// Router chooses a path per message and keeps an audit trail.
type Router struct {
	logger   *slog.Logger
	config   Config
	keywords []string

	mu       sync.RWMutex
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	keywords := slices.Clone(loopKeywords)
	for _, kw := range config.ExtraKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && !slices.Contains(keywords, kw) {
			keywords = append(keywords, kw)
		}
	}
	return &Router{
		logger:   logger.With("component", "router"),
		config:   config,
		keywords: keywords,
		auditLog: make([]Decision, 0, min(config.MaxAuditLog, 64)),
		stats: Stats{
			PathCounts:       make(map[string]int64),
			IntentCounts:     make(map[string]int64),
			ComplexityCounts: make(map[string]int64),
			AvgLatencyMs:     make(map[string]int64),
		},
	}
}

// Route picks a path for req.
func (r *Router) Route(_ context.Context, req Request) (Path, *Decision) {
	words := tokenize(req.Query)
	d := &Decision{
		RequestID:      ulid.Make().String(),
		Timestamp:      time.Now(),
		AgentID:        req.AgentID,
		SessionID:      req.SessionID,
		QueryLength:    len(req.Query),
		Workspace:      req.Workspace,
		DetectedIntent: detectIntent(words),
		Complexity:     analyzeComplexity(req.Query, words),
	}
	d.Path = r.decide(req, words, d)
	r.recordDecision(*d)

	r.logger.Debug("message routed",
		"request_id", d.RequestID,
		"path", d.Path,
		"intent", d.DetectedIntent,
		"reasoning", d.Reasoning,
	)
	return d.Path, d
}

func (r *Router) decide(req Request, words []string, d *Decision) Path {
	d.RulesEvaluated = append(d.RulesEvaluated, "workspace_mode")
	if req.Workspace {
		d.RulesMatched = append(d.RulesMatched, "workspace_mode")
		d.Reasoning = "Workspace mode always uses the reasoning loop."
		return PathLoop
	}

	d.RulesEvaluated = append(d.RulesEvaluated, "keywords")
	var hits []string
	for _, kw := range r.keywords {
		if containsWord(words, kw) {
			hits = append(hits, kw)
		}
	}
	if len(hits) > 0 {
		d.RulesMatched = append(d.RulesMatched, "keywords")
		d.Reasoning = "Matched loop keywords: " + strings.Join(hits, ", ") + "."
		return PathLoop
	}

	d.RulesEvaluated = append(d.RulesEvaluated, "path_reference")
	if pathLike.MatchString(req.Query) {
		d.RulesMatched = append(d.RulesMatched, "path_reference")
		d.Reasoning = "Message references a file path."
		return PathLoop
	}

	d.Reasoning = "No file, command, or workspace keywords; answering directly."
	return PathDirect
}

// tokenize lower-cases s and splits it into letter/digit runs.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsWord reports whether words holds kw or a simple inflection
// of it.
func containsWord(words []string, kw string) bool {
	for _, w := range words {
		if w == kw || inflectionOf(w, kw) {
			return true
		}
	}
	return false
}

func inflectionOf(w, kw string) bool {
	rest, ok := strings.CutPrefix(w, kw)
	if !ok {
		// "writing" drops the stem's trailing e.
		if stem, hasE := strings.CutSuffix(kw, "e"); hasE {
			if rest, ok = strings.CutPrefix(w, stem); ok && rest == "ing" {
				return true
			}
		}
		return false
	}
	switch rest {
	case "s", "es", "ed", "d", "ing", "er", "ers":
		return true
	}
	// Doubled final consonant: "running", "committed".
	if len(rest) > 1 && rest[0] == kw[len(kw)-1] {
		switch rest[1:] {
		case "ing", "ed", "er":
			return true
		}
	}
	return false
}

func detectIntent(words []string) string {
	for _, ik := range intentKeywords {
		for _, kw := range ik.words {
			if containsWord(words, kw) {
				return ik.intent
			}
		}
	}
	return "general"
}

// analyzeComplexity estimates query difficulty for statistics.
func analyzeComplexity(query string, words []string) Complexity {
	for _, w := range []string{"explain", "why", "analyze", "compare", "design", "recommend", "tradeoff", "tradeoffs"} {
		if slices.Contains(words, w) {
			return ComplexityComplex
		}
	}
	if len(words) <= 6 && !strings.Contains(query, "?") {
		return ComplexitySimple
	}
	return ComplexityModerate
}

// RecordOutcome updates a decision with execution results.
func (r *Router) RecordOutcome(requestID string, latency time.Duration, iterations, toolsUsed int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		d := &r.auditLog[i]
		if d.RequestID != requestID {
			continue
		}
		d.LatencyMs = latency.Milliseconds()
		d.Iterations = iterations
		d.ToolsUsed = toolsUsed
		d.Success = &success

		path := d.Path.String()
		if prev := r.stats.AvgLatencyMs[path]; prev > 0 {
			r.stats.AvgLatencyMs[path] = (prev + d.LatencyMs) / 2
		} else {
			r.stats.AvgLatencyMs[path] = d.LatencyMs
		}
		if !success {
			r.stats.Failures++
		}
		return
	}
}

func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = append(r.auditLog[:0], r.auditLog[1:]...)
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.PathCounts[d.Path.String()]++
	r.stats.IntentCounts[d.DetectedIntent]++
	r.stats.ComplexityCounts[d.Complexity.String()]++
}

// AuditLog returns up to limit recent decisions, oldest first. A
// non-positive limit returns everything retained.
func (r *Router) AuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	out := make([]Decision, limit)
	copy(out, r.auditLog[len(r.auditLog)-limit:])
	return out
}

// Stats returns a copy of the routing statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.stats
	s.PathCounts = cloneCounts(r.stats.PathCounts)
	s.IntentCounts = cloneCounts(r.stats.IntentCounts)
	s.ComplexityCounts = cloneCounts(r.stats.ComplexityCounts)
	s.AvgLatencyMs = cloneCounts(r.stats.AvgLatencyMs)
	return s
}

// Explain returns the decision with the given ID, or nil.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
