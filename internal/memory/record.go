// Package memory is the two-tier memory store used by the reasoning loop
// and the consolidation engine.
//
// Short-term records are per-session observations: bounded per session
// and expired by age. Long-term records are durable agent knowledge
// produced by consolidation; they change only through access bumps and
// merge updates and are removed only by an explicit retention policy.
package memory

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Tier names a storage tier.
type Tier string

// Tiers.
const (
	ShortTerm Tier = "short_term"
	LongTerm  Tier = "long_term"
)

// Category classifies a record.
type Category string

// Categories.
const (
	CategoryInteraction Category = "interaction"
	CategoryLesson      Category = "lesson"
	CategoryChallenge   Category = "challenge"
	CategoryFeedback    Category = "feedback"
	CategoryContext     Category = "context"
	CategoryDecision    Category = "decision"
	CategoryError       Category = "error"
	CategorySuccess     Category = "success"
	CategoryPreference  Category = "preference"
)

var validCategories = map[Category]bool{
	CategoryInteraction: true,
	CategoryLesson:      true,
	CategoryChallenge:   true,
	CategoryFeedback:    true,
	CategoryContext:     true,
	CategoryDecision:    true,
	CategoryError:       true,
	CategorySuccess:     true,
	CategoryPreference:  true,
}

// Categories returns every valid category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryInteraction, CategoryLesson, CategoryChallenge,
		CategoryFeedback, CategoryContext, CategoryDecision,
		CategoryError, CategorySuccess, CategoryPreference,
	}
}

// ParseCategory validates s as a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !validCategories[c] {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

// Well-known tags written by the reasoning loop.
const (
	TagToolCall = "tool_call"
	TagSummary  = "summary"
	TagSuccess  = "success"
	TagFailure  = "failure"
	// TagToolPrefix prefixes the tool name, e.g. "tool:list_files".
	TagToolPrefix = "tool:"
)

// Metadata holds descriptive fields of a record.
type Metadata struct {
	Tags       []string `json:"tags,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Confidence float64  `json:"confidence"`
	Relevance  float64  `json:"relevance"`
	Source     string   `json:"source,omitempty"`
	// ConsolidatedFrom lists the short-term record IDs folded into a
	// long-term record, oldest first.
	ConsolidatedFrom []string `json:"consolidated_from,omitempty"`
}

// Record is one memory entry in either tier.
type Record struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Tier           Tier      `json:"tier"`
	Category       Category  `json:"category"`
	Content        string    `json:"content"`
	Importance     float64   `json:"importance"`
	Metadata       Metadata  `json:"metadata"`
	AccessCount    int       `json:"access_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastAccessedAt time.Time `json:"last_accessed_at,omitzero"`

	// Processed marks a short-term record as already folded into the
	// long-term tier (or archived). Processed records are never
	// consolidated again.
	Processed   bool      `json:"processed,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitzero"`
}

// HasTag reports whether the record carries tag.
func (r *Record) HasTag(tag string) bool {
	return slices.Contains(r.Metadata.Tags, tag)
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Metadata.Tags = slices.Clone(r.Metadata.Tags)
	c.Metadata.Keywords = slices.Clone(r.Metadata.Keywords)
	c.Metadata.ConsolidatedFrom = slices.Clone(r.Metadata.ConsolidatedFrom)
	return &c
}

// Normalize clamps scores into [0,1], deduplicates and sorts tags and
// keywords, and derives keywords from the content when none are set.
// It is applied on every write path.
func (r *Record) Normalize() {
	r.Importance = clamp01(r.Importance)
	r.Metadata.Confidence = clamp01(r.Metadata.Confidence)
	r.Metadata.Relevance = clamp01(r.Metadata.Relevance)
	r.Metadata.Tags = normalizeSet(r.Metadata.Tags)
	if len(r.Metadata.Keywords) == 0 {
		r.Metadata.Keywords = ExtractKeywords(r.Content, MaxKeywords)
	}
	r.Metadata.Keywords = normalizeSet(r.Metadata.Keywords)
	r.Metadata.ConsolidatedFrom = dedupeOrdered(r.Metadata.ConsolidatedFrom)
}

// Validate checks structural invariants. Call after [Record.Normalize].
func (r *Record) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidRecord)
	}
	if !validCategories[r.Category] {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, r.Category)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidRecord)
	}
	switch r.Tier {
	case ShortTerm:
		if r.SessionID == "" {
			return fmt.Errorf("%w: short-term record requires a session id", ErrInvalidRecord)
		}
		if len(r.Metadata.ConsolidatedFrom) > 0 {
			return fmt.Errorf("%w: short-term record cannot reference sources", ErrInvalidRecord)
		}
	case LongTerm:
		if r.Processed {
			return fmt.Errorf("%w: long-term record cannot be processed", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrInvalidRecord, r.Tier)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func dedupeOrdered(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// UnionSet merges string sets into a sorted, deduplicated slice.
func UnionSet(sets ...[]string) []string {
	var all []string
	for _, s := range sets {
		all = append(all, s...)
	}
	return normalizeSet(all)
}
