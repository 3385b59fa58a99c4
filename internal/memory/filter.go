package memory

import (
	"slices"
	"sort"
	"strings"
	"time"
)

// Filter selects records. Zero-valued fields do not constrain.
type Filter struct {
	AgentID   string
	SessionID string
	// Tier limits a Store query to one tier. Empty queries both.
	Tier          Tier
	Category      Category
	MinImportance float64
	// Tags matches records carrying any of the listed tags.
	Tags []string
	// Text matches records whose content or keywords contain any
	// keyword derived from it.
	Text string
	// Since and Until bound CreatedAt (inclusive).
	Since time.Time
	Until time.Time
	// IncludeProcessed also returns processed short-term records.
	IncludeProcessed bool
	Limit            int
}

// textTerms returns the search terms for the Text field.
func (f Filter) textTerms() []string {
	if strings.TrimSpace(f.Text) == "" {
		return nil
	}
	terms := ExtractKeywords(f.Text, MaxKeywords)
	if len(terms) == 0 {
		// Short queries ("go?") still search on the raw text.
		terms = []string{strings.ToLower(strings.TrimSpace(f.Text))}
	}
	return terms
}

// Matches reports whether r satisfies every constraint except Limit.
func (f Filter) Matches(r *Record) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.Tier != "" && r.Tier != f.Tier {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if r.Importance < f.MinImportance {
		return false
	}
	if r.Processed && !f.IncludeProcessed {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.CreatedAt.After(f.Until) {
		return false
	}
	if len(f.Tags) > 0 && !slices.ContainsFunc(f.Tags, r.HasTag) {
		return false
	}
	if terms := f.textTerms(); len(terms) > 0 && !matchesText(r, terms) {
		return false
	}
	return true
}

func matchesText(r *Record, terms []string) bool {
	content := strings.ToLower(r.Content)
	for _, t := range terms {
		if strings.Contains(content, t) || slices.Contains(r.Metadata.Keywords, t) {
			return true
		}
	}
	return false
}

// relevanceScore ranks records for query results: importance and
// stored relevance, boosted by query keyword overlap.
func relevanceScore(r *Record, terms []string) float64 {
	score := r.Importance + r.Metadata.Relevance
	if len(terms) > 0 {
		hits := 0
		for _, t := range terms {
			if slices.Contains(r.Metadata.Keywords, t) {
				hits++
			}
		}
		score += float64(hits) / float64(len(terms))
	}
	return score
}

// sortByRelevance orders records by relevance, then recency.
func sortByRelevance(recs []*Record, terms []string) {
	sort.SliceStable(recs, func(i, j int) bool {
		si, sj := relevanceScore(recs[i], terms), relevanceScore(recs[j], terms)
		if si != sj {
			return si > sj
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// sortByRecency orders records newest first.
func sortByRecency(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func applyLimit(recs []*Record, limit int) []*Record {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}
