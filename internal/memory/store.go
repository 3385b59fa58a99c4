package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nugget/thane-core/internal/events"
)

// Context caps used by [Store.GetContext].
const (
	DefaultRecentInteractions = 5
	DefaultRelevantPerKind    = 3
)

// Context is the memory slice injected into the first reasoning
// iteration.
type Context struct {
	RecentInteractions []*Record `json:"recent_interactions"`
	RelevantLessons    []*Record `json:"relevant_lessons"`
	RelevantChallenges []*Record `json:"relevant_challenges"`
	RelevantFeedback   []*Record `json:"relevant_feedback"`
	Summary            string    `json:"summary"`
}

// Empty reports whether the context holds no records.
func (c *Context) Empty() bool {
	return c == nil || len(c.RecentInteractions)+len(c.RelevantLessons)+
		len(c.RelevantChallenges)+len(c.RelevantFeedback) == 0
}

// Store fronts both tiers. It is safe for concurrent use as long as the
// tier implementations are.
type Store struct {
	short  ShortTermStore
	long   LongTermStore
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time

	recentCap   int
	relevantCap int
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithEventBus publishes memory_write events on bus.
func WithEventBus(bus *events.Bus) StoreOption {
	return func(s *Store) { s.bus = bus }
}

// WithContextCaps overrides the per-slice caps of GetContext.
func WithContextCaps(recent, relevant int) StoreOption {
	return func(s *Store) {
		if recent > 0 {
			s.recentCap = recent
		}
		if relevant > 0 {
			s.relevantCap = relevant
		}
	}
}

// NewStore combines a short-term and a long-term tier.
func NewStore(short ShortTermStore, long LongTermStore, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		short:       short,
		long:        long,
		logger:      logger,
		now:         time.Now,
		recentCap:   DefaultRecentInteractions,
		relevantCap: DefaultRelevantPerKind,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ShortTerm returns the short-term tier.
func (s *Store) ShortTerm() ShortTermStore { return s.short }

// LongTerm returns the long-term tier.
func (s *Store) LongTerm() LongTermStore { return s.long }

// NewID returns a fresh time-ordered record ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Append normalizes, validates, and stores rec in its tier. Missing IDs
// and timestamps are filled in. Errors wrap [ErrWrite].
func (s *Store) Append(ctx context.Context, rec *Record) error {
	now := s.now()
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	var err error
	switch rec.Tier {
	case ShortTerm:
		err = s.short.Append(ctx, rec)
	case LongTerm:
		err = s.long.Insert(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	s.logger.Debug("memory record written",
		"id", rec.ID,
		"agent_id", rec.AgentID,
		"tier", rec.Tier,
		"category", rec.Category,
		"importance", rec.Importance,
	)
	s.bus.Emit(events.SourceMemory, events.KindMemoryWrite, map[string]any{
		"agent_id":   rec.AgentID,
		"session_id": rec.SessionID,
		"tier":       string(rec.Tier),
		"category":   string(rec.Category),
		"importance": rec.Importance,
	})
	return nil
}

// Query searches one or both tiers. Long-term hits have their access
// counters bumped. Results from both tiers are merged by relevance.
// Errors wrap [ErrRead].
func (s *Store) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if f.AgentID == "" {
		return nil, fmt.Errorf("%w: agent id is required", ErrRead)
	}

	var out []*Record
	if f.Tier == "" || f.Tier == ShortTerm {
		recs, err := s.short.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("%w: short-term: %w", ErrRead, err)
		}
		out = append(out, recs...)
	}
	if f.Tier == LongTerm {
		recs, err := s.long.Query(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("%w: long-term: %w", ErrRead, err)
		}
		return recs, nil
	}
	if f.Tier == ShortTerm {
		return applyLimit(out, f.Limit), nil
	}

	recs, err := s.long.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: long-term: %w", ErrRead, err)
	}
	out = append(out, recs...)
	sortByRelevance(out, f.textTerms())
	out = applyLimit(out, f.Limit)

	// Only long-term records that survived the cut count as accessed.
	var touched []*Record
	var ids []string
	for _, r := range out {
		if r.Tier == LongTerm {
			touched = append(touched, r)
			ids = append(ids, r.ID)
		}
	}
	if len(ids) > 0 {
		now, err := s.long.Touch(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("%w: long-term: %w", ErrRead, err)
		}
		for _, r := range touched {
			r.AccessCount++
			r.LastAccessedAt = now
		}
	}
	return out, nil
}

// GetContext assembles the memory context for a new invocation:
// the session's recent interactions and the most relevant lessons,
// challenges, and feedback for queryText across both tiers.
//
// Each slice is loaded independently. A failing slice is logged and
// left empty; the returned error joins every failure (each wrapping
// [ErrRead]) while the context still carries whatever loaded.
func (s *Store) GetContext(ctx context.Context, agentID, sessionID, queryText string) (*Context, error) {
	mc := &Context{}
	var errs []error

	if sessionID != "" {
		recent, err := s.short.Recent(ctx, agentID, sessionID, 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: recent interactions: %w", ErrRead, err))
		}
		for _, r := range recent {
			if r.Category == CategoryInteraction && len(mc.RecentInteractions) < s.recentCap {
				mc.RecentInteractions = append(mc.RecentInteractions, r)
			}
		}
	}

	load := func(cat Category) []*Record {
		recs, err := s.relevant(ctx, agentID, cat, queryText)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: %w", ErrRead, cat, err))
		}
		return recs
	}
	mc.RelevantLessons = load(CategoryLesson)
	mc.RelevantChallenges = load(CategoryChallenge)
	mc.RelevantFeedback = load(CategoryFeedback)
	mc.Summary = summarizeContext(mc)

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("memory context degraded",
			"agent_id", agentID,
			"session_id", sessionID,
			"error", err,
		)
	}
	return mc, err
}

// relevant returns the top records of a category, preferring ones that
// match the query text and falling back to the most important ones.
func (s *Store) relevant(ctx context.Context, agentID string, cat Category, queryText string) ([]*Record, error) {
	f := Filter{AgentID: agentID, Category: cat, Text: queryText, Limit: s.relevantCap}
	recs, err := s.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && queryText != "" {
		f.Text = ""
		return s.Query(ctx, f)
	}
	return recs, nil
}

func summarizeContext(mc *Context) string {
	if mc.Empty() {
		return ""
	}
	var parts []string
	add := func(n int, noun string) {
		if n == 0 {
			return
		}
		if n != 1 {
			noun += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, noun))
	}
	add(len(mc.RecentInteractions), "recent interaction")
	add(len(mc.RelevantLessons), "lesson")
	add(len(mc.RelevantChallenges), "known challenge")
	add(len(mc.RelevantFeedback), "feedback note")

	summary := "Memory: " + strings.Join(parts, ", ") + "."
	if len(mc.RelevantLessons) > 0 {
		summary += " Top lesson: " + truncate(mc.RelevantLessons[0].Content, 160)
	}
	return summary
}

// truncate collapses whitespace and cuts s to at most n bytes on a
// rune boundary.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// Stats summarizes record counts for one agent.
type Stats struct {
	AgentID            string           `json:"agent_id"`
	ShortTerm          map[Category]int `json:"short_term"`
	ShortTermProcessed int              `json:"short_term_processed"`
	LongTerm           map[Category]int `json:"long_term"`
}

// Stats counts an agent's records per tier and category.
func (s *Store) Stats(ctx context.Context, agentID string) (*Stats, error) {
	st := &Stats{AgentID: agentID, ShortTerm: make(map[Category]int)}

	recs, err := s.short.List(ctx, Filter{AgentID: agentID, IncludeProcessed: true})
	if err != nil {
		return nil, fmt.Errorf("%w: short-term: %w", ErrRead, err)
	}
	for _, r := range recs {
		st.ShortTerm[r.Category]++
		if r.Processed {
			st.ShortTermProcessed++
		}
	}

	st.LongTerm, err = s.long.CountByCategory(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("%w: long-term: %w", ErrRead, err)
	}
	return st, nil
}

// Close closes both tiers.
func (s *Store) Close() error {
	return errors.Join(s.short.Close(), s.long.Close())
}
