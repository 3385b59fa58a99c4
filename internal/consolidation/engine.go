// Package consolidation folds short-term memory into long-term memory.
//
// A run is scoped to one agent and applies exactly one [Strategy]
// chosen by the caller. Runs are idempotent: every short-term record a
// run consumes is marked processed, and long-term inserts skip sources
// some long-term record already references. Runs for the same agent
// are mutually exclusive through a [Locker].
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nugget/thane-core/internal/events"
	"github.com/nugget/thane-core/internal/memory"
)

// PromoteThreshold is the importance a record needs for the promote
// strategy, regardless of a lower MinImportance.
const PromoteThreshold = 0.8

// ErrConsolidationConflict is returned when another run for the same
// agent holds the lock.
var ErrConsolidationConflict = errors.New("consolidation already running for agent")

// Strategy selects how a run folds short-term records.
type Strategy string

// Strategies.
const (
	StrategySummarize Strategy = "summarize"
	StrategyPromote   Strategy = "promote"
	StrategyMerge     Strategy = "merge"
	StrategyArchive   Strategy = "archive"
)

// Strategies returns every strategy in a stable order.
func Strategies() []Strategy {
	return []Strategy{StrategySummarize, StrategyPromote, StrategyMerge, StrategyArchive}
}

// ParseStrategy converts a user-supplied name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(Strategies(), st) {
		return st, nil
	}
	return "", fmt.Errorf("unknown consolidation strategy %q", s)
}

// Request parameterizes one run.
type Request struct {
	AgentID       string
	MinImportance float64
	// MaxAgeHours bounds how far back summarize, promote, and merge
	// look. For archive it is the minimum age of a stale record. Zero
	// means unbounded.
	MaxAgeHours float64
	Strategy    Strategy
}

// Result reports what a run changed. STMProcessed counts every
// short-term record the run marked processed; STMArchived counts the
// ones marked without a long-term counterpart.
type Result struct {
	STMProcessed int `json:"stm_processed"`
	LTMCreated   int `json:"ltm_created"`
	STMArchived  int `json:"stm_archived"`
	LTMUpdated   int `json:"ltm_updated"`
}

// Engine runs consolidation for any agent.
type Engine struct {
	short      memory.ShortTermStore
	long       memory.LongTermStore
	locker     Locker
	summarizer Summarizer
	logger     *slog.Logger
	bus        *events.Bus
	now        func() time.Time
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLocker replaces the default in-process locker.
func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithSummarizer replaces the default extractive summarizer.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithEventBus publishes run events on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// NewEngine creates an engine over the two memory tiers.
func NewEngine(short memory.ShortTermStore, long memory.LongTermStore, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		short:      short,
		long:       long,
		locker:     NewLocalLocker(),
		summarizer: ExtractiveSummarizer{},
		logger:     logger.With("component", "consolidation"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (r Request) validate() error {
	if r.AgentID == "" {
		return errors.New("agent id is required")
	}
	if _, err := ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	if r.MinImportance < 0 || r.MinImportance > 1 {
		return fmt.Errorf("min importance %.2f outside [0,1]", r.MinImportance)
	}
	if r.MaxAgeHours < 0 {
		return fmt.Errorf("max age %.1fh is negative", r.MaxAgeHours)
	}
	return nil
}

// Consolidate runs one strategy for one agent. When another run for the
// same agent is in progress it returns a zero Result and an error
// matching [ErrConsolidationConflict] without touching any record.
func (e *Engine) Consolidate(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return &Result{}, fmt.Errorf("consolidate: %w", err)
	}

	ctx, span := otel.Tracer("github.com/nugget/thane-core/internal/consolidation").Start(ctx, "consolidation.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent_id", req.AgentID),
		attribute.String("strategy", string(req.Strategy)),
	)

	release, err := e.locker.TryLock(ctx, req.AgentID)
	if err != nil {
		if errors.Is(err, ErrConsolidationConflict) {
			e.logger.Info("consolidation skipped, run in progress",
				"agent_id", req.AgentID, "strategy", req.Strategy)
			e.bus.Emit(events.SourceConsolidation, events.KindConsolidationConflict, map[string]any{
				"agent_id": req.AgentID,
				"strategy": string(req.Strategy),
			})
		}
		span.SetStatus(codes.Error, err.Error())
		return &Result{}, fmt.Errorf("consolidate %s: %w", req.AgentID, err)
	}
	defer release()

	start := e.now()
	e.bus.Emit(events.SourceConsolidation, events.KindConsolidationStart, map[string]any{
		"agent_id": req.AgentID,
		"strategy": string(req.Strategy),
	})

	res, err := e.run(ctx, req, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("consolidation failed",
			"agent_id", req.AgentID, "strategy", req.Strategy, "error", err)
		return res, fmt.Errorf("consolidate %s: %w", req.AgentID, err)
	}

	elapsed := e.now().Sub(start)
	e.logger.Info("consolidation complete",
		"agent_id", req.AgentID,
		"strategy", req.Strategy,
		"stm_processed", res.STMProcessed,
		"ltm_created", res.LTMCreated,
		"ltm_updated", res.LTMUpdated,
		"stm_archived", res.STMArchived,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	e.bus.Emit(events.SourceConsolidation, events.KindConsolidationComplete, map[string]any{
		"agent_id":      req.AgentID,
		"strategy":      string(req.Strategy),
		"stm_processed": res.STMProcessed,
		"ltm_created":   res.LTMCreated,
		"stm_archived":  res.STMArchived,
		"ltm_updated":   res.LTMUpdated,
		"duration_ms":   elapsed.Milliseconds(),
	})
	return res, nil
}

func (e *Engine) run(ctx context.Context, req Request, now time.Time) (*Result, error) {
	pending, err := e.pending(ctx, req.AgentID, now)
	if err != nil {
		return &Result{}, err
	}

	var maxAge time.Duration
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours * float64(time.Hour))
	}
	withinWindow := func(r *memory.Record) bool {
		return maxAge == 0 || now.Sub(r.CreatedAt) <= maxAge
	}

	switch req.Strategy {
	case StrategySummarize:
		return e.summarize(ctx, req, selectRecords(pending, func(r *memory.Record) bool {
			return r.Importance >= req.MinImportance && withinWindow(r)
		}), now)
	case StrategyPromote:
		threshold := max(PromoteThreshold, req.MinImportance)
		return e.promote(ctx, req, selectRecords(pending, func(r *memory.Record) bool {
			return r.Importance >= threshold && withinWindow(r)
		}), now)
	case StrategyMerge:
		return e.merge(ctx, req, selectRecords(pending, func(r *memory.Record) bool {
			return r.Importance >= req.MinImportance && withinWindow(r)
		}), now)
	default:
		return e.archive(ctx, req, selectRecords(pending, func(r *memory.Record) bool {
			return r.Importance < req.MinImportance && now.Sub(r.CreatedAt) >= maxAge
		}), now)
	}
}

// pending lists the agent's unprocessed short-term records, oldest
// first. Records a long-term record already references are marked
// processed here and left out, which repairs a run that stopped between
// inserting and marking.
func (e *Engine) pending(ctx context.Context, agentID string, now time.Time) ([]*memory.Record, error) {
	recs, err := e.short.List(ctx, memory.Filter{AgentID: agentID, Tier: memory.ShortTerm})
	if err != nil {
		return nil, fmt.Errorf("list short-term: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}

	done, err := e.long.ConsolidatedSources(ctx, agentID, recordIDs(recs))
	if err != nil {
		return nil, fmt.Errorf("check sources: %w", err)
	}
	if len(done) > 0 {
		stale := make([]string, 0, len(done))
		for id := range done {
			stale = append(stale, id)
		}
		if err := e.short.MarkProcessed(ctx, agentID, stale, now); err != nil {
			return nil, fmt.Errorf("mark consolidated: %w", err)
		}
		e.logger.Warn("marked already consolidated records processed",
			"agent_id", agentID, "count", len(stale))
		recs = slices.DeleteFunc(recs, func(r *memory.Record) bool { return done[r.ID] })
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (e *Engine) summarize(ctx context.Context, req Request, recs []*memory.Record, now time.Time) (*Result, error) {
	res := &Result{}
	for _, group := range groupByCategory(recs) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cat := group[0].Category

		content, err := e.summarizer.Summarize(ctx, cat, group)
		if err != nil || strings.TrimSpace(content) == "" {
			e.logger.Warn("summarizer failed, using extractive summary",
				"agent_id", req.AgentID, "category", cat, "error", err)
			content, _ = ExtractiveSummarizer{}.Summarize(ctx, cat, group)
		}

		ltm := newLongTerm(req.AgentID, cat, content, now, StrategySummarize)
		for _, r := range group {
			absorb(ltm, r)
		}
		inserted, err := e.insert(ctx, ltm)
		if err != nil {
			return res, err
		}
		if inserted {
			res.LTMCreated++
		}

		if err := e.short.MarkProcessed(ctx, req.AgentID, recordIDs(group), now); err != nil {
			return res, fmt.Errorf("mark processed: %w", err)
		}
		res.STMProcessed += len(group)
	}
	return res, nil
}

func (e *Engine) promote(ctx context.Context, req Request, recs []*memory.Record, now time.Time) (*Result, error) {
	res := &Result{}
	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ltm := newLongTerm(req.AgentID, r.Category, r.Content, now, StrategyPromote)
		absorb(ltm, r)
		ltm.Metadata.Confidence = r.Metadata.Confidence
		ltm.Metadata.Relevance = r.Metadata.Relevance
		inserted, err := e.insert(ctx, ltm)
		if err != nil {
			return res, err
		}
		if err := e.short.MarkProcessed(ctx, req.AgentID, []string{r.ID}, now); err != nil {
			return res, fmt.Errorf("mark processed: %w", err)
		}
		if inserted {
			res.LTMCreated++
		}
		res.STMProcessed++
	}
	return res, nil
}

// mergeTarget is a long-term record being assembled by a merge run.
type mergeTarget struct {
	rec   *memory.Record
	isNew bool
	dirty bool
}

func (e *Engine) merge(ctx context.Context, req Request, recs []*memory.Record, now time.Time) (*Result, error) {
	res := &Result{}
	if len(recs) == 0 {
		return res, nil
	}

	existing, err := e.long.List(ctx, memory.Filter{AgentID: req.AgentID})
	if err != nil {
		return res, fmt.Errorf("list long-term: %w", err)
	}
	pool := make([]*mergeTarget, 0, len(existing))
	for _, r := range existing {
		pool = append(pool, &mergeTarget{rec: r})
	}

	for _, r := range recs {
		target := bestMatch(pool, r)
		if target == nil {
			target = &mergeTarget{
				rec:   newLongTerm(req.AgentID, r.Category, r.Content, now, StrategyMerge),
				isNew: true,
			}
			absorb(target.rec, r)
			pool = append(pool, target)
			continue
		}
		target.rec.Content = strings.TrimSpace(target.rec.Content) + "\n\n" + strings.TrimSpace(r.Content)
		absorb(target.rec, r)
		target.rec.UpdatedAt = now
		target.dirty = true
	}

	for _, t := range pool {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		switch {
		case t.isNew:
			inserted, err := e.insert(ctx, t.rec)
			if err != nil {
				return res, err
			}
			if inserted {
				res.LTMCreated++
			}
		case t.dirty:
			t.rec.Normalize()
			if err := e.long.Update(ctx, t.rec); err != nil {
				return res, fmt.Errorf("update long-term %s: %w", t.rec.ID, err)
			}
			res.LTMUpdated++
		}
	}

	if err := e.short.MarkProcessed(ctx, req.AgentID, recordIDs(recs), now); err != nil {
		return res, fmt.Errorf("mark processed: %w", err)
	}
	res.STMProcessed = len(recs)
	return res, nil
}

// bestMatch returns the pooled record with the same category sharing
// the most tags with r, preferring higher importance then recency on
// ties. It returns nil when nothing shares a tag.
func bestMatch(pool []*mergeTarget, r *memory.Record) *mergeTarget {
	var best *mergeTarget
	bestOverlap := 0
	for _, t := range pool {
		if t.rec.Category != r.Category {
			continue
		}
		overlap := 0
		for _, tag := range r.Metadata.Tags {
			if t.rec.HasTag(tag) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		switch {
		case best == nil, overlap > bestOverlap:
		case overlap == bestOverlap && t.rec.Importance > best.rec.Importance:
		case overlap == bestOverlap && t.rec.Importance == best.rec.Importance && t.rec.UpdatedAt.After(best.rec.UpdatedAt):
		default:
			continue
		}
		best, bestOverlap = t, overlap
	}
	return best
}

func (e *Engine) archive(ctx context.Context, req Request, recs []*memory.Record, now time.Time) (*Result, error) {
	res := &Result{}
	if len(recs) == 0 {
		return res, nil
	}
	if err := e.short.MarkProcessed(ctx, req.AgentID, recordIDs(recs), now); err != nil {
		return res, fmt.Errorf("mark archived: %w", err)
	}
	res.STMProcessed = len(recs)
	res.STMArchived = len(recs)
	return res, nil
}

// insert stores a new long-term record unless every one of its sources
// is already consolidated. It reports whether a row was written.
func (e *Engine) insert(ctx context.Context, rec *memory.Record) (bool, error) {
	done, err := e.long.ConsolidatedSources(ctx, rec.AgentID, rec.Metadata.ConsolidatedFrom)
	if err != nil {
		return false, fmt.Errorf("check sources: %w", err)
	}
	if len(done) > 0 {
		rec.Metadata.ConsolidatedFrom = slices.DeleteFunc(rec.Metadata.ConsolidatedFrom, func(id string) bool { return done[id] })
		if len(rec.Metadata.ConsolidatedFrom) == 0 {
			return false, nil
		}
	}

	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return false, err
	}
	if err := e.long.Insert(ctx, rec); err != nil {
		return false, fmt.Errorf("insert long-term: %w", err)
	}
	return true, nil
}

func newLongTerm(agentID string, cat memory.Category, content string, now time.Time, strategy Strategy) *memory.Record {
	return &memory.Record{
		ID:        memory.NewID(),
		AgentID:   agentID,
		Tier:      memory.LongTerm,
		Category:  cat,
		Content:   content,
		Metadata:  memory.Metadata{Source: "consolidation:" + string(strategy), Confidence: 1},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// absorb folds a source record's importance, tags, keywords, and id
// into a long-term record.
func absorb(ltm, src *memory.Record) {
	ltm.Importance = max(ltm.Importance, src.Importance)
	ltm.Metadata.Tags = memory.UnionSet(ltm.Metadata.Tags, src.Metadata.Tags)
	ltm.Metadata.Keywords = memory.UnionSet(ltm.Metadata.Keywords, src.Metadata.Keywords)
	ltm.Metadata.ConsolidatedFrom = append(ltm.Metadata.ConsolidatedFrom, src.ID)
}

func selectRecords(recs []*memory.Record, keep func(*memory.Record) bool) []*memory.Record {
	var out []*memory.Record
	for _, r := range recs {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

// groupByCategory partitions records by category, ordered by category
// name. Each group keeps the input order.
func groupByCategory(recs []*memory.Record) [][]*memory.Record {
	byCat := make(map[memory.Category][]*memory.Record)
	for _, r := range recs {
		byCat[r.Category] = append(byCat[r.Category], r)
	}
	cats := make([]memory.Category, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	slices.Sort(cats)

	groups := make([][]*memory.Record, 0, len(cats))
	for _, c := range cats {
		groups = append(groups, byCat[c])
	}
	return groups
}

func recordIDs(recs []*memory.Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
