package memory

import (
	"context"
	"sync"
	"time"
)

// Short-term tier defaults.
const (
	DefaultMaxPerSession = 15
	DefaultShortTermTTL  = 24 * time.Hour
)

// ShortTermStore is the per-session observation tier.
type ShortTermStore interface {
	// Append stores rec, evicting the session's oldest record when the
	// session is at capacity.
	Append(ctx context.Context, rec *Record) error
	// Recent returns up to n unexpired records of a session, newest first.
	Recent(ctx context.Context, agentID, sessionID string, n int) ([]*Record, error)
	// List returns unexpired records of an agent matching f, newest first.
	List(ctx context.Context, f Filter) ([]*Record, error)
	// MarkProcessed flags records as consolidated or archived.
	MarkProcessed(ctx context.Context, agentID string, ids []string, at time.Time) error
	// EvictExpired removes records older than the TTL and returns how
	// many were removed.
	EvictExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// InProcessShortTerm keeps short-term records in memory. Each session
// holds at most maxPerSession records; older ones fall off the front.
type InProcessShortTerm struct {
	mu            sync.RWMutex
	sessions      map[sessionKey][]*Record // oldest first
	maxPerSession int
	ttl           time.Duration
	now           func() time.Time
}

type sessionKey struct {
	agentID   string
	sessionID string
}

// NewInProcessShortTerm creates an in-memory short-term store.
// Non-positive arguments select the defaults.
func NewInProcessShortTerm(maxPerSession int, ttl time.Duration) *InProcessShortTerm {
	if maxPerSession <= 0 {
		maxPerSession = DefaultMaxPerSession
	}
	if ttl <= 0 {
		ttl = DefaultShortTermTTL
	}
	return &InProcessShortTerm{
		sessions:      make(map[sessionKey][]*Record),
		maxPerSession: maxPerSession,
		ttl:           ttl,
		now:           time.Now,
	}
}

func (s *InProcessShortTerm) expired(r *Record, now time.Time) bool {
	return now.Sub(r.CreatedAt) > s.ttl
}

// Append implements [ShortTermStore].
func (s *InProcessShortTerm) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{rec.AgentID, rec.SessionID}
	recs := append(s.sessions[key], rec.Clone())
	if over := len(recs) - s.maxPerSession; over > 0 {
		recs = append(recs[:0:0], recs[over:]...)
	}
	s.sessions[key] = recs
	return nil
}

// Recent implements [ShortTermStore].
func (s *InProcessShortTerm) Recent(_ context.Context, agentID, sessionID string, n int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	recs := s.sessions[sessionKey{agentID, sessionID}]
	var out []*Record
	for i := len(recs) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		if s.expired(recs[i], now) {
			break
		}
		out = append(out, recs[i].Clone())
	}
	return out, nil
}

// List implements [ShortTermStore].
func (s *InProcessShortTerm) List(_ context.Context, f Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var out []*Record
	for key, recs := range s.sessions {
		if key.agentID != f.AgentID {
			continue
		}
		for _, r := range recs {
			if !s.expired(r, now) && f.Matches(r) {
				out = append(out, r.Clone())
			}
		}
	}
	sortByRecency(out)
	return applyLimit(out, f.Limit), nil
}

// MarkProcessed implements [ShortTermStore]. Unknown IDs are ignored.
func (s *InProcessShortTerm) MarkProcessed(_ context.Context, agentID string, ids []string, at time.Time) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, recs := range s.sessions {
		if key.agentID != agentID {
			continue
		}
		for _, r := range recs {
			if want[r.ID] && !r.Processed {
				r.Processed = true
				r.ProcessedAt = at
				r.UpdatedAt = at
			}
		}
	}
	return nil
}

// EvictExpired implements [ShortTermStore].
func (s *InProcessShortTerm) EvictExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, recs := range s.sessions {
		kept := recs[:0]
		for _, r := range recs {
			if s.expired(r, now) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.sessions, key)
			continue
		}
		s.sessions[key] = kept
	}
	return removed, nil
}

// Close implements [ShortTermStore].
func (s *InProcessShortTerm) Close() error { return nil }
