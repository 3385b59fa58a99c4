package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisShortTerm stores short-term records in Redis so several
// processes can share session memory.
//
// Layout, under a configurable prefix:
//
//	<prefix>:stm:agents                     set of agent IDs
//	<prefix>:stm:<agent>:records            hash id -> record JSON
//	<prefix>:stm:<agent>:sessions           set of session IDs
//	<prefix>:stm:<agent>:session:<session>  list of ids, newest first
//
// Session lists carry the TTL; record hashes are swept by EvictExpired.
type RedisShortTerm struct {
	client        redis.UniversalClient
	prefix        string
	maxPerSession int
	ttl           time.Duration
	now           func() time.Time
}

// RedisOptions configures [NewRedisShortTerm].
type RedisOptions struct {
	Addr          string
	Password      string
	DB            int
	Prefix        string
	MaxPerSession int
	TTL           time.Duration
}

// NewRedisShortTerm connects to Redis and verifies the connection.
func NewRedisShortTerm(ctx context.Context, opts RedisOptions) (*RedisShortTerm, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return newRedisShortTerm(client, opts), nil
}

func newRedisShortTerm(client redis.UniversalClient, opts RedisOptions) *RedisShortTerm {
	if opts.Prefix == "" {
		opts.Prefix = "thane-core"
	}
	if opts.MaxPerSession <= 0 {
		opts.MaxPerSession = DefaultMaxPerSession
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultShortTermTTL
	}
	return &RedisShortTerm{
		client:        client,
		prefix:        opts.Prefix,
		maxPerSession: opts.MaxPerSession,
		ttl:           opts.TTL,
		now:           time.Now,
	}
}

func (s *RedisShortTerm) agentsKey() string { return s.prefix + ":stm:agents" }

func (s *RedisShortTerm) recordsKey(agentID string) string {
	return s.prefix + ":stm:" + agentID + ":records"
}

func (s *RedisShortTerm) sessionsKey(agentID string) string {
	return s.prefix + ":stm:" + agentID + ":sessions"
}

func (s *RedisShortTerm) sessionKey(agentID, sessionID string) string {
	return s.prefix + ":stm:" + agentID + ":session:" + sessionID
}

// Append implements [ShortTermStore].
func (s *RedisShortTerm) Append(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	listKey := s.sessionKey(rec.AgentID, rec.SessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.agentsKey(), rec.AgentID)
		pipe.SAdd(ctx, s.sessionsKey(rec.AgentID), rec.SessionID)
		pipe.HSet(ctx, s.recordsKey(rec.AgentID), rec.ID, data)
		pipe.LPush(ctx, listKey, rec.ID)
		pipe.Expire(ctx, listKey, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}

	overflow, err := s.client.LRange(ctx, listKey, int64(s.maxPerSession), -1).Result()
	if err != nil {
		return fmt.Errorf("read overflow: %w", err)
	}
	if len(overflow) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.recordsKey(rec.AgentID), overflow...)
		pipe.LTrim(ctx, listKey, 0, int64(s.maxPerSession-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim session: %w", err)
	}
	return nil
}

// load fetches records by ID, skipping missing and expired ones.
func (s *RedisShortTerm) load(ctx context.Context, agentID string, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.client.HMGet(ctx, s.recordsKey(agentID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	now := s.now()
	out := make([]*Record, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		if now.Sub(r.CreatedAt) > s.ttl {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// Recent implements [ShortTermStore].
func (s *RedisShortTerm) Recent(ctx context.Context, agentID, sessionID string, n int) ([]*Record, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	ids, err := s.client.LRange(ctx, s.sessionKey(agentID, sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return s.load(ctx, agentID, ids)
}

// List implements [ShortTermStore].
func (s *RedisShortTerm) List(ctx context.Context, f Filter) ([]*Record, error) {
	sessions := []string{f.SessionID}
	if f.SessionID == "" {
		var err error
		sessions, err = s.client.SMembers(ctx, s.sessionsKey(f.AgentID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
	}

	var ids []string
	for _, sess := range sessions {
		sessIDs, err := s.client.LRange(ctx, s.sessionKey(f.AgentID, sess), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read session %s: %w", sess, err)
		}
		ids = append(ids, sessIDs...)
	}

	recs, err := s.load(ctx, f.AgentID, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sortByRecency(out)
	return applyLimit(out, f.Limit), nil
}

// MarkProcessed implements [ShortTermStore].
func (s *RedisShortTerm) MarkProcessed(ctx context.Context, agentID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	vals, err := s.client.HMGet(ctx, s.recordsKey(agentID), ids...).Result()
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}

	updates := make([]any, 0, 2*len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		if r.Processed {
			continue
		}
		r.Processed = true
		r.ProcessedAt = at
		r.UpdatedAt = at
		data, err := json.Marshal(&r)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", r.ID, err)
		}
		updates = append(updates, r.ID, data)
	}
	if len(updates) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, s.recordsKey(agentID), updates...).Err(); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// EvictExpired implements [ShortTermStore].
func (s *RedisShortTerm) EvictExpired(ctx context.Context, now time.Time) (int, error) {
	agents, err := s.client.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	removed := 0
	for _, agentID := range agents {
		all, err := s.client.HGetAll(ctx, s.recordsKey(agentID)).Result()
		if err != nil {
			return removed, fmt.Errorf("scan records for %s: %w", agentID, err)
		}
		for id, str := range all {
			var r Record
			if err := json.Unmarshal([]byte(str), &r); err != nil {
				continue
			}
			if now.Sub(r.CreatedAt) <= s.ttl {
				continue
			}
			_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, s.recordsKey(agentID), id)
				pipe.LRem(ctx, s.sessionKey(agentID, r.SessionID), 0, id)
				return nil
			})
			if err != nil {
				return removed, fmt.Errorf("evict %s: %w", id, err)
			}
			removed++
		}
	}
	return removed, nil
}

// Close implements [ShortTermStore].
func (s *RedisShortTerm) Close() error {
	return s.client.Close()
}
