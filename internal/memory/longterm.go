package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// LongTermStore is the durable tier.
type LongTermStore interface {
	Insert(ctx context.Context, rec *Record) error
	// Update rewrites the mutable fields of an existing record: content,
	// importance, metadata, and UpdatedAt.
	Update(ctx context.Context, rec *Record) error
	// Query returns matching records ordered by relevance then recency
	// and bumps their access counters.
	Query(ctx context.Context, f Filter) ([]*Record, error)
	// List returns matching records without touching access counters.
	List(ctx context.Context, f Filter) ([]*Record, error)
	// Touch bumps the access counters of ids and returns the access
	// time it recorded.
	Touch(ctx context.Context, ids []string) (time.Time, error)
	// ConsolidatedSources returns the subset of sourceIDs already
	// referenced by some long-term record.
	ConsolidatedSources(ctx context.Context, agentID string, sourceIDs []string) (map[string]bool, error)
	Delete(ctx context.Context, agentID string, ids []string) (int, error)
	CountByCategory(ctx context.Context, agentID string) (map[Category]int, error)
	Close() error
}

// Supported database/sql driver names.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// SQLiteLongTerm is a [LongTermStore] on SQLite.
type SQLiteLongTerm struct {
	db  *sql.DB
	now func() time.Time
}

// OpenLongTerm opens or creates the long-term database at path using
// the named driver.
func OpenLongTerm(driver, path string) (*SQLiteLongTerm, error) {
	var dsn string
	switch driver {
	case DriverCGO, "":
		driver = DriverCGO
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	case DriverPureGo:
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteLongTerm{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteLongTerm) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS long_term_memories (
		id                TEXT PRIMARY KEY,
		agent_id          TEXT NOT NULL,
		session_id        TEXT NOT NULL DEFAULT '',
		category          TEXT NOT NULL,
		content           TEXT NOT NULL,
		importance        REAL NOT NULL,
		tags              TEXT NOT NULL DEFAULT '[]',
		keywords          TEXT NOT NULL DEFAULT '[]',
		confidence        REAL NOT NULL DEFAULT 0,
		relevance         REAL NOT NULL DEFAULT 0,
		source            TEXT NOT NULL DEFAULT '',
		consolidated_from TEXT NOT NULL DEFAULT '[]',
		access_count      INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL,
		last_accessed_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_ltm_agent_importance ON long_term_memories(agent_id, importance);
	CREATE INDEX IF NOT EXISTS idx_ltm_agent_created ON long_term_memories(agent_id, created_at);

	CREATE TABLE IF NOT EXISTS long_term_sources (
		source_id TEXT PRIMARY KEY,
		agent_id  TEXT NOT NULL,
		ltm_id    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ltm_sources_ltm ON long_term_sources(ltm_id);
	`)
	return err
}

const ltmColumns = `id, agent_id, session_id, category, content, importance,
	tags, keywords, confidence, relevance, source, consolidated_from,
	access_count, created_at, updated_at, last_accessed_at`

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// Insert implements [LongTermStore].
func (s *SQLiteLongTerm) Insert(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO long_term_memories (`+ltmColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.AgentID, rec.SessionID, string(rec.Category), rec.Content, rec.Importance,
		marshalList(rec.Metadata.Tags), marshalList(rec.Metadata.Keywords),
		rec.Metadata.Confidence, rec.Metadata.Relevance, rec.Metadata.Source,
		marshalList(rec.Metadata.ConsolidatedFrom),
		rec.AccessCount, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	if err := linkSources(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func linkSources(ctx context.Context, tx *sql.Tx, rec *Record) error {
	for _, src := range rec.Metadata.ConsolidatedFrom {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO long_term_sources (source_id, agent_id, ltm_id) VALUES (?, ?, ?)`,
			src, rec.AgentID, rec.ID)
		if err != nil {
			return fmt.Errorf("link source %s: %w", src, err)
		}
	}
	return nil
}

// Update implements [LongTermStore].
func (s *SQLiteLongTerm) Update(ctx context.Context, rec *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE long_term_memories
		SET content = ?, importance = ?, tags = ?, keywords = ?,
		    confidence = ?, relevance = ?, source = ?, consolidated_from = ?, updated_at = ?
		WHERE id = ? AND agent_id = ?`,
		rec.Content, rec.Importance,
		marshalList(rec.Metadata.Tags), marshalList(rec.Metadata.Keywords),
		rec.Metadata.Confidence, rec.Metadata.Relevance, rec.Metadata.Source,
		marshalList(rec.Metadata.ConsolidatedFrom), formatTime(rec.UpdatedAt),
		rec.ID, rec.AgentID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", rec.ID, ErrNotFound)
	}
	if err := linkSources(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// buildWhere renders the filter as a WHERE clause.
func buildWhere(f Filter) (string, []any) {
	clauses := []string{"agent_id = ?"}
	args := []any{f.AgentID}

	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.MinImportance > 0 {
		clauses = append(clauses, "importance >= ?")
		args = append(args, f.MinImportance)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(f.Until))
	}
	if len(f.Tags) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Tags)), ",")
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(long_term_memories.tags) WHERE value IN ("+marks+"))")
		for _, t := range f.Tags {
			args = append(args, t)
		}
	}
	if terms := f.textTerms(); len(terms) > 0 {
		var or []string
		for _, t := range terms {
			or = append(or, "lower(content) LIKE ? OR keywords LIKE ?")
			args = append(args, "%"+t+"%", `%"`+t+`"%`)
		}
		clauses = append(clauses, "("+strings.Join(or, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}

// List implements [LongTermStore].
func (s *SQLiteLongTerm) List(ctx context.Context, f Filter) ([]*Record, error) {
	where, args := buildWhere(f)
	query := `SELECT ` + ltmColumns + ` FROM long_term_memories WHERE ` + where
	terms := f.textTerms()
	if len(terms) == 0 && f.Limit > 0 {
		// Without query terms the ranking is importance + relevance,
		// which SQLite can order and cut itself.
		query += ` ORDER BY importance + relevance DESC, created_at DESC LIMIT ?`
		args = append(args, f.Limit)
	} else {
		query += ` ORDER BY created_at DESC`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}

	sortByRelevance(out, terms)
	return applyLimit(out, f.Limit), nil
}

// Query implements [LongTermStore].
func (s *SQLiteLongTerm) Query(ctx context.Context, f Filter) ([]*Record, error) {
	out, err := s.List(ctx, f)
	if err != nil || len(out) == 0 {
		return out, err
	}
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	now, err := s.Touch(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range out {
		r.AccessCount++
		r.LastAccessedAt = now
	}
	return out, nil
}

// Touch implements [LongTermStore].
func (s *SQLiteLongTerm) Touch(ctx context.Context, ids []string) (time.Time, error) {
	now := s.now().UTC()
	if len(ids) == 0 {
		return now, nil
	}
	args := []any{formatTime(now)}
	for _, id := range ids {
		args = append(args, id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	if _, err := s.db.ExecContext(ctx,
		`UPDATE long_term_memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id IN (`+marks+`)`,
		args...); err != nil {
		return time.Time{}, fmt.Errorf("bump access: %w", err)
	}
	return now, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r                    Record
		category             string
		tags, keywords, from string
		createdAt, updatedAt string
		lastAccessed         sql.NullString
	)
	err := sc.Scan(&r.ID, &r.AgentID, &r.SessionID, &category, &r.Content, &r.Importance,
		&tags, &keywords, &r.Metadata.Confidence, &r.Metadata.Relevance, &r.Metadata.Source, &from,
		&r.AccessCount, &createdAt, &updatedAt, &lastAccessed)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	r.Tier = LongTerm
	r.Category = Category(category)
	_ = json.Unmarshal([]byte(tags), &r.Metadata.Tags)
	_ = json.Unmarshal([]byte(keywords), &r.Metadata.Keywords)
	_ = json.Unmarshal([]byte(from), &r.Metadata.ConsolidatedFrom)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if lastAccessed.Valid {
		r.LastAccessedAt = parseTime(lastAccessed.String)
	}
	return &r, nil
}

// ConsolidatedSources implements [LongTermStore].
func (s *SQLiteLongTerm) ConsolidatedSources(ctx context.Context, agentID string, sourceIDs []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(sourceIDs) == 0 {
		return found, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")
	args := []any{agentID}
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id FROM long_term_sources WHERE agent_id = ? AND source_id IN (`+marks+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// Delete implements [LongTermStore].
func (s *SQLiteLongTerm) Delete(ctx context.Context, agentID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{agentID}
	for _, id := range ids {
		args = append(args, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM long_term_memories WHERE agent_id = ? AND id IN (`+marks+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	// Source links stay so deleted knowledge is not rebuilt from the
	// same short-term records.
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// CountByCategory implements [LongTermStore].
func (s *SQLiteLongTerm) CountByCategory(ctx context.Context, agentID string) (map[Category]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM long_term_memories WHERE agent_id = ? GROUP BY category`, agentID)
	if err != nil {
		return nil, fmt.Errorf("count: %w", err)
	}
	defer rows.Close()

	out := make(map[Category]int)
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[Category(c)] = n
	}
	return out, rows.Err()
}

// Close implements [LongTermStore].
func (s *SQLiteLongTerm) Close() error {
	return s.db.Close()
}
