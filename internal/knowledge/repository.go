// Package knowledge implements the domain operations of the agent's
// knowledge store: fingerprinted ingest, substring retrieval, the
// append-only conversation log, and PRP documents.
//
// The repository owns all mutations to these tables. It speaks SQL
// through the store client; it never touches the transport directly.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dfarias/augur/internal/store"
)

// Repository-level errors.
var (
	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("knowledge: not found")

	// ErrConflict means a unique constraint would be violated, e.g. a
	// PRP name collision.
	ErrConflict = errors.New("knowledge: conflict")
)

// SQL is the store surface the repository needs. Satisfied by
// *store.Client.
type SQL interface {
	Read(ctx context.Context, database, sql string, params ...any) (*store.Rows, error)
	Write(ctx context.Context, database, sql string, params ...any) (*store.WriteResult, error)
	Batch(ctx context.Context, database string, stmts []store.Statement) ([]store.WriteResult, error)
}

// Row is one knowledge entry.
type Row struct {
	ID          int64    `json:"id"`
	Topic       string   `json:"topic"`
	Content     string   `json:"content"`
	Category    string   `json:"category"`
	Expertise   string   `json:"expertise_level"`
	Tags        []string `json:"tags"`
	Source      string   `json:"source"`
	Fingerprint string   `json:"file_hash"`
	Priority    int      `json:"priority"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Turn is one persisted conversation exchange.
type Turn struct {
	SessionID     string `json:"session_id"`
	Seq           int64  `json:"seq"`
	UserMessage   string `json:"user_message"`
	AgentResponse string `json:"agent_response"`
	FileContext   string `json:"file_context,omitempty"`
	CreatedAt     string `json:"created_at"`
}

// Stats holds aggregate store counts for the REPL stats command.
type Stats struct {
	KnowledgeRows int64 `json:"knowledge_rows"`
	Conversations int64 `json:"conversations"`
	Sessions      int64 `json:"sessions"`
	PRPs          int64 `json:"prps"`
}

// Config holds repository configuration.
type Config struct {
	Database              string
	DefaultLanguage       string
	AutoTranslateOnCreate bool
}

// Repository implements the domain operations.
type Repository struct {
	sqlc SQL
	cfg  Config
}

// New creates a Repository over the given store client.
func New(sqlc SQL, cfg Config) *Repository {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "pt-br"
	}
	return &Repository{sqlc: sqlc, cfg: cfg}
}

// ─── Retrieval ───────────────────────────────────────────────────────────────

// NormalizeQuery lowercases and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

var termPattern = regexp.MustCompile(`[a-z0-9_-]+`)

// stopwords are filler terms that would match nearly every row.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"what": true, "how": true, "why": true, "who": true, "can": true,
	"does": true, "this": true, "that": true, "with": true, "about": true,
	"you": true, "your": true, "como": true, "que": true, "para": true,
	"por": true, "qual": true, "uma": true, "com": true, "sobre": true,
}

// queryTerms extracts the significant search terms from a normalized
// query: lowercase words of three or more characters, minus stopwords.
// A query with no significant term falls back to the whole string.
func queryTerms(query string) []string {
	var terms []string
	for _, w := range termPattern.FindAllString(query, -1) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		terms = append(terms, w)
	}
	if len(terms) == 0 && query != "" {
		terms = []string{query}
	}
	return terms
}

// Search returns up to limit rows matching any significant term of the
// query by case-insensitive substring, preferring topic matches over
// content matches over tag matches. Ties break by priority DESC,
// updated_at DESC, id ASC.
func (r *Repository) Search(ctx context.Context, query string, limit int) ([]Row, error) {
	query = NormalizeQuery(query)
	if query == "" || limit <= 0 {
		return nil, nil
	}
	terms := queryTerms(query)

	var (
		topicConds, contentConds, tagConds []string
		params                             []any
	)
	for range terms {
		topicConds = append(topicConds, "topic LIKE ? COLLATE NOCASE")
		contentConds = append(contentConds, "content LIKE ? COLLATE NOCASE")
		tagConds = append(tagConds, "tags LIKE ? COLLATE NOCASE")
	}
	patterns := make([]any, len(terms))
	for i, t := range terms {
		patterns[i] = "%" + t + "%"
	}

	topicExpr := "(" + strings.Join(topicConds, " OR ") + ")"
	contentExpr := "(" + strings.Join(contentConds, " OR ") + ")"
	tagExpr := "(" + strings.Join(tagConds, " OR ") + ")"

	// Params appear once per CASE arm and once per WHERE arm, in order.
	for i := 0; i < 5; i++ {
		params = append(params, patterns...)
	}
	params = append(params, limit)

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id, topic, content, category, expertise_level, tags, source, file_hash, priority,
		        created_at, updated_at,
		        CASE
		          WHEN `+topicExpr+` THEN 3
		          WHEN `+contentExpr+` THEN 2
		          ELSE 1
		        END AS match_rank
		 FROM knowledge_base
		 WHERE `+topicExpr+`
		    OR `+contentExpr+`
		    OR `+tagExpr+`
		 ORDER BY match_rank DESC, priority DESC, updated_at DESC, id ASC
		 LIMIT ?`,
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}

	out := make([]Row, 0, len(rows.Rows))
	for _, m := range rows.Rows {
		out = append(out, rowFromMap(m))
	}
	return out, nil
}

// GetBySource returns the row ingested from the given source path.
func (r *Repository) GetBySource(ctx context.Context, source string) (*Row, error) {
	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id, topic, content, category, expertise_level, tags, source, file_hash, priority,
		        created_at, updated_at
		 FROM knowledge_base WHERE source = ?`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: get by source: %w", err)
	}
	if len(rows.Rows) == 0 {
		return nil, fmt.Errorf("%w: source %q", ErrNotFound, source)
	}
	row := rowFromMap(rows.Rows[0])
	return &row, nil
}

// Delete removes a knowledge row by id.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.sqlc.Write(ctx, r.cfg.Database,
		`DELETE FROM knowledge_base WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("knowledge: delete: %w", err)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: knowledge row %d", ErrNotFound, id)
	}
	return nil
}

// ─── Conversations ───────────────────────────────────────────────────────────

// AppendConversation appends one turn to a session's log and returns
// its seq. The next seq is computed inside the insert itself, so
// serialized turns on a session always produce a contiguous 1..K.
func (r *Repository) AppendConversation(ctx context.Context, sessionID, userMessage, agentResponse, fileContext string) (int64, error) {
	res, err := r.sqlc.Write(ctx, r.cfg.Database,
		`INSERT INTO conversations (session_id, seq, user_message, agent_response, file_context)
		 SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?
		 FROM conversations WHERE session_id = ?`,
		sessionID, userMessage, agentResponse, nullable(fileContext), sessionID,
	)
	if err != nil {
		return 0, fmt.Errorf("knowledge: append conversation: %w", err)
	}

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT seq FROM conversations WHERE id = ?`, res.LastInsertRowID)
	if err != nil {
		return 0, fmt.Errorf("knowledge: append conversation: reading seq: %w", err)
	}
	if len(rows.Rows) == 0 {
		return 0, fmt.Errorf("knowledge: append conversation: inserted row %d vanished", res.LastInsertRowID)
	}
	return asInt64(rows.Rows[0]["seq"]), nil
}

// RecentTurns returns the last limit turns of a session in seq order.
func (r *Repository) RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT session_id, seq, user_message, agent_response, file_context, created_at
		 FROM conversations WHERE session_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: recent turns: %w", err)
	}

	// Reverse into chronological order.
	out := make([]Turn, len(rows.Rows))
	for i, m := range rows.Rows {
		out[len(rows.Rows)-1-i] = Turn{
			SessionID:     asString(m["session_id"]),
			Seq:           asInt64(m["seq"]),
			UserMessage:   asString(m["user_message"]),
			AgentResponse: asString(m["agent_response"]),
			FileContext:   asString(m["file_context"]),
			CreatedAt:     asString(m["created_at"]),
		}
	}
	return out, nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate row counts.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT
		   (SELECT COUNT(*) FROM knowledge_base)                      AS knowledge_rows,
		   (SELECT COUNT(*) FROM conversations)                       AS conversations,
		   (SELECT COUNT(DISTINCT session_id) FROM conversations)     AS sessions,
		   (SELECT COUNT(*) FROM prps)                                AS prps`,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: stats: %w", err)
	}
	if len(rows.Rows) == 0 {
		return &Stats{}, nil
	}
	m := rows.Rows[0]
	return &Stats{
		KnowledgeRows: asInt64(m["knowledge_rows"]),
		Conversations: asInt64(m["conversations"]),
		Sessions:      asInt64(m["sessions"]),
		PRPs:          asInt64(m["prps"]),
	}, nil
}

// ─── Row decoding helpers ────────────────────────────────────────────────────

func rowFromMap(m map[string]any) Row {
	return Row{
		ID:          asInt64(m["id"]),
		Topic:       asString(m["topic"]),
		Content:     asString(m["content"]),
		Category:    asString(m["category"]),
		Expertise:   asString(m["expertise_level"]),
		Tags:        splitTags(asString(m["tags"])),
		Source:      asString(m["source"]),
		Fingerprint: asString(m["file_hash"]),
		Priority:    int(asInt64(m["priority"])),
		CreatedAt:   asString(m["created_at"]),
		UpdatedAt:   asString(m["updated_at"]),
	}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// asInt64 converts the loosely typed values that survive a JSON round
// trip (float64) or come straight from the driver (int64).
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
