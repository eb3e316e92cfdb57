// Package storemcp is a development stand-in for the hosted edge store:
// an MCP server over stdio that answers the same tool contract the agent
// speaks, backed by a local SQLite file.
//
// It exists so the agent can be developed and integration-tested without
// store credentials. It is not a replica — nothing syncs anywhere.
package storemcp

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// Store wraps one logical SQLite database.
type Store struct {
	db   *sql.DB
	name string
}

// Open creates (if needed) and opens the database file, applies the
// usual pragmas, and ensures the agent schema exists.
func Open(path, database string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("storemcp: create data dir: %w", err)
		}
	}

	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storemcp: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("storemcp: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, name: database}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("storemcp: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Database returns the logical database name this store serves.
func (s *Store) Database() string {
	return s.name
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS knowledge_base (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			topic           TEXT    NOT NULL,
			content         TEXT    NOT NULL,
			category        TEXT    NOT NULL DEFAULT 'General',
			expertise_level TEXT    NOT NULL DEFAULT 'beginner',
			tags            TEXT    NOT NULL DEFAULT '',
			source          TEXT    NOT NULL UNIQUE,
			file_hash       TEXT    NOT NULL,
			priority        INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT    NOT NULL DEFAULT (datetime('now')),
			updated_at      TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_kb_topic    ON knowledge_base(topic);
		CREATE INDEX IF NOT EXISTS idx_kb_category ON knowledge_base(category);
		CREATE INDEX IF NOT EXISTS idx_kb_updated  ON knowledge_base(updated_at DESC);

		CREATE TABLE IF NOT EXISTS conversations (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id     TEXT    NOT NULL,
			seq            INTEGER NOT NULL,
			user_message   TEXT    NOT NULL,
			agent_response TEXT    NOT NULL,
			file_context   TEXT,
			created_at     TEXT    NOT NULL DEFAULT (datetime('now')),
			UNIQUE(session_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_conv_session ON conversations(session_id, seq);

		CREATE TABLE IF NOT EXISTS prps (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			name                   TEXT    NOT NULL UNIQUE,
			title                  TEXT    NOT NULL,
			description            TEXT    NOT NULL DEFAULT '',
			objective              TEXT    NOT NULL DEFAULT '',
			context_data           TEXT,
			implementation_details TEXT,
			validation_gates       TEXT,
			status                 TEXT    NOT NULL DEFAULT 'draft',
			priority               TEXT    NOT NULL DEFAULT 'medium',
			tags                   TEXT    NOT NULL DEFAULT '',
			search_text            TEXT    NOT NULL DEFAULT '',
			created_at             TEXT    NOT NULL DEFAULT (datetime('now')),
			updated_at             TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_prps_status ON prps(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// queryRows runs a read statement and shapes the result for the wire:
// column list plus one map per row. []byte values become strings so the
// payload stays valid JSON.
func (s *Store) queryRows(sqlText string, params []any) ([]string, []map[string]any, error) {
	rows, err := s.db.Query(sqlText, params...)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				m[c] = string(b)
			} else {
				m[c] = vals[i]
			}
		}
		out = append(out, m)
	}
	return cols, out, rows.Err()
}

// exec runs a mutating statement.
func (s *Store) exec(sqlText string, params []any) (rowsAffected, lastInsert int64, err error) {
	res, err := s.db.Exec(sqlText, params...)
	if err != nil {
		return 0, 0, err
	}
	rowsAffected, _ = res.RowsAffected()
	lastInsert, _ = res.LastInsertId()
	return rowsAffected, lastInsert, nil
}

// execBatch runs all statements inside one transaction. Any failure
// rolls the whole batch back.
func (s *Store) execBatch(stmts []batchStatement) ([]execResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}

	results := make([]execResult, 0, len(stmts))
	for _, st := range stmts {
		res, err := tx.Exec(st.SQL, st.Params...)
		if err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("statement %q: %w", st.SQL, err)
		}
		ra, _ := res.RowsAffected()
		li, _ := res.LastInsertId()
		results = append(results, execResult{RowsAffected: ra, LastInsertRowID: li})
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

// tables lists user tables.
func (s *Store) tables() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// describe returns the column layout of a table via PRAGMA table_info.
func (s *Store) describe(table string) ([]columnInfo, error) {
	rows, err := s.db.Query(`SELECT name, type, "notnull", pk FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []columnInfo
	for rows.Next() {
		var c columnInfo
		var notNull, pk int
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, err
		}
		c.NotNull = notNull != 0
		c.PK = pk != 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

type columnInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"notnull"`
	PK      bool   `json:"pk"`
}

type batchStatement struct {
	SQL    string
	Params []any
}

type execResult struct {
	RowsAffected    int64 `json:"rows_affected"`
	LastInsertRowID int64 `json:"last_insert_rowid"`
}
