// Package store is the typed client for the remote SQL store, reached
// exclusively through the MCP tool channel.
//
// Every operation is a single tool call. Parameters are always bound
// positionally — SQL text never has values interpolated into it — and
// read paths are guarded against write verbs before any network traffic.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrReadOnly is returned when a statement with a write verb reaches
// Read. This is a programmer error: the guard fires before any tool
// call is issued.
var ErrReadOnly = errors.New("store: read-only violation")

// writeVerbs matches write statements as whole words, case-insensitive.
var writeVerbs = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|alter|create|replace)\b`)

// ToolCaller is the transport surface the client needs. Satisfied by
// *mcpclient.Transport.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolNames maps client operations to the tool names the host
// advertises. Zero values fall back to the conventional names.
type ToolNames struct {
	ListDatabases string
	ListTables    string
	DescribeTable string
	ReadQuery     string
	WriteQuery    string
	Batch         string
}

func (n ToolNames) withDefaults() ToolNames {
	def := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	return ToolNames{
		ListDatabases: def(n.ListDatabases, "list_databases"),
		ListTables:    def(n.ListTables, "list_tables"),
		DescribeTable: def(n.DescribeTable, "describe_table"),
		ReadQuery:     def(n.ReadQuery, "execute_read_only_query"),
		WriteQuery:    def(n.WriteQuery, "execute_query"),
		Batch:         def(n.Batch, "batch_execute"),
	}
}

// Column describes one column of a table.
type Column struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"notnull"`
	PK      bool   `json:"pk"`
}

// Rows is the decoded result of a read query.
type Rows struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// WriteResult is the decoded result of a mutating query.
type WriteResult struct {
	RowsAffected    int64 `json:"rows_affected"`
	LastInsertRowID int64 `json:"last_insert_rowid"`
}

// Statement is one entry of a batch.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// Client exposes the store operations over a ToolCaller.
type Client struct {
	tc    ToolCaller
	names ToolNames

	// describe_table responses change only on migrations, so a short
	// TTL cache is safe. Row data is never cached.
	descTTL   time.Duration
	descMu    sync.Mutex
	descCache map[string]describeEntry
}

type describeEntry struct {
	cols    []Column
	fetched time.Time
}

// New creates a store client on top of the given transport.
func New(tc ToolCaller, names ToolNames) *Client {
	return &Client{
		tc:        tc,
		names:     names.withDefaults(),
		descTTL:   30 * time.Second,
		descCache: make(map[string]describeEntry),
	}
}

// ListDatabases returns the logical database names the store serves.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	var out struct {
		Databases []string `json:"databases"`
	}
	if err := c.call(ctx, c.names.ListDatabases, map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Databases, nil
}

// ListTables returns the table names of a database.
func (c *Client) ListTables(ctx context.Context, database string) ([]string, error) {
	var out struct {
		Tables []string `json:"tables"`
	}
	args := map[string]any{"database": database}
	if err := c.call(ctx, c.names.ListTables, args, &out); err != nil {
		return nil, err
	}
	return out.Tables, nil
}

// DescribeTable returns the column layout of a table.
func (c *Client) DescribeTable(ctx context.Context, database, table string) ([]Column, error) {
	key := database + "/" + table

	c.descMu.Lock()
	if e, ok := c.descCache[key]; ok && time.Since(e.fetched) < c.descTTL {
		cols := e.cols
		c.descMu.Unlock()
		return cols, nil
	}
	c.descMu.Unlock()

	var out struct {
		Columns []Column `json:"columns"`
	}
	args := map[string]any{"database": database, "table": table}
	if err := c.call(ctx, c.names.DescribeTable, args, &out); err != nil {
		return nil, err
	}

	c.descMu.Lock()
	c.descCache[key] = describeEntry{cols: out.Columns, fetched: time.Now()}
	c.descMu.Unlock()
	return out.Columns, nil
}

// Read executes a read-only statement. Statements containing write verbs
// are rejected with ErrReadOnly before any tool call is issued.
func (c *Client) Read(ctx context.Context, database, sql string, params ...any) (*Rows, error) {
	if err := CheckReadOnly(sql); err != nil {
		return nil, err
	}
	var out Rows
	args := map[string]any{"database": database, "sql": sql}
	if len(params) > 0 {
		args["params"] = params
	}
	if err := c.call(ctx, c.names.ReadQuery, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Write executes a mutating statement.
func (c *Client) Write(ctx context.Context, database, sql string, params ...any) (*WriteResult, error) {
	var out WriteResult
	args := map[string]any{"database": database, "sql": sql}
	if len(params) > 0 {
		args["params"] = params
	}
	if err := c.call(ctx, c.names.WriteQuery, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Batch executes statements atomically at the store: either every
// statement commits or none does.
func (c *Client) Batch(ctx context.Context, database string, stmts []Statement) ([]WriteResult, error) {
	var out struct {
		Results []WriteResult `json:"results"`
	}
	args := map[string]any{"database": database, "statements": stmts}
	if err := c.call(ctx, c.names.Batch, args, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// CheckReadOnly validates that a statement carries no write verbs and
// starts like a query.
func CheckReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)
	prefixOK := strings.HasPrefix(upper, "SELECT") ||
		strings.HasPrefix(upper, "WITH") ||
		strings.HasPrefix(upper, "PRAGMA") ||
		strings.HasPrefix(upper, "EXPLAIN")
	if !prefixOK {
		return fmt.Errorf("%w: statement must start with SELECT/WITH/PRAGMA/EXPLAIN", ErrReadOnly)
	}
	if m := writeVerbs.FindString(trimmed); m != "" {
		return fmt.Errorf("%w: statement contains %q", ErrReadOnly, strings.ToUpper(m))
	}
	return nil
}

// call issues one tool call and decodes the JSON text payload of the
// result into out.
func (c *Client) call(ctx context.Context, tool string, args map[string]any, out any) error {
	res, err := c.tc.CallTool(ctx, tool, args)
	if err != nil {
		return err
	}
	text := resultText(res)
	if res.IsError {
		return fmt.Errorf("store: %s: %s", tool, text)
	}
	if out == nil || text == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("store: %s: decoding result: %w", tool, err)
	}
	return nil
}

// resultText extracts the first text content of a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, content := range r.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
