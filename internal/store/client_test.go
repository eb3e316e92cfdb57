package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// fakeCaller records tool calls and plays back canned results.
type fakeCaller struct {
	calls   []recordedCall
	result  string
	isError bool
	err     error
}

type recordedCall struct {
	name string
	args map[string]any
}

func (f *fakeCaller) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: f.result}},
		IsError: f.isError,
	}, nil
}

// --- CheckReadOnly ---

func TestCheckReadOnly_AcceptsQueries(t *testing.T) {
	ok := []string{
		"SELECT * FROM knowledge_base",
		"  select id from prps where name = ?",
		"WITH t AS (SELECT 1) SELECT * FROM t",
		"PRAGMA table_info(conversations)",
		"EXPLAIN QUERY PLAN SELECT 1",
		"SELECT created_at, updated_at FROM prps", // column names are not verbs
	}
	for _, sql := range ok {
		if err := CheckReadOnly(sql); err != nil {
			t.Errorf("CheckReadOnly(%q) = %v, want nil", sql, err)
		}
	}
}

func TestCheckReadOnly_RejectsWrites(t *testing.T) {
	bad := []string{
		"INSERT INTO prps (name) VALUES ('x')",
		"update prps set status = 'active'",
		"DELETE FROM conversations",
		"DROP TABLE knowledge_base",
		"SELECT 1; DELETE FROM prps",
		"WITH t AS (SELECT 1) INSERT INTO prps SELECT * FROM t",
		"VACUUM",
	}
	for _, sql := range bad {
		err := CheckReadOnly(sql)
		if !errors.Is(err, ErrReadOnly) {
			t.Errorf("CheckReadOnly(%q) = %v, want ErrReadOnly", sql, err)
		}
	}
}

// --- Read ---

func TestRead_DecodesRows(t *testing.T) {
	fc := &fakeCaller{result: `{"columns":["id","topic"],"rows":[{"id":1,"topic":"turso"}]}`}
	c := New(fc, ToolNames{})

	rows, err := c.Read(context.Background(), "agent", "SELECT id, topic FROM knowledge_base", 5)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(rows.Rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows.Rows))
	}
	if rows.Rows[0]["topic"] != "turso" {
		t.Errorf("topic = %v, want turso", rows.Rows[0]["topic"])
	}

	call := fc.calls[0]
	if call.name != "execute_read_only_query" {
		t.Errorf("tool = %s, want execute_read_only_query", call.name)
	}
	if call.args["database"] != "agent" {
		t.Errorf("database = %v, want agent", call.args["database"])
	}
	params, ok := call.args["params"].([]any)
	if !ok || len(params) != 1 {
		t.Errorf("params = %v, want positional [5]", call.args["params"])
	}
}

func TestRead_WriteVerb_NoToolCall(t *testing.T) {
	fc := &fakeCaller{}
	c := New(fc, ToolNames{})

	_, err := c.Read(context.Background(), "agent", "DELETE FROM prps")
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if len(fc.calls) != 0 {
		t.Errorf("guard fired after %d tool calls, want 0", len(fc.calls))
	}
}

// --- Write / Batch ---

func TestWrite_DecodesResult(t *testing.T) {
	fc := &fakeCaller{result: `{"rows_affected":1,"last_insert_rowid":42}`}
	c := New(fc, ToolNames{})

	res, err := c.Write(context.Background(), "agent", "INSERT INTO prps (name) VALUES (?)", "auth")
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if res.LastInsertRowID != 42 {
		t.Errorf("LastInsertRowID = %d, want 42", res.LastInsertRowID)
	}
	if fc.calls[0].name != "execute_query" {
		t.Errorf("tool = %s, want execute_query", fc.calls[0].name)
	}
}

func TestBatch_SendsStatements(t *testing.T) {
	fc := &fakeCaller{result: `{"results":[{"rows_affected":1},{"rows_affected":1}]}`}
	c := New(fc, ToolNames{})

	stmts := []Statement{
		{SQL: "INSERT INTO knowledge_base (topic) VALUES (?)", Params: []any{"a"}},
		{SQL: "INSERT INTO knowledge_base (topic) VALUES (?)", Params: []any{"b"}},
	}
	results, err := c.Batch(context.Background(), "agent", stmts)
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
	if fc.calls[0].name != "batch_execute" {
		t.Errorf("tool = %s, want batch_execute", fc.calls[0].name)
	}
}

// --- Error surfaces ---

func TestCall_ToolErrorResult(t *testing.T) {
	fc := &fakeCaller{result: "no such table: missing", isError: true}
	c := New(fc, ToolNames{})

	_, err := c.Read(context.Background(), "agent", "SELECT * FROM missing")
	if err == nil {
		t.Fatal("expected error from IsError result")
	}
}

func TestCall_TransportError(t *testing.T) {
	wantErr := errors.New("transport down")
	fc := &fakeCaller{err: wantErr}
	c := New(fc, ToolNames{})

	_, err := c.Write(context.Background(), "agent", "INSERT INTO prps (name) VALUES ('x')")
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want transport error", err)
	}
}

// --- DescribeTable cache ---

func TestDescribeTable_CachesWithinTTL(t *testing.T) {
	fc := &fakeCaller{result: `{"columns":[{"name":"id","type":"INTEGER","pk":true}]}`}
	c := New(fc, ToolNames{})

	for i := 0; i < 3; i++ {
		cols, err := c.DescribeTable(context.Background(), "agent", "prps")
		if err != nil {
			t.Fatalf("DescribeTable failed: %v", err)
		}
		if len(cols) != 1 || cols[0].Name != "id" {
			t.Fatalf("cols = %v", cols)
		}
	}
	if len(fc.calls) != 1 {
		t.Errorf("tool called %d times, want 1 (cached)", len(fc.calls))
	}
}

func TestDescribeTable_ExpiredEntryRefetches(t *testing.T) {
	fc := &fakeCaller{result: `{"columns":[{"name":"id","type":"INTEGER"}]}`}
	c := New(fc, ToolNames{})
	c.descTTL = time.Nanosecond

	if _, err := c.DescribeTable(context.Background(), "agent", "prps"); err != nil {
		t.Fatalf("DescribeTable failed: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.DescribeTable(context.Background(), "agent", "prps"); err != nil {
		t.Fatalf("DescribeTable failed: %v", err)
	}
	if len(fc.calls) != 2 {
		t.Errorf("tool called %d times, want 2 (expired)", len(fc.calls))
	}
}

// --- ToolNames ---

func TestToolNames_Overrides(t *testing.T) {
	fc := &fakeCaller{result: `{"tables":["prps"]}`}
	c := New(fc, ToolNames{ListTables: "tables_list"})

	if _, err := c.ListTables(context.Background(), "agent"); err != nil {
		t.Fatalf("ListTables failed: %v", err)
	}
	if fc.calls[0].name != "tables_list" {
		t.Errorf("tool = %s, want tables_list", fc.calls[0].name)
	}
}
