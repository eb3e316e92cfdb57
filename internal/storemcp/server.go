package storemcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dfarias/augur/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewServer creates an MCP server exposing the store tool contract on
// top of the given Store.
func NewServer(s *Store) *server.MCPServer {
	srv := server.NewMCPServer(
		"augur-store",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	listDB := &ListDatabasesTool{store: s}
	srv.AddTool(listDB.Definition(), listDB.Handle)

	listTables := &ListTablesTool{store: s}
	srv.AddTool(listTables.Definition(), listTables.Handle)

	describe := &DescribeTableTool{store: s}
	srv.AddTool(describe.Definition(), describe.Handle)

	readQuery := &ReadQueryTool{store: s}
	srv.AddTool(readQuery.Definition(), readQuery.Handle)

	writeQuery := &WriteQueryTool{store: s}
	srv.AddTool(writeQuery.Definition(), writeQuery.Handle)

	batch := &BatchTool{store: s}
	srv.AddTool(batch.Definition(), batch.Handle)

	getConv := &GetConversationsTool{store: s}
	srv.AddTool(getConv.Definition(), getConv.Handle)

	addKnow := &AddKnowledgeTool{store: s}
	srv.AddTool(addKnow.Definition(), addKnow.Handle)

	searchKnow := &SearchKnowledgeTool{store: s}
	srv.AddTool(searchKnow.Definition(), searchKnow.Handle)

	return srv
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// jsonResult marshals v as the text payload of a successful tool result.
func jsonResult(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// paramsArg extracts the positional bind parameters from a request.
func paramsArg(req mcp.CallToolRequest) []any {
	raw, ok := req.GetArguments()["params"].([]any)
	if !ok {
		return nil
	}
	return raw
}

// intArg extracts an integer argument (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// ─── SQL tools ───────────────────────────────────────────────────────────────

// ListDatabasesTool handles the list_databases tool.
type ListDatabasesTool struct {
	store *Store
}

func (t *ListDatabasesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_databases",
		mcp.WithDescription("List the logical databases this store serves."),
	)
}

func (t *ListDatabasesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"databases": []string{t.store.name}}), nil
}

// ListTablesTool handles the list_tables tool.
type ListTablesTool struct {
	store *Store
}

func (t *ListTablesTool) Definition() mcp.Tool {
	return mcp.NewTool("list_tables",
		mcp.WithDescription("List the tables of a database."),
		mcp.WithString("database", mcp.Required(), mcp.Description("Logical database name")),
	)
}

func (t *ListTablesTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tables, err := t.store.tables()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("listing tables: %v", err)), nil
	}
	return jsonResult(map[string]any{"tables": tables}), nil
}

// DescribeTableTool handles the describe_table tool.
type DescribeTableTool struct {
	store *Store
}

func (t *DescribeTableTool) Definition() mcp.Tool {
	return mcp.NewTool("describe_table",
		mcp.WithDescription("Describe the columns of a table."),
		mcp.WithString("database", mcp.Required(), mcp.Description("Logical database name")),
		mcp.WithString("table", mcp.Required(), mcp.Description("Table name")),
	)
}

func (t *DescribeTableTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table := req.GetString("table", "")
	if table == "" {
		return mcp.NewToolResultError("'table' is required"), nil
	}
	cols, err := t.store.describe(table)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("describing %q: %v", table, err)), nil
	}
	return jsonResult(map[string]any{"columns": cols}), nil
}

// ReadQueryTool handles the execute_read_only_query tool.
type ReadQueryTool struct {
	store *Store
}

func (t *ReadQueryTool) Definition() mcp.Tool {
	return mcp.NewTool("execute_read_only_query",
		mcp.WithDescription("Execute a read-only SQL statement with positional parameters."),
		mcp.WithString("database", mcp.Required(), mcp.Description("Logical database name")),
		mcp.WithString("sql", mcp.Required(), mcp.Description("SELECT/WITH/PRAGMA statement")),
		mcp.WithArray("params", mcp.Description("Positional bind parameters")),
	)
}

func (t *ReadQueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sqlText := req.GetString("sql", "")
	if sqlText == "" {
		return mcp.NewToolResultError("'sql' is required"), nil
	}
	// Server-side guard: the client checks too, but the tool must hold
	// on its own against other callers.
	if err := store.CheckReadOnly(sqlText); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cols, rows, err := t.store.queryRows(sqlText, paramsArg(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"columns": cols, "rows": rows}), nil
}

// WriteQueryTool handles the execute_query tool.
type WriteQueryTool struct {
	store *Store
}

func (t *WriteQueryTool) Definition() mcp.Tool {
	return mcp.NewTool("execute_query",
		mcp.WithDescription("Execute a mutating SQL statement with positional parameters."),
		mcp.WithString("database", mcp.Required(), mcp.Description("Logical database name")),
		mcp.WithString("sql", mcp.Required(), mcp.Description("SQL statement")),
		mcp.WithArray("params", mcp.Description("Positional bind parameters")),
	)
}

func (t *WriteQueryTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sqlText := req.GetString("sql", "")
	if sqlText == "" {
		return mcp.NewToolResultError("'sql' is required"), nil
	}
	ra, li, err := t.store.exec(sqlText, paramsArg(req))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("statement failed: %v", err)), nil
	}
	return jsonResult(execResult{RowsAffected: ra, LastInsertRowID: li}), nil
}

// BatchTool handles the batch_execute tool. All statements run in one
// transaction — either every statement commits or none does.
type BatchTool struct {
	store *Store
}

func (t *BatchTool) Definition() mcp.Tool {
	return mcp.NewTool("batch_execute",
		mcp.WithDescription("Execute a batch of SQL statements atomically."),
		mcp.WithString("database", mcp.Required(), mcp.Description("Logical database name")),
		mcp.WithArray("statements", mcp.Required(),
			mcp.Description("Array of {sql, params?} objects")),
	)
}

func (t *BatchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["statements"].([]any)
	if !ok || len(raw) == 0 {
		return mcp.NewToolResultError("'statements' is required"), nil
	}

	stmts := make([]batchStatement, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("statement %d: expected object", i)), nil
		}
		sqlText, _ := m["sql"].(string)
		if sqlText == "" {
			return mcp.NewToolResultError(fmt.Sprintf("statement %d: 'sql' is required", i)), nil
		}
		params, _ := m["params"].([]any)
		stmts = append(stmts, batchStatement{SQL: sqlText, Params: params})
	}

	results, err := t.store.execBatch(stmts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"results": results}), nil
}
