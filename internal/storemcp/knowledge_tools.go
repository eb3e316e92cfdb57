package storemcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Convenience tools on top of the raw SQL surface. The agent's
// repository speaks SQL through execute_query, but other MCP hosts
// attached to the same store use these directly.

// GetConversationsTool handles the get_conversations tool.
type GetConversationsTool struct {
	store *Store
}

func (t *GetConversationsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_conversations",
		mcp.WithDescription("Return the conversation turns of a session in seq order."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session identifier")),
		mcp.WithNumber("limit", mcp.Description("Max turns (default: 20)")),
	)
}

func (t *GetConversationsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	limit := intArg(req, "limit", 20)

	cols, rows, err := t.store.queryRows(
		`SELECT id, session_id, seq, user_message, agent_response, file_context, created_at
		 FROM conversations WHERE session_id = ? ORDER BY seq ASC LIMIT ?`,
		[]any{sessionID, limit},
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetching conversations: %v", err)), nil
	}
	return jsonResult(map[string]any{"columns": cols, "rows": rows}), nil
}

// AddKnowledgeTool handles the add_knowledge tool. Ingest by source is
// idempotent: a matching file_hash is a no-op, a differing one updates
// the row in place.
type AddKnowledgeTool struct {
	store *Store
}

func (t *AddKnowledgeTool) Definition() mcp.Tool {
	return mcp.NewTool("add_knowledge",
		mcp.WithDescription("Insert or update a knowledge row keyed by source."),
		mcp.WithString("topic", mcp.Required(), mcp.Description("Short topic line")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Row content")),
		mcp.WithString("source", mcp.Required(), mcp.Description("Origin path or URL — unique key")),
		mcp.WithString("file_hash", mcp.Required(), mcp.Description("Hex digest of content")),
		mcp.WithString("category", mcp.Description("Category (default: General)")),
		mcp.WithString("expertise_level", mcp.Description("beginner, intermediate, or expert")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
		mcp.WithNumber("priority", mcp.Description("1..5 (default: 1)")),
	)
}

func (t *AddKnowledgeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	topic := req.GetString("topic", "")
	content := req.GetString("content", "")
	source := req.GetString("source", "")
	hash := req.GetString("file_hash", "")
	if topic == "" || content == "" || source == "" || hash == "" {
		return mcp.NewToolResultError("'topic', 'content', 'source' and 'file_hash' are required"), nil
	}
	category := req.GetString("category", "General")
	expertise := req.GetString("expertise_level", "beginner")
	tags := req.GetString("tags", "")
	priority := intArg(req, "priority", 1)

	var existingHash string
	_, rows, err := t.store.queryRows(
		`SELECT file_hash FROM knowledge_base WHERE source = ?`, []any{source},
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("lookup failed: %v", err)), nil
	}
	if len(rows) > 0 {
		existingHash, _ = rows[0]["file_hash"].(string)
		if existingHash == hash {
			return jsonResult(map[string]any{"outcome": "unchanged"}), nil
		}
		if _, _, err := t.store.exec(
			`UPDATE knowledge_base
			 SET topic = ?, content = ?, category = ?, expertise_level = ?, tags = ?,
			     file_hash = ?, priority = ?, updated_at = datetime('now')
			 WHERE source = ?`,
			[]any{topic, content, category, expertise, tags, hash, priority, source},
		); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"outcome": "updated"}), nil
	}

	_, id, err := t.store.exec(
		`INSERT INTO knowledge_base (topic, content, category, expertise_level, tags, source, file_hash, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		[]any{topic, content, category, expertise, tags, source, hash, priority},
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("insert failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"outcome": "inserted", "id": id}), nil
}

// SearchKnowledgeTool handles the search_knowledge tool: substring match
// over topic, content and tags.
type SearchKnowledgeTool struct {
	store *Store
}

func (t *SearchKnowledgeTool) Definition() mcp.Tool {
	return mcp.NewTool("search_knowledge",
		mcp.WithDescription("Search knowledge rows by case-insensitive substring."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text")),
		mcp.WithNumber("limit", mcp.Description("Max results (default: 5)")),
	)
}

func (t *SearchKnowledgeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}
	limit := intArg(req, "limit", 5)
	pattern := "%" + query + "%"

	cols, rows, err := t.store.queryRows(
		`SELECT id, topic, content, category, expertise_level, tags, source, file_hash, priority, created_at, updated_at
		 FROM knowledge_base
		 WHERE topic LIKE ? COLLATE NOCASE
		    OR content LIKE ? COLLATE NOCASE
		    OR tags LIKE ? COLLATE NOCASE
		 ORDER BY priority DESC, updated_at DESC, id ASC
		 LIMIT ?`,
		[]any{pattern, pattern, pattern, limit},
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"columns": cols, "rows": rows}), nil
}
