package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dfarias/augur/internal/knowledge"
	"github.com/dfarias/augur/internal/llm"
)

// The PRP intents are declared to the model once and dispatched through
// a single map, so tool names, schemas, and handlers cannot drift apart.

type toolHandler func(ctx context.Context, args json.RawMessage) (string, error)

func (a *Agent) toolSchemas() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "list_prps",
			Description: "List PRP documents, optionally filtered by status or a search term.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "enum": []string{"draft", "active", "archived"}},
					"query":  map[string]any{"type": "string"},
				},
			},
		},
		{
			Name:        "create_prp",
			Description: "Create a new PRP document. The name must be unique.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":        map[string]any{"type": "string"},
					"title":       map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"objective":   map[string]any{"type": "string"},
					"priority":    map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				},
				"required": []string{"name", "title"},
			},
		},
		{
			Name:        "analyze_prp",
			Description: "Fetch and summarize a PRP by id or name, resolving any pending language conversion.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ref": map[string]any{"type": "string", "description": "PRP id or name"},
				},
				"required": []string{"ref"},
			},
		},
		{
			Name:        "update_prp_status",
			Description: "Move a PRP to draft, active, or archived.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":     map[string]any{"type": "integer"},
					"status": map[string]any{"type": "string", "enum": []string{"draft", "active", "archived"}},
				},
				"required": []string{"id", "status"},
			},
		},
	}
}

func (a *Agent) toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"list_prps":         a.handleListPRPs,
		"create_prp":        a.handleCreatePRP,
		"analyze_prp":       a.handleAnalyzePRP,
		"update_prp_status": a.handleUpdatePRPStatus,
	}
}

// dispatchTool runs one model-requested tool call and returns the tool
// message content fed back to the model. Unknown tools and handler
// failures are reported as content, not as turn failures — the model
// gets to react.
func (a *Agent) dispatchTool(ctx context.Context, call llm.ToolCall) string {
	h, ok := a.toolHandlers()[call.Name]
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name)
	}
	out, err := h(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

func (a *Agent) handleListPRPs(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Status string `json:"status"`
		Query  string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	prps, err := a.repo.ListPRPs(ctx, knowledge.PRPFilter{Status: in.Status, Query: in.Query})
	if err != nil {
		return "", err
	}
	if len(prps) == 0 {
		return "No PRPs found.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d PRPs:\n", len(prps))
	for _, p := range prps {
		fmt.Fprintf(&b, "#%d %s [%s/%s] — %s\n", p.ID, p.Name, p.Status, p.Priority, p.Title)
	}
	return b.String(), nil
}

func (a *Agent) handleCreatePRP(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Name        string `json:"name"`
		Title       string `json:"title"`
		Description string `json:"description"`
		Objective   string `json:"objective"`
		Priority    string `json:"priority"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	prp, err := a.CreatePRP(ctx, knowledge.CreatePRPParams{
		Name:        in.Name,
		Title:       in.Title,
		Description: in.Description,
		Objective:   in.Objective,
		Priority:    in.Priority,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created PRP #%d %q (status: %s).", prp.ID, prp.Name, prp.Status), nil
}

func (a *Agent) handleAnalyzePRP(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	return a.AnalyzePRP(ctx, in.Ref)
}

func (a *Agent) handleUpdatePRPStatus(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if err := a.SetPRPStatus(ctx, in.ID, in.Status); err != nil {
		return "", err
	}
	return fmt.Sprintf("PRP #%d moved to %s.", in.ID, in.Status), nil
}
