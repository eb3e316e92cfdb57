package agent

import (
	"strings"
	"testing"

	"github.com/dfarias/augur/internal/knowledge"
	"github.com/dfarias/augur/internal/llm"
)

// --- Ranking ---

func TestOrderItems_PRPsBeforeKnowledge(t *testing.T) {
	items := []contextItem{
		{kindRank: kindKnowledge, id: 1, priority: 5},
		{kindRank: kindPRP, id: 2, priority: 1},
	}
	orderItems(items)
	if items[0].id != 2 {
		t.Errorf("first item id = %d, want the PRP", items[0].id)
	}
}

func TestOrderItems_TieBreaks(t *testing.T) {
	items := []contextItem{
		{kindRank: kindKnowledge, id: 3, priority: 2, updatedAt: "2026-08-01"},
		{kindRank: kindKnowledge, id: 1, priority: 2, updatedAt: "2026-08-20"},
		{kindRank: kindKnowledge, id: 2, priority: 4, updatedAt: "2026-07-01"},
	}
	orderItems(items)

	want := []int64{2, 1, 3} // priority desc, then updated_at desc
	for i, id := range want {
		if items[i].id != id {
			t.Errorf("items[%d].id = %d, want %d", i, items[i].id, id)
		}
	}
}

func TestItemFromPRP_MapsPriority(t *testing.T) {
	it := itemFromPRP(knowledge.PRP{ID: 7, Name: "auth", Title: "Auth", Priority: "high"})
	if it.kindRank != kindPRP {
		t.Errorf("kindRank = %d, want PRP", it.kindRank)
	}
	if it.priority != 5 {
		t.Errorf("priority = %d, want 5 for high", it.priority)
	}
	if it.source != "prp/auth" {
		t.Errorf("source = %s", it.source)
	}
}

// --- Token estimation ---

func TestEstimateTokens(t *testing.T) {
	if got := estimateTokens("12345678"); got != 2 {
		t.Errorf("estimateTokens = %d, want 2", got)
	}
	if got := estimateTokens(""); got != 0 {
		t.Errorf("estimateTokens(empty) = %d, want 0", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 300); got != "short" {
		t.Errorf("truncate = %q", got)
	}
	long := strings.Repeat("a", 400)
	got := truncate(long, 300)
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncate = %q, want ellipsis suffix", got[len(got)-10:])
	}
	if len(got) != 300+len("…") {
		t.Errorf("truncate length = %d, want 303", len(got))
	}
}

// --- Composition ---

func TestComposePrompt_WithinBudget(t *testing.T) {
	items := []contextItem{
		{kindRank: kindKnowledge, source: "a.md", topic: "alpha", snippet: "alpha notes"},
	}
	msgs, kept := composePrompt("system", items, nil, "question", 1000)

	if len(kept) != 1 {
		t.Fatalf("kept = %d items, want 1", len(kept))
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want context preamble + user", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "a.md") {
		t.Errorf("preamble = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "question" {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestComposePrompt_DropsLowestRankedFirst(t *testing.T) {
	big := strings.Repeat("x", 400) // ~100 tokens each
	items := []contextItem{
		{kindRank: kindPRP, source: "prp/top", topic: "top", snippet: big},
		{kindRank: kindKnowledge, source: "mid.md", topic: "mid", snippet: big},
		{kindRank: kindKnowledge, source: "low.md", topic: "low", snippet: big},
	}

	// Budget fits roughly two snippets.
	_, kept := composePrompt("sys", items, nil, "q", 230)

	if len(kept) >= 3 {
		t.Fatalf("kept all %d items, budget should drop some", len(kept))
	}
	if len(kept) == 0 {
		t.Fatal("kept nothing, budget fits at least the top item")
	}
	if kept[0].source != "prp/top" {
		t.Errorf("kept[0] = %s, want the best-ranked item to survive", kept[0].source)
	}
}

func TestComposePrompt_DropsOldestWindowAfterItems(t *testing.T) {
	big := strings.Repeat("w", 400)
	window := []llm.Message{
		{Role: "user", Content: big},
		{Role: "assistant", Content: big},
		{Role: "user", Content: "recent"},
		{Role: "assistant", Content: "recent reply"},
	}

	msgs, kept := composePrompt("sys", nil, window, "question", 60)

	if len(kept) != 0 {
		t.Errorf("kept = %v, want none", kept)
	}
	// The oldest large messages were dropped; the user message survives.
	last := msgs[len(msgs)-1]
	if last.Role != "user" || last.Content != "question" {
		t.Fatalf("last message = %+v, want the current user message", last)
	}
	for _, m := range msgs[:len(msgs)-1] {
		if m.Content == big {
			t.Error("oversized window message survived the budget")
		}
	}
}

func TestComposePrompt_NeverDropsUserMessage(t *testing.T) {
	long := strings.Repeat("u", 4000)
	msgs, _ := composePrompt("sys", nil, nil, long, 10)

	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want just the user message", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != long {
		t.Errorf("user message altered: %+v", msgs[0])
	}
}

func TestContextPreamble_Empty(t *testing.T) {
	if got := contextPreamble(nil); got != "" {
		t.Errorf("preamble = %q, want empty", got)
	}
}

func TestSystemPrompt_MentionsLanguage(t *testing.T) {
	if got := systemPrompt("pt-br"); !strings.Contains(got, "pt-br") {
		t.Errorf("system prompt missing language: %s", got)
	}
}
