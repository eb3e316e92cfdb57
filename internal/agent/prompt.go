package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dfarias/augur/internal/knowledge"
	"github.com/dfarias/augur/internal/llm"
)

// contextItem is one retrieved piece of context, ranked for composition.
// Lower kindRank wins: PRPs over knowledge rows.
type contextItem struct {
	kindRank  int
	id        int64
	source    string
	topic     string
	snippet   string
	priority  int
	updatedAt string
}

const (
	kindPRP       = 0
	kindKnowledge = 1

	snippetLimit = 300
)

// estimateTokens approximates token count as len/4. Fast, no tokenizer
// dependency; good enough for budget trimming.
func estimateTokens(text string) int {
	return len(text) / 4
}

// truncate shortens s to limit runes-ish with an ellipsis marker.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

func itemFromRow(row knowledge.Row) contextItem {
	return contextItem{
		kindRank:  kindKnowledge,
		id:        row.ID,
		source:    row.Source,
		topic:     row.Topic,
		snippet:   truncate(row.Content, snippetLimit),
		priority:  row.Priority,
		updatedAt: row.UpdatedAt,
	}
}

func itemFromPRP(p knowledge.PRP) contextItem {
	prio := map[string]int{"low": 1, "medium": 3, "high": 5}[p.Priority]
	return contextItem{
		kindRank:  kindPRP,
		id:        p.ID,
		source:    "prp/" + p.Name,
		topic:     p.Title,
		snippet:   truncate(strings.TrimSpace(p.Description+" "+p.Objective), snippetLimit),
		priority:  prio,
		updatedAt: p.UpdatedAt,
	}
}

// orderItems sorts retrieved items deterministically: PRPs before
// knowledge, then priority DESC, updated_at DESC, id ASC.
func orderItems(items []contextItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.kindRank != b.kindRank {
			return a.kindRank < b.kindRank
		}
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.updatedAt != b.updatedAt {
			return a.updatedAt > b.updatedAt
		}
		return a.id < b.id
	})
}

// systemPrompt establishes the agent role and language default.
func systemPrompt(language string) string {
	return fmt.Sprintf(
		"You are a knowledge assistant backed by a shared project store. "+
			"Answer using the provided context when it is relevant, and say so when it is not. "+
			"Default to %s unless the user writes in another language. "+
			"Use the available tools to work with PRP documents when asked.",
		language,
	)
}

// contextPreamble renders retrieved items as "[source — topic]: snippet"
// lines.
func contextPreamble(items []contextItem) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant stored context:\n")
	for _, it := range items {
		fmt.Fprintf(&b, "[%s — %s]: %s\n", it.source, it.topic, it.snippet)
	}
	return b.String()
}

// composePrompt builds the message list for a turn within the token
// budget. Retrieved items are dropped lowest-ranked first; if even zero
// items would not fit, the oldest window messages go next. The user's
// current message is never dropped.
func composePrompt(system string, items []contextItem, window []llm.Message, userMessage string, budget int) (msgs []llm.Message, kept []contextItem) {
	build := func(items []contextItem, window []llm.Message) ([]llm.Message, int) {
		var out []llm.Message
		total := estimateTokens(system)
		if pre := contextPreamble(items); pre != "" {
			out = append(out, llm.Message{Role: "system", Content: pre})
			total += estimateTokens(pre)
		}
		for _, m := range window {
			out = append(out, m)
			total += estimateTokens(m.Content)
		}
		out = append(out, llm.Message{Role: "user", Content: userMessage})
		total += estimateTokens(userMessage)
		return out, total
	}

	for {
		msgs, total := build(items, window)
		if total <= budget {
			return msgs, items
		}
		if len(items) > 0 {
			items = items[:len(items)-1] // items are ordered best-first
			continue
		}
		if len(window) > 0 {
			window = window[1:]
			continue
		}
		// Only system + user message remain; nothing left to drop.
		return msgs, items
	}
}
