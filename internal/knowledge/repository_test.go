package knowledge

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	mcpc "github.com/mark3labs/mcp-go/client"

	"github.com/dfarias/augur/internal/mcpclient"
	"github.com/dfarias/augur/internal/store"
	"github.com/dfarias/augur/internal/storemcp"
)

// newTestRepo builds a repository over the full stack: store client →
// transport → in-process MCP server → SQLite in a temp dir.
func newTestRepo(t *testing.T, cfg Config) *Repository {
	t.Helper()

	st, err := storemcp.Open(filepath.Join(t.TempDir(), "store.db"), "agent")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	srv := storemcp.NewServer(st)

	tr := mcpclient.New(mcpclient.Options{
		Dialer: func(ctx context.Context) (*mcpc.Client, error) {
			cli, err := mcpc.NewInProcessClient(srv)
			if err != nil {
				return nil, err
			}
			if err := cli.Start(ctx); err != nil {
				return nil, err
			}
			return cli, nil
		},
	})
	t.Cleanup(func() { _ = tr.Close() })

	cfg.Database = "agent"
	return New(store.New(tr, store.ToolNames{}), cfg)
}

// --- Ingest ---

func TestIngestContent_Idempotent(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	outcome, err := repo.IngestContent(ctx, "docs/turso.md", "Turso is an edge-hosted SQLite service.")
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	if outcome != Inserted {
		t.Errorf("first ingest = %s, want inserted", outcome)
	}

	// Same content: no-op.
	outcome, err = repo.IngestContent(ctx, "docs/turso.md", "Turso is an edge-hosted SQLite service.")
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if outcome != Unchanged {
		t.Errorf("second ingest = %s, want unchanged", outcome)
	}

	// Changed content: in-place update.
	outcome, err = repo.IngestContent(ctx, "docs/turso.md", "Turso is an edge-hosted SQLite service, revised.")
	if err != nil {
		t.Fatalf("third ingest failed: %v", err)
	}
	if outcome != Updated {
		t.Errorf("third ingest = %s, want updated", outcome)
	}

	// Still exactly one row for the source.
	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.KnowledgeRows != 1 {
		t.Errorf("knowledge rows = %d, want 1", stats.KnowledgeRows)
	}
}

func TestIngestContent_DerivedFields(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	content := "How to fix a turso connection error during migration."
	if _, err := repo.IngestContent(ctx, "guides/migration-errors.md", content); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	row, err := repo.GetBySource(ctx, "guides/migration-errors.md")
	if err != nil {
		t.Fatalf("GetBySource failed: %v", err)
	}
	if row.Category != "Migration" {
		t.Errorf("category = %s, want Migration", row.Category)
	}
	if row.Fingerprint != Fingerprint(content) {
		t.Errorf("fingerprint = %s, want content digest", row.Fingerprint)
	}
	if row.Priority != 3 { // base 1 + 2 for error content
		t.Errorf("priority = %d, want 3", row.Priority)
	}
	if row.Topic != "migration errors" {
		t.Errorf("topic = %q, want 'migration errors'", row.Topic)
	}
	found := false
	for _, tag := range row.Tags {
		if tag == "turso" {
			found = true
		}
	}
	if !found {
		t.Errorf("tags = %v, want turso included", row.Tags)
	}
}

// --- Search ---

func TestSearch_MatchesByTerm(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	if _, err := repo.IngestContent(ctx, "docs/turso.md", "Turso is an edge-hosted SQLite service."); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := repo.IngestContent(ctx, "docs/other.md", "Completely unrelated notes."); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	// Natural-language question: only the significant term should match.
	rows, err := repo.Search(ctx, "What is Turso?", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Source != "docs/turso.md" {
		t.Errorf("source = %s, want docs/turso.md", rows[0].Source)
	}
}

func TestSearch_TopicOutranksContent(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	// "indexing" in content only.
	if _, err := repo.IngestContent(ctx, "notes/a.md", "Some thoughts about indexing strategies."); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	// "indexing" in the topic (derived from the file name).
	if _, err := repo.IngestContent(ctx, "notes/indexing.md", "Plain notes."); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	rows, err := repo.Search(ctx, "indexing", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].Source != "notes/indexing.md" {
		t.Errorf("first result = %s, want topic match first", rows[0].Source)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	repo := newTestRepo(t, Config{})

	rows, err := repo.Search(context.Background(), "   ", 5)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if rows != nil {
		t.Errorf("rows = %v, want nil for empty query", rows)
	}
}

// --- Conversations ---

func TestAppendConversation_SeqContiguous(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		seq, err := repo.AppendConversation(ctx, "s1", "question", "answer", "")
		if err != nil {
			t.Fatalf("append %d failed: %v", want, err)
		}
		if seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
	}

	// A different session starts its own sequence.
	seq, err := repo.AppendConversation(ctx, "s2", "hi", "hello", "")
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("s2 seq = %d, want 1", seq)
	}
}

func TestRecentTurns_ChronologicalWindow(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	for _, msg := range []string{"one", "two", "three", "four"} {
		if _, err := repo.AppendConversation(ctx, "s1", msg, "re: "+msg, ""); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	turns, err := repo.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns failed: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	if turns[0].UserMessage != "three" || turns[1].UserMessage != "four" {
		t.Errorf("turns = [%s, %s], want the last two in order", turns[0].UserMessage, turns[1].UserMessage)
	}
}

// --- PRPs ---

func TestCreatePRP_NameConflict(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	if _, err := repo.CreatePRP(ctx, CreatePRPParams{Name: "auth-flow", Title: "Auth flow"}); err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}

	_, err := repo.CreatePRP(ctx, CreatePRPParams{Name: "auth-flow", Title: "Duplicate"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The original survives untouched.
	prp, err := repo.GetPRP(ctx, "auth-flow")
	if err != nil {
		t.Fatalf("GetPRP failed: %v", err)
	}
	if prp.Title != "Auth flow" {
		t.Errorf("title = %s, want original", prp.Title)
	}
}

func TestCreatePRP_EmptyName(t *testing.T) {
	repo := newTestRepo(t, Config{})

	_, err := repo.CreatePRP(context.Background(), CreatePRPParams{Title: "No name"})
	if err == nil {
		t.Fatal("CreatePRP should fail without a name")
	}
	// A validation failure is neither a lookup miss nor a conflict.
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want a plain validation error", err)
	}
}

func TestUpdatePRP_SearchTextFollows(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	prp, err := repo.CreatePRP(ctx, CreatePRPParams{
		Name:        "cache-layer",
		Title:       "Cache layer",
		Description: "Old description",
		Objective:   "Speed up reads",
	})
	if err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}

	newDesc := "Rewritten description about invalidation"
	updated, err := repo.UpdatePRP(ctx, prp.ID, PRPPatch{Description: &newDesc})
	if err != nil {
		t.Fatalf("UpdatePRP failed: %v", err)
	}

	if updated.SearchText != SearchText(updated.Title, updated.Description, updated.Objective) {
		t.Errorf("search_text out of sync: %q", updated.SearchText)
	}
	if !strings.Contains(updated.SearchText, "invalidation") {
		t.Errorf("search_text = %q, want new description reflected", updated.SearchText)
	}
	if strings.Contains(updated.SearchText, "old description") {
		t.Errorf("search_text = %q, still holds the old description", updated.SearchText)
	}

	// The updated PRP is findable by the new text.
	found, err := repo.ListPRPs(ctx, PRPFilter{Query: "invalidation"})
	if err != nil {
		t.Fatalf("ListPRPs failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != prp.ID {
		t.Errorf("ListPRPs by new text = %v, want the updated PRP", found)
	}
}

func TestGetPRP_ByIDOrName(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	created, err := repo.CreatePRP(ctx, CreatePRPParams{Name: "search-api", Title: "Search API"})
	if err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}

	byName, err := repo.GetPRP(ctx, "search-api")
	if err != nil {
		t.Fatalf("GetPRP by name failed: %v", err)
	}
	byID, err := repo.GetPRP(ctx, "1")
	if err != nil {
		t.Fatalf("GetPRP by id failed: %v", err)
	}
	if byName.ID != created.ID || byID.ID != created.ID {
		t.Errorf("lookups disagree: name=%d id=%d created=%d", byName.ID, byID.ID, created.ID)
	}

	_, err = repo.GetPRP(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSetPRPStatus_Transitions(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	prp, err := repo.CreatePRP(ctx, CreatePRPParams{Name: "x", Title: "X"})
	if err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}
	if prp.Status != "draft" {
		t.Errorf("initial status = %s, want draft", prp.Status)
	}

	if err := repo.SetPRPStatus(ctx, prp.ID, "active"); err != nil {
		t.Fatalf("SetPRPStatus failed: %v", err)
	}
	got, _ := repo.GetPRP(ctx, prp.Name)
	if got.Status != "active" {
		t.Errorf("status = %s, want active", got.Status)
	}

	if err := repo.SetPRPStatus(ctx, prp.ID, "bogus"); err == nil {
		t.Error("invalid status accepted")
	}
	if err := repo.SetPRPStatus(ctx, 9999, "active"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreatePRP_AutoTranslateAnnotates(t *testing.T) {
	repo := newTestRepo(t, Config{DefaultLanguage: "pt-br", AutoTranslateOnCreate: true})
	ctx := context.Background()

	prp, err := repo.CreatePRP(ctx, CreatePRPParams{
		Name:        "report-export",
		Title:       "Report export",
		Description: "Export reports as CSV",
		Objective:   "Let analysts download data",
	})
	if err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}

	if !prp.NeedsTranslation() {
		t.Fatal("PRP should carry translation annotations")
	}
	lang, original, ok := ParseTranslationAnnotation(prp.Title)
	if !ok {
		t.Fatalf("title not annotated: %q", prp.Title)
	}
	if lang != "pt-br" || original != "Report export" {
		t.Errorf("annotation = (%s, %q)", lang, original)
	}
}

// --- Stats ---

func TestStats_Counts(t *testing.T) {
	repo := newTestRepo(t, Config{})
	ctx := context.Background()

	if _, err := repo.IngestContent(ctx, "a.md", "alpha"); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := repo.AppendConversation(ctx, "s1", "q", "a", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := repo.AppendConversation(ctx, "s2", "q", "a", ""); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := repo.CreatePRP(ctx, CreatePRPParams{Name: "p", Title: "P"}); err != nil {
		t.Fatalf("CreatePRP failed: %v", err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.KnowledgeRows != 1 || stats.Conversations != 2 || stats.Sessions != 2 || stats.PRPs != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
