package knowledge

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// IngestOutcome reports what an ingest did.
type IngestOutcome string

const (
	Inserted  IngestOutcome = "inserted"
	Updated   IngestOutcome = "updated"
	Unchanged IngestOutcome = "unchanged"
)

// FileResult is the per-file outcome of a directory ingest.
type FileResult struct {
	Path    string
	Outcome IngestOutcome
	Err     error
}

// tagKeywords is the fixed keyword set tags are derived from.
var tagKeywords = []string{
	"turso", "mcp", "configuration", "security", "performance",
	"documentation", "migration", "integration", "monitoring",
}

var troublePattern = regexp.MustCompile(`(?i)error|troubleshoot`)

// ingestDirExtensions are the file types a directory ingest picks up.
var ingestDirExtensions = map[string]bool{
	".md": true, ".txt": true, ".sql": true, ".json": true, ".yaml": true, ".yml": true,
}

// ingestBatchSize bounds how many files a directory ingest processes
// before reporting progress; a failed file never fails its batch.
const ingestBatchSize = 25

// Fingerprint returns the hex md5 digest of content — a pure function
// of the content, used for idempotent ingest.
func Fingerprint(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CategoryFromSource classifies a source path.
func CategoryFromSource(source string) string {
	lower := strings.ToLower(source)
	switch {
	case strings.Contains(lower, "migrat"):
		return "Migration"
	case strings.Contains(lower, "config") || strings.Contains(lower, ".env") || strings.Contains(lower, "settings"):
		return "Configuration"
	case strings.Contains(lower, "doc") || strings.Contains(lower, "readme") || strings.HasSuffix(lower, ".md"):
		return "Documentation"
	default:
		return "General"
	}
}

// DeriveTags returns the fixed-map keywords present in the content.
func DeriveTags(content string) []string {
	lower := strings.ToLower(content)
	var tags []string
	for _, kw := range tagKeywords {
		if strings.Contains(lower, kw) {
			tags = append(tags, kw)
		}
	}
	sort.Strings(tags)
	return tags
}

// DeriveExpertise buckets content length into an expertise level.
func DeriveExpertise(content string) string {
	switch n := len(content); {
	case n > 5000:
		return "expert"
	case n > 2000:
		return "intermediate"
	default:
		return "beginner"
	}
}

// DerivePriority scores a row 1..5: base 1, +2 for error/troubleshoot
// content, +1 for Configuration category, +1 for long content.
func DerivePriority(content, category string) int {
	p := 1
	if troublePattern.MatchString(content) {
		p += 2
	}
	if category == "Configuration" {
		p++
	}
	if len(content) > 3000 {
		p++
	}
	if p > 5 {
		p = 5
	}
	return p
}

// IngestContent inserts, updates, or skips a knowledge row keyed by
// source. A second ingest of identical content is a no-op; changed
// content updates in place and advances updated_at.
func (r *Repository) IngestContent(ctx context.Context, source, content string) (IngestOutcome, error) {
	fingerprint := Fingerprint(content)
	category := CategoryFromSource(source)
	tags := joinTags(DeriveTags(content))
	expertise := DeriveExpertise(content)
	priority := DerivePriority(content, category)
	topic := topicFromSource(source)

	rows, err := r.sqlc.Read(ctx, r.cfg.Database,
		`SELECT id, file_hash FROM knowledge_base WHERE source = ?`, source)
	if err != nil {
		return "", fmt.Errorf("knowledge: ingest lookup: %w", err)
	}

	if len(rows.Rows) > 0 {
		existing := asString(rows.Rows[0]["file_hash"])
		if existing == fingerprint {
			return Unchanged, nil
		}
		id := asInt64(rows.Rows[0]["id"])
		if _, err := r.sqlc.Write(ctx, r.cfg.Database,
			`UPDATE knowledge_base
			 SET topic = ?, content = ?, category = ?, expertise_level = ?, tags = ?,
			     file_hash = ?, priority = ?, updated_at = datetime('now')
			 WHERE id = ?`,
			topic, content, category, expertise, tags, fingerprint, priority, id,
		); err != nil {
			return "", fmt.Errorf("knowledge: ingest update: %w", err)
		}
		return Updated, nil
	}

	if _, err := r.sqlc.Write(ctx, r.cfg.Database,
		`INSERT INTO knowledge_base (topic, content, category, expertise_level, tags, source, file_hash, priority)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		topic, content, category, expertise, tags, source, fingerprint, priority,
	); err != nil {
		return "", fmt.Errorf("knowledge: ingest insert: %w", err)
	}
	return Inserted, nil
}

// IngestFromFile reads a file and ingests it with the file path as
// source.
func (r *Repository) IngestFromFile(ctx context.Context, path string) (IngestOutcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("knowledge: reading %s: %w", path, err)
	}
	return r.IngestContent(ctx, path, string(data))
}

// IngestDir walks a directory and ingests every supported file,
// reporting a per-file outcome. A failed file is recorded and skipped;
// it never aborts the rest of the walk.
func (r *Repository) IngestDir(ctx context.Context, dir string) ([]FileResult, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ingestDirExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: walking %s: %w", dir, err)
	}

	results := make([]FileResult, 0, len(paths))
	for i := 0; i < len(paths); i += ingestBatchSize {
		end := i + ingestBatchSize
		if end > len(paths) {
			end = len(paths)
		}
		for _, path := range paths[i:end] {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			outcome, err := r.IngestFromFile(ctx, path)
			results = append(results, FileResult{Path: path, Outcome: outcome, Err: err})
		}
	}
	return results, nil
}

// topicFromSource derives a readable topic from a path: base name
// without extension, separators turned into spaces.
func topicFromSource(source string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	if base == "" {
		return source
	}
	return base
}
