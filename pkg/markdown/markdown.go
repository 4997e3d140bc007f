// Package markdown implements the Markdown Sink: materializing a
// document's CRDT text-channel body as the canonical file form on
// disk, with frontmatter and byte-diff dedup. File names come from
// storage.SanitizeFilename, the sanitizer the storage package's
// path-sync logic also uses.
package markdown

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/linkindex"
	"github.com/refmdio/refmd/pkg/storage"
	"github.com/refmdio/refmd/pkg/types"
)

// Sink materializes documents to disk under RootDir.
type Sink struct {
	store   storage.Store
	indexer *linkindex.Service
	rootDir string
	logger  zerolog.Logger
}

// NewSink wires a Sink to its storage port, the Derived Index Sink,
// and the root directory Markdown files are written under.
func NewSink(store storage.Store, indexer *linkindex.Service, rootDir string) *Sink {
	return &Sink{
		store:   store,
		indexer: indexer,
		rootDir: rootDir,
		logger:  obslog.WithComponent("markdown"),
	}
}

// Write materializes doc's canonical file form from body and reports
// whether it actually wrote a new file (false for folders, absent
// records, or when the computed bytes already match what's on disk).
func (s *Sink) Write(ctx context.Context, doc types.DocumentID, body string) (bool, error) {
	rec, err := s.store.DocumentRecord(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("markdown write: document record: %w", err)
	}
	if rec == nil || rec.DocType != types.DocTypeDocument {
		return false, nil
	}

	if err := s.store.SyncDocumentPaths(ctx, doc); err != nil {
		return false, fmt.Errorf("markdown write: sync document paths: %w", err)
	}

	// Re-read: SyncDocumentPaths may have just updated rec.Path.
	rec, err = s.store.DocumentRecord(ctx, doc)
	if err != nil {
		return false, fmt.Errorf("markdown write: document record after sync: %w", err)
	}
	if rec == nil {
		return false, nil
	}

	computed := RenderFile(doc, rec.Title, body)
	path := s.filePath(rec)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("markdown write: read existing file: %w", err)
	}
	if err == nil && string(existing) == computed {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("markdown write: mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(computed), 0o644); err != nil {
		return false, fmt.Errorf("markdown write: write file: %w", err)
	}
	metrics.MarkdownWrites.Inc()

	if rec.OwnerID != nil {
		s.indexer.Refresh(ctx, rec.OwnerID, doc, body)
	}

	return true, nil
}

func (s *Sink) filePath(rec *types.DocumentRecord) string {
	if rec.Path != nil && *rec.Path != "" {
		return filepath.Join(s.rootDir, *rec.Path+".md")
	}
	return filepath.Join(s.rootDir, storage.SanitizeFilename(rec.Title)+".md")
}

// RenderFile produces the canonical on-disk bytes for a document: a
// frontmatter block with id and title, a blank line, the body, and
// exactly one trailing newline if body does not already end with one.
func RenderFile(doc types.DocumentID, title string, body string) string {
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.WriteString("id: " + doc.String() + "\n")
	sb.WriteString("title: " + title + "\n")
	sb.WriteString("---\n\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}
	return sb.String()
}

// StripFrontmatter removes a leading "---\n...\n---\n" delimiter block
// using a literal scan, not YAML parsing, and returns the bytes
// unchanged when the block is malformed or absent. This loose
// tolerance matches the disk-seed path the Hydration Service falls
// back to when no snapshot or log backlog supplies content.
func StripFrontmatter(content []byte) []byte {
	const delim = "---\n"
	if !strings.HasPrefix(string(content), delim) {
		return content
	}
	rest := string(content)[len(delim):]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return content
	}
	body := rest[idx+1+len(delim):]
	return []byte(body)
}

// ParseIDFromFrontmatter extracts the document id from a frontmatter
// block produced by RenderFile, if present.
func ParseIDFromFrontmatter(content []byte) (uuid.UUID, bool) {
	const marker = "id: "
	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		if line == "---" {
			continue
		}
		if strings.HasPrefix(line, marker) {
			id, err := uuid.Parse(strings.TrimSpace(strings.TrimPrefix(line, marker)))
			if err != nil {
				return uuid.Nil, false
			}
			return id, true
		}
		if !strings.HasPrefix(line, "id:") && !strings.HasPrefix(line, "title:") && line != "---" {
			break
		}
	}
	return uuid.Nil, false
}
