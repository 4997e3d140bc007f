// Package hydration implements the Hydration Service: composing a
// fresh CRDT document from whatever durable and in-flight state
// exists for it — the latest snapshot, the update-log tail past that
// snapshot, the Cluster Log's update backlog since a caller-supplied
// cursor, and (optionally) a disk-seeded body when nothing else
// supplies content.
package hydration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/clusterlog"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/markdown"
	"github.com/refmdio/refmd/pkg/storage"
	"github.com/refmdio/refmd/pkg/types"
)

// defaultSeedContent is the placeholder body a hydration falls back to
// when no snapshot, update log, cluster-log backlog, or disk file
// supplies any content at all.
const defaultSeedContent = "# New Document\n\nStart typing..."

// Options tunes one Hydrate call. The zero value replays the entire
// update and awareness backlogs and does no seeding: a document that
// nothing else supplied content for stays empty. DefaultOptions turns
// on both the disk seed and the placeholder.
type Options struct {
	// UpdateFromID, if non-nil, excludes update backlog entries at or
	// before this Cluster Log stream id (exclusive start).
	UpdateFromID *string
	// AwarenessFromID, if non-nil, excludes awareness backlog entries
	// at or before this Cluster Log stream id (exclusive start).
	AwarenessFromID *string
	// SeedFromDisk controls whether an otherwise-empty document falls
	// back to reading its synced Markdown file for a body.
	SeedFromDisk bool
	// SeedDefaultContent controls whether an otherwise-empty document
	// (disk seed included) falls back to defaultSeedContent.
	SeedDefaultContent bool
}

// DefaultOptions returns the options a fresh connection hydrates with:
// replay everything, seed from disk, and fall back to the placeholder.
func DefaultOptions() Options {
	return Options{SeedFromDisk: true, SeedDefaultContent: true}
}

// Result is the hydrated document plus the cursors and awareness
// frames the caller needs to keep consuming the Cluster Log and to
// replay presence to a newly connected client.
type Result struct {
	Doc                    *crdt.Doc
	LastSeq                int64
	LastUpdateStreamID    *string
	LastAwarenessStreamID *string
	AwarenessFrames       [][]byte
}

// Service composes the State Reader and Cluster Log into a single
// Hydrate operation.
type Service struct {
	reader  storage.StateReader
	log     clusterlog.Log
	rootDir string
	logger  zerolog.Logger
}

// NewService wires a Service to the State Reader, the Cluster Log, and
// (for the disk-seed fallback) the root directory Markdown files live
// under.
func NewService(reader storage.StateReader, log clusterlog.Log, rootDir string) *Service {
	return &Service{
		reader:  reader,
		log:     log,
		rootDir: rootDir,
		logger:  obslog.WithComponent("hydration"),
	}
}

// Hydrate runs the five-step compose algorithm: apply the latest
// snapshot, then the update-log tail past it, then the Cluster Log's
// update backlog (SyncStep2/Update payloads only — SyncStep1 and
// Awareness messages are never applied to the document), then collect
// the awareness backlog for the caller to replay without applying it,
// and finally fall back to disk or placeholder content if the result
// is still empty.
func (s *Service) Hydrate(ctx context.Context, doc types.DocumentID, opts Options) (*Result, error) {
	d := crdt.NewDoc(siteIDFor(doc))
	var lastSeq int64

	snapshot, err := s.reader.LatestSnapshot(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("hydrate: latest snapshot: %w", err)
	}
	if snapshot != nil {
		if err := d.ApplyUpdate(snapshot.Bytes); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.String()).Msg("apply snapshot failed")
		} else {
			lastSeq = snapshot.Version
		}
	}

	updates, err := s.reader.UpdatesSince(ctx, doc, lastSeq)
	if err != nil {
		return nil, fmt.Errorf("hydrate: updates since %d: %w", lastSeq, err)
	}
	for _, u := range updates {
		if u.Seq <= lastSeq {
			continue
		}
		if err := d.ApplyUpdate(u.Bytes); err != nil {
			return nil, fmt.Errorf("hydrate: apply update seq %d: %w", u.Seq, err)
		}
		lastSeq = u.Seq
	}

	updateFromID := ""
	if opts.UpdateFromID != nil {
		updateFromID = *opts.UpdateFromID
	}
	updateBacklog, err := s.log.ReadUpdateBacklog(ctx, doc, updateFromID)
	if err != nil {
		return nil, fmt.Errorf("hydrate: read update backlog: %w", err)
	}

	var lastUpdateStreamID *string
	for _, entry := range updateBacklog {
		_, msgs, err := crdt.AnalyzeFrame(entry.Bytes)
		if err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.String()).Str("entry_id", entry.ID).
				Msg("decode update backlog frame failed")
			continue
		}
		for _, m := range msgs {
			if m.Type != crdt.MessageSyncStep2 && m.Type != crdt.MessageUpdate {
				continue
			}
			if err := d.ApplyUpdate(m.Payload); err != nil {
				s.logger.Warn().Err(err).Str("document_id", doc.String()).Str("entry_id", entry.ID).
					Msg("apply update backlog payload failed")
			}
		}
		id := entry.ID
		lastUpdateStreamID = &id
	}

	awarenessFromID := ""
	if opts.AwarenessFromID != nil {
		awarenessFromID = *opts.AwarenessFromID
	}
	awarenessBacklog, err := s.log.ReadAwarenessBacklog(ctx, doc, awarenessFromID)
	if err != nil {
		return nil, fmt.Errorf("hydrate: read awareness backlog: %w", err)
	}

	var lastAwarenessStreamID *string
	awarenessFrames := make([][]byte, 0, len(awarenessBacklog))
	for _, entry := range awarenessBacklog {
		awarenessFrames = append(awarenessFrames, entry.Bytes)
		id := entry.ID
		lastAwarenessStreamID = &id
	}

	if d.Len() == 0 {
		s.seedEmptyDoc(ctx, doc, d, opts)
	}

	return &Result{
		Doc:                   d,
		LastSeq:               lastSeq,
		LastUpdateStreamID:    lastUpdateStreamID,
		LastAwarenessStreamID: lastAwarenessStreamID,
		AwarenessFrames:       awarenessFrames,
	}, nil
}

func (s *Service) seedEmptyDoc(ctx context.Context, doc types.DocumentID, d *crdt.Doc, opts Options) {
	if opts.SeedFromDisk {
		if body, ok := s.readDiskBody(ctx, doc); ok && body != "" {
			if _, err := d.Insert(0, body); err != nil {
				s.logger.Warn().Err(err).Str("document_id", doc.String()).Msg("seed from disk insert failed")
			}
			return
		}
	}

	if opts.SeedDefaultContent {
		if _, err := d.Insert(0, defaultSeedContent); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.String()).Msg("seed default content insert failed")
		}
	}
}

func (s *Service) readDiskBody(ctx context.Context, doc types.DocumentID) (string, bool) {
	rec, err := s.reader.DocumentRecord(ctx, doc)
	if err != nil || rec == nil || rec.Path == nil || *rec.Path == "" {
		return "", false
	}

	path := filepath.Join(s.rootDir, *rec.Path+".md")
	bytes, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}

	return string(markdown.StripFrontmatter(bytes)), true
}

// siteIDFor derives a stable per-document site identity for the
// server-authored replica: hydration always starts a new local Doc,
// so any constant works as long as it never collides with the high
// bit range reserved for client-originated site ids upstream. Zero is
// reserved for the server replica across all documents — the engine
// never lets two server-side Docs for different documents exchange
// updates directly, so cross-document collision is not a concern.
func siteIDFor(doc types.DocumentID) uint64 {
	return 0
}
