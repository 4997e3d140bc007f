// Package snapshot implements the Snapshot Service: persisting a
// full-state CRDT encoding as the next versioned snapshot (with
// optional update-log pruning), and materializing the document's
// current text as its canonical Markdown file via the Markdown Sink.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/refmdio/refmd/internal/metrics"
	"github.com/refmdio/refmd/pkg/crdt"
	"github.com/refmdio/refmd/pkg/markdown"
	"github.com/refmdio/refmd/pkg/storage"
	"github.com/refmdio/refmd/pkg/types"
)

// PersistOptions tunes one PersistSnapshot call. The zero value
// persists the next snapshot version and prunes nothing.
type PersistOptions struct {
	// ClearUpdates, if true, removes every update-log entry for the
	// document after the snapshot is persisted.
	ClearUpdates bool
	// PruneSnapshots, if non-nil, keeps only this many of the most
	// recent snapshot versions.
	PruneSnapshots *int
	// PruneUpdatesBefore, if non-nil, deletes update-log entries with
	// seq <= this value.
	PruneUpdatesBefore *int64
}

// PersistResult reports the version the snapshot was persisted as.
type PersistResult struct {
	Version int64
}

// WriteResult reports whether the Markdown Sink actually wrote a new
// file (it is a no-op when the computed bytes match what's on disk,
// or when the document is a folder or has no record).
type WriteResult struct {
	Written bool
}

// Service composes the Persistence Port and the Markdown Sink into the
// two operations the Persistence Worker invokes after every hydration
// cycle.
type Service struct {
	port storage.Port
	sink *markdown.Sink
}

// NewService wires a Service to the Persistence Port and the Markdown
// Sink.
func NewService(port storage.Port, sink *markdown.Sink) *Service {
	return &Service{port: port, sink: sink}
}

// PersistSnapshot encodes doc's full state and stores it as the next
// snapshot version for docID, applying whatever pruning opts request.
func (s *Service) PersistSnapshot(ctx context.Context, docID types.DocumentID, doc *crdt.Doc, opts PersistOptions) (PersistResult, error) {
	start := time.Now()
	defer func() { metrics.SnapshotDuration.Observe(time.Since(start).Seconds()) }()

	snapshotBytes, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return PersistResult{}, fmt.Errorf("persist snapshot: encode full state: %w", err)
	}

	currentVersion, err := s.port.LatestSnapshotVersion(ctx, docID)
	if err != nil {
		return PersistResult{}, fmt.Errorf("persist snapshot: latest version: %w", err)
	}
	nextVersion := int64(1)
	if currentVersion != nil {
		nextVersion = *currentVersion + 1
	}

	if err := s.port.PersistSnapshot(ctx, docID, nextVersion, snapshotBytes); err != nil {
		return PersistResult{}, fmt.Errorf("persist snapshot: store: %w", err)
	}

	if opts.ClearUpdates {
		if err := s.port.ClearUpdates(ctx, docID); err != nil {
			return PersistResult{}, fmt.Errorf("persist snapshot: clear updates: %w", err)
		}
	}
	if opts.PruneSnapshots != nil {
		if err := s.port.PruneSnapshots(ctx, docID, *opts.PruneSnapshots); err != nil {
			return PersistResult{}, fmt.Errorf("persist snapshot: prune snapshots: %w", err)
		}
	}
	if opts.PruneUpdatesBefore != nil {
		if err := s.port.PruneUpdatesBefore(ctx, docID, *opts.PruneUpdatesBefore); err != nil {
			return PersistResult{}, fmt.Errorf("persist snapshot: prune updates before: %w", err)
		}
	}

	metrics.SnapshotVersion.WithLabelValues(docID.String()).Set(float64(nextVersion))
	return PersistResult{Version: nextVersion}, nil
}

// WriteMarkdown materializes doc's current text as the document's
// canonical file, refreshing the Derived Index Sink when the write
// actually changes the file on disk. Delegates entirely to the
// Markdown Sink, which already implements the sync-paths, byte-diff
// dedup, and index-refresh steps this operation composes.
func (s *Service) WriteMarkdown(ctx context.Context, docID types.DocumentID, doc *crdt.Doc) (WriteResult, error) {
	written, err := s.sink.Write(ctx, docID, doc.Text())
	if err != nil {
		return WriteResult{}, fmt.Errorf("write markdown: %w", err)
	}
	return WriteResult{Written: written}, nil
}
