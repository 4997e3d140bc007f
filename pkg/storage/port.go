// Package storage implements the Persistence Port and State Reader:
// the durable state layer backing append-only updates, versioned
// snapshots, and the document-record lookup the Markdown Sink and
// Derived Index Sink consume. The port is pure storage with no
// interpretation of the bytes it holds — the CRDT encoding and
// Markdown rendering live in other packages.
package storage

import (
	"context"

	"github.com/refmdio/refmd/pkg/types"
)

// Port is the append-only update log and versioned-snapshot contract.
// Implementations must guarantee that AppendUpdate for a fixed
// document is observed by subsequent LatestUpdateSeq and UpdatesSince
// calls within the same logical time; callers never parallelize
// appends for a single document, but the port itself must not reorder
// them either.
type Port interface {
	// AppendUpdate inserts one update log entry. Implementations must
	// fail if (doc, seq) already exists — the caller allocates seq and
	// relies on the collision to detect a logic error, never a
	// legitimate retry.
	AppendUpdate(ctx context.Context, doc types.DocumentID, seq int64, bytes []byte) error

	// LatestUpdateSeq returns the highest seq recorded for doc, or nil
	// if the update log is empty.
	LatestUpdateSeq(ctx context.Context, doc types.DocumentID) (*int64, error)

	// PersistSnapshot upserts on (doc, version).
	PersistSnapshot(ctx context.Context, doc types.DocumentID, version int64, bytes []byte) error

	// LatestSnapshotVersion returns the highest snapshot version
	// recorded for doc, or nil if none exists.
	LatestSnapshotVersion(ctx context.Context, doc types.DocumentID) (*int64, error)

	// PruneSnapshots keeps the keepLatest highest versions for doc and
	// deletes the rest.
	PruneSnapshots(ctx context.Context, doc types.DocumentID, keepLatest int) error

	// PruneUpdatesBefore deletes update entries with seq <= seqInclusive.
	PruneUpdatesBefore(ctx context.Context, doc types.DocumentID, seqInclusive int64) error

	// ClearUpdates removes every update entry for doc.
	ClearUpdates(ctx context.Context, doc types.DocumentID) error
}

// StateReader is the read side consumed by the Hydration Service.
type StateReader interface {
	// LatestSnapshot returns the authoritative baseline snapshot for
	// doc, or nil if none has been persisted yet.
	LatestSnapshot(ctx context.Context, doc types.DocumentID) (*types.Snapshot, error)

	// UpdatesSince returns every update entry with seq > fromSeq, in
	// ascending seq order.
	UpdatesSince(ctx context.Context, doc types.DocumentID, fromSeq int64) ([]types.UpdateEntry, error)

	// DocumentRecord returns the document's external metadata, or nil
	// if the document does not exist.
	DocumentRecord(ctx context.Context, doc types.DocumentID) (*types.DocumentRecord, error)
}

// PathSyncer is the "sync paths" operation the Markdown Sink invokes
// before writing a file: when a document's title or folder chain has
// changed, update the stored path to the new canonical location.
// PostgresStore rewrites only the path column; it does not move the
// file already on disk or any attachments. Idempotent — calling it
// with no pending rename is a no-op.
type PathSyncer interface {
	SyncDocumentPaths(ctx context.Context, doc types.DocumentID) error
}

// Store composes every interface the realtime core needs from the
// relational store, so callers can depend on a single handle.
type Store interface {
	Port
	StateReader
	PathSyncer
}
