/*
Package types defines the core data structures shared across refmd's
realtime core.

This package contains the value types that flow between the Persistence
Port, the Cluster Log, the Hydration/Awareness/Snapshot services, and the
Realtime Engine. It has no behavior of its own — every type here is a
plain struct passed by value or by pointer between packages that do the
actual work.

# Core types

Document identity:
  - DocumentID: a 128-bit UUID wrapper
  - DocumentRecord: the external metadata the core reads to decide
    whether and where to materialize Markdown

Durable state:
  - UpdateEntry: one row of the append-only update log
  - Snapshot: one versioned full-state encoding

Ephemeral state:
  - PresenceEntry: one client's awareness clock and state JSON
  - StreamFrame: one entry read from a Cluster Log stream

All types are JSON-serializable where they cross a process boundary
(Postgres row, Redis stream field, snapshot file) and otherwise are used
as in-process values.
*/
package types

import (
	"fmt"

	"github.com/google/uuid"
)

// DocumentID identifies a document. The core never inspects it beyond
// equality, stringification and parsing.
type DocumentID uuid.UUID

// NewDocumentID generates a fresh random document ID.
func NewDocumentID() DocumentID {
	return DocumentID(uuid.New())
}

// ParseDocumentID parses a canonical UUID string into a DocumentID.
func ParseDocumentID(s string) (DocumentID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return DocumentID{}, fmt.Errorf("parse document id %q: %w", s, err)
	}
	return DocumentID(id), nil
}

// String returns the canonical UUID string form.
func (d DocumentID) String() string {
	return uuid.UUID(d).String()
}

// IsZero reports whether d is the zero-value UUID.
func (d DocumentID) IsZero() bool {
	return uuid.UUID(d) == uuid.Nil
}

// DocType distinguishes a document record's kind.
type DocType string

const (
	DocTypeDocument DocType = "document"
	DocTypeFolder   DocType = "folder"
)

// DocumentRecord is the external metadata the core consumes to decide
// whether to materialize Markdown and where to put it. It is owned by
// the relational store outside this module's scope; the core only
// reads it through storage.StateReader.
type DocumentRecord struct {
	ID      DocumentID
	DocType DocType
	Title   string
	// Path is the on-disk relative path, present only for documents
	// (never folders) that have been synced at least once.
	Path *string
	// OwnerID is nil for documents with no resolvable owner (e.g.
	// orphaned or system documents); when nil, derived indexes are
	// skipped per spec.md §4.8.
	OwnerID *uuid.UUID
}

// UpdateEntry is one row of a document's append-only update log.
// Seq is allocated by the caller and is monotonically increasing,
// gapless within a single process's session (spec.md invariant 2).
type UpdateEntry struct {
	Seq   int64
	Bytes []byte
}

// Snapshot is a versioned full-state CRDT encoding. Versions increase
// monotonically per document; the highest version is authoritative.
type Snapshot struct {
	Version int64
	Bytes   []byte
}

// PresenceEntry is one client's awareness state. A StateJSON of the
// literal string "null" is a tombstone: the client has departed or
// expired.
type PresenceEntry struct {
	ClientID  uint64
	Clock     uint64
	StateJSON string
}

// IsTombstone reports whether this entry represents a departed client.
func (p PresenceEntry) IsTombstone() bool {
	return p.StateJSON == "null"
}

// StreamFrame is one entry read from a Cluster Log stream: a
// lexicographically ordered ID (time-prefixed for RedisLog, a
// zero-padded counter for LocalLog) and its opaque payload.
type StreamFrame struct {
	ID    string
	Bytes []byte
}

// TaskEntry is one entry from the shared "tasks" stream: a trigger
// asking the Persistence Worker to hydrate and snapshot a document.
type TaskEntry struct {
	ID        string
	DocumentID string
}
