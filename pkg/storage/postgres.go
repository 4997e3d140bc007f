package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/types"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store against a Postgres connection pool.
// It assumes the schema created by the migrations in
// pkg/storage/migrations, applied via Migrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool. Callers own the
// pool's lifecycle (pgxpool.New / Close).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// AppendUpdate implements Port.
func (s *PostgresStore) AppendUpdate(ctx context.Context, doc types.DocumentID, seq int64, bytes []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_updates (doc_id, seq, bytes) VALUES ($1, $2, $3)`,
		doc.String(), seq, bytes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("append update: (doc, seq) collision for doc=%s seq=%d: %w", doc, seq, err)
		}
		return fmt.Errorf("append update: %w", err)
	}
	return nil
}

// LatestUpdateSeq implements Port.
func (s *PostgresStore) LatestUpdateSeq(ctx context.Context, doc types.DocumentID) (*int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM document_updates WHERE doc_id = $1`, doc.String(),
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest update seq: %w", err)
	}
	if seq == 0 {
		// MAX() over an empty set is NULL, which COALESCE turns into 0;
		// count the rows to tell an empty log apart from a stored seq.
		var count int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM document_updates WHERE doc_id = $1`, doc.String()).Scan(&count); err != nil {
			return nil, fmt.Errorf("latest update seq: %w", err)
		}
		if count == 0 {
			return nil, nil
		}
	}
	return &seq, nil
}

// PersistSnapshot implements Port.
func (s *PostgresStore) PersistSnapshot(ctx context.Context, doc types.DocumentID, version int64, bytes []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_snapshots (doc_id, version, bytes)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (doc_id, version) DO UPDATE SET bytes = EXCLUDED.bytes`,
		doc.String(), version, bytes)
	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// LatestSnapshotVersion implements Port.
func (s *PostgresStore) LatestSnapshotVersion(ctx context.Context, doc types.DocumentID) (*int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM document_snapshots WHERE doc_id = $1`, doc.String(),
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot version: %w", err)
	}
	if version == 0 {
		return nil, nil
	}
	return &version, nil
}

// PruneSnapshots implements Port.
func (s *PostgresStore) PruneSnapshots(ctx context.Context, doc types.DocumentID, keepLatest int) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM document_snapshots
		 WHERE doc_id = $1 AND version NOT IN (
		   SELECT version FROM document_snapshots
		   WHERE doc_id = $1
		   ORDER BY version DESC
		   LIMIT $2
		 )`, doc.String(), keepLatest)
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	return nil
}

// PruneUpdatesBefore implements Port.
func (s *PostgresStore) PruneUpdatesBefore(ctx context.Context, doc types.DocumentID, seqInclusive int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM document_updates WHERE doc_id = $1 AND seq <= $2`,
		doc.String(), seqInclusive)
	if err != nil {
		return fmt.Errorf("prune updates before %d: %w", seqInclusive, err)
	}
	return nil
}

// ClearUpdates implements Port.
func (s *PostgresStore) ClearUpdates(ctx context.Context, doc types.DocumentID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_updates WHERE doc_id = $1`, doc.String())
	if err != nil {
		return fmt.Errorf("clear updates: %w", err)
	}
	return nil
}

// LatestSnapshot implements StateReader.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, doc types.DocumentID) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.pool.QueryRow(ctx,
		`SELECT version, bytes FROM document_snapshots WHERE doc_id = $1 ORDER BY version DESC LIMIT 1`,
		doc.String(),
	).Scan(&snap.Version, &snap.Bytes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &snap, nil
}

// UpdatesSince implements StateReader.
func (s *PostgresStore) UpdatesSince(ctx context.Context, doc types.DocumentID, fromSeq int64) ([]types.UpdateEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, bytes FROM document_updates WHERE doc_id = $1 AND seq > $2 ORDER BY seq ASC`,
		doc.String(), fromSeq)
	if err != nil {
		return nil, fmt.Errorf("updates since %d: %w", fromSeq, err)
	}
	defer rows.Close()

	var entries []types.UpdateEntry
	for rows.Next() {
		var e types.UpdateEntry
		if err := rows.Scan(&e.Seq, &e.Bytes); err != nil {
			return nil, fmt.Errorf("updates since %d: scan: %w", fromSeq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("updates since %d: %w", fromSeq, err)
	}
	return entries, nil
}

// DocumentRecord implements StateReader.
func (s *PostgresStore) DocumentRecord(ctx context.Context, doc types.DocumentID) (*types.DocumentRecord, error) {
	var rec types.DocumentRecord
	var docType string
	rec.ID = doc
	err := s.pool.QueryRow(ctx,
		`SELECT doc_type, title, path, owner_id FROM documents WHERE id = $1`,
		doc.String(),
	).Scan(&docType, &rec.Title, &rec.Path, &rec.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("document record: %w", err)
	}
	rec.DocType = types.DocType(docType)
	return &rec, nil
}

// SyncDocumentPaths implements PathSyncer. It recomputes the
// document's canonical path from its current title and folder chain
// and, if it differs from the stored path, updates the path column.
// Idempotent: a document whose computed path already matches is
// untouched.
func (s *PostgresStore) SyncDocumentPaths(ctx context.Context, doc types.DocumentID) error {
	logger := obslog.WithComponent("storage")

	rec, err := s.DocumentRecord(ctx, doc)
	if err != nil {
		return fmt.Errorf("sync document paths: %w", err)
	}
	if rec == nil || rec.DocType != types.DocTypeDocument {
		return nil
	}

	newPath, err := computeCanonicalPath(ctx, s.pool, doc)
	if err != nil {
		return fmt.Errorf("sync document paths: %w", err)
	}

	if rec.Path != nil && *rec.Path == newPath {
		return nil
	}

	_, err = s.pool.Exec(ctx, `UPDATE documents SET path = $2 WHERE id = $1`, doc.String(), newPath)
	if err != nil {
		return fmt.Errorf("sync document paths: update path: %w", err)
	}

	logger.Debug().Str("document_id", doc.String()).Str("path", newPath).Msg("synced document path")
	return nil
}

// computeCanonicalPath walks the folder-chain by following each
// document's parent_id to the root, joining sanitized titles with "/".
func computeCanonicalPath(ctx context.Context, pool *pgxpool.Pool, doc types.DocumentID) (string, error) {
	var segments []string
	current := doc.String()

	for i := 0; i < 64; i++ { // bounded: a malformed parent cycle must not hang forever
		var title string
		var parentID *string
		err := pool.QueryRow(ctx,
			`SELECT title, parent_id FROM documents WHERE id = $1`, current,
		).Scan(&title, &parentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				break
			}
			return "", err
		}
		segments = append([]string{SanitizeFilename(title)}, segments...)
		if parentID == nil {
			break
		}
		current = *parentID
	}

	path := ""
	for i, seg := range segments {
		if i > 0 {
			path += "/"
		}
		path += seg
	}
	return path, nil
}
