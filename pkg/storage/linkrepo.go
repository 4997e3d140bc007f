package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/refmdio/refmd/pkg/linkindex"
	"github.com/refmdio/refmd/pkg/types"
)

// The methods in this file implement linkindex.Repository against the
// same documents/document_links/tags/document_tags tables that back
// Store, so the Derived Index Sink (pkg/linkindex) and the Persistence
// Port share one Postgres handle.

// ClearLinksForSource implements linkindex.Repository.
func (s *PostgresStore) ClearLinksForSource(ctx context.Context, source types.DocumentID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_links WHERE source_doc = $1`, source.String())
	if err != nil {
		return fmt.Errorf("clear links for source: %w", err)
	}
	return nil
}

// DocumentExistsForOwner implements linkindex.Repository.
func (s *PostgresStore) DocumentExistsForOwner(ctx context.Context, id types.DocumentID, owner uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE id = $1 AND owner_id = $2)`,
		id.String(), owner,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("document exists for owner: %w", err)
	}
	return exists, nil
}

// FindDocumentIDByOwnerAndTitle implements linkindex.Repository: a
// case-insensitive title match under owner, most-recently-updated wins.
func (s *PostgresStore) FindDocumentIDByOwnerAndTitle(ctx context.Context, owner uuid.UUID, title string) (*types.DocumentID, error) {
	var idStr string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM documents
		 WHERE owner_id = $1 AND lower(title) = lower($2)
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		owner, title,
	).Scan(&idStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find document by owner and title: %w", err)
	}
	id, err := types.ParseDocumentID(idStr)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// UpsertLink implements linkindex.Repository, natural-keyed by
// (source, target, start_byte).
func (s *PostgresStore) UpsertLink(ctx context.Context, source, target types.DocumentID, kind linkindex.LinkKind, alias *string, startByte, endByte int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_links (source_doc, target_doc, kind, alias, start_byte, end_byte)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (source_doc, target_doc, start_byte)
		 DO UPDATE SET kind = EXCLUDED.kind, alias = EXCLUDED.alias, end_byte = EXCLUDED.end_byte`,
		source.String(), target.String(), string(kind), alias, startByte, endByte)
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return nil
}

// ClearDocumentTags implements linkindex.Repository.
func (s *PostgresStore) ClearDocumentTags(ctx context.Context, doc types.DocumentID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM document_tags WHERE doc_id = $1`, doc.String())
	if err != nil {
		return fmt.Errorf("clear document tags: %w", err)
	}
	return nil
}

// UpsertTagReturnID implements linkindex.Repository: tags are global,
// unique by name.
func (s *PostgresStore) UpsertTagReturnID(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tags (id, name) VALUES (gen_random_uuid(), $1)
		 ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING id`,
		name,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert tag: %w", err)
	}
	return id, nil
}

// OwnerDocExists implements linkindex.Repository.
func (s *PostgresStore) OwnerDocExists(ctx context.Context, doc types.DocumentID, owner uuid.UUID) (bool, error) {
	return s.DocumentExistsForOwner(ctx, doc, owner)
}

// AssociateDocumentTag implements linkindex.Repository.
func (s *PostgresStore) AssociateDocumentTag(ctx context.Context, doc types.DocumentID, tagID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO document_tags (doc_id, tag_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		doc.String(), tagID)
	if err != nil {
		return fmt.Errorf("associate document tag: %w", err)
	}
	return nil
}
