package linkindex

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/refmdio/refmd/internal/obslog"
	"github.com/refmdio/refmd/pkg/types"
)

// Repository is the relational surface the Derived Index Sink needs.
// storage.PostgresStore implements it; kept as its own interface here
// rather than folded into storage.Store because only this package
// depends on it.
type Repository interface {
	ClearLinksForSource(ctx context.Context, source types.DocumentID) error
	DocumentExistsForOwner(ctx context.Context, id types.DocumentID, owner uuid.UUID) (bool, error)
	FindDocumentIDByOwnerAndTitle(ctx context.Context, owner uuid.UUID, title string) (*types.DocumentID, error)
	UpsertLink(ctx context.Context, source, target types.DocumentID, kind LinkKind, alias *string, startByte, endByte int) error

	ClearDocumentTags(ctx context.Context, doc types.DocumentID) error
	UpsertTagReturnID(ctx context.Context, name string) (uuid.UUID, error)
	OwnerDocExists(ctx context.Context, doc types.DocumentID, owner uuid.UUID) (bool, error)
	AssociateDocumentTag(ctx context.Context, doc types.DocumentID, tagID uuid.UUID) error
}

// Service refreshes a document's derived links and tags from its
// Markdown body. Both refreshes are best-effort: spec.md requires
// errors to be logged, never surfaced to the caller.
type Service struct {
	repo   Repository
	logger zerolog.Logger
}

// NewService wraps repo.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, logger: obslog.WithComponent("linkindex")}
}

// Refresh re-derives both links and tags for doc from body, doing
// nothing if ownerID is nil (an orphaned or system document, per
// spec.md §4.8).
func (s *Service) Refresh(ctx context.Context, ownerID *uuid.UUID, doc types.DocumentID, body string) {
	if ownerID == nil {
		return
	}
	s.refreshLinks(ctx, *ownerID, doc, body)
	s.refreshTags(ctx, *ownerID, doc, body)
}

func (s *Service) refreshLinks(ctx context.Context, ownerID uuid.UUID, doc types.DocumentID, body string) {
	links := ExtractLinks(body)

	if err := s.repo.ClearLinksForSource(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("document_id", doc.String()).Msg("clear links for source failed")
		return
	}

	for _, link := range links {
		target, err := s.resolveTarget(ctx, ownerID, link.TargetRaw)
		if err != nil {
			s.logger.Error().Err(err).Str("document_id", doc.String()).Str("target", link.TargetRaw).Msg("resolve link target failed")
			continue
		}
		if target == nil {
			continue
		}

		if err := s.repo.UpsertLink(ctx, doc, *target, link.Kind, link.Alias, link.StartByte, link.EndByte); err != nil {
			s.logger.Error().Err(err).Str("document_id", doc.String()).Msg("upsert link failed")
		}
	}
}

func (s *Service) resolveTarget(ctx context.Context, ownerID uuid.UUID, targetRaw string) (*types.DocumentID, error) {
	if id, err := types.ParseDocumentID(targetRaw); err == nil {
		exists, err := s.repo.DocumentExistsForOwner(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		if exists {
			return &id, nil
		}
		return nil, nil
	}

	return s.repo.FindDocumentIDByOwnerAndTitle(ctx, ownerID, targetRaw)
}

func (s *Service) refreshTags(ctx context.Context, ownerID uuid.UUID, doc types.DocumentID, body string) {
	tags := ExtractTags(body)

	if err := s.repo.ClearDocumentTags(ctx, doc); err != nil {
		s.logger.Error().Err(err).Str("document_id", doc.String()).Msg("clear document tags failed")
		return
	}

	belongsToOwner, err := s.repo.OwnerDocExists(ctx, doc, ownerID)
	if err != nil {
		s.logger.Error().Err(err).Str("document_id", doc.String()).Msg("owner doc exists check failed")
		return
	}

	for _, name := range tags {
		tagID, err := s.repo.UpsertTagReturnID(ctx, name)
		if err != nil {
			s.logger.Error().Err(err).Str("tag", name).Msg("upsert tag failed")
			continue
		}
		if !belongsToOwner {
			continue
		}
		if err := s.repo.AssociateDocumentTag(ctx, doc, tagID); err != nil {
			s.logger.Error().Err(err).Str("document_id", doc.String()).Str("tag", name).Msg("associate document tag failed")
		}
	}
}
