package analyses

import (
	"context"
	"fmt"
	"io"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
)

// OpenArtifact returns the content held by slot. The caller closes it.
func (s *Service) OpenArtifact(ctx context.Context, id string, slot domain.Slot) (io.ReadCloser, *files.Reference, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	fileID := a.FileID(slot)
	if fileID == "" {
		return nil, nil, fmt.Errorf("%s of analysis %s: %w", slot, id, files.ErrNotFound)
	}
	return s.Files.Open(ctx, fileID)
}

// DeleteArtifact empties slot and deletes the reference it held.
func (s *Service) DeleteArtifact(ctx context.Context, id string, slot domain.Slot) error {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.FileID(slot) == "" {
		return fmt.Errorf("%s of analysis %s: %w", slot, id, files.ErrNotFound)
	}
	cs := s.changes(a)
	cs.clear(slot)
	a.ModifiedAt = s.now()
	if err := s.Repo.Save(ctx, a); err != nil {
		return fmt.Errorf("saving analysis %s: %w", id, err)
	}
	cs.purge(ctx)
	return nil
}

// UploadArtifact stores r into slot, replacing what it held. Only slots that
// are not filled by jobs accept uploads.
func (s *Service) UploadArtifact(ctx context.Context, id string, slot domain.Slot, r io.Reader, filename, contentType, actor string) (*files.Reference, error) {
	if !slot.Uploadable() {
		return nil, fmt.Errorf("%s: %w", slot, domain.ErrReadOnlySlot)
	}
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ref, err := s.Files.StoreContent(ctx, r, filename, contentType, actor)
	if err != nil {
		return nil, fmt.Errorf("storing %s: %w", slot, err)
	}
	cs := s.changes(a)
	cs.assign(slot, ref.ID)
	a.ModifiedAt = s.now()
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis %s: %w", id, err)
	}
	cs.purge(ctx)
	return ref, nil
}
