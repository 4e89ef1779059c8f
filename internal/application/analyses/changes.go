package analyses

import (
	"context"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

type detachedRef struct {
	slot   domain.Slot
	fileID string
}

// changeSet applies slot assignments to an in-memory record and remembers
// the references they detached. Detached references are deleted by purge,
// which callers run only after the record has been persisted, so a saved
// record never points at a deleted artifact.
type changeSet struct {
	svc      *Service
	a        *domain.Analysis
	detached []detachedRef
}

func (s *Service) changes(a *domain.Analysis) *changeSet {
	return &changeSet{svc: s, a: a}
}

// replace stores the content at location and points slot at it.
func (c *changeSet) replace(ctx context.Context, slot domain.Slot, location, contentType, creator string) error {
	ref, err := c.svc.Files.Store(ctx, location, contentType, creator)
	if err != nil {
		return &storeError{Slot: slot, Err: err}
	}
	c.assign(slot, ref.ID)
	return nil
}

func (c *changeSet) assign(slot domain.Slot, fileID string) {
	old := c.a.FileID(slot)
	c.a.SetFileID(slot, fileID)
	if old != "" && old != fileID {
		c.detached = append(c.detached, detachedRef{slot: slot, fileID: old})
	}
}

func (c *changeSet) clear(slot domain.Slot) { c.assign(slot, "") }

// purge deletes the detached references. A settings or input reference that
// another analysis still points at (through Copy) is left in place. Failures
// leave an orphaned artifact and are only logged.
func (c *changeSet) purge(ctx context.Context) {
	log := c.svc.logger()
	for _, d := range c.detached {
		if d.slot.Shareable() {
			n, err := c.svc.Repo.CountFileUsers(ctx, d.fileID)
			if err != nil {
				log.Warn("counting file users failed", "file_id", d.fileID, "err", err)
				continue
			}
			if n > 0 {
				continue
			}
		}
		if err := c.svc.Files.Delete(ctx, d.fileID); err != nil {
			log.Warn("deleting detached artifact failed",
				"analysis_id", c.a.ID, "slot", d.slot, "file_id", d.fileID, "err", err)
		}
	}
	c.detached = nil
}
