package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	domain "github.com/OasisLMF/OasisApi/internal/domain/files"
)

type FileRepository struct {
	mu   sync.RWMutex
	refs map[string]domain.Reference
}

func NewFileRepository() *FileRepository {
	return &FileRepository{refs: make(map[string]domain.Reference)}
}

func (r *FileRepository) Create(_ context.Context, ref *domain.Reference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref.ID] = *ref
	return nil
}

func (r *FileRepository) Get(_ context.Context, id string) (*domain.Reference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.refs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &ref, nil
}

func (r *FileRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.refs, id)
	return nil
}

func (r *FileRepository) List(_ context.Context, f domain.Filter) ([]*domain.Reference, error) {
	r.mu.RLock()
	out := make([]*domain.Reference, 0, len(r.refs))
	for _, ref := range r.refs {
		if f.ContentType != "" && ref.ContentType != f.ContentType {
			continue
		}
		if f.FilenameContains != "" && !strings.Contains(ref.Filename, f.FilenameContains) {
			continue
		}
		if f.Creator != "" && ref.Creator != f.Creator {
			continue
		}
		ref := ref
		out = append(out, &ref)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports how many references are stored.
func (r *FileRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}
