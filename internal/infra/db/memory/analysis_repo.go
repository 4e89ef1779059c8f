// Package memory holds in-process adapters for the analysis and file ports.
// They back the "memory" database driver and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

type AnalysisRepository struct {
	mu   sync.RWMutex
	rows map[string]*domain.Analysis
}

func NewAnalysisRepository() *AnalysisRepository {
	return &AnalysisRepository{rows: make(map[string]*domain.Analysis)}
}

func (r *AnalysisRepository) Save(_ context.Context, a *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[a.ID] = a.Clone()
	return nil
}

func (r *AnalysisRepository) Get(_ context.Context, id string) (*domain.Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return a.Clone(), nil
}

// List orders by creation time, newest first, breaking ties by id.
func (r *AnalysisRepository) List(_ context.Context, q domain.ListQuery) (domain.PaginatedResult, error) {
	q = q.Normalize()

	r.mu.RLock()
	var matched []*domain.Analysis
	for _, a := range r.rows {
		if q.Status != "" && a.Status != q.Status {
			continue
		}
		if q.Creator != "" && a.Creator != q.Creator {
			continue
		}
		matched = append(matched, a.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.PageSize
	if end > total {
		end = total
	}

	return domain.PaginatedResult{
		Data:       matched[start:end],
		Page:       q.Page,
		PageSize:   q.PageSize,
		Total:      int64(total),
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}, nil
}

func (r *AnalysisRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *AnalysisRepository) UpdateStatus(_ context.Context, id string, status domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	return nil
}

func (r *AnalysisRepository) CountFileUsers(_ context.Context, fileID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, a := range r.rows {
		if a.FileID(domain.SlotSettings) == fileID || a.FileID(domain.SlotInput) == fileID {
			n++
		}
	}
	return n, nil
}
