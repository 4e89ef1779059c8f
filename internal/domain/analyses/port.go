package analyses

import "context"

// Repository port (persistence of analysis records). Save is an upsert of the
// whole row and is atomic per call.
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, id string) (*Analysis, error)
	List(ctx context.Context, q ListQuery) (PaginatedResult, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status Status) error

	// CountFileUsers counts analyses whose settings or input slot points at
	// the given file reference.
	CountFileUsers(ctx context.Context, fileID string) (int, error)
}

// JobDispatcher port (the external job runtime).
type JobDispatcher interface {
	// Enqueue submits a job and returns its task id.
	Enqueue(ctx context.Context, kind JobKind, payload JobPayload) (string, error)
	// RequestCancel asks the runtime to drop the task. Best effort: a result
	// may still be delivered afterwards.
	RequestCancel(ctx context.Context, taskID string) error
}

// ListQuery selects a page of analyses, newest first.
type ListQuery struct {
	Page     int
	PageSize int
	Status   Status
	Creator  string
}

// PaginatedResult represents a page of analyses with paging metadata.
type PaginatedResult struct {
	Data       []*Analysis `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	Total      int64       `json:"totalItems"`
	TotalPages int         `json:"totalPages"`
}

// Normalize applies paging defaults.
func (q ListQuery) Normalize() ListQuery {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	return q
}

// Offset returns the row offset of the page.
func (q ListQuery) Offset() int { return (q.Page - 1) * q.PageSize }
