package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

var analysisColumns = func() []string {
	cols := []string{"id", "name", "creator", "portfolio", "model", "status",
		"run_task_id", "generate_inputs_task_id"}
	for _, s := range domain.AllSlots {
		cols = append(cols, s.String()+"_id")
	}
	return append(cols, "task_started", "task_finished", "created_at", "modified_at")
}()

var selectAnalyses = "SELECT " + strings.Join(analysisColumns, ", ") + " FROM analyses"

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Save inserts or updates the whole analysis row
func (r *AnalysisRepository) Save(ctx context.Context, a *domain.Analysis) error {
	var updates []string
	for _, c := range analysisColumns[1:] {
		if c == "creator" || c == "created_at" {
			continue
		}
		updates = append(updates, c+"=EXCLUDED."+c)
	}
	q := fmt.Sprintf("INSERT INTO analyses (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		strings.Join(analysisColumns, ", "),
		placeholders(1, len(analysisColumns)),
		strings.Join(updates, ", "),
	)

	args := []any{a.ID, a.Name, a.Creator, a.Portfolio, a.Model, string(a.Status),
		a.RunTaskID, a.GenerateInputsTaskID}
	for _, s := range domain.AllSlots {
		args = append(args, nullString(a.FileID(s)))
	}
	args = append(args, nullTime(a.TaskStarted), nullTime(a.TaskFinished), a.CreatedAt, a.ModifiedAt)

	if _, err := r.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("saving analysis %s: %w", a.ID, err)
	}
	return nil
}

func (r *AnalysisRepository) Get(ctx context.Context, id string) (*domain.Analysis, error) {
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, selectAnalyses+" WHERE id=$1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// List returns a page of analyses ordered by created_at desc
func (r *AnalysisRepository) List(ctx context.Context, lq domain.ListQuery) (domain.PaginatedResult, error) {
	lq = lq.Normalize()
	where, args := listFilter(lq)

	q := fmt.Sprintf("%s%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		selectAnalyses, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, lq.PageSize, lq.Offset())...)
	if err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("querying analyses: %w", err)
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return domain.PaginatedResult{}, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("iterating rows: %w", err)
	}

	var total int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM analyses"+where, args...).Scan(&total); err != nil {
		return domain.PaginatedResult{}, fmt.Errorf("getting total count: %w", err)
	}

	return domain.PaginatedResult{
		Data:       out,
		Page:       lq.Page,
		PageSize:   lq.PageSize,
		Total:      total,
		TotalPages: int((total + int64(lq.PageSize) - 1) / int64(lq.PageSize)),
	}, nil
}

func (r *AnalysisRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM analyses WHERE id=$1", id)
	if err != nil {
		return fmt.Errorf("deleting analysis %s: %w", id, err)
	}
	return expectRow(res, domain.ErrNotFound)
}

func (r *AnalysisRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, "UPDATE analyses SET status=$1 WHERE id=$2", string(status), id)
	if err != nil {
		return fmt.Errorf("updating status of analysis %s: %w", id, err)
	}
	return expectRow(res, domain.ErrNotFound)
}

func (r *AnalysisRepository) CountFileUsers(ctx context.Context, fileID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM analyses WHERE settings_file_id=$1 OR input_file_id=$1", fileID).Scan(&n)
	return n, err
}

func listFilter(lq domain.ListQuery) (string, []any) {
	var conds []string
	var args []any
	if lq.Status != "" {
		args = append(args, string(lq.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if lq.Creator != "" {
		args = append(args, lq.Creator)
		conds = append(conds, fmt.Sprintf("creator = $%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*domain.Analysis, error) {
	var (
		a                 domain.Analysis
		status            string
		runTask, genTask  sql.NullString
		started, finished sql.NullTime
		slots             = make([]sql.NullString, len(domain.AllSlots))
	)
	dest := []any{&a.ID, &a.Name, &a.Creator, &a.Portfolio, &a.Model, &status, &runTask, &genTask}
	for i := range slots {
		dest = append(dest, &slots[i])
	}
	dest = append(dest, &started, &finished, &a.CreatedAt, &a.ModifiedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	a.Status = domain.Status(status)
	a.RunTaskID = runTask.String
	a.GenerateInputsTaskID = genTask.String
	for i, s := range domain.AllSlots {
		a.SetFileID(s, slots[i].String)
	}
	a.TaskStarted = timePtr(started)
	a.TaskFinished = timePtr(finished)
	return &a, nil
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
