package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

// analysisColumns lists the analyses table columns in scan order. The slot
// columns follow domain.AllSlots.
var analysisColumns = func() string {
	cols := []string{"id", "name", "creator", "portfolio", "model", "status",
		"run_task_id", "generate_inputs_task_id"}
	for _, s := range domain.AllSlots {
		cols = append(cols, s.String()+"_id")
	}
	cols = append(cols, "task_started", "task_finished", "created_at", "modified_at")
	return strings.Join(cols, ", ")
}()

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// Save insert/update the whole analysis row
func (r *AnalysisRepository) Save(ctx context.Context, a *domain.Analysis) error {
	var updates []string
	for _, c := range strings.Split(analysisColumns, ", ")[1:] {
		if c == "creator" || c == "created_at" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s=VALUES(%s)", c, c))
	}
	n := len(strings.Split(analysisColumns, ", "))
	q := fmt.Sprintf("INSERT INTO analyses (%s) VALUES (%s) ON DUPLICATE KEY UPDATE %s",
		analysisColumns,
		strings.TrimSuffix(strings.Repeat("?,", n), ","),
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
	q := "SELECT " + analysisColumns + " FROM analyses WHERE id=? LIMIT 1"
	a, err := scanAnalysis(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// List paginates newest first with optional status and creator filters.
func (r *AnalysisRepository) List(ctx context.Context, lq domain.ListQuery) (domain.PaginatedResult, error) {
	lq = lq.Normalize()
	where, args := listFilter(lq)

	q := "SELECT " + analysisColumns + " FROM analyses" + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
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
	res, err := r.db.ExecContext(ctx, "DELETE FROM analyses WHERE id=?", id)
	if err != nil {
		return fmt.Errorf("deleting analysis %s: %w", id, err)
	}
	return expectRow(res)
}

// UpdateStatus updates only the status column
func (r *AnalysisRepository) UpdateStatus(ctx context.Context, id string, status domain.Status) error {
	res, err := r.db.ExecContext(ctx, "UPDATE analyses SET status=? WHERE id=?", string(status), id)
	if err != nil {
		return fmt.Errorf("updating status of analysis %s: %w", id, err)
	}
	return expectRow(res)
}

func (r *AnalysisRepository) CountFileUsers(ctx context.Context, fileID string) (int, error) {
	const q = `SELECT COUNT(*) FROM analyses WHERE settings_file_id=? OR input_file_id=?`
	var n int
	if err := r.db.QueryRowContext(ctx, q, fileID, fileID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func listFilter(lq domain.ListQuery) (string, []any) {
	var conds []string
	var args []any
	if lq.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(lq.Status))
	}
	if lq.Creator != "" {
		conds = append(conds, "creator = ?")
		args = append(args, lq.Creator)
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
		a                     domain.Analysis
		status                string
		slots                 = make([]sql.NullString, len(domain.AllSlots))
		started, finished     sql.NullTime
		runTask, generateTask sql.NullString
	)
	dest := []any{&a.ID, &a.Name, &a.Creator, &a.Portfolio, &a.Model, &status, &runTask, &generateTask}
	for i := range slots {
		dest = append(dest, &slots[i])
	}
	dest = append(dest, &started, &finished, &a.CreatedAt, &a.ModifiedAt)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Status = domain.Status(status)
	a.RunTaskID = runTask.String
	a.GenerateInputsTaskID = generateTask.String
	for i, s := range domain.AllSlots {
		a.SetFileID(s, slots[i].String)
	}
	a.TaskStarted = timePtr(started)
	a.TaskFinished = timePtr(finished)
	return &a, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
