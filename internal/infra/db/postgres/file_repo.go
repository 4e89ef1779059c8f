package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/OasisLMF/OasisApi/internal/domain/files"
)

const fileColumns = `id, filename, content_type, creator, object_key, size, created_at`

type FileRepository struct {
	db *sql.DB
}

func NewFileRepository(db *sql.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) Create(ctx context.Context, ref *domain.Reference) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO related_files (`+fileColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ref.ID, ref.Filename, ref.ContentType, ref.Creator, ref.Key, ref.Size, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting file reference %s: %w", ref.ID, err)
	}
	return nil
}

func (r *FileRepository) Get(ctx context.Context, id string) (*domain.Reference, error) {
	var ref domain.Reference
	err := r.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM related_files WHERE id=$1`, id).Scan(
		&ref.ID, &ref.Filename, &ref.ContentType, &ref.Creator, &ref.Key, &ref.Size, &ref.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *FileRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM related_files WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("deleting file reference %s: %w", id, err)
	}
	return expectRow(res, domain.ErrNotFound)
}

func (r *FileRepository) List(ctx context.Context, f domain.Filter) ([]*domain.Reference, error) {
	var conds []string
	var args []any
	if f.ContentType != "" {
		args = append(args, f.ContentType)
		conds = append(conds, fmt.Sprintf("content_type = $%d", len(args)))
	}
	if f.FilenameContains != "" {
		args = append(args, "%"+escapeLikePattern(f.FilenameContains)+"%")
		conds = append(conds, fmt.Sprintf("filename ILIKE $%d", len(args)))
	}
	if f.Creator != "" {
		args = append(args, f.Creator)
		conds = append(conds, fmt.Sprintf("creator = $%d", len(args)))
	}

	q := `SELECT ` + fileColumns + ` FROM related_files`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying file references: %w", err)
	}
	defer rows.Close()

	var out []*domain.Reference
	for rows.Next() {
		var ref domain.Reference
		if err := rows.Scan(&ref.ID, &ref.Filename, &ref.ContentType, &ref.Creator, &ref.Key, &ref.Size, &ref.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ref)
	}
	return out, rows.Err()
}
