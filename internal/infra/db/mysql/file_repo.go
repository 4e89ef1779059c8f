package mysql

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
	const q = `INSERT INTO related_files (` + fileColumns + `) VALUES (?,?,?,?,?,?,?)`
	_, err := r.db.ExecContext(ctx, q,
		ref.ID, ref.Filename, ref.ContentType, ref.Creator, ref.Key, ref.Size, ref.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting file reference %s: %w", ref.ID, err)
	}
	return nil
}

func (r *FileRepository) Get(ctx context.Context, id string) (*domain.Reference, error) {
	const q = `SELECT ` + fileColumns + ` FROM related_files WHERE id=? LIMIT 1`
	var ref domain.Reference
	err := r.db.QueryRowContext(ctx, q, id).Scan(
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
	res, err := r.db.ExecContext(ctx, `DELETE FROM related_files WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("deleting file reference %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *FileRepository) List(ctx context.Context, f domain.Filter) ([]*domain.Reference, error) {
	q := `SELECT ` + fileColumns + ` FROM related_files`
	var conds []string
	var args []any
	if f.ContentType != "" {
		conds = append(conds, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.FilenameContains != "" {
		conds = append(conds, "filename LIKE ?")
		args = append(args, "%"+escapeLikePattern(f.FilenameContains)+"%")
	}
	if f.Creator != "" {
		conds = append(conds, "creator = ?")
		args = append(args, f.Creator)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
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
