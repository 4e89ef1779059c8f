package files

import (
	"context"
	"io"
)

// Repository port for reference metadata.
type Repository interface {
	Create(ctx context.Context, ref *Reference) error
	Get(ctx context.Context, id string) (*Reference, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]*Reference, error)
}

// BlobStore port for the content behind a reference.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	PutFile(ctx context.Context, key, localPath, contentType string) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Remove(ctx context.Context, key string) error
}
