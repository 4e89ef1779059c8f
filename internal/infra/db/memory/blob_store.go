package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	domain "github.com/OasisLMF/OasisApi/internal/domain/files"
)

// BlobStore keeps blob content in a map keyed by object key. FailPut, when
// set, makes every write fail with that error.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	FailPut error
}

func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func (b *BlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if b.FailPut != nil {
		return b.FailPut
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *BlobStore) PutFile(ctx context.Context, key, localPath, contentType string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := b.Put(ctx, key, f, st.Size(), contentType); err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (b *BlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *BlobStore) Remove(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

// Has reports whether key holds an object.
func (b *BlobStore) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.objects[key]
	return ok
}

// Len reports how many objects are stored.
func (b *BlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
