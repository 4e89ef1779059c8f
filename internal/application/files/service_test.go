package files

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OasisLMF/OasisApi/internal/application"
	domain "github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/infra/db/memory"
)

func newService() (*Service, *memory.FileRepository, *memory.BlobStore) {
	repo := memory.NewFileRepository()
	blobs := memory.NewBlobStore()
	return &Service{
		Repo:  repo,
		Blobs: blobs,
		Clock: application.FixedClock{T: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}, repo, blobs
}

func readAll(t *testing.T, s *Service, id string) string {
	t.Helper()
	rc, _, err := s.Open(context.Background(), id)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestStoreURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/named":
			w.Header().Set("Content-Disposition", `attachment; filename="analysis_1_output.tar.gz"`)
			_, _ = w.Write([]byte("gz-bytes"))
		case "/outputs/losses.tar.gz":
			_, _ = w.Write([]byte("losses"))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		filename string
		content  string
	}{
		{"content disposition", "/named", "analysis_1_output.tar.gz", "gz-bytes"},
		{"url path tail", "/outputs/losses.tar.gz", "losses.tar.gz", "losses"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newService()
			ref, err := s.Store(context.Background(), srv.URL+tt.path, domain.ContentTypeGzip, "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.filename, ref.Filename)
			assert.Equal(t, domain.ContentTypeGzip, ref.ContentType)
			assert.Equal(t, "u1", ref.Creator)
			assert.EqualValues(t, len(tt.content), ref.Size)
			assert.Equal(t, tt.content, readAll(t, s, ref.ID))
		})
	}

	t.Run("non 2xx", func(t *testing.T) {
		s, repo, _ := newService()
		_, err := s.Store(context.Background(), srv.URL+"/missing", domain.ContentTypeGzip, "u1")
		assert.ErrorIs(t, err, domain.ErrRemoteFetch)
		assert.Zero(t, repo.Len())
	})
}

func TestStoreLocalFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "trace.txt")
	require.NoError(t, os.WriteFile(p, []byte("Traceback"), 0o600))

	s, _, _ := newService()
	ref, err := s.Store(context.Background(), p, domain.ContentTypeText, "u1")
	require.NoError(t, err)
	assert.Equal(t, "trace.txt", ref.Filename)
	assert.Equal(t, "Traceback", readAll(t, s, ref.ID))
}

func TestStoreInvalidReference(t *testing.T) {
	s, _, _ := newService()
	for _, ref := range []string{"", "ftp://host/file", "/no/such/file.csv", "http://"} {
		_, err := s.Store(context.Background(), ref, domain.ContentTypeCSV, "u1")
		assert.ErrorIs(t, err, domain.ErrStorageReference, ref)
	}
}

func TestStoreContentAndDelete(t *testing.T) {
	s, repo, blobs := newService()
	ctx := context.Background()

	ref, err := s.StoreContent(ctx, strings.NewReader("worker-monitor error:\n boom"), "x.txt", domain.ContentTypeText, "u1")
	require.NoError(t, err)
	assert.True(t, blobs.Has(ref.Key))
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ref.CreatedAt)

	require.NoError(t, s.Delete(ctx, ref.ID))
	assert.False(t, blobs.Has(ref.Key))
	assert.Zero(t, repo.Len())
	assert.ErrorIs(t, s.Delete(ctx, ref.ID), domain.ErrNotFound)
}

func TestRegisterDoesNotCopy(t *testing.T) {
	s, _, blobs := newService()
	ref, err := s.Register(context.Background(), "outputs/run-1.tar.gz", "run-1.tar.gz", domain.ContentTypeGzip, "u1")
	require.NoError(t, err)
	assert.Equal(t, "outputs/run-1.tar.gz", ref.Key)
	assert.Zero(t, blobs.Len())
}

func TestIsValidURL(t *testing.T) {
	assert.True(t, IsValidURL("https://example.com/a.gz"))
	assert.False(t, IsValidURL("example.com/a.gz"))
	assert.False(t, IsValidURL("file:///tmp/a.gz"))
}
