package files

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/OasisLMF/OasisApi/internal/application"
	domain "github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
)

// Service stores analysis artifacts: metadata in Repo, content in Blobs.
type Service struct {
	Repo  domain.Repository
	Blobs domain.BlobStore
	HTTP  *http.Client
	Clock application.Clock
	Log   *logger.Logger
}

// Store turns a content reference into a stored Reference. The reference is
// either an http(s) URL, which is downloaded, or a path to an existing local
// file, which is uploaded under its basename.
func (s *Service) Store(ctx context.Context, reference, contentType, creator string) (*domain.Reference, error) {
	switch {
	case IsValidURL(reference):
		return s.storeURL(ctx, reference, contentType, creator)
	case isLocalFile(reference):
		return s.storeLocal(ctx, reference, contentType, creator)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrStorageReference, reference)
	}
}

// StoreContent stores the bytes read from r under filename.
func (s *Service) StoreContent(ctx context.Context, r io.Reader, filename, contentType, creator string) (*domain.Reference, error) {
	ref := s.newReference(filename, contentType, creator)

	tmp, size, err := spool(r)
	if err != nil {
		return nil, err
	}
	defer cleanupTemp(tmp)

	if err := s.Blobs.Put(ctx, ref.Key, tmp, size, contentType); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", filename, err)
	}
	ref.Size = size
	return s.create(ctx, ref)
}

// Register records a reference to content that is already in the blob store
// under key. No content is copied.
func (s *Service) Register(ctx context.Context, key, filename, contentType, creator string) (*domain.Reference, error) {
	ref := s.newReference(filename, contentType, creator)
	ref.Key = key
	return s.create(ctx, ref)
}

// Get returns the reference metadata.
func (s *Service) Get(ctx context.Context, id string) (*domain.Reference, error) {
	return s.Repo.Get(ctx, id)
}

// List returns references matching f.
func (s *Service) List(ctx context.Context, f domain.Filter) ([]*domain.Reference, error) {
	return s.Repo.List(ctx, f)
}

// Open returns the content of the reference. The caller closes the reader.
func (s *Service) Open(ctx context.Context, id string) (io.ReadCloser, *domain.Reference, error) {
	ref, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.Blobs.Get(ctx, ref.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", ref.Filename, err)
	}
	return rc, ref, nil
}

// Delete removes the blob and then the metadata. Calling it twice for the same
// id is a caller bug and fails with ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	ref, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.Blobs.Remove(ctx, ref.Key); err != nil {
		return fmt.Errorf("removing blob %s: %w", ref.Key, err)
	}
	return s.Repo.Delete(ctx, id)
}

func (s *Service) storeURL(ctx context.Context, rawURL, contentType, creator string) (*domain.Reference, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteFetch, err)
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s returned %d", domain.ErrRemoteFetch, rawURL, resp.StatusCode)
	}

	tmp, size, err := spool(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteFetch, err)
	}
	defer cleanupTemp(tmp)

	name := filenameFromResponse(resp, rawURL)
	s.logger().Info("store file", "filename", name, "source", rawURL)

	ref := s.newReference(name, contentType, creator)
	if err := s.Blobs.Put(ctx, ref.Key, tmp, size, contentType); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", name, err)
	}
	ref.Size = size
	return s.create(ctx, ref)
}

func (s *Service) storeLocal(ctx context.Context, localPath, contentType, creator string) (*domain.Reference, error) {
	ref := s.newReference(filepath.Base(localPath), contentType, creator)
	size, err := s.Blobs.PutFile(ctx, ref.Key, localPath, contentType)
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", localPath, err)
	}
	ref.Size = size
	return s.create(ctx, ref)
}

func (s *Service) create(ctx context.Context, ref *domain.Reference) (*domain.Reference, error) {
	if err := s.Repo.Create(ctx, ref); err != nil {
		return nil, fmt.Errorf("saving file reference %s: %w", ref.Filename, err)
	}
	return ref, nil
}

func (s *Service) newReference(filename, contentType, creator string) *domain.Reference {
	id := uuid.NewString()
	return &domain.Reference{
		ID:          id,
		Filename:    filename,
		ContentType: contentType,
		Creator:     creator,
		Key:         path.Join("files", id, filename),
		CreatedAt:   s.now(),
	}
}

func (s *Service) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

func (s *Service) logger() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.NewNop()
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return application.SystemClock{}.Now().UTC()
}

// IsValidURL reports whether ref is an http or https URL with a host.
func IsValidURL(ref string) bool {
	if ref == "" {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}

func isLocalFile(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// filenameFromResponse prefers the Content-Disposition filename, then the
// last element of the URL path.
func filenameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return path.Base(params["filename"])
		}
		if i := strings.LastIndex(cd, "filename="); i >= 0 {
			if name := strings.Trim(cd[i+len("filename="):], `"' `); name != "" {
				return path.Base(name)
			}
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return name
}

// spool copies r into a temporary file and rewinds it.
func spool(r io.Reader) (*os.File, int64, error) {
	tmp, err := os.CreateTemp("", "oasis-artifact-*")
	if err != nil {
		return nil, 0, err
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanupTemp(tmp)
		return nil, 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanupTemp(tmp)
		return nil, 0, err
	}
	return tmp, size, nil
}

func cleanupTemp(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}
