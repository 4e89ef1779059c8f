package analyses

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OasisLMF/OasisApi/internal/application"
	filesapp "github.com/OasisLMF/OasisApi/internal/application/files"
	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/infra/db/memory"
)

type fakeDispatcher struct {
	enqueued  []domain.JobPayload
	kinds     []domain.JobKind
	cancelled []string
	err       error
}

func (d *fakeDispatcher) Enqueue(_ context.Context, kind domain.JobKind, p domain.JobPayload) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.kinds = append(d.kinds, kind)
	d.enqueued = append(d.enqueued, p)
	return p.TaskID, nil
}

func (d *fakeDispatcher) RequestCancel(_ context.Context, taskID string) error {
	d.cancelled = append(d.cancelled, taskID)
	return nil
}

type fixture struct {
	svc   *Service
	repo  *memory.AnalysisRepository
	refs  *memory.FileRepository
	blobs *memory.BlobStore
	disp  *fakeDispatcher
	dir   string
}

var testNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:  memory.NewAnalysisRepository(),
		refs:  memory.NewFileRepository(),
		blobs: memory.NewBlobStore(),
		disp:  &fakeDispatcher{},
		dir:   t.TempDir(),
	}
	clock := application.FixedClock{T: testNow}
	f.svc = &Service{
		Repo:       f.repo,
		Files:      &filesapp.Service{Repo: f.refs, Blobs: f.blobs, Clock: clock},
		Dispatcher: f.disp,
		Clock:      clock,
	}
	return f
}

// file writes a worker output into the fixture directory and returns its path.
func (f *fixture) file(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (f *fixture) seed(t *testing.T, a *domain.Analysis) *domain.Analysis {
	t.Helper()
	if a.ID == "" {
		a.ID = "A1"
	}
	if a.Portfolio == "" {
		a.Portfolio = "p1"
	}
	if a.Model == "" {
		a.Model = "m1"
	}
	require.NoError(t, f.repo.Save(context.Background(), a))
	return a
}

// attach stores content and points slot at it.
func (f *fixture) attach(t *testing.T, a *domain.Analysis, slot domain.Slot, name, contentType string) string {
	t.Helper()
	ref, err := f.svc.Files.StoreContent(context.Background(), strings.NewReader(name), name, contentType, "U1")
	require.NoError(t, err)
	a.SetFileID(slot, ref.ID)
	require.NoError(t, f.repo.Save(context.Background(), a))
	return ref.ID
}

func (f *fixture) get(t *testing.T, id string) *domain.Analysis {
	t.Helper()
	a, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) ref(t *testing.T, id string) *files.Reference {
	t.Helper()
	ref, err := f.refs.Get(context.Background(), id)
	require.NoError(t, err)
	return ref
}

func (f *fixture) gone(t *testing.T, id string) {
	t.Helper()
	_, err := f.refs.Get(context.Background(), id)
	assert.ErrorIs(t, err, files.ErrNotFound, "reference %s should be deleted", id)
}

func (f *fixture) content(t *testing.T, fileID string) string {
	t.Helper()
	rc, _, err := f.svc.Files.Open(context.Background(), fileID)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestCreateValidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateCommand{Name: "  ", Portfolio: "p", Model: "m"}, "U1")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	a, err := f.svc.Create(ctx, CreateCommand{Name: "Hurricane", Portfolio: "p", Model: "m"}, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNew, a.Status)
	assert.Equal(t, "U1", a.Creator)
	assert.Equal(t, testNow, a.CreatedAt)
}

func TestUpdateRejectsModelChangeWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &domain.Analysis{Status: domain.StatusStarted, RunTaskID: "t1"})
	ctx := context.Background()

	model := "m2"
	_, err := f.svc.Update(ctx, "A1", UpdateCommand{Model: &model})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	name := "renamed"
	a, err := f.svc.Update(ctx, "A1", UpdateCommand{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed", a.Name)
}

func TestDeleteKeepsSharedArtifacts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, &domain.Analysis{Status: domain.StatusStoppedCompleted})
	input := f.attach(t, a, domain.SlotInput, "in.tar.gz", files.ContentTypeGzip)
	output := f.attach(t, a, domain.SlotOutput, "out.tar.gz", files.ContentTypeGzip)

	c, err := f.svc.Copy(ctx, "A1", "U2", CopyOverrides{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, "A1"))
	f.gone(t, output)
	assert.Equal(t, input, f.ref(t, input).ID)

	require.NoError(t, f.svc.Delete(ctx, c.ID))
	f.gone(t, input)
	assert.Zero(t, f.blobs.Len())
}

func TestDeleteRejectedWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &domain.Analysis{Status: domain.StatusGeneratingInputs, GenerateInputsTaskID: "t1"})
	err := f.svc.Delete(context.Background(), "A1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUploadArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, &domain.Analysis{Status: domain.StatusNew})
	old := f.attach(t, a, domain.SlotSettings, "old.json", files.ContentTypeJSON)

	ref, err := f.svc.UploadArtifact(ctx, "A1", domain.SlotSettings, strings.NewReader(`{"gul":true}`), "settings.json", files.ContentTypeJSON, "U1")
	require.NoError(t, err)
	assert.Equal(t, ref.ID, f.get(t, "A1").FileID(domain.SlotSettings))
	f.gone(t, old)

	rc, got, err := f.svc.OpenArtifact(ctx, "A1", domain.SlotSettings)
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, `{"gul":true}`, string(b))
	assert.Equal(t, "settings.json", got.Filename)

	_, err = f.svc.UploadArtifact(ctx, "A1", domain.SlotOutput, strings.NewReader("x"), "x", files.ContentTypeGzip, "U1")
	assert.ErrorIs(t, err, domain.ErrReadOnlySlot)

	require.NoError(t, f.svc.DeleteArtifact(ctx, "A1", domain.SlotSettings))
	_, _, err = f.svc.OpenArtifact(ctx, "A1", domain.SlotSettings)
	assert.ErrorIs(t, err, files.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteArtifact(ctx, "A1", domain.SlotSettings), files.ErrNotFound)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Run(context.Background(), "missing", "U1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.svc.RecordRunResult(context.Background(), domain.RunResult{}, "missing", "U1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, errors.Is(err, domain.ErrStaleResult))
}
