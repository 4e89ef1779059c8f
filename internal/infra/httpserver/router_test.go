package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OasisLMF/OasisApi/internal/application"
	appanalyses "github.com/OasisLMF/OasisApi/internal/application/analyses"
	appfiles "github.com/OasisLMF/OasisApi/internal/application/files"
	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/infra/db/memory"
	queue "github.com/OasisLMF/OasisApi/internal/infra/queue/redis"
	"github.com/OasisLMF/OasisApi/internal/middleware"
)

const testKey = "secret-key"

type testServer struct {
	handler http.Handler
	repo    *memory.AnalysisRepository
	refs    *memory.FileRepository
	blobs   *memory.BlobStore
	rdb     *goredis.Client
	keys    queue.Keys
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ts := &testServer{
		repo:  memory.NewAnalysisRepository(),
		refs:  memory.NewFileRepository(),
		blobs: memory.NewBlobStore(),
		rdb:   rdb,
		keys:  queue.Keys{Prefix: "test"},
	}
	clock := application.FixedClock{T: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}
	filesSvc := &appfiles.Service{Repo: ts.refs, Blobs: ts.blobs, Clock: clock}
	analysesSvc := &appanalyses.Service{
		Repo:       ts.repo,
		Files:      filesSvc,
		Dispatcher: queue.NewDispatcher(rdb, ts.keys, nil),
		Clock:      clock,
	}
	ts.handler = NewRouter(Deps{
		Analyses: analysesSvc,
		Files:    filesSvc,
		APIKeys:  map[string]string{testKey: "alice"},
		HealthCheckers: map[string]middleware.HealthChecker{
			"queue": &middleware.QueueHealthChecker{Consumer: queue.NewConsumer(rdb, ts.keys, analysesSvc, nil, nil)},
		},
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Authorization", "Bearer "+testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) create(t *testing.T) *domain.Analysis {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/analyses", map[string]string{
		"name": "Q1 run", "portfolio": "p-1", "model": "m-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var a domain.Analysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return &a
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/analyses", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/analyses", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProbesAreUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	for _, p := range []string{"/healthz", "/readyz", "/livez", "/metrics", "/metrics/prometheus"} {
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusOK, rec.Code, p)
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health middleware.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, map[string]any{"pending": float64(0), "in_flight": float64(0), "dead_lettered": float64(0)},
		health.Checks["queue"].Details)
}

func TestCreateGetList(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)
	assert.Equal(t, "alice", a.Creator)
	assert.Equal(t, domain.StatusNew, a.Status)

	rec := ts.do(t, http.MethodGet, "/v1/analyses/"+a.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.ID, decode[domain.Analysis](t, rec).ID)

	rec = ts.do(t, http.MethodGet, "/v1/analyses?status=NEW&page_size=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[domain.PaginatedResult](t, rec)
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 5, page.PageSize)

	rec = ts.do(t, http.MethodGet, "/v1/analyses?status=DONE", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/analyses", map[string]string{"name": "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]any](t, rec)
	fields, ok := body["fields"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fields, "portfolio")
	assert.Contains(t, fields, "model")

	rec = ts.do(t, http.MethodPost, "/v1/analyses", map[string]string{"name": "x", "portfolio": "p", "model": "m", "extra": "y"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotFoundAndBadID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/analyses/1d4c0a43-5b0e-4ad0-9a8f-2c3c1c1b6b11", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/analyses/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateAndDelete(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)

	rec := ts.do(t, http.MethodPatch, "/v1/analyses/"+a.ID, map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode[domain.Analysis](t, rec).Name)

	rec = ts.do(t, http.MethodDelete, "/v1/analyses/"+a.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/analyses/"+a.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)

	rec := ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/run", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "run requires READY")

	rec = ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/generate_inputs", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[domain.Analysis](t, rec)
	assert.Equal(t, domain.StatusGeneratingInputs, got.Status)
	taskID := got.GenerateInputsTaskID
	require.NotEmpty(t, taskID)

	n, err := ts.rdb.LLen(context.Background(), ts.keys.Jobs(domain.JobGenerateInputs)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rec = ts.do(t, http.MethodPatch, "/v1/analyses/"+a.ID, map[string]string{"model": "m-2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/v1/analyses/"+a.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/cancel_generate_inputs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[domain.Analysis](t, rec)
	assert.Equal(t, domain.StatusInputsGenerationCancelled, got.Status)
	assert.Empty(t, got.GenerateInputsTaskID)

	revoked, err := ts.rdb.Exists(context.Background(), ts.keys.Revoked(taskID)).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, revoked)

	rec = ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCopyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)

	rec := ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/copy", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	c := decode[domain.Analysis](t, rec)
	assert.NotEqual(t, a.ID, c.ID)
	assert.Equal(t, "Q1 run - Copy", c.Name)

	rec = ts.do(t, http.MethodPost, "/v1/analyses/"+a.ID+"/copy", map[string]string{"name": "other", "model": "m-9"})
	require.Equal(t, http.StatusCreated, rec.Code)
	c = decode[domain.Analysis](t, rec)
	assert.Equal(t, "other", c.Name)
	assert.Equal(t, "m-9", c.Model)
	assert.Equal(t, a.Portfolio, c.Portfolio)
}

func uploadRequest(t *testing.T, target, filename, contentType, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testKey)
	return req
}

func TestSettingsUploadDownloadDelete(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)
	target := "/v1/analyses/" + a.ID + "/settings_file"

	rec := ts.do(t, http.MethodGet, target, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "empty slot")

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, uploadRequest(t, target, "settings.json", files.ContentTypeJSON, `{"gul_threshold": 0}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ref := decode[files.Reference](t, rec)
	assert.Equal(t, "settings.json", ref.Filename)
	assert.Equal(t, "alice", ref.Creator)

	rec = ts.do(t, http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, files.ContentTypeJSON, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "settings.json")
	assert.JSONEq(t, `{"gul_threshold": 0}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/files/"+ref.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/files?content_type=application/json&user=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]files.Reference](t, rec), 1)

	rec = ts.do(t, http.MethodDelete, target, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, ts.blobs.Len())

	rec = ts.do(t, http.MethodGet, "/v1/files/"+ref.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsUploadRejectsNonJSON(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)
	target := "/v1/analyses/" + a.ID + "/settings_file"

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, uploadRequest(t, target, "settings.csv", files.ContentTypeCSV, "a,b\n"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, uploadRequest(t, target, "settings.json", files.ContentTypeJSON, "{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ts.blobs.Len())
}

func TestUploadIntoJobSlotIsNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, uploadRequest(t, "/v1/analyses/"+a.ID+"/output_file", "out.json", files.ContentTypeJSON, "{}"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/analyses/"+a.ID+"/portfolio_file", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown slot")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.handler = NewRouter(Deps{
		Analyses:    &appanalyses.Service{Repo: ts.repo},
		Files:       &appfiles.Service{Repo: ts.refs, Blobs: ts.blobs},
		APIKeys:     map[string]string{testKey: "alice"},
		RateLimiter: middleware.NewRateLimiter(1, 2),
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/v1/analyses", nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestInternalErrorsAreMasked(t *testing.T) {
	ts := newTestServer(t)
	a := ts.create(t)
	ts.blobs.FailPut = errors.New("disk full")

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, uploadRequest(t, "/v1/analyses/"+a.ID+"/settings_file", "s.json", files.ContentTypeJSON, "{}"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk full")
}
