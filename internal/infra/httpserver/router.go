package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appanalyses "github.com/OasisLMF/OasisApi/internal/application/analyses"
	appfiles "github.com/OasisLMF/OasisApi/internal/application/files"
	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/middleware"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
)

// maxSettingsSize bounds settings uploads.
const maxSettingsSize = 10 << 20

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Analyses       *appanalyses.Service
	Files          *appfiles.Service
	Log            *logger.Logger
	APIKeys        map[string]string
	RateLimiter    *middleware.RateLimiter
	AllowedOrigins []string
	HealthCheckers map[string]middleware.HealthChecker
}

type Router struct {
	analyses *appanalyses.Service
	files    *appfiles.Service
	log      *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewNop()
	}
	r := &Router{analyses: d.Analyses, files: d.Files, log: log}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux := chi.NewRouter()
	mux.Use(chimw.RequestID)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.Logging(log))
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	mux.Get("/healthz", middleware.HealthHandler(d.HealthCheckers))
	mux.Get("/readyz", middleware.ReadinessHandler(d.HealthCheckers))
	mux.Get("/livez", middleware.LivenessHandler)
	mux.Get("/metrics", middleware.MetricsHandler)
	mux.Method(http.MethodGet, "/metrics/prometheus", middleware.PrometheusHandler())

	mux.Route("/v1", func(rt chi.Router) {
		rt.Use(middleware.APIKeyAuth(d.APIKeys))
		if d.RateLimiter != nil {
			rt.Use(middleware.RateLimit(d.RateLimiter))
		}

		rt.Route("/analyses", func(rt chi.Router) {
			rt.Post("/", r.wrap(r.handleCreate))
			rt.Get("/", r.wrap(r.handleList))

			rt.Route("/{id}", func(rt chi.Router) {
				rt.Get("/", r.wrap(r.handleGet))
				rt.Patch("/", r.wrap(r.handleUpdate))
				rt.Delete("/", r.wrap(r.handleDelete))

				rt.Post("/run", r.wrap(r.handleRun))
				rt.Post("/cancel", r.wrap(r.handleCancel))
				rt.Post("/generate_inputs", r.wrap(r.handleGenerateInputs))
				rt.Post("/cancel_generate_inputs", r.wrap(r.handleCancelGenerateInputs))
				rt.Post("/copy", r.wrap(r.handleCopy))

				rt.Get("/{slot}", r.wrap(r.handleGetArtifact))
				rt.Delete("/{slot}", r.wrap(r.handleDeleteArtifact))
				rt.Post("/{slot}", r.wrap(r.handleUploadArtifact))
			})
		})

		rt.Get("/files", r.wrap(r.handleListFiles))
		rt.Get("/files/{id}", r.wrap(r.handleGetFile))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var verr *middleware.ValidationError
		switch {
		case errors.As(err, &verr):
			_ = writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "fields": verr.Fields})
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrInvalidArgument):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, files.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, domain.ErrReadOnlySlot):
			writeError(w, http.StatusMethodNotAllowed, err)
		default:
			r.log.Error("request failed", "method", req.Method, "path", req.URL.Path,
				"request_id", chimw.GetReqID(req.Context()), "error", err)
			writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
		}
	}
}

type createRequest struct {
	Name      string `json:"name" validate:"required,max=255"`
	Portfolio string `json:"portfolio" validate:"required,max=255"`
	Model     string `json:"model" validate:"required,max=255"`
}

type updateRequest struct {
	Name      *string `json:"name" validate:"omitempty,max=255"`
	Portfolio *string `json:"portfolio" validate:"omitempty,max=255"`
	Model     *string `json:"model" validate:"omitempty,max=255"`
}

type copyRequest struct {
	Name      string `json:"name" validate:"max=255"`
	Portfolio string `json:"portfolio" validate:"max=255"`
	Model     string `json:"model" validate:"max=255"`
}

// POST /v1/analyses
func (r *Router) handleCreate(w http.ResponseWriter, req *http.Request) error {
	var body createRequest
	if err := decodeBody(req, &body, false); err != nil {
		return err
	}
	body.Name = middleware.SanitizeString(body.Name)
	if err := middleware.ValidateStruct(body); err != nil {
		return err
	}

	a, err := r.analyses.Create(req.Context(), appanalyses.CreateCommand{
		Name:      body.Name,
		Portfolio: body.Portfolio,
		Model:     body.Model,
	}, principal(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, a)
}

// GET /v1/analyses?page=&page_size=&status=&user=
func (r *Router) handleList(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))

	query := domain.ListQuery{
		Page:     page,
		PageSize: middleware.ValidateLimit(size),
		Creator:  q.Get("user"),
	}
	if s := q.Get("status"); s != "" {
		status, err := domain.ParseStatus(s)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
		query.Status = status
	}

	list, err := r.analyses.List(req.Context(), query)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/analyses/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	a, err := r.analyses.Get(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, a)
}

// PATCH /v1/analyses/{id}
func (r *Router) handleUpdate(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	var body updateRequest
	if err := decodeBody(req, &body, false); err != nil {
		return err
	}
	if err := middleware.ValidateStruct(body); err != nil {
		return err
	}
	if body.Name != nil {
		name := middleware.SanitizeString(*body.Name)
		body.Name = &name
	}

	a, err := r.analyses.Update(req.Context(), id, appanalyses.UpdateCommand{
		Name:      body.Name,
		Portfolio: body.Portfolio,
		Model:     body.Model,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, a)
}

// DELETE /v1/analyses/{id}
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	if err := r.analyses.Delete(req.Context(), id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/analyses/{id}/run
func (r *Router) handleRun(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	a, err := r.analyses.Run(req.Context(), id, principal(req))
	if err != nil {
		return err
	}
	middleware.IncrementJobsDispatched()
	return writeJSON(w, http.StatusOK, a)
}

// POST /v1/analyses/{id}/cancel
func (r *Router) handleCancel(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	a, err := r.analyses.Cancel(req.Context(), id)
	if err != nil {
		return err
	}
	middleware.IncrementJobsCancelled()
	return writeJSON(w, http.StatusOK, a)
}

// POST /v1/analyses/{id}/generate_inputs
func (r *Router) handleGenerateInputs(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	a, err := r.analyses.GenerateInputs(req.Context(), id, principal(req))
	if err != nil {
		return err
	}
	middleware.IncrementJobsDispatched()
	return writeJSON(w, http.StatusOK, a)
}

// POST /v1/analyses/{id}/cancel_generate_inputs
func (r *Router) handleCancelGenerateInputs(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	a, err := r.analyses.CancelGenerateInputs(req.Context(), id)
	if err != nil {
		return err
	}
	middleware.IncrementJobsCancelled()
	return writeJSON(w, http.StatusOK, a)
}

// POST /v1/analyses/{id}/copy
// Body (optional): {"name": "...", "portfolio": "...", "model": "..."}
func (r *Router) handleCopy(w http.ResponseWriter, req *http.Request) error {
	id, err := analysisID(req)
	if err != nil {
		return err
	}
	var body copyRequest
	if err := decodeBody(req, &body, true); err != nil {
		return err
	}
	if err := middleware.ValidateStruct(body); err != nil {
		return err
	}

	c, err := r.analyses.Copy(req.Context(), id, principal(req), appanalyses.CopyOverrides{
		Name:      middleware.SanitizeString(body.Name),
		Portfolio: body.Portfolio,
		Model:     body.Model,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, c)
}

// GET /v1/analyses/{id}/{slot}
func (r *Router) handleGetArtifact(w http.ResponseWriter, req *http.Request) error {
	id, slot, err := artifactParams(req)
	if err != nil {
		return err
	}
	rc, ref, err := r.analyses.OpenArtifact(req.Context(), id, slot)
	if err != nil {
		return err
	}
	defer rc.Close()

	w.Header().Set("Content-Type", ref.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.Filename}))
	if ref.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(ref.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		r.log.Warn("artifact download interrupted", "analysis_id", id, "slot", slot.String(), "error", err)
	}
	return nil
}

// DELETE /v1/analyses/{id}/{slot}
func (r *Router) handleDeleteArtifact(w http.ResponseWriter, req *http.Request) error {
	id, slot, err := artifactParams(req)
	if err != nil {
		return err
	}
	if err := r.analyses.DeleteArtifact(req.Context(), id, slot); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/analyses/{id}/settings_file
// Multipart form with a JSON document in the "file" field.
func (r *Router) handleUploadArtifact(w http.ResponseWriter, req *http.Request) error {
	id, slot, err := artifactParams(req)
	if err != nil {
		return err
	}
	if !slot.Uploadable() {
		return fmt.Errorf("%s: %w", slot, domain.ErrReadOnlySlot)
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxSettingsSize+1<<20)
	if err := req.ParseMultipartForm(maxSettingsSize); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	f, hdr, err := req.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: file field is required", domain.ErrInvalidArgument)
	}
	defer f.Close()

	ct := hdr.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct != files.ContentTypeJSON && !strings.EqualFold(path.Ext(hdr.Filename), ".json") {
		return fmt.Errorf("%w: %s accepts %s only", domain.ErrInvalidArgument, slot, files.ContentTypeJSON)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if !json.Valid(data) {
		return fmt.Errorf("%w: %s is not valid JSON", domain.ErrInvalidArgument, hdr.Filename)
	}

	ref, err := r.analyses.UploadArtifact(req.Context(), id, slot, bytes.NewReader(data),
		path.Base(hdr.Filename), files.ContentTypeJSON, principal(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, ref)
}

// GET /v1/files?content_type=&filename__contains=&user=&limit=
func (r *Router) handleListFiles(w http.ResponseWriter, req *http.Request) error {
	q := req.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	list, err := r.files.List(req.Context(), files.Filter{
		ContentType:      q.Get("content_type"),
		FilenameContains: q.Get("filename__contains"),
		Creator:          q.Get("user"),
		Limit:            middleware.ValidateLimit(limit),
	})
	if err != nil {
		return err
	}
	if list == nil {
		list = []*files.Reference{}
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/files/{id}
func (r *Router) handleGetFile(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateID(id); err != nil {
		return err
	}
	ref, err := r.files.Get(req.Context(), id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, ref)
}

func analysisID(req *http.Request) (string, error) {
	id := chi.URLParam(req, "id")
	if err := middleware.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

func artifactParams(req *http.Request) (string, domain.Slot, error) {
	id, err := analysisID(req)
	if err != nil {
		return "", "", err
	}
	slot, err := domain.ParseSlot(chi.URLParam(req, "slot"))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrNotFound, err)
	}
	return id, slot, nil
}

func principal(req *http.Request) string {
	return middleware.GetPrincipalFromContext(req.Context())
}

// decodeBody decodes a JSON request body. An empty body is accepted only when
// optional is set.
func decodeBody(req *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	_ = writeJSON(w, status, map[string]string{"error": err.Error()})
}
