package analyses

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OasisLMF/OasisApi/internal/application"
	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
	"github.com/OasisLMF/OasisApi/internal/platform/logger"
)

const tracerName = "github.com/OasisLMF/OasisApi/internal/application/analyses"

// FileStore is the part of the file service the analysis use-cases need.
type FileStore interface {
	Store(ctx context.Context, reference, contentType, creator string) (*files.Reference, error)
	StoreContent(ctx context.Context, r io.Reader, filename, contentType, creator string) (*files.Reference, error)
	Register(ctx context.Context, key, filename, contentType, creator string) (*files.Reference, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *files.Reference, error)
	Delete(ctx context.Context, id string) error
}

// Service implements the analysis use-cases: CRUD, the lifecycle operations
// and reconciliation of job results. It is safe for concurrent use; two
// reconciliations of the same analysis are not serialized here.
type Service struct {
	Repo       domain.Repository
	Files      FileStore
	Dispatcher domain.JobDispatcher
	Clock      application.Clock
	Log        *logger.Logger
	Tracer     trace.Tracer
}

// CreateCommand carries the fields of a new analysis.
type CreateCommand struct {
	Name      string
	Portfolio string
	Model     string
}

// UpdateCommand carries a partial update; nil fields are left alone.
type UpdateCommand struct {
	Name      *string
	Portfolio *string
	Model     *string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand, actor string) (*domain.Analysis, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" || cmd.Portfolio == "" || cmd.Model == "" {
		return nil, fmt.Errorf("%w: name, portfolio and model are required", domain.ErrInvalidArgument)
	}
	now := s.now()
	a := &domain.Analysis{
		ID:         uuid.NewString(),
		Name:       name,
		Creator:    actor,
		Portfolio:  cmd.Portfolio,
		Model:      cmd.Model,
		Status:     domain.StatusNew,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis: %w", err)
	}
	s.logger().Info("analysis created", "analysis_id", a.ID, "creator", actor)
	return a, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Analysis, error) {
	return s.Repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, q domain.ListQuery) (domain.PaginatedResult, error) {
	return s.Repo.List(ctx, q.Normalize())
}

// Update renames the analysis or points it at another portfolio or model.
// Portfolio and model are fixed while a job is in flight.
func (s *Service) Update(ctx context.Context, id string, cmd UpdateCommand) (*domain.Analysis, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if (cmd.Portfolio != nil || cmd.Model != nil) && a.Status.InFlight() {
		return nil, &domain.InvalidStateError{Op: "update", Status: a.Status, Reason: "portfolio and model are fixed while a job is in flight"}
	}
	if cmd.Name != nil {
		name := strings.TrimSpace(*cmd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name must not be empty", domain.ErrInvalidArgument)
		}
		a.Name = name
	}
	if cmd.Portfolio != nil {
		if *cmd.Portfolio == "" {
			return nil, fmt.Errorf("%w: portfolio must not be empty", domain.ErrInvalidArgument)
		}
		a.Portfolio = *cmd.Portfolio
	}
	if cmd.Model != nil {
		if *cmd.Model == "" {
			return nil, fmt.Errorf("%w: model must not be empty", domain.ErrInvalidArgument)
		}
		a.Model = *cmd.Model
	}
	a.ModifiedAt = s.now()
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis %s: %w", id, err)
	}
	return a, nil
}

// Delete removes the analysis and every artifact it does not share with
// another analysis.
func (s *Service) Delete(ctx context.Context, id string) error {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status.InFlight() {
		return &domain.InvalidStateError{Op: "delete", Status: a.Status, Reason: "cancel the running job first"}
	}

	cs := s.changes(a)
	for _, slot := range domain.AllSlots {
		cs.clear(slot)
	}
	if err := s.Repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting analysis %s: %w", id, err)
	}
	cs.purge(ctx)
	s.logger().Info("analysis deleted", "analysis_id", id)
	return nil
}

func (s *Service) logger() *logger.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logger.NewNop()
}

func (s *Service) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer(tracerName)
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) startSpan(ctx context.Context, name, analysisID string) (context.Context, trace.Span) {
	return s.tracer().Start(ctx, name, trace.WithAttributes(attribute.String("analysis.id", analysisID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
