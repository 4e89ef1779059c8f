package analyses

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

// CopyOverrides replaces fields of the source analysis on Copy. Empty fields
// keep the source value.
type CopyOverrides struct {
	Name      string
	Portfolio string
	Model     string
}

// GenerateInputs starts input generation for the analysis.
func (s *Service) GenerateInputs(ctx context.Context, id, actor string) (_ *domain.Analysis, err error) {
	ctx, span := s.startSpan(ctx, "analyses.GenerateInputs", id)
	defer func() { endSpan(span, err) }()

	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case a.Status == domain.StatusGeneratingInputs:
		return nil, &domain.InvalidStateError{Op: "generate inputs for", Status: a.Status, Reason: "input generation already in progress"}
	case a.Status.IsRunning():
		return nil, &domain.InvalidStateError{Op: "generate inputs for", Status: a.Status, Reason: "a run is in progress"}
	case a.Portfolio == "" || a.Model == "":
		return nil, &domain.InvalidStateError{Op: "generate inputs for", Status: a.Status, Reason: "portfolio and model must be set"}
	}

	return s.dispatch(ctx, a, domain.JobGenerateInputs, domain.StatusGeneratingInputs, actor)
}

// CancelGenerateInputs stops input generation. The revoke is best effort; a
// result that still arrives for the cancelled task is dropped as stale.
func (s *Service) CancelGenerateInputs(ctx context.Context, id string) (*domain.Analysis, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusGeneratingInputs {
		return nil, &domain.InvalidStateError{Op: "cancel input generation for", Status: a.Status}
	}
	return s.cancel(ctx, a, domain.JobGenerateInputs, domain.StatusInputsGenerationCancelled)
}

// Run starts a model run. Inputs must have been generated.
func (s *Service) Run(ctx context.Context, id, actor string) (_ *domain.Analysis, err error) {
	ctx, span := s.startSpan(ctx, "analyses.Run", id)
	defer func() { endSpan(span, err) }()

	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.StatusReady {
		return nil, &domain.InvalidStateError{Op: "run", Status: a.Status}
	}
	if a.FileID(domain.SlotInput) == "" {
		return nil, &domain.InvalidStateError{Op: "run", Status: a.Status, Reason: "input file is not set"}
	}

	return s.dispatch(ctx, a, domain.JobRun, domain.StatusPending, actor)
}

// Cancel stops a queued or executing run.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.Analysis, error) {
	a, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !a.Status.IsRunning() {
		return nil, &domain.InvalidStateError{Op: "cancel", Status: a.Status}
	}
	return s.cancel(ctx, a, domain.JobRun, domain.StatusStoppedCancelled)
}

// Copy creates a new analysis from id owned by actor. Settings and input
// references are shared with the source; every other artifact starts empty.
func (s *Service) Copy(ctx context.Context, id, actor string, o CopyOverrides) (*domain.Analysis, error) {
	src, err := s.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &domain.Analysis{
		ID:         uuid.NewString(),
		Name:       src.Name + " - Copy",
		Creator:    actor,
		Portfolio:  src.Portfolio,
		Model:      src.Model,
		Status:     domain.StatusNew,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if o.Name != "" {
		c.Name = o.Name
	}
	if o.Portfolio != "" {
		c.Portfolio = o.Portfolio
	}
	if o.Model != "" {
		c.Model = o.Model
	}
	for _, slot := range domain.AllSlots {
		if slot.Shareable() {
			c.SetFileID(slot, src.FileID(slot))
		}
	}

	if err := s.Repo.Save(ctx, c); err != nil {
		return nil, fmt.Errorf("saving copy of analysis %s: %w", id, err)
	}
	s.logger().Info("analysis copied", "analysis_id", id, "copy_id", c.ID, "creator", actor)
	return c, nil
}

// dispatch saves the record in its dispatched state under a fresh task id and
// then enqueues the job. Saving first means a result that arrives before
// Enqueue returns already finds its task id on the record. If the enqueue
// fails the previous record is restored. Only one job is tracked at a time:
// the other phase's task id is dropped so its late reports are stale.
func (s *Service) dispatch(ctx context.Context, a *domain.Analysis, kind domain.JobKind, next domain.Status, actor string) (*domain.Analysis, error) {
	prev := a.Clone()
	taskID := uuid.NewString()
	now := s.now()

	a.Status = next
	a.TaskStarted = &now
	a.ModifiedAt = now
	s.setTaskID(a, kind, taskID)
	s.setTaskID(a, kind.Other(), "")
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis %s: %w", a.ID, err)
	}

	payload := domain.JobPayload{
		TaskID:       taskID,
		AnalysisID:   a.ID,
		InitiatorID:  actor,
		Portfolio:    a.Portfolio,
		Model:        a.Model,
		InputFile:    a.FileID(domain.SlotInput),
		SettingsFile: a.FileID(domain.SlotSettings),
	}
	got, err := s.Dispatcher.Enqueue(ctx, kind, payload)
	if err != nil {
		if rerr := s.Repo.Save(ctx, prev); rerr != nil {
			s.logger().Error("restoring analysis after failed dispatch",
				"analysis_id", a.ID, "job", kind, "err", rerr)
		}
		return nil, fmt.Errorf("dispatching %s job for analysis %s: %w", kind, a.ID, err)
	}
	if got != "" && got != taskID {
		s.setTaskID(a, kind, got)
		if err := s.Repo.Save(ctx, a); err != nil {
			return nil, fmt.Errorf("saving task id of analysis %s: %w", a.ID, err)
		}
	}

	s.logger().Info("job dispatched", "analysis_id", a.ID, "job", kind, "task_id", a.TaskID(kind), "initiator", actor)
	return a, nil
}

func (s *Service) cancel(ctx context.Context, a *domain.Analysis, kind domain.JobKind, next domain.Status) (_ *domain.Analysis, err error) {
	ctx, span := s.startSpan(ctx, "analyses.Cancel", a.ID)
	span.SetAttributes(attribute.String("job.kind", kind.String()))
	defer func() { endSpan(span, err) }()

	if taskID := a.TaskID(kind); taskID != "" {
		if err := s.Dispatcher.RequestCancel(ctx, taskID); err != nil {
			s.logger().Warn("revoking task failed", "analysis_id", a.ID, "task_id", taskID, "err", err)
		}
	}

	a.Status = next
	a.ModifiedAt = s.now()
	s.setTaskID(a, kind, "")
	if err := s.Repo.Save(ctx, a); err != nil {
		return nil, fmt.Errorf("saving analysis %s: %w", a.ID, err)
	}
	s.logger().Info("job cancelled", "analysis_id", a.ID, "job", kind)
	return a, nil
}

func (s *Service) setTaskID(a *domain.Analysis, kind domain.JobKind, taskID string) {
	switch kind {
	case domain.JobRun:
		a.RunTaskID = taskID
	case domain.JobGenerateInputs:
		a.GenerateInputsTaskID = taskID
	}
}
