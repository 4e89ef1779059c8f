package analyses

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
)

// storeError reports an artifact that could not be stored into a slot.
type storeError struct {
	Slot domain.Slot
	Err  error
}

func (e *storeError) Error() string { return fmt.Sprintf("storing %s: %v", e.Slot, e.Err) }
func (e *storeError) Unwrap() error { return e.Err }

// RecordRunResult applies the outcome of a run job. When storing an artifact
// fails, the status already computed is saved before the error is returned.
func (s *Service) RecordRunResult(ctx context.Context, res domain.RunResult, analysisID, initiator string) (err error) {
	ctx, span := s.startSpan(ctx, "analyses.RecordRunResult", analysisID)
	span.SetAttributes(attribute.Int("job.return_code", res.ReturnCode))
	defer func() { endSpan(span, err) }()

	a, err := s.load(ctx, analysisID)
	if err != nil {
		return err
	}
	if err := s.fence(a, domain.JobRun, res.TaskID); err != nil {
		return err
	}

	now := s.now()
	a.TaskFinished = &now
	cs := s.changes(a)

	var storeErr error
	if res.ReturnCode == 0 {
		a.Status = domain.StatusStoppedCompleted
		storeErr = cs.replace(ctx, domain.SlotOutput, res.OutputLocation, files.ContentTypeGzip, initiator)
	} else {
		a.Status = domain.StatusStoppedError
		cs.clear(domain.SlotOutput)
	}
	if storeErr == nil {
		if res.LogLocation != "" {
			storeErr = cs.replace(ctx, domain.SlotRunLog, res.LogLocation, files.ContentTypeGzip, initiator)
		} else {
			cs.clear(domain.SlotRunLog)
		}
	}
	if storeErr == nil && res.TracebackLocation != "" {
		storeErr = cs.replace(ctx, domain.SlotRunTraceback, res.TracebackLocation, files.ContentTypeText, initiator)
	}

	return s.commit(ctx, cs, domain.JobRun, storeErr)
}

// RecordGenerateInputsResult applies the outcome of an input generation job.
// A failed generation drops every input artifact of an earlier success.
func (s *Service) RecordGenerateInputsResult(ctx context.Context, res domain.GenerateInputsResult, analysisID, initiator string) (err error) {
	ctx, span := s.startSpan(ctx, "analyses.RecordGenerateInputsResult", analysisID)
	span.SetAttributes(attribute.Int("job.return_code", res.ReturnCode))
	defer func() { endSpan(span, err) }()

	a, err := s.load(ctx, analysisID)
	if err != nil {
		return err
	}
	if err := s.fence(a, domain.JobGenerateInputs, res.TaskID); err != nil {
		return err
	}

	now := s.now()
	a.TaskFinished = &now
	cs := s.changes(a)

	var storeErr error
	if res.ReturnCode == 0 {
		a.Status = domain.StatusReady
		for _, in := range inputArtifacts(res.InputLocation, res.LookupErrorsLocation,
			res.LookupSuccessLocation, res.LookupValidationLocation, res.SummaryLevelsLocation) {
			if storeErr = cs.replace(ctx, in.slot, in.location, in.contentType, initiator); storeErr != nil {
				break
			}
		}
	} else {
		a.Status = domain.StatusInputsGenerationError
		for _, slot := range domain.InputSlots {
			cs.clear(slot)
		}
		cs.clear(domain.SlotInputGenerationTraceback)
	}
	if storeErr == nil && res.TracebackLocation != "" {
		storeErr = cs.replace(ctx, domain.SlotInputGenerationTraceback, res.TracebackLocation, files.ContentTypeText, initiator)
	}

	return s.commit(ctx, cs, domain.JobGenerateInputs, storeErr)
}

// RecordRunFailure marks a run as failed with the trace reported by the
// worker. A failure from a task other than the current run is stale and
// changes nothing. It is itself a failure path: other errors are logged and
// the returned error only tells a stale report apart.
func (s *Service) RecordRunFailure(ctx context.Context, analysisID, initiator, taskID, traceback string) error {
	return s.logFailure(ctx, domain.JobRun, analysisID, initiator, taskID, traceback)
}

// RecordGenerateInputsFailure is RecordRunFailure for input generation.
func (s *Service) RecordGenerateInputsFailure(ctx context.Context, analysisID, initiator, taskID, traceback string) error {
	return s.logFailure(ctx, domain.JobGenerateInputs, analysisID, initiator, taskID, traceback)
}

func (s *Service) logFailure(ctx context.Context, kind domain.JobKind, analysisID, initiator, taskID, traceback string) error {
	err := s.recordFailure(ctx, kind, analysisID, initiator, taskID, traceback)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrStaleResult):
		return err
	default:
		s.logger().Error("recording job failure", "analysis_id", analysisID, "job", kind, "task_id", taskID, "err", err)
		return nil
	}
}

// HandleTaskFailure runs when a job, or the handler of its result, failed
// without producing a result. It sets the error status and stores the trace
// as a text artifact. The status is saved even when the trace cannot be
// stored; the storage error is then returned.
func (s *Service) HandleTaskFailure(ctx context.Context, kind domain.JobKind, analysisID, initiator, taskID, trace string) error {
	err := s.recordFailure(ctx, kind, analysisID, initiator, taskID, "worker-monitor error:\n "+trace)
	if err != nil && !errors.Is(err, domain.ErrStaleResult) {
		s.logger().Error("task failure hook", "analysis_id", analysisID, "job", kind, "task_id", taskID, "err", err)
	}
	return err
}

func (s *Service) recordFailure(ctx context.Context, kind domain.JobKind, analysisID, initiator, taskID, text string) (err error) {
	ctx, span := s.startSpan(ctx, "analyses.RecordFailure", analysisID)
	span.SetAttributes(attribute.String("job.kind", kind.String()))
	defer func() { endSpan(span, err) }()

	a, err := s.load(ctx, analysisID)
	if err != nil {
		return err
	}
	if err := s.fence(a, kind, taskID); err != nil {
		return err
	}

	now := s.now()
	a.Status = kind.ErrorStatus()
	a.TaskFinished = &now
	cs := s.changes(a)
	if kind == domain.JobRun {
		cs.clear(domain.SlotRunLog)
	}

	var storeErr error
	ref, err := s.Files.StoreContent(ctx, strings.NewReader(text), uuid.New().String()+".txt", files.ContentTypeText, initiator)
	if err != nil {
		storeErr = &storeError{Slot: kind.TracebackSlot(), Err: err}
	} else {
		cs.assign(kind.TracebackSlot(), ref.ID)
	}

	return s.commit(ctx, cs, kind, storeErr)
}

// RunAnalysisSuccess drains run results of pre-upgrade workers: the output
// is registered by key without being fetched.
//
// Deprecated: workers report through RecordRunResult.
func (s *Service) RunAnalysisSuccess(ctx context.Context, outputLocation, analysisID, initiator, taskID string) error {
	log := s.logger().With("analysis_id", analysisID)
	log.Warn("deprecated result handler", "handler", "run_analysis_success")

	a, err := s.Repo.Get(ctx, analysisID)
	if err != nil {
		log.Error("loading analysis", "err", err)
		return nil
	}
	if err := s.fence(a, domain.JobRun, taskID); err != nil {
		return err
	}
	now := s.now()
	a.Status = domain.StatusStoppedCompleted
	a.TaskFinished = &now
	cs := s.changes(a)

	ref, err := s.Files.Register(ctx, outputLocation, path.Base(outputLocation), files.ContentTypeGzip, initiator)
	if err != nil {
		log.Error("registering output", "err", err)
		return nil
	}
	cs.assign(domain.SlotOutput, ref.ID)
	cs.clear(domain.SlotRunTraceback)

	if err := s.commit(ctx, cs, domain.JobRun, nil); err != nil {
		log.Error("saving analysis", "err", err)
	}
	return nil
}

// GenerateInputSuccess drains input generation results of pre-upgrade
// workers.
//
// Deprecated: workers report through RecordGenerateInputsResult.
func (s *Service) GenerateInputSuccess(ctx context.Context, res domain.GenerateInputsSuccess, analysisID, initiator, taskID string) error {
	log := s.logger().With("analysis_id", analysisID)
	log.Warn("deprecated result handler", "handler", "generate_input_success")

	a, err := s.Repo.Get(ctx, analysisID)
	if err != nil {
		log.Error("loading analysis", "err", err)
		return nil
	}
	if err := s.fence(a, domain.JobGenerateInputs, taskID); err != nil {
		return err
	}
	now := s.now()
	a.Status = domain.StatusReady
	a.TaskFinished = &now
	cs := s.changes(a)

	names := map[domain.Slot]string{
		domain.SlotInput:            path.Base(res.InputLocation),
		domain.SlotInputErrors:      "keys-errors.csv",
		domain.SlotLookupSuccess:    "gul_summary_map.csv",
		domain.SlotLookupValidation: "exposure_summary_report.json",
		domain.SlotSummaryLevels:    "exposure_summary_levels.json",
	}
	for _, in := range inputArtifacts(res.InputLocation, res.LookupErrorsLocation,
		res.LookupSuccessLocation, res.LookupValidationLocation, res.SummaryLevelsLocation) {
		ref, err := s.Files.Register(ctx, in.location, names[in.slot], in.contentType, initiator)
		if err != nil {
			log.Error("registering input artifact", "slot", in.slot, "err", err)
			return nil
		}
		cs.assign(in.slot, ref.ID)
	}
	cs.clear(domain.SlotInputGenerationTraceback)

	if err := s.commit(ctx, cs, domain.JobGenerateInputs, nil); err != nil {
		log.Error("saving analysis", "err", err)
	}
	return nil
}

// SetTaskStatus records a status announced by the worker, typically STARTED
// once it picks the job up. Only the status column is written.
func (s *Service) SetTaskStatus(ctx context.Context, analysisID, taskID string, status domain.Status) error {
	if taskID != "" {
		a, err := s.load(ctx, analysisID)
		if err != nil {
			return err
		}
		if a.RunTaskID != taskID && a.GenerateInputsTaskID != taskID {
			current := a.RunTaskID
			if current == "" {
				current = a.GenerateInputsTaskID
			}
			return &domain.StaleResultError{AnalysisID: analysisID, ResultTask: taskID, CurrentTask: current}
		}
	}
	if err := s.Repo.UpdateStatus(ctx, analysisID, status); err != nil {
		return fmt.Errorf("updating status of analysis %s: %w", analysisID, err)
	}
	s.logger().Debug("task status", "analysis_id", analysisID, "task_id", taskID, "status", status)
	return nil
}

type inputArtifact struct {
	slot        domain.Slot
	location    string
	contentType string
}

func inputArtifacts(input, lookupErrors, lookupSuccess, lookupValidation, summaryLevels string) []inputArtifact {
	return []inputArtifact{
		{domain.SlotInput, input, files.ContentTypeGzip},
		{domain.SlotInputErrors, lookupErrors, files.ContentTypeCSV},
		{domain.SlotLookupSuccess, lookupSuccess, files.ContentTypeCSV},
		{domain.SlotLookupValidation, lookupValidation, files.ContentTypeJSON},
		{domain.SlotSummaryLevels, summaryLevels, files.ContentTypeJSON},
	}
}

func (s *Service) load(ctx context.Context, analysisID string) (*domain.Analysis, error) {
	a, err := s.Repo.Get(ctx, analysisID)
	if err != nil {
		return nil, fmt.Errorf("loading analysis %s: %w", analysisID, err)
	}
	return a, nil
}

// fence rejects a result whose task is not the analysis' current task of that
// kind. Results without a task id are applied unconditionally.
func (s *Service) fence(a *domain.Analysis, kind domain.JobKind, taskID string) error {
	if taskID == "" || taskID == a.TaskID(kind) {
		return nil
	}
	err := &domain.StaleResultError{Kind: kind, AnalysisID: a.ID, ResultTask: taskID, CurrentTask: a.TaskID(kind)}
	s.logger().Warn("dropping stale job result", "analysis_id", a.ID, "job", kind,
		"task_id", taskID, "current_task_id", a.TaskID(kind))
	return err
}

// commit saves the record and then deletes the artifacts it no longer
// references. A storeErr from an earlier step does not stop the save; it is
// returned afterwards, joined with any save error. The task id is only
// cleared when every artifact was stored, so a failure hook fired for the
// same task still passes the fence.
func (s *Service) commit(ctx context.Context, cs *changeSet, kind domain.JobKind, storeErr error) error {
	a := cs.a
	a.ModifiedAt = s.now()
	if storeErr == nil {
		s.setTaskID(a, kind, "")
	}

	if err := s.Repo.Save(ctx, a); err != nil {
		saveErr := fmt.Errorf("saving analysis %s: %w", a.ID, err)
		if storeErr != nil {
			return errors.Join(storeErr, saveErr)
		}
		return saveErr
	}
	cs.purge(ctx)

	if storeErr != nil {
		s.logger().Error("reconciliation stored status but not all artifacts",
			"analysis_id", a.ID, "job", kind, "status", a.Status, "err", storeErr)
		return fmt.Errorf("reconciling %s result for analysis %s: %w", kind, a.ID, storeErr)
	}
	s.logger().Info("job result recorded", "analysis_id", a.ID, "job", kind, "status", a.Status)
	return nil
}
