package analyses

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the analysis does not exist.
	ErrNotFound = errors.New("analysis not found")

	// ErrInvalidState indicates a lifecycle operation whose precondition on
	// the current status (or on the record's contents) does not hold.
	ErrInvalidState = errors.New("invalid analysis state")

	// ErrStaleResult indicates a job result for a task that is no longer the
	// analysis' current task.
	ErrStaleResult = errors.New("stale job result")

	// ErrInvalidArgument indicates a malformed create or update request.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrReadOnlySlot indicates an upload into a slot only jobs may fill.
	ErrReadOnlySlot = errors.New("artifact slot is read-only")
)

// InvalidStateError describes a rejected lifecycle operation.
type InvalidStateError struct {
	Op     string
	Status Status
	Reason string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s analysis in status %s: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s analysis in status %s", e.Op, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// StaleResultError describes a dropped job result.
type StaleResultError struct {
	Kind        JobKind
	AnalysisID  string
	ResultTask  string
	CurrentTask string
}

func (e *StaleResultError) Error() string {
	return fmt.Sprintf("%s result for analysis %s belongs to task %q, current task is %q",
		e.Kind, e.AnalysisID, e.ResultTask, e.CurrentTask)
}

func (e *StaleResultError) Unwrap() error { return ErrStaleResult }
