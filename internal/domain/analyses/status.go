package analyses

import "fmt"

// Status is the lifecycle state of an analysis.
//
// Input generation and model runs are mutually exclusive phases:
//
//	NEW -> GENERATING_INPUTS -> READY -> PENDING -> STARTED -> STOPPED_COMPLETED
//
// with INPUTS_GENERATION_ERROR / INPUTS_GENERATION_CANCELLED leaving the first
// phase and STOPPED_ERROR / STOPPED_CANCELLED leaving the second.
type Status string

const (
	StatusNew                       Status = "NEW"
	StatusGeneratingInputs          Status = "GENERATING_INPUTS"
	StatusInputsGenerationError     Status = "INPUTS_GENERATION_ERROR"
	StatusInputsGenerationCancelled Status = "INPUTS_GENERATION_CANCELLED"
	StatusReady                     Status = "READY"
	StatusPending                   Status = "PENDING"
	StatusStarted                   Status = "STARTED"
	StatusStoppedCompleted          Status = "STOPPED_COMPLETED"
	StatusStoppedCancelled          Status = "STOPPED_CANCELLED"
	StatusStoppedError              Status = "STOPPED_ERROR"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNew,
	StatusGeneratingInputs,
	StatusInputsGenerationError,
	StatusInputsGenerationCancelled,
	StatusReady,
	StatusPending,
	StatusStarted,
	StatusStoppedCompleted,
	StatusStoppedCancelled,
	StatusStoppedError,
}

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no job is in flight for this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusInputsGenerationError, StatusInputsGenerationCancelled, StatusReady,
		StatusStoppedCompleted, StatusStoppedCancelled, StatusStoppedError:
		return true
	default:
		return false
	}
}

// IsRunning reports whether a model run is queued or executing.
func (s Status) IsRunning() bool {
	return s == StatusPending || s == StatusStarted
}

// InFlight reports whether any job (run or input generation) is outstanding.
func (s Status) InFlight() bool {
	return s == StatusGeneratingInputs || s.IsRunning()
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	// Older workers spell these the way the status names read in the UI.
	switch s {
	case "RUN_COMPLETED":
		return StatusStoppedCompleted, nil
	case "RUN_ERROR":
		return StatusStoppedError, nil
	case "RUN_CANCELLED":
		return StatusStoppedCancelled, nil
	case "INPUTS_GENERATION_CANCELED":
		return StatusInputsGenerationCancelled, nil
	}
	return "", fmt.Errorf("unknown analysis status %q", s)
}
