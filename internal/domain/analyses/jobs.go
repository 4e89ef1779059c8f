package analyses

import "fmt"

// JobKind tags the two kinds of background job an analysis dispatches.
type JobKind int

const (
	JobRun JobKind = iota + 1
	JobGenerateInputs
)

func (k JobKind) String() string {
	switch k {
	case JobRun:
		return "run"
	case JobGenerateInputs:
		return "generate_inputs"
	default:
		return "unknown"
	}
}

// Other returns the job kind of the other phase.
func (k JobKind) Other() JobKind {
	if k == JobRun {
		return JobGenerateInputs
	}
	return JobRun
}

// ErrorStatus is the status an analysis takes when a job of this kind fails.
func (k JobKind) ErrorStatus() Status {
	if k == JobGenerateInputs {
		return StatusInputsGenerationError
	}
	return StatusStoppedError
}

// TracebackSlot is where an error trace for a job of this kind is stored.
func (k JobKind) TracebackSlot() Slot {
	if k == JobGenerateInputs {
		return SlotInputGenerationTraceback
	}
	return SlotRunTraceback
}

// ParseJobKind converts a job name to a JobKind.
func ParseJobKind(s string) (JobKind, error) {
	switch s {
	case "run", "run_analysis":
		return JobRun, nil
	case "generate_inputs", "generate_input":
		return JobGenerateInputs, nil
	default:
		return 0, fmt.Errorf("unknown job kind %q", s)
	}
}

// JobPayload is what a worker needs to execute a job. TaskID is assigned by
// the caller so the record can be saved before the job becomes visible.
type JobPayload struct {
	TaskID       string `json:"task_id"`
	AnalysisID   string `json:"analysis_id"`
	InitiatorID  string `json:"initiator_id"`
	Portfolio    string `json:"portfolio"`
	Model        string `json:"model"`
	InputFile    string `json:"input_file,omitempty"`
	SettingsFile string `json:"settings_file,omitempty"`
}

// RunResult is reported by a worker when a run job finishes. Empty locations
// mean the worker produced nothing for that artifact.
type RunResult struct {
	OutputLocation    string
	TracebackLocation string
	LogLocation       string
	ReturnCode        int
	TaskID            string
}

// GenerateInputsResult is reported by a worker when input generation finishes.
type GenerateInputsResult struct {
	InputLocation            string
	LookupErrorsLocation     string
	LookupSuccessLocation    string
	LookupValidationLocation string
	SummaryLevelsLocation    string
	TracebackLocation        string
	ReturnCode               int
	TaskID                   string
}

// GenerateInputsSuccess is the narrower result shape of pre-upgrade workers.
type GenerateInputsSuccess struct {
	InputLocation            string
	LookupErrorsLocation     string
	LookupSuccessLocation    string
	LookupValidationLocation string
	SummaryLevelsLocation    string
}
