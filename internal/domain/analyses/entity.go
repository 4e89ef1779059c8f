package analyses

import (
	"fmt"
	"time"
)

// Analysis pairs a portfolio with a model and tracks the jobs run for it.
// Artifact slots hold file reference ids; nil means the slot is empty.
type Analysis struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Creator   string `json:"creator"`
	Portfolio string `json:"portfolio"`
	Model     string `json:"model"`
	Status    Status `json:"status"`

	RunTaskID            string `json:"run_task_id"`
	GenerateInputsTaskID string `json:"generate_inputs_task_id"`

	SettingsFile                 *string `json:"settings_file"`
	InputFile                    *string `json:"input_file"`
	InputErrorsFile              *string `json:"input_errors_file"`
	LookupSuccessFile            *string `json:"lookup_success_file"`
	LookupValidationFile         *string `json:"lookup_validation_file"`
	SummaryLevelsFile            *string `json:"summary_levels_file"`
	InputGenerationTracebackFile *string `json:"input_generation_traceback_file"`
	OutputFile                   *string `json:"output_file"`
	RunLogFile                   *string `json:"run_log_file"`
	RunTracebackFile             *string `json:"run_traceback_file"`

	TaskStarted  *time.Time `json:"task_started"`
	TaskFinished *time.Time `json:"task_finished"`
	CreatedAt    time.Time  `json:"created"`
	ModifiedAt   time.Time  `json:"modified"`
}

// Slot names an artifact slot on an Analysis.
type Slot string

const (
	SlotSettings                 Slot = "settings_file"
	SlotInput                    Slot = "input_file"
	SlotInputErrors              Slot = "input_errors_file"
	SlotLookupSuccess            Slot = "lookup_success_file"
	SlotLookupValidation         Slot = "lookup_validation_file"
	SlotSummaryLevels            Slot = "summary_levels_file"
	SlotInputGenerationTraceback Slot = "input_generation_traceback_file"
	SlotOutput                   Slot = "output_file"
	SlotRunLog                   Slot = "run_log_file"
	SlotRunTraceback             Slot = "run_traceback_file"
)

// AllSlots lists every artifact slot.
var AllSlots = []Slot{
	SlotSettings,
	SlotInput,
	SlotInputErrors,
	SlotLookupSuccess,
	SlotLookupValidation,
	SlotSummaryLevels,
	SlotInputGenerationTraceback,
	SlotOutput,
	SlotRunLog,
	SlotRunTraceback,
}

// InputSlots are the artifacts produced by a successful input generation.
var InputSlots = []Slot{
	SlotInput,
	SlotInputErrors,
	SlotLookupSuccess,
	SlotLookupValidation,
	SlotSummaryLevels,
}

func (s Slot) String() string { return string(s) }

// Shareable reports whether Copy shares the slot's reference with the new
// analysis instead of leaving it empty.
func (s Slot) Shareable() bool {
	return s == SlotSettings || s == SlotInput
}

// Uploadable reports whether clients may upload content into the slot.
func (s Slot) Uploadable() bool { return s == SlotSettings }

// ParseSlot converts a slot name to a Slot. "lookup_errors_file" is accepted
// as an alias of input_errors_file.
func ParseSlot(name string) (Slot, error) {
	if name == "lookup_errors_file" {
		return SlotInputErrors, nil
	}
	for _, s := range AllSlots {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown artifact slot %q", name)
}

func (a *Analysis) slotField(s Slot) **string {
	switch s {
	case SlotSettings:
		return &a.SettingsFile
	case SlotInput:
		return &a.InputFile
	case SlotInputErrors:
		return &a.InputErrorsFile
	case SlotLookupSuccess:
		return &a.LookupSuccessFile
	case SlotLookupValidation:
		return &a.LookupValidationFile
	case SlotSummaryLevels:
		return &a.SummaryLevelsFile
	case SlotInputGenerationTraceback:
		return &a.InputGenerationTracebackFile
	case SlotOutput:
		return &a.OutputFile
	case SlotRunLog:
		return &a.RunLogFile
	case SlotRunTraceback:
		return &a.RunTracebackFile
	default:
		panic(fmt.Sprintf("analyses: unknown slot %q", s))
	}
}

// FileID returns the reference id held by the slot, or "" when empty.
func (a *Analysis) FileID(s Slot) string {
	if p := *a.slotField(s); p != nil {
		return *p
	}
	return ""
}

// SetFileID points the slot at id; an empty id clears it.
func (a *Analysis) SetFileID(s Slot, id string) {
	f := a.slotField(s)
	if id == "" {
		*f = nil
		return
	}
	*f = &id
}

// TaskID returns the in-flight task id for the given job kind.
func (a *Analysis) TaskID(kind JobKind) string {
	switch kind {
	case JobRun:
		return a.RunTaskID
	case JobGenerateInputs:
		return a.GenerateInputsTaskID
	default:
		return ""
	}
}

// Clone returns a copy safe to mutate without affecting a.
func (a *Analysis) Clone() *Analysis {
	c := *a
	return &c
}
