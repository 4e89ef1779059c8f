package redis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OasisLMF/OasisApi/internal/domain/analyses"
)

// Envelope kinds.
const (
	KindRunResult            = "run_result"
	KindGenerateInputsResult = "generate_inputs_result"
	KindRunFailure           = "run_failure"
	KindGenerateInputsFail   = "generate_inputs_failure"
	KindRunSuccess           = "run_success"
	KindGenerateInputSuccess = "generate_input_success"
	KindTaskStatus           = "task_status"
	KindTaskFailure          = "task_failure"
)

// ErrMalformed marks an envelope that can never be handled.
var ErrMalformed = errors.New("malformed result envelope")

// Envelope is what a worker pushes onto the results list. Result holds the
// positional tuple of the job kind, e.g. for a run
//
//	["s3://out.tar.gz", null, "s3://log.tar.gz", 0]
type Envelope struct {
	Kind        string          `json:"kind"`
	AnalysisID  string          `json:"analysis_id"`
	InitiatorID string          `json:"initiator_id"`
	TaskID      string          `json:"task_id,omitempty"`
	Job         string          `json:"job,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Traceback   string          `json:"traceback,omitempty"`
	Status      string          `json:"status,omitempty"`
}

// DecodeEnvelope parses and sanity-checks a raw envelope.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == "" || env.AnalysisID == "" {
		return nil, fmt.Errorf("%w: kind and analysis_id are required", ErrMalformed)
	}
	return &env, nil
}

// JobKind returns the job the envelope reports on.
func (e *Envelope) JobKind() (analyses.JobKind, error) {
	switch e.Kind {
	case KindRunResult, KindRunFailure, KindRunSuccess:
		return analyses.JobRun, nil
	case KindGenerateInputsResult, KindGenerateInputsFail, KindGenerateInputSuccess:
		return analyses.JobGenerateInputs, nil
	}
	k, err := analyses.ParseJobKind(e.Job)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return k, nil
}

// RunResult decodes [output, traceback, log, return_code].
func (e *Envelope) RunResult() (analyses.RunResult, error) {
	f, err := tuple(e.Result, 4)
	if err != nil {
		return analyses.RunResult{}, err
	}
	var r analyses.RunResult
	if err := decodeAll(
		optString(f[0], &r.OutputLocation),
		optString(f[1], &r.TracebackLocation),
		optString(f[2], &r.LogLocation),
		integer(f[3], &r.ReturnCode),
	); err != nil {
		return analyses.RunResult{}, err
	}
	r.TaskID = e.TaskID
	return r, nil
}

// GenerateInputsResult decodes [input, lookup_errors, lookup_success,
// lookup_validation, summary_levels, traceback, return_code].
func (e *Envelope) GenerateInputsResult() (analyses.GenerateInputsResult, error) {
	f, err := tuple(e.Result, 7)
	if err != nil {
		return analyses.GenerateInputsResult{}, err
	}
	var r analyses.GenerateInputsResult
	if err := decodeAll(
		optString(f[0], &r.InputLocation),
		optString(f[1], &r.LookupErrorsLocation),
		optString(f[2], &r.LookupSuccessLocation),
		optString(f[3], &r.LookupValidationLocation),
		optString(f[4], &r.SummaryLevelsLocation),
		optString(f[5], &r.TracebackLocation),
		integer(f[6], &r.ReturnCode),
	); err != nil {
		return analyses.GenerateInputsResult{}, err
	}
	r.TaskID = e.TaskID
	return r, nil
}

// GenerateInputSuccess decodes the five locations of a pre-upgrade worker.
func (e *Envelope) GenerateInputSuccess() (analyses.GenerateInputsSuccess, error) {
	f, err := tuple(e.Result, 5)
	if err != nil {
		return analyses.GenerateInputsSuccess{}, err
	}
	var r analyses.GenerateInputsSuccess
	if err := decodeAll(
		optString(f[0], &r.InputLocation),
		optString(f[1], &r.LookupErrorsLocation),
		optString(f[2], &r.LookupSuccessLocation),
		optString(f[3], &r.LookupValidationLocation),
		optString(f[4], &r.SummaryLevelsLocation),
	); err != nil {
		return analyses.GenerateInputsSuccess{}, err
	}
	return r, nil
}

// OutputLocation decodes the bare string result of run_success.
func (e *Envelope) OutputLocation() (string, error) {
	var s string
	if err := optString(e.Result, &s); err != nil {
		return "", err
	}
	if s == "" {
		return "", fmt.Errorf("%w: output location is empty", ErrMalformed)
	}
	return s, nil
}

func tuple(raw json.RawMessage, n int) ([]json.RawMessage, error) {
	var f []json.RawMessage
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: result: %v", ErrMalformed, err)
	}
	if len(f) != n {
		return nil, fmt.Errorf("%w: result has %d fields, want %d", ErrMalformed, len(f), n)
	}
	return f, nil
}

func decodeAll(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// optString decodes a string or null; null leaves dst empty.
func optString(raw json.RawMessage, dst *string) error {
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s != nil {
		*dst = *s
	}
	return nil
}

// integer decodes a required return code. A null code is malformed rather
// than a success.
func integer(raw json.RawMessage, dst *int) error {
	var n *int
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("%w: return code: %v", ErrMalformed, err)
	}
	if n == nil {
		return fmt.Errorf("%w: return code is null", ErrMalformed)
	}
	*dst = *n
	return nil
}
