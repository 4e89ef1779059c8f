package analyses

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
		running  bool
		inFlight bool
	}{
		{StatusNew, false, false, false},
		{StatusGeneratingInputs, false, false, true},
		{StatusInputsGenerationError, true, false, false},
		{StatusInputsGenerationCancelled, true, false, false},
		{StatusReady, true, false, false},
		{StatusPending, false, true, true},
		{StatusStarted, false, true, true},
		{StatusStoppedCompleted, true, false, false},
		{StatusStoppedCancelled, true, false, false},
		{StatusStoppedError, true, false, false},
	}

	require.Len(t, tests, len(AllStatuses))
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.running, tt.status.IsRunning())
			assert.Equal(t, tt.inFlight, tt.status.InFlight())
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range AllStatuses {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseStatus("RUN_ERROR")
	require.NoError(t, err)
	assert.Equal(t, StatusStoppedError, got)

	got, err = ParseStatus("INPUTS_GENERATION_CANCELED")
	require.NoError(t, err)
	assert.Equal(t, StatusInputsGenerationCancelled, got)

	_, err = ParseStatus("DONE")
	assert.Error(t, err)
}

func TestJobKind(t *testing.T) {
	assert.Equal(t, StatusStoppedError, JobRun.ErrorStatus())
	assert.Equal(t, StatusInputsGenerationError, JobGenerateInputs.ErrorStatus())
	assert.Equal(t, SlotRunTraceback, JobRun.TracebackSlot())
	assert.Equal(t, SlotInputGenerationTraceback, JobGenerateInputs.TracebackSlot())

	k, err := ParseJobKind("generate_inputs")
	require.NoError(t, err)
	assert.Equal(t, JobGenerateInputs, k)

	_, err = ParseJobKind("losses")
	assert.Error(t, err)
}
