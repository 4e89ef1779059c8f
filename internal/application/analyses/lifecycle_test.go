package analyses

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/OasisLMF/OasisApi/internal/domain/analyses"
	"github.com/OasisLMF/OasisApi/internal/domain/files"
)

func TestRunRequiresReady(t *testing.T) {
	for _, st := range domain.AllStatuses {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t)
			a := f.seed(t, &domain.Analysis{Status: st})
			f.attach(t, a, domain.SlotInput, "in.tar.gz", files.ContentTypeGzip)

			got, err := f.svc.Run(context.Background(), "A1", "U1")
			if st != domain.StatusReady {
				var ise *domain.InvalidStateError
				require.ErrorAs(t, err, &ise)
				assert.Equal(t, st, ise.Status)
				assert.Empty(t, f.disp.enqueued)
				assert.Equal(t, st, f.get(t, "A1").Status)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, got.Status)
			assert.NotEmpty(t, got.RunTaskID)
			require.Len(t, f.disp.enqueued, 1)
			assert.Equal(t, domain.JobRun, f.disp.kinds[0])
			assert.Equal(t, got.RunTaskID, f.disp.enqueued[0].TaskID)
			assert.Equal(t, a.FileID(domain.SlotInput), f.disp.enqueued[0].InputFile)

			stored := f.get(t, "A1")
			assert.Equal(t, domain.StatusPending, stored.Status)
			assert.Equal(t, got.RunTaskID, stored.RunTaskID)
			assert.Equal(t, testNow, *stored.TaskStarted)
		})
	}
}

func TestRunRequiresInputFile(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &domain.Analysis{Status: domain.StatusReady})
	_, err := f.svc.Run(context.Background(), "A1", "U1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestDispatchFailureLeavesRecordUnchanged(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, &domain.Analysis{Status: domain.StatusReady})
	f.attach(t, a, domain.SlotInput, "in.tar.gz", files.ContentTypeGzip)
	f.disp.err = errors.New("broker down")

	_, err := f.svc.Run(context.Background(), "A1", "U1")
	require.Error(t, err)

	stored := f.get(t, "A1")
	assert.Equal(t, domain.StatusReady, stored.Status)
	assert.Empty(t, stored.RunTaskID)
	assert.Nil(t, stored.TaskStarted)
}

func TestCancel(t *testing.T) {
	for _, st := range domain.AllStatuses {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, &domain.Analysis{Status: st, RunTaskID: "t1"})

			got, err := f.svc.Cancel(context.Background(), "A1")
			if !st.IsRunning() {
				assert.ErrorIs(t, err, domain.ErrInvalidState)
				assert.Empty(t, f.disp.cancelled)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusStoppedCancelled, got.Status)
			assert.Empty(t, got.RunTaskID)
			assert.Equal(t, []string{"t1"}, f.disp.cancelled)
			assert.Empty(t, f.get(t, "A1").RunTaskID)
		})
	}
}

func TestGenerateInputs(t *testing.T) {
	tests := []struct {
		status domain.Status
		ok     bool
	}{
		{domain.StatusNew, true},
		{domain.StatusGeneratingInputs, false},
		{domain.StatusInputsGenerationError, true},
		{domain.StatusInputsGenerationCancelled, true},
		{domain.StatusReady, true},
		{domain.StatusPending, false},
		{domain.StatusStarted, false},
		{domain.StatusStoppedCompleted, true},
		{domain.StatusStoppedCancelled, true},
		{domain.StatusStoppedError, true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, &domain.Analysis{Status: tt.status})

			got, err := f.svc.GenerateInputs(context.Background(), "A1", "U1")
			if !tt.ok {
				assert.ErrorIs(t, err, domain.ErrInvalidState)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.StatusGeneratingInputs, got.Status)
			assert.NotEmpty(t, got.GenerateInputsTaskID)
			assert.Equal(t, domain.JobGenerateInputs, f.disp.kinds[0])
			assert.Equal(t, "p1", f.disp.enqueued[0].Portfolio)
		})
	}
}

func TestDispatchDropsOtherPhaseTask(t *testing.T) {
	tests := []struct {
		name     string
		seed     domain.Analysis
		dispatch func(s *Service, ctx context.Context) (*domain.Analysis, error)
		stale    domain.JobKind
	}{
		{
			name: "generate inputs after unfinished run",
			seed: domain.Analysis{Status: domain.StatusStoppedCompleted, RunTaskID: "run-old"},
			dispatch: func(s *Service, ctx context.Context) (*domain.Analysis, error) {
				return s.GenerateInputs(ctx, "A1", "U1")
			},
			stale: domain.JobRun,
		},
		{
			name: "run after unfinished input generation",
			seed: domain.Analysis{Status: domain.StatusReady, GenerateInputsTaskID: "gen-old"},
			dispatch: func(s *Service, ctx context.Context) (*domain.Analysis, error) {
				return s.Run(ctx, "A1", "U1")
			},
			stale: domain.JobGenerateInputs,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seed := tt.seed
			a := f.seed(t, &seed)
			f.attach(t, a, domain.SlotInput, "in.tar.gz", files.ContentTypeGzip)
			ctx := context.Background()
			old := seed.TaskID(tt.stale)

			got, err := tt.dispatch(f.svc, ctx)
			require.NoError(t, err)
			assert.Empty(t, got.TaskID(tt.stale))
			assert.Empty(t, f.get(t, "A1").TaskID(tt.stale))
			status := got.Status

			err = f.svc.HandleTaskFailure(ctx, tt.stale, "A1", "U1", old, "late")
			assert.ErrorIs(t, err, domain.ErrStaleResult)
			assert.Equal(t, status, f.get(t, "A1").Status)
		})
	}
}

func TestGenerateInputsRequiresPortfolioAndModel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.repo.Save(context.Background(), &domain.Analysis{ID: "A1", Status: domain.StatusNew, Model: "m1"}))
	_, err := f.svc.GenerateInputs(context.Background(), "A1", "U1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancelGenerateInputs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &domain.Analysis{Status: domain.StatusGeneratingInputs, GenerateInputsTaskID: "g1"})

	got, err := f.svc.CancelGenerateInputs(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInputsGenerationCancelled, got.Status)
	assert.Empty(t, got.GenerateInputsTaskID)
	assert.Equal(t, []string{"g1"}, f.disp.cancelled)

	_, err = f.svc.CancelGenerateInputs(context.Background(), "A1")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCopy(t *testing.T) {
	for _, st := range domain.AllStatuses {
		t.Run(st.String(), func(t *testing.T) {
			f := newFixture(t)
			a := f.seed(t, &domain.Analysis{Name: "Quake", Creator: "U1", Status: st, RunTaskID: "t1", GenerateInputsTaskID: "g1"})
			input := f.attach(t, a, domain.SlotInput, "in.tar.gz", files.ContentTypeGzip)
			settings := f.attach(t, a, domain.SlotSettings, "settings.json", files.ContentTypeJSON)
			f.attach(t, a, domain.SlotInputErrors, "keys-errors.csv", files.ContentTypeCSV)
			f.attach(t, a, domain.SlotOutput, "out.tar.gz", files.ContentTypeGzip)

			c, err := f.svc.Copy(context.Background(), "A1", "U2", CopyOverrides{})
			require.NoError(t, err)
			assert.NotEqual(t, "A1", c.ID)
			assert.Equal(t, domain.StatusNew, c.Status)
			assert.Equal(t, "Quake - Copy", c.Name)
			assert.Equal(t, "U2", c.Creator)
			assert.Empty(t, c.RunTaskID)
			assert.Empty(t, c.GenerateInputsTaskID)
			assert.Equal(t, "p1", c.Portfolio)
			assert.Equal(t, input, c.FileID(domain.SlotInput))
			assert.Equal(t, settings, c.FileID(domain.SlotSettings))
			assert.Nil(t, c.InputErrorsFile)
			assert.Nil(t, c.OutputFile)

			assert.Equal(t, st, f.get(t, "A1").Status)
		})
	}
}

func TestCopyOverrides(t *testing.T) {
	f := newFixture(t)
	f.seed(t, &domain.Analysis{Name: "Quake", Status: domain.StatusReady})

	c, err := f.svc.Copy(context.Background(), "A1", "U2", CopyOverrides{Name: "Flood", Portfolio: "p2", Model: "m2"})
	require.NoError(t, err)
	assert.Equal(t, "Flood", c.Name)
	assert.Equal(t, "p2", c.Portfolio)
	assert.Equal(t, "m2", c.Model)
}
