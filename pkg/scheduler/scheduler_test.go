package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/pipeline"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/storage/memory"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

type fixture struct {
	store *memory.Store
	sched *Scheduler
	// gate, when set, blocks every worker inside the first stage until
	// released.
	gate chan struct{}
	runs atomic.Int64
}

func newFixture(t *testing.T, workers, queueDepth int, gated bool) *fixture {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	hooks := webhook.NewDispatcher(time.Second, 1, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hooks.Close(ctx)
	})

	f := &fixture{store: memory.NewStore()}
	if gated {
		f.gate = make(chan struct{})
	}

	entries := []pipeline.Entry{
		{Name: analysis.StageUpload},
		{Name: analysis.StageMetadataExtraction, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			f.runs.Add(1)
			if f.gate != nil {
				select {
				case <-f.gate:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			return &pipeline.Output{Result: &analysis.StageResult{Metadata: &analysis.MetadataResult{}}}, nil
		}},
		{Name: analysis.StagePRNU, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{PRNU: &analysis.PRNUResult{}}}, nil
		}},
		{Name: analysis.StageFFT, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{FFT: &analysis.FFTResult{}}}, nil
		}},
		{Name: analysis.StageClassification, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{Classification: &analysis.ClassificationResult{
				Classification: analysis.LabelUnknown,
				Confidence:     0.5,
			}}}, nil
		}},
		{Name: analysis.StageCleaning, Optional: true, Run: func(ctx context.Context, in *pipeline.Input) (*pipeline.Output, error) {
			return &pipeline.Output{Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{
				Skipped: true,
				Reason:  "encoder unavailable",
			}}}, nil
		}},
	}

	exec := pipeline.NewExecutor(
		f.store,
		blobs,
		pipeline.NewRegistryWithEntries(entries),
		pipeline.NewPublisher(f.store, nil, zerolog.Nop()),
		hooks,
		zerolog.Nop(),
	)
	f.sched = New(f.store, exec, workers, queueDepth, zerolog.Nop())
	t.Cleanup(func() {
		if f.gate != nil {
			select {
			case <-f.gate:
			default:
				close(f.gate)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.sched.Close(ctx)
	})
	return f
}

func (f *fixture) createJob(t *testing.T, dir string) *analysis.Job {
	t.Helper()
	path := filepath.Join(dir, "v.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))

	job, err := f.store.CreateJobWithStages(context.Background(),
		&analysis.Job{},
		&analysis.FileRecord{
			Kind:         analysis.FileOriginal,
			DeclaredName: "v.mp4",
			StoredName:   "v.mp4",
			Path:         path,
			MediaType:    "video/mp4",
		})
	require.NoError(t, err)
	return job
}

func (f *fixture) waitState(t *testing.T, id uuid.UUID, want analysis.JobState) *analysis.Job {
	t.Helper()
	var job *analysis.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.store.Job(context.Background(), id)
		return err == nil && job.State == want
	}, 10*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func TestScheduler_RunsAdmittedJobs(t *testing.T) {
	f := newFixture(t, 2, 8, false)
	dir := t.TempDir()

	first := f.createJob(t, dir)
	second := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(first.ID))
	require.NoError(t, f.sched.Admit(second.ID))

	f.waitState(t, first.ID, analysis.JobCompleted)
	f.waitState(t, second.ID, analysis.JobCompleted)
	assert.EqualValues(t, 2, f.runs.Load())
}

func TestScheduler_QueueBackPressure(t *testing.T) {
	f := newFixture(t, 1, 1, true)

	running := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(running.ID))

	// Wait for the single worker to pick the job up and block in-stage.
	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	queued := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(queued.ID))

	overflow := f.createJob(t, t.TempDir())
	assert.ErrorIs(t, f.sched.Admit(overflow.ID), ErrQueueFull)

	close(f.gate)
	f.waitState(t, running.ID, analysis.JobCompleted)
	f.waitState(t, queued.ID, analysis.JobCompleted)
}

func TestScheduler_AdmitDeduplicatesQueuedJob(t *testing.T) {
	f := newFixture(t, 1, 4, true)

	running := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(running.ID))
	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	queued := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(queued.ID))

	// Re-admitting queued or executing jobs must not schedule a second
	// concurrent execution; resetting a still-pending job re-admits it
	// through the same path.
	require.NoError(t, f.sched.Admit(queued.ID))
	require.NoError(t, f.sched.Admit(running.ID))
	_, err := f.sched.Reset(context.Background(), queued.ID)
	require.NoError(t, err)

	close(f.gate)
	f.waitState(t, running.ID, analysis.JobCompleted)
	f.waitState(t, queued.ID, analysis.JobCompleted)
	assert.EqualValues(t, 2, f.runs.Load())
}

func TestScheduler_ReprocessRejectsRunningJob(t *testing.T) {
	f := newFixture(t, 1, 4, true)

	job := f.createJob(t, t.TempDir())
	require.NoError(t, f.sched.Admit(job.ID))
	require.Eventually(t, func() bool { return f.runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := f.sched.Reprocess(context.Background(), job.ID)
	assert.ErrorIs(t, err, analysis.ErrConflict)

	close(f.gate)
	f.waitState(t, job.ID, analysis.JobCompleted)

	// Terminal jobs reprocess cleanly.
	reset, err := f.sched.Reprocess(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobPending, reset.State)
	f.waitState(t, job.ID, analysis.JobCompleted)
}

func TestScheduler_BootstrapRecoversUnfinishedJobs(t *testing.T) {
	f := newFixture(t, 2, 8, false)

	pending := f.createJob(t, t.TempDir())
	crashed := f.createJob(t, t.TempDir())
	_, err := f.store.MarkJobRunning(context.Background(), crashed.ID)
	require.NoError(t, err)

	require.NoError(t, f.sched.Bootstrap(context.Background()))

	f.waitState(t, pending.ID, analysis.JobCompleted)
	f.waitState(t, crashed.ID, analysis.JobCompleted)
}

func TestScheduler_ClosedRejectsAdmission(t *testing.T) {
	f := newFixture(t, 1, 4, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sched.Close(ctx))

	job := f.createJob(t, t.TempDir())
	assert.ErrorIs(t, f.sched.Admit(job.ID), ErrClosed)
}
