package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/storage/memory"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

type testEnv struct {
	store *memory.Store
	blobs *blob.Store
	hooks *webhook.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)

	hooks := webhook.NewDispatcher(2*time.Second, 1, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hooks.Close(ctx)
	})

	return &testEnv{
		store: memory.NewStore(),
		blobs: blobs,
		hooks: hooks,
	}
}

func (env *testEnv) executor(reg *Registry) *Executor {
	pub := NewPublisher(env.store, nil, zerolog.Nop())
	return NewExecutor(env.store, env.blobs, reg, pub, env.hooks, zerolog.Nop())
}

func (env *testEnv) createJob(t *testing.T, webhookURL string) *analysis.Job {
	t.Helper()

	original := filepath.Join(env.blobs.Root(), "sample.mp4")
	require.NoError(t, os.WriteFile(original, []byte("not really a video"), 0644))

	job, err := env.store.CreateJobWithStages(context.Background(),
		&analysis.Job{WebhookURL: webhookURL},
		&analysis.FileRecord{
			Kind:         analysis.FileOriginal,
			DeclaredName: "sample.mp4",
			StoredName:   "sample.mp4",
			Path:         original,
			Size:         18,
			MediaType:    "video/mp4",
		})
	require.NoError(t, err)
	return job
}

func sampleMetadata() *analysis.MetadataResult {
	return &analysis.MetadataResult{
		Container: analysis.ContainerMetadata{
			CodecName:  "hevc",
			Encoder:    "Lavf60.3.100",
			MajorBrand: "isom",
			Duration:   12.4,
			Width:      1920,
			Height:     1080,
			FrameRate:  "30/1",
		},
		Fingerprint: analysis.Fingerprint{
			Codec:   "hevc",
			Encoder: "Lavf60.3.100",
			GOP:     analysis.GOPAnalysis{GOPSize: 60, Regularity: 0.92},
			QP:      analysis.QPAnalysis{Pattern: "encoder_based"},
		},
	}
}

func samplePRNU() *analysis.PRNUResult {
	return &analysis.PRNUResult{
		MeanNoiseCorrelation: 0.31,
		ConsistencyScore:     0.82,
		FrameAnalysis: []analysis.FramePRNU{
			{Frame: 0, NoiseCorrelation: 0.30, CameraLikelihood: 0.21},
			{Frame: 1, NoiseCorrelation: 0.32, CameraLikelihood: 0.24},
		},
	}
}

func sampleFFT() *analysis.FFTResult {
	return &analysis.FFTResult{
		DiffusionScore:    0.88,
		PeriodicArtifacts: true,
		DominantFrequency: 0.25,
		Jitter:            analysis.JitterAnalysis{MeanJitter: 0.002, MaxJitter: 0.01, Uniform: true},
	}
}

func sampleClassification() *analysis.ClassificationResult {
	return &analysis.ClassificationResult{
		Classification:     analysis.LabelAIHEVC,
		Confidence:         0.83,
		Reason:             "re-encoded HEVC without camera metadata",
		ModelProbabilities: map[string]float64{"Sora (OpenAI)": 0.7},
	}
}

// stubRegistry builds a registry whose workers return canned results and
// record invocations.
func stubRegistry(calls *[]string, overrides map[analysis.StageName]WorkerFunc) *Registry {
	var mu sync.Mutex
	record := func(name analysis.StageName, run WorkerFunc) WorkerFunc {
		return func(ctx context.Context, in *Input) (*Output, error) {
			mu.Lock()
			*calls = append(*calls, string(name))
			mu.Unlock()
			return run(ctx, in)
		}
	}

	defaults := map[analysis.StageName]WorkerFunc{
		analysis.StageMetadataExtraction: func(ctx context.Context, in *Input) (*Output, error) {
			return &Output{Result: &analysis.StageResult{Metadata: sampleMetadata()}}, nil
		},
		analysis.StagePRNU: func(ctx context.Context, in *Input) (*Output, error) {
			return &Output{Result: &analysis.StageResult{PRNU: samplePRNU()}}, nil
		},
		analysis.StageFFT: func(ctx context.Context, in *Input) (*Output, error) {
			return &Output{Result: &analysis.StageResult{FFT: sampleFFT()}}, nil
		},
		analysis.StageClassification: func(ctx context.Context, in *Input) (*Output, error) {
			if in.Metadata == nil {
				return nil, fmt.Errorf("metadata result missing")
			}
			return &Output{Result: &analysis.StageResult{Classification: sampleClassification()}}, nil
		},
		analysis.StageCleaning: func(ctx context.Context, in *Input) (*Output, error) {
			if err := os.MkdirAll(in.WorkDir, 0755); err != nil {
				return nil, err
			}
			out := filepath.Join(in.WorkDir, "clean_"+in.OriginalName)
			if err := os.WriteFile(out, []byte("cleaned"), 0644); err != nil {
				return nil, err
			}
			return &Output{
				Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{CleanVideoGenerated: true}},
				File: &ProducedFile{
					Kind:      analysis.FileCleanVideo,
					LocalPath: out,
					Filename:  "clean_" + in.OriginalName,
					MediaType: in.MediaType,
				},
			}, nil
		},
	}
	for name, run := range overrides {
		defaults[name] = run
	}

	entries := []Entry{{Name: analysis.StageUpload}}
	for _, name := range analysis.StageOrder[1:] {
		entry := Entry{Name: name, Run: record(name, defaults[name])}
		if name == analysis.StageCleaning {
			entry.Optional = true
			entry.Produces = analysis.FileCleanVideo
		}
		entries = append(entries, entry)
	}
	return &Registry{entries: entries}
}

func TestExecutor_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")

	var calls []string
	exec := env.executor(stubRegistry(&calls, nil))
	require.NoError(t, exec.Execute(context.Background(), job.ID))

	assert.Equal(t, []string{"metadata_extraction", "prnu", "fft", "classification", "cleaning"}, calls)

	done, err := env.store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, done.State)
	assert.Equal(t, analysis.LabelAIHEVC, done.Classification)
	require.NotNil(t, done.Confidence)
	assert.InDelta(t, 0.83, *done.Confidence, 1e-9)
	assert.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ReportFileID)
	require.NotNil(t, done.CleanVideoID)

	stages, err := env.store.JobStages(context.Background(), job.ID)
	require.NoError(t, err)
	for _, s := range stages {
		assert.Equal(t, analysis.StageCompleted, s.State, s.Name)
		assert.Equal(t, 100, s.Progress, s.Name)
	}

	// The stored report carries the full key contract.
	report, err := env.store.File(context.Background(), *done.ReportFileID)
	require.NoError(t, err)
	raw, err := os.ReadFile(report.Path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{
		"file", "file_path", "codec", "encoder", "major_brand", "compatible_brands",
		"duration", "bit_rate", "frame_rate", "width", "height", "gop_estimate",
		"qp_pattern", "classification", "confidence", "confidence_level", "reason",
		"most_likely_model", "model_probabilities", "prnu_analysis", "fft_analysis",
		"metadata_integrity", "timeline", "hybrid_analysis", "timeline_summary",
		"tool_signatures", "fingerprint",
	} {
		assert.Contains(t, doc, key)
	}
	assert.Equal(t, "AI_HEVC", doc["classification"])
	assert.Equal(t, "alta", doc["confidence_level"])
	assert.Equal(t, "Sora (OpenAI)", doc["most_likely_model"])
}

func TestExecutor_StageFailureFailsJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")

	var calls []string
	reg := stubRegistry(&calls, map[analysis.StageName]WorkerFunc{
		analysis.StagePRNU: func(ctx context.Context, in *Input) (*Output, error) {
			return nil, fmt.Errorf("sensor pattern extraction blew up")
		},
	})

	err := env.executor(reg).Execute(context.Background(), job.ID)
	require.Error(t, err)

	failed, err := env.store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobFailed, failed.State)
	assert.Contains(t, failed.ErrorMessage, "sensor pattern extraction blew up")

	stages, err := env.store.JobStages(context.Background(), job.ID)
	require.NoError(t, err)
	byName := map[analysis.StageName]*analysis.Stage{}
	for _, s := range stages {
		byName[s.Name] = s
	}
	assert.Equal(t, analysis.StageCompleted, byName[analysis.StageMetadataExtraction].State)
	assert.Equal(t, analysis.StageFailed, byName[analysis.StagePRNU].State)
	assert.Equal(t, analysis.StagePending, byName[analysis.StageFFT].State)
	assert.Equal(t, analysis.StagePending, byName[analysis.StageClassification].State)
}

func TestExecutor_ResumeSkipsCompletedStages(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")

	ctx := context.Background()
	_, err := env.store.MarkJobRunning(ctx, job.ID)
	require.NoError(t, err)

	// Simulate a crash after metadata_extraction committed its result.
	payload, err := (&analysis.StageResult{Metadata: sampleMetadata()}).Payload()
	require.NoError(t, err)
	started := time.Now().UTC().Add(-time.Minute)
	completed := started.Add(3 * time.Second)
	_, err = env.store.UpdateStage(ctx, job.ID, analysis.StageMetadataExtraction, analysis.StageUpdate{
		State:       analysis.StageCompleted,
		Progress:    100,
		StartedAt:   &started,
		CompletedAt: &completed,
		Result:      payload,
	})
	require.NoError(t, err)

	var calls []string
	reg := stubRegistry(&calls, map[analysis.StageName]WorkerFunc{
		analysis.StageMetadataExtraction: func(ctx context.Context, in *Input) (*Output, error) {
			return nil, fmt.Errorf("must not re-run a completed stage")
		},
	})
	require.NoError(t, env.executor(reg).Execute(ctx, job.ID))

	assert.NotContains(t, calls, "metadata_extraction")
	assert.Contains(t, calls, "classification")

	done, err := env.store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, done.State)
	// The rehydrated metadata result still reaches the report.
	assert.NotNil(t, done.ReportFileID)
}

func TestExecutor_ReprocessRegeneratesReport(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")
	ctx := context.Background()

	var calls []string
	require.NoError(t, env.executor(stubRegistry(&calls, nil)).Execute(ctx, job.ID))

	first, err := env.store.Job(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.ReportFileID)
	firstReport := *first.ReportFileID

	// A reset clears the derived artifacts so nothing stale survives.
	reset, err := env.store.ResetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Nil(t, reset.ReportFileID)
	assert.Nil(t, reset.CleanVideoID)

	var rerun []string
	reg := stubRegistry(&rerun, map[analysis.StageName]WorkerFunc{
		analysis.StageClassification: func(ctx context.Context, in *Input) (*Output, error) {
			return &Output{Result: &analysis.StageResult{Classification: &analysis.ClassificationResult{
				Classification: analysis.LabelRealCamera,
				Confidence:     0.91,
				Reason:         "sensor noise consistent across frames",
			}}}, nil
		},
	})
	require.NoError(t, env.executor(reg).Execute(ctx, job.ID))
	assert.Contains(t, rerun, "metadata_extraction")

	done, err := env.store.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.LabelRealCamera, done.Classification)
	require.NotNil(t, done.ReportFileID)
	assert.NotEqual(t, firstReport, *done.ReportFileID)

	// The regenerated report reflects the second run's verdict.
	rec, err := env.store.File(ctx, *done.ReportFileID)
	require.NoError(t, err)
	raw, err := os.ReadFile(rec.Path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "REAL_CAMERA", doc["classification"])
	assert.InDelta(t, 0.91, doc["confidence"].(float64), 1e-9)
}

func TestExecutor_CleaningSkipCompletesJob(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")

	var calls []string
	reg := stubRegistry(&calls, map[analysis.StageName]WorkerFunc{
		analysis.StageCleaning: func(ctx context.Context, in *Input) (*Output, error) {
			return &Output{Result: &analysis.StageResult{Cleaning: &analysis.CleaningResult{
				Skipped: true,
				Reason:  "encoder unavailable",
			}}}, nil
		},
	})
	require.NoError(t, env.executor(reg).Execute(context.Background(), job.ID))

	done, err := env.store.Job(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobCompleted, done.State)
	assert.Nil(t, done.CleanVideoID)

	stages, err := env.store.JobStages(context.Background(), job.ID)
	require.NoError(t, err)
	for _, s := range stages {
		if s.Name != analysis.StageCleaning {
			continue
		}
		assert.Equal(t, analysis.StageCompleted, s.State)

		var result analysis.CleaningResult
		require.NoError(t, json.Unmarshal(s.Result, &result))
		assert.True(t, result.Skipped)
		assert.Equal(t, "encoder unavailable", result.Reason)
	}
}

func TestExecutor_CompletedJobIsNoop(t *testing.T) {
	env := newTestEnv(t)
	job := env.createJob(t, "")

	var calls []string
	reg := stubRegistry(&calls, nil)
	exec := env.executor(reg)

	ctx := context.Background()
	require.NoError(t, exec.Execute(ctx, job.ID))
	first := len(calls)

	require.NoError(t, exec.Execute(ctx, job.ID))
	assert.Equal(t, first, len(calls), "re-executing a completed job must not run workers")
}

func TestExecutor_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	var calls []string
	err := env.executor(stubRegistry(&calls, nil)).Execute(context.Background(), uuid.New())
	assert.ErrorIs(t, err, analysis.ErrNotFound)
}

func TestExecutor_WebhookEventSequence(t *testing.T) {
	var mu sync.Mutex
	var events []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev webhook.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		events = append(events, ev.Event)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	job := env.createJob(t, srv.URL)

	var calls []string
	require.NoError(t, env.executor(stubRegistry(&calls, nil)).Execute(context.Background(), job.ID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1] == webhook.EventCompleted
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, webhook.EventStarted, events[0])

	// 5 persisted stages plus the virtual report step, started+completed
	// each, framed by the lifecycle events.
	assert.Equal(t, 2+2*6, len(events))
	assert.Equal(t, webhook.EventStepStarted, events[1])
	assert.Equal(t, webhook.EventStepCompleted, events[2])
}
