package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

// Executor drives one job through the registry's stage sequence. Every
// state transition is persisted before the corresponding webhook event is
// emitted, so a crash-restart re-enters at the first non-completed stage
// and converges to the same terminal state.
type Executor struct {
	store     analysis.Store
	blobs     *blob.Store
	registry  *Registry
	publisher *Publisher
	hooks     *webhook.Dispatcher
	log       zerolog.Logger
}

// NewExecutor wires the executor.
func NewExecutor(store analysis.Store, blobs *blob.Store, registry *Registry, publisher *Publisher, hooks *webhook.Dispatcher, log zerolog.Logger) *Executor {
	return &Executor{
		store:     store,
		blobs:     blobs,
		registry:  registry,
		publisher: publisher,
		hooks:     hooks,
		log:       log.With().Str("component", "executor").Logger(),
	}
}

// Execute runs the job's pipeline to a terminal state. Completed stages
// are skipped; a stage that was running at crash time is re-executed from
// scratch.
func (e *Executor) Execute(ctx context.Context, jobID uuid.UUID) error {
	log := e.log.With().Str("job_id", jobID.String()).Logger()

	job, err := e.store.Job(ctx, jobID)
	if err != nil {
		return err
	}

	switch job.State {
	case analysis.JobCompleted:
		return nil
	case analysis.JobPending:
		job, err = e.store.MarkJobRunning(ctx, jobID)
		if err != nil {
			return err
		}
		e.hooks.Notify(jobID, job.WebhookURL, webhook.NewEvent(webhook.EventStarted, jobID, map[string]interface{}{
			"status": "running",
		}))
		log.Info().Msg("analysis started")
	case analysis.JobRunning:
		// Resumed after a crash; continue from the first incomplete
		// stage without re-emitting analysis.started.
		log.Info().Msg("resuming analysis")
	default:
		return fmt.Errorf("job %s is %s: %w", jobID, job.State, analysis.ErrConflict)
	}

	original, err := e.store.File(ctx, job.OriginalFileID)
	if err != nil {
		return e.fail(ctx, job, fmt.Errorf("original file record missing: %w", err))
	}

	in := &Input{
		Job:          job,
		OriginalPath: original.Path,
		OriginalName: original.DeclaredName,
		MediaType:    original.MediaType,
		WorkDir:      e.blobs.Abs(e.blobs.JobPath(jobID.String(), string(analysis.FileCleanVideo), "")),
	}

	stages, err := e.store.JobStages(ctx, jobID)
	if err != nil {
		return e.fail(ctx, job, err)
	}
	byName := make(map[analysis.StageName]*analysis.Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	for _, entry := range e.registry.Entries() {
		if entry.Name == analysis.StageUpload {
			continue
		}

		// The virtual report stage runs between classification and
		// cleaning; it has no persisted row and never fails the job.
		if entry.Name == analysis.StageCleaning {
			e.generateReport(ctx, job, in, log)
		}

		stage := byName[entry.Name]
		if stage != nil && stage.State == analysis.StageCompleted {
			if err := e.loadResult(stage, in); err != nil {
				return e.fail(ctx, job, err)
			}
			continue
		}

		if err := e.runStage(ctx, job, entry, in, log); err != nil {
			return err
		}
	}

	job, err = e.store.CompleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	e.hooks.Notify(jobID, job.WebhookURL, webhook.NewEvent(webhook.EventCompleted, jobID, map[string]interface{}{
		"status":         "completed",
		"classification": job.Classification,
		"confidence":     job.Confidence,
	}))
	log.Info().
		Str("classification", job.Classification).
		Msg("analysis completed")
	return nil
}

// runStage executes one persisted stage end to end.
func (e *Executor) runStage(ctx context.Context, job *analysis.Job, entry Entry, in *Input, log zerolog.Logger) error {
	jobID := job.ID
	started := time.Now().UTC()

	stage, err := e.store.UpdateStage(ctx, jobID, entry.Name, analysis.StageUpdate{
		State:     analysis.StageRunning,
		Progress:  0,
		StartedAt: &started,
	})
	if err != nil {
		return e.fail(ctx, job, err)
	}
	e.notifyStep(ctx, job, entry.Name, true, nil)
	log.Info().Str("stage", string(entry.Name)).Msg("stage started")

	out, workerErr := entry.Run(ctx, in)
	if workerErr != nil {
		msg := workerErr.Error()
		if _, err := e.store.UpdateStage(ctx, jobID, entry.Name, analysis.StageUpdate{
			State:        analysis.StageFailed,
			Progress:     stage.Progress,
			StartedAt:    &started,
			ErrorMessage: msg,
		}); err != nil {
			log.Error().Err(err).Str("stage", string(entry.Name)).Msg("failed to persist stage failure")
		}
		return e.fail(ctx, job, fmt.Errorf("stage %s: %s", entry.Name, msg))
	}

	if out.File != nil {
		_, rec, pubErr := e.publisher.Publish(ctx, jobID, out.File.Kind, out.File.LocalPath, out.File.Filename, out.File.MediaType)
		if pubErr != nil {
			if !entry.Optional {
				return e.fail(ctx, job, fmt.Errorf("stage %s: failed to publish artifact: %w", entry.Name, pubErr))
			}
			log.Warn().Err(pubErr).Str("stage", string(entry.Name)).Msg("artifact publication failed, continuing")
		} else if out.Result != nil && out.Result.Cleaning != nil {
			out.Result.Cleaning.CleanVideoID = rec.ID.String()
			out.Result.Cleaning.CDNURL = rec.CDNURL
		}
	}

	var payload json.RawMessage
	if out.Result != nil {
		payload, err = out.Result.Payload()
		if err != nil {
			return e.fail(ctx, job, fmt.Errorf("stage %s: %w", entry.Name, err))
		}
	}

	completed := time.Now().UTC()
	if _, err := e.store.UpdateStage(ctx, jobID, entry.Name, analysis.StageUpdate{
		State:       analysis.StageCompleted,
		Progress:    100,
		StartedAt:   &started,
		CompletedAt: &completed,
		Result:      payload,
	}); err != nil {
		return e.fail(ctx, job, err)
	}

	if err := e.persistSideEffects(ctx, job, out.Result); err != nil {
		return e.fail(ctx, job, err)
	}
	if err := e.loadOutput(out.Result, in); err != nil {
		return e.fail(ctx, job, err)
	}

	e.notifyStep(ctx, job, entry.Name, false, payload)
	log.Info().
		Str("stage", string(entry.Name)).
		Dur("elapsed", completed.Sub(started)).
		Msg("stage completed")
	return nil
}

// persistSideEffects copies stage results that are denormalized onto the
// job row.
func (e *Executor) persistSideEffects(ctx context.Context, job *analysis.Job, result *analysis.StageResult) error {
	if result == nil {
		return nil
	}
	switch {
	case result.Metadata != nil:
		meta, err := json.Marshal(result.Metadata.Container)
		if err != nil {
			return fmt.Errorf("failed to encode container metadata: %w", err)
		}
		fresh, err := e.store.SetJobVideoMetadata(ctx, job.ID, meta)
		if err != nil {
			return err
		}
		*job = *fresh
	case result.Classification != nil:
		fresh, err := e.store.SetJobClassification(ctx, job.ID, result.Classification.Classification, result.Classification.Confidence)
		if err != nil {
			return err
		}
		*job = *fresh
	}
	return nil
}

// loadResult rehydrates a completed stage's persisted result into the
// worker input, used when resuming.
func (e *Executor) loadResult(stage *analysis.Stage, in *Input) error {
	if len(stage.Result) == 0 {
		return nil
	}
	switch stage.Name {
	case analysis.StageMetadataExtraction:
		in.Metadata = &analysis.MetadataResult{}
		return decodeResult(stage, in.Metadata)
	case analysis.StagePRNU:
		in.PRNU = &analysis.PRNUResult{}
		return decodeResult(stage, in.PRNU)
	case analysis.StageFFT:
		in.FFT = &analysis.FFTResult{}
		return decodeResult(stage, in.FFT)
	case analysis.StageClassification:
		in.Classification = &analysis.ClassificationResult{}
		return decodeResult(stage, in.Classification)
	}
	return nil
}

func decodeResult(stage *analysis.Stage, v interface{}) error {
	if err := json.Unmarshal(stage.Result, v); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", stage.Name, err)
	}
	return nil
}

// loadOutput feeds a fresh worker result into the input for later stages.
func (e *Executor) loadOutput(result *analysis.StageResult, in *Input) error {
	if result == nil {
		return nil
	}
	switch {
	case result.Metadata != nil:
		in.Metadata = result.Metadata
	case result.PRNU != nil:
		in.PRNU = result.PRNU
	case result.FFT != nil:
		in.FFT = result.FFT
	case result.Classification != nil:
		in.Classification = result.Classification
	}
	return nil
}

// generateReport runs the virtual report_generation stage: compose the
// report from all prior results, store it, attach it as the job's report
// artifact. Every failure here is downgraded to a log line.
func (e *Executor) generateReport(ctx context.Context, job *analysis.Job, in *Input, log zerolog.Logger) {
	// Only a crash-resume arrives here with the report already attached;
	// a reset clears the slot so a re-run regenerates it.
	if job.ReportFileID != nil {
		return
	}

	started := time.Now().UTC()
	e.notifyVirtualStep(job, true, started, nil, nil)

	report, err := ComposeReport(in.OriginalPath, in.Metadata, in.PRNU, in.FFT, in.Classification)
	if err != nil {
		log.Warn().Err(err).Msg("report generation skipped")
		return
	}
	data, err := report.Encode()
	if err != nil {
		log.Warn().Err(err).Msg("report encoding failed")
		return
	}

	filename := fmt.Sprintf("report_%s.json", job.ID)
	rel := e.blobs.JobPath(job.ID.String(), string(analysis.FileReport), filename)
	abs, _, _, err := e.blobs.Put(rel, bytes.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Msg("report write failed")
		return
	}

	fresh, rec, err := e.publisher.Publish(ctx, job.ID, analysis.FileReport, abs, filename, "application/json")
	if err != nil {
		log.Warn().Err(err).Msg("report publication failed")
		return
	}
	*job = *fresh

	completed := time.Now().UTC()
	e.notifyVirtualStep(job, false, started, &completed, rec)
	log.Info().Str("report_file_id", rec.ID.String()).Msg("report generated")
}

// fail marks the job failed, preserving the original message, and emits
// the terminal webhook.
func (e *Executor) fail(ctx context.Context, job *analysis.Job, cause error) error {
	if errors.Is(cause, context.Canceled) {
		// A shutdown mid-stage leaves the job running; the bootstrap
		// scan resumes it on the next start.
		return cause
	}

	failed, err := e.store.FailJob(ctx, job.ID, cause.Error())
	if err != nil {
		e.log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to mark job failed")
		failed = job
	}
	e.hooks.Notify(job.ID, failed.WebhookURL, webhook.NewEvent(webhook.EventFailed, job.ID, map[string]interface{}{
		"status": "failed",
		"error":  cause.Error(),
	}))
	e.log.Error().Err(cause).Str("job_id", job.ID.String()).Msg("analysis failed")
	return cause
}

// notifyStep emits a step.started or step.completed event with the full
// progress snapshot.
func (e *Executor) notifyStep(ctx context.Context, job *analysis.Job, name analysis.StageName, starting bool, result json.RawMessage) {
	if job.WebhookURL == "" {
		return
	}

	stages, err := e.store.JobStages(ctx, job.ID)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to load stages for webhook payload")
		return
	}

	event := webhook.EventStepCompleted
	if starting {
		event = webhook.EventStepStarted
	}

	payload := stepPayload(stages, name, result)
	e.hooks.Notify(job.ID, job.WebhookURL, webhook.NewEvent(event, job.ID, payload))
}

// notifyVirtualStep emits the report_generation step events. The stage has
// no persisted row, so the step object is synthesized.
func (e *Executor) notifyVirtualStep(job *analysis.Job, starting bool, started time.Time, completed *time.Time, rec *analysis.FileRecord) {
	if job.WebhookURL == "" {
		return
	}

	step := map[string]interface{}{
		"name":       string(analysis.StageReportGeneration),
		"status":     string(analysis.StageRunning),
		"started_at": started.Format(time.RFC3339),
	}
	event := webhook.EventStepStarted
	if !starting {
		event = webhook.EventStepCompleted
		step["status"] = string(analysis.StageCompleted)
		step["completed_at"] = completed.Format(time.RFC3339)
		step["duration_seconds"] = completed.Sub(started).Seconds()
		if rec != nil {
			step["report_file_id"] = rec.ID.String()
			if rec.CDNURL != "" {
				step["cdn_url"] = rec.CDNURL
			}
		}
	}

	e.hooks.Notify(job.ID, job.WebhookURL, webhook.NewEvent(event, job.ID, map[string]interface{}{"step": step}))
}

// stepPayload builds the step event body: the current step view, the
// completed steps with durations and results, pending names and aggregate
// statistics.
func stepPayload(stages []*analysis.Stage, current analysis.StageName, result json.RawMessage) map[string]interface{} {
	var currentView map[string]interface{}
	completedViews := make([]map[string]interface{}, 0, len(stages))

	for _, s := range stages {
		view := stageView(s)
		if s.Name == current {
			if result != nil {
				view["result"] = result
			}
			currentView = view
		}
		if s.State == analysis.StageCompleted && s.Name != current {
			completedViews = append(completedViews, view)
		}
	}

	return map[string]interface{}{
		"step":            currentView,
		"completed_steps": completedViews,
		"pending_steps":   analysis.PendingStageNames(stages),
		"statistics":      analysis.ComputeProgress(stages),
	}
}

func stageView(s *analysis.Stage) map[string]interface{} {
	view := map[string]interface{}{
		"name":     string(s.Name),
		"status":   string(s.State),
		"progress": s.Progress,
	}
	if s.StartedAt != nil {
		view["started_at"] = s.StartedAt.Format(time.RFC3339)
	}
	if s.CompletedAt != nil {
		view["completed_at"] = s.CompletedAt.Format(time.RFC3339)
	}
	if d := s.DurationSeconds(); d != nil {
		view["duration_seconds"] = *d
	}
	if len(s.Result) > 0 {
		view["result"] = json.RawMessage(s.Result)
	}
	return view
}
