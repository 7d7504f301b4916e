// Package analysis defines the domain model for forensic video analysis:
// jobs, pipeline stages, artifact file records and the storage contract
// shared by the postgres and in-memory backends.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an analysis job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// StageState is the lifecycle state of a single pipeline stage.
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
)

// StageName identifies one step of the fixed pipeline.
type StageName string

const (
	StageUpload             StageName = "upload"
	StageMetadataExtraction StageName = "metadata_extraction"
	StagePRNU               StageName = "prnu"
	StageFFT                StageName = "fft"
	StageClassification     StageName = "classification"
	StageCleaning           StageName = "cleaning"

	// StageReportGeneration is a virtual stage: it appears in the webhook
	// stream between classification and cleaning but has no persisted row.
	StageReportGeneration StageName = "report_generation"
)

// StageOrder is the canonical execution order. The upload stage is created
// already completed; the executor drives the rest.
var StageOrder = []StageName{
	StageUpload,
	StageMetadataExtraction,
	StagePRNU,
	StageFFT,
	StageClassification,
	StageCleaning,
}

// FileKind distinguishes the artifacts a job can own.
type FileKind string

const (
	FileOriginal   FileKind = "original"
	FileReport     FileKind = "report"
	FileCleanVideo FileKind = "clean_video"
)

// Classification labels form a closed set.
const (
	LabelRealCamera      = "REAL_CAMERA"
	LabelAIHEVC          = "AI_HEVC"
	LabelAIAV1           = "AI_AV1"
	LabelSpoofedMetadata = "SPOOFED_METADATA"
	LabelHybridContent   = "HYBRID_CONTENT"
	LabelUnknown         = "UNKNOWN"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a state precondition is violated, for
	// example reprocessing a job that is still running.
	ErrConflict = errors.New("conflict")
)

// Job is one submitted video analysis.
type Job struct {
	ID             uuid.UUID       `json:"id"`
	State          JobState        `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	OriginalFileID uuid.UUID       `json:"original_file_id"`
	ReportFileID   *uuid.UUID      `json:"report_file_id,omitempty"`
	CleanVideoID   *uuid.UUID      `json:"clean_video_id,omitempty"`
	VideoMetadata  json.RawMessage `json:"video_metadata,omitempty"`
	Classification string          `json:"classification,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
}

// Stage is one execution of one pipeline step for one job. Identity is
// (JobID, Name).
type Stage struct {
	JobID        uuid.UUID       `json:"-"`
	Name         StageName       `json:"name"`
	State        StageState      `json:"status"`
	Progress     int             `json:"progress"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// DurationSeconds returns the wall-clock duration of a completed stage, or
// nil when either timestamp is missing.
func (s *Stage) DurationSeconds() *float64 {
	if s.StartedAt == nil || s.CompletedAt == nil {
		return nil
	}
	d := s.CompletedAt.Sub(*s.StartedAt).Seconds()
	return &d
}

// FileRecord is the persisted metadata of one durable artifact.
//
// JobID is nullable: at job creation the original file is inserted before
// the job row exists, and back-filled inside the same transaction.
type FileRecord struct {
	ID           uuid.UUID  `json:"id"`
	JobID        *uuid.UUID `json:"job_id,omitempty"`
	Kind         FileKind   `json:"kind"`
	DeclaredName string     `json:"original_filename"`
	StoredName   string     `json:"stored_filename"`
	Path         string     `json:"file_path"`
	Size         int64      `json:"file_size"`
	MediaType    string     `json:"media_type"`
	Checksum     string     `json:"checksum"`
	CDNURL       string     `json:"cdn_url,omitempty"`
	CDNUploaded  bool       `json:"cdn_uploaded"`
	CreatedAt    time.Time  `json:"created_at"`
}

// StageUpdate carries the full mutable state of a stage row. The store
// persists it verbatim so callers always describe the complete transition.
type StageUpdate struct {
	State        StageState
	Progress     int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
	Result       json.RawMessage
}

// ListFilter narrows and pages job listings. Jobs are always ordered by
// created_at descending.
type ListFilter struct {
	State    *JobState
	Offset   int
	Limit    int
}

// Store is the durable persistence contract for jobs, stages and file
// records. Both composite operations (CreateJobWithStages, AttachArtifact)
// must be atomic; every mutation returns a fresh view of the job so stale
// in-memory references never shadow commits.
type Store interface {
	// CreateJobWithStages inserts the original FileRecord (job_id null),
	// the job referencing it, back-fills the file's job_id and creates the
	// six initial stage rows, all in one transaction. The upload stage is
	// created completed with progress 100.
	CreateJobWithStages(ctx context.Context, job *Job, original *FileRecord) (*Job, error)

	Job(ctx context.Context, id uuid.UUID) (*Job, error)
	JobStages(ctx context.Context, id uuid.UUID) ([]*Stage, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, int, error)
	JobsInState(ctx context.Context, state JobState) ([]*Job, error)

	// MarkJobRunning transitions pending -> running, guarding against a
	// concurrent executor taking the same job. Returns ErrConflict when the
	// job is not pending.
	MarkJobRunning(ctx context.Context, id uuid.UUID) (*Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID) (*Job, error)
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) (*Job, error)
	SetJobVideoMetadata(ctx context.Context, id uuid.UUID, meta json.RawMessage) (*Job, error)
	SetJobClassification(ctx context.Context, id uuid.UUID, label string, confidence float64) (*Job, error)

	// ResetJob returns the job to pending and every non-upload stage to
	// pending with progress 0 and cleared timestamps, in one transaction.
	// Allowed from pending, failed and completed; ErrConflict otherwise.
	ResetJob(ctx context.Context, id uuid.UUID) (*Job, error)

	UpdateStage(ctx context.Context, jobID uuid.UUID, name StageName, upd StageUpdate) (*Stage, error)

	// AttachArtifact inserts the file record and points the job's slot for
	// its kind at it, in one transaction. A previously attached record of
	// the same kind is orphaned, not deleted.
	AttachArtifact(ctx context.Context, jobID uuid.UUID, kind FileKind, rec *FileRecord) (*Job, error)
	File(ctx context.Context, id uuid.UUID) (*FileRecord, error)
	MarkFileUploaded(ctx context.Context, fileID uuid.UUID, cdnURL string) error
}
