package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/google/uuid"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

// JobStore implements analysis.Store on the pgx pool.
type JobStore struct {
	db *Database
}

// NewJobStore wraps the database as an analysis store.
func NewJobStore(db *Database) *JobStore {
	return &JobStore{db: db}
}

var _ analysis.Store = (*JobStore)(nil)

const jobColumns = `
	id, status, created_at, updated_at, started_at, completed_at,
	COALESCE(error_message, ''), COALESCE(webhook_url, ''),
	original_file_id, report_file_id, clean_video_id,
	video_metadata, COALESCE(classification, ''), confidence`

const fileColumns = `
	id, job_id, kind, original_filename, stored_filename, file_path,
	file_size, media_type, checksum, COALESCE(cdn_url, ''), cdn_uploaded,
	created_at`

const stageColumns = `
	job_id, name, status, progress, started_at, completed_at,
	COALESCE(error_message, ''), result`

// CreateJobWithStages inserts the original file with a null job_id, the
// job pointing at it, back-fills the file's job_id and seeds the stage
// rows, all in one transaction. The upload stage is seeded completed.
func (s *JobStore) CreateJobWithStages(ctx context.Context, job *analysis.Job, original *analysis.FileRecord) (*analysis.Job, error) {
	var created *analysis.Job
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		fileID := original.ID
		if fileID == uuid.Nil {
			fileID = uuid.New()
		}
		jobID := job.ID
		if jobID == uuid.Nil {
			jobID = uuid.New()
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO files (
				id, job_id, kind, original_filename, stored_filename, file_path,
				file_size, media_type, checksum, cdn_url, cdn_uploaded, created_at
			) VALUES ($1, NULL, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, NOW())`,
			fileID, original.Kind, original.DeclaredName, original.StoredName,
			original.Path, original.Size, original.MediaType, original.Checksum,
			original.CDNURL, original.CDNUploaded,
		)
		if err != nil {
			return fmt.Errorf("failed to insert original file: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (
				id, status, created_at, updated_at, webhook_url, original_file_id
			) VALUES ($1, $2, NOW(), NOW(), NULLIF($3, ''), $4)`,
			jobID, analysis.JobPending, job.WebhookURL, fileID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE files SET job_id = $1 WHERE id = $2`, jobID, fileID)
		if err != nil {
			return fmt.Errorf("failed to back-fill file job id: %w", err)
		}

		for _, name := range analysis.StageOrder {
			if name == analysis.StageUpload {
				_, err = tx.Exec(ctx, `
					INSERT INTO stages (job_id, name, status, progress, started_at, completed_at)
					VALUES ($1, $2, $3, 100, NOW(), NOW())`,
					jobID, name, analysis.StageCompleted,
				)
			} else {
				_, err = tx.Exec(ctx, `
					INSERT INTO stages (job_id, name, status, progress)
					VALUES ($1, $2, $3, 0)`,
					jobID, name, analysis.StagePending,
				)
			}
			if err != nil {
				return fmt.Errorf("failed to insert stage %s: %w", name, err)
			}
		}

		created, err = scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *JobStore) Job(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return job, err
}

func (s *JobStore) JobStages(ctx context.Context, id uuid.UUID) ([]*analysis.Stage, error) {
	var exists bool
	if err := s.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}

	rows, err := s.db.pool.Query(ctx, `
		SELECT `+stageColumns+`
		FROM stages
		WHERE job_id = $1
		ORDER BY ordinal`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var stages []*analysis.Stage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stages: %w", err)
	}
	return stages, nil
}

func (s *JobStore) ListJobs(ctx context.Context, filter analysis.ListFilter) ([]*analysis.Job, int, error) {
	where := ""
	args := []interface{}{}
	if filter.State != nil {
		where = "WHERE status = $1"
		args = append(args, *filter.State)
	}

	var total int
	if err := s.db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
		SELECT %s FROM jobs %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, jobColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, filter.Offset)

	rows, err := s.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *JobStore) JobsInState(ctx context.Context, state analysis.JobState) ([]*analysis.Job, error) {
	rows, err := s.db.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC`, state)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs by state: %w", err)
	}
	defer rows.Close()

	var jobs []*analysis.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// MarkJobRunning transitions pending -> running with a conditional UPDATE
// so two executors can never take the same job.
func (s *JobStore) MarkJobRunning(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns,
		id, analysis.JobRunning, analysis.JobPending))
	if err == pgx.ErrNoRows {
		// Either the job does not exist or it is not pending.
		var state string
		err := s.db.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&state)
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check job state: %w", err)
		}
		return nil, fmt.Errorf("job %s is %s, not pending: %w", id, state, analysis.ErrConflict)
	}
	return job, err
}

func (s *JobStore) CompleteJob(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW(), error_message = NULL
		WHERE id = $1
		RETURNING `+jobColumns,
		id, analysis.JobCompleted))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return job, err
}

func (s *JobStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, completed_at = NOW(), updated_at = NOW(), error_message = $3
		WHERE id = $1
		RETURNING `+jobColumns,
		id, analysis.JobFailed, errMsg))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return job, err
}

func (s *JobStore) SetJobVideoMetadata(ctx context.Context, id uuid.UUID, meta json.RawMessage) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `
		UPDATE jobs
		SET video_metadata = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, meta))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return job, err
}

func (s *JobStore) SetJobClassification(ctx context.Context, id uuid.UUID, label string, confidence float64) (*analysis.Job, error) {
	job, err := scanJob(s.db.pool.QueryRow(ctx, `
		UPDATE jobs
		SET classification = $2, confidence = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+jobColumns,
		id, label, confidence))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return job, err
}

// ResetJob returns the job and every non-upload stage to pending in one
// transaction, clearing the derived report and clean-video slots so a
// re-run regenerates them. Rejected while the job is running.
func (s *JobStore) ResetJob(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	var reset *analysis.Job
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var state string
		err = tx.QueryRow(ctx,
			`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&state)
		if err == pgx.ErrNoRows {
			return fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if analysis.JobState(state) == analysis.JobRunning {
			return fmt.Errorf("job %s is running: %w", id, analysis.ErrConflict)
		}

		reset, err = scanJob(tx.QueryRow(ctx, `
			UPDATE jobs
			SET status = $2, started_at = NULL, completed_at = NULL,
				error_message = NULL, classification = NULL, confidence = NULL,
				video_metadata = NULL, report_file_id = NULL,
				clean_video_id = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING `+jobColumns,
			id, analysis.JobPending))
		if err != nil {
			return fmt.Errorf("failed to reset job: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE stages
			SET status = $2, progress = 0, started_at = NULL, completed_at = NULL,
				error_message = NULL, result = NULL
			WHERE job_id = $1 AND name <> $3`,
			id, analysis.StagePending, analysis.StageUpload)
		if err != nil {
			return fmt.Errorf("failed to reset stages: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

func (s *JobStore) UpdateStage(ctx context.Context, jobID uuid.UUID, name analysis.StageName, upd analysis.StageUpdate) (*analysis.Stage, error) {
	stage, err := scanStage(s.db.pool.QueryRow(ctx, `
		UPDATE stages
		SET status = $3, progress = $4, started_at = $5, completed_at = $6,
			error_message = NULLIF($7, ''), result = $8
		WHERE job_id = $1 AND name = $2
		RETURNING `+stageColumns,
		jobID, name, upd.State, upd.Progress, upd.StartedAt, upd.CompletedAt,
		upd.ErrorMessage, upd.Result))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("stage %s of job %s: %w", name, jobID, analysis.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	_, err = s.db.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = NOW() WHERE id = $1`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to touch job: %w", err)
	}
	return stage, nil
}

// AttachArtifact inserts the file record and points the job's slot for its
// kind at it, atomically. The previous record of the same kind stays in
// the files table, orphaned.
func (s *JobStore) AttachArtifact(ctx context.Context, jobID uuid.UUID, kind analysis.FileKind, rec *analysis.FileRecord) (*analysis.Job, error) {
	var column string
	switch kind {
	case analysis.FileReport:
		column = "report_file_id"
	case analysis.FileCleanVideo:
		column = "clean_video_id"
	case analysis.FileOriginal:
		column = "original_file_id"
	default:
		return nil, fmt.Errorf("unknown file kind %q", kind)
	}

	var attached *analysis.Job
	err := s.db.WithRetry(ctx, func(ctx context.Context) error {
		tx, err := s.db.beginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		fileID := rec.ID
		if fileID == uuid.Nil {
			fileID = uuid.New()
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO files (
				id, job_id, kind, original_filename, stored_filename, file_path,
				file_size, media_type, checksum, cdn_url, cdn_uploaded, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, NOW())`,
			fileID, jobID, kind, rec.DeclaredName, rec.StoredName, rec.Path,
			rec.Size, rec.MediaType, rec.Checksum, rec.CDNURL, rec.CDNUploaded,
		)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}

		attached, err = scanJob(tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE jobs
			SET %s = $2, updated_at = NOW()
			WHERE id = $1
			RETURNING %s`, column, jobColumns),
			jobID, fileID))
		if err == pgx.ErrNoRows {
			return fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
		}
		if err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, err
	}
	return attached, nil
}

func (s *JobStore) File(ctx context.Context, id uuid.UUID) (*analysis.FileRecord, error) {
	rec, err := scanFile(s.db.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("file %s: %w", id, analysis.ErrNotFound)
	}
	return rec, err
}

func (s *JobStore) MarkFileUploaded(ctx context.Context, fileID uuid.UUID, cdnURL string) error {
	result, err := s.db.pool.Exec(ctx, `
		UPDATE files SET cdn_url = $2, cdn_uploaded = TRUE WHERE id = $1`,
		fileID, cdnURL)
	if err != nil {
		return fmt.Errorf("failed to mark file uploaded: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("file %s: %w", fileID, analysis.ErrNotFound)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*analysis.Job, error) {
	job := &analysis.Job{}
	err := row.Scan(
		&job.ID,
		&job.State,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorMessage,
		&job.WebhookURL,
		&job.OriginalFileID,
		&job.ReportFileID,
		&job.CleanVideoID,
		&job.VideoMetadata,
		&job.Classification,
		&job.Confidence,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	return job, nil
}

func scanStage(row rowScanner) (*analysis.Stage, error) {
	st := &analysis.Stage{}
	err := row.Scan(
		&st.JobID,
		&st.Name,
		&st.State,
		&st.Progress,
		&st.StartedAt,
		&st.CompletedAt,
		&st.ErrorMessage,
		&st.Result,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan stage: %w", err)
	}
	return st, nil
}

func scanFile(row rowScanner) (*analysis.FileRecord, error) {
	rec := &analysis.FileRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.Kind,
		&rec.DeclaredName,
		&rec.StoredName,
		&rec.Path,
		&rec.Size,
		&rec.MediaType,
		&rec.Checksum,
		&rec.CDNURL,
		&rec.CDNUploaded,
		&rec.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	return rec, nil
}
