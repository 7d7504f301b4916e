// Package memory implements the analysis store as mutex-guarded maps. It
// backs single-process development mode and unit tests; semantics mirror
// the postgres implementation exactly, including the pending-guard on
// MarkJobRunning.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

// Store holds everything in process memory. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*analysis.Job
	stages map[uuid.UUID]map[analysis.StageName]*analysis.Stage
	files  map[uuid.UUID]*analysis.FileRecord
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		jobs:   make(map[uuid.UUID]*analysis.Job),
		stages: make(map[uuid.UUID]map[analysis.StageName]*analysis.Stage),
		files:  make(map[uuid.UUID]*analysis.FileRecord),
	}
}

var _ analysis.Store = (*Store)(nil)

func (s *Store) CreateJobWithStages(ctx context.Context, job *analysis.Job, original *analysis.FileRecord) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	file := copyFile(original)
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.CreatedAt = now

	j := copyJob(job)
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	j.State = analysis.JobPending
	j.CreatedAt = now
	j.UpdatedAt = now
	j.OriginalFileID = file.ID

	jobID := j.ID
	file.JobID = &jobID

	stages := make(map[analysis.StageName]*analysis.Stage, len(analysis.StageOrder))
	for _, name := range analysis.StageOrder {
		st := &analysis.Stage{
			JobID: j.ID,
			Name:  name,
			State: analysis.StagePending,
		}
		if name == analysis.StageUpload {
			st.State = analysis.StageCompleted
			st.Progress = 100
			ts := now
			st.StartedAt = &ts
			st.CompletedAt = &ts
		}
		stages[name] = st
	}

	s.files[file.ID] = file
	s.jobs[j.ID] = j
	s.stages[j.ID] = stages

	return copyJob(j), nil
}

func (s *Store) Job(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	return copyJob(j), nil
}

func (s *Store) JobStages(ctx context.Context, id uuid.UUID) ([]*analysis.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages, ok := s.stages[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}

	out := make([]*analysis.Stage, 0, len(stages))
	for _, name := range analysis.StageOrder {
		if st, ok := stages[name]; ok {
			out = append(out, copyStage(st))
		}
	}
	return out, nil
}

func (s *Store) ListJobs(ctx context.Context, filter analysis.ListFilter) ([]*analysis.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*analysis.Job
	for _, j := range s.jobs {
		if filter.State != nil && j.State != *filter.State {
			continue
		}
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool {
		return all[i].CreatedAt.After(all[k].CreatedAt)
	})

	total := len(all)
	if filter.Offset > len(all) {
		return nil, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}

	out := make([]*analysis.Job, len(all))
	for i, j := range all {
		out[i] = copyJob(j)
	}
	return out, total, nil
}

func (s *Store) JobsInState(ctx context.Context, state analysis.JobState) ([]*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*analysis.Job
	for _, j := range s.jobs {
		if j.State == state {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

func (s *Store) MarkJobRunning(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	if j.State != analysis.JobPending {
		return nil, fmt.Errorf("job %s is %s, not pending: %w", id, j.State, analysis.ErrConflict)
	}

	now := time.Now().UTC()
	j.State = analysis.JobRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	return copyJob(j), nil
}

func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	now := time.Now().UTC()
	j.State = analysis.JobCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMessage = ""
	return copyJob(j), nil
}

func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	now := time.Now().UTC()
	j.State = analysis.JobFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.ErrorMessage = errMsg
	return copyJob(j), nil
}

func (s *Store) SetJobVideoMetadata(ctx context.Context, id uuid.UUID, meta json.RawMessage) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	j.VideoMetadata = append(json.RawMessage(nil), meta...)
	j.UpdatedAt = time.Now().UTC()
	return copyJob(j), nil
}

func (s *Store) SetJobClassification(ctx context.Context, id uuid.UUID, label string, confidence float64) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	j.Classification = label
	c := confidence
	j.Confidence = &c
	j.UpdatedAt = time.Now().UTC()
	return copyJob(j), nil
}

func (s *Store) ResetJob(ctx context.Context, id uuid.UUID) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, analysis.ErrNotFound)
	}
	if j.State == analysis.JobRunning {
		return nil, fmt.Errorf("job %s is running: %w", id, analysis.ErrConflict)
	}

	now := time.Now().UTC()
	j.State = analysis.JobPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""
	j.Classification = ""
	j.Confidence = nil
	j.VideoMetadata = nil
	j.ReportFileID = nil
	j.CleanVideoID = nil
	j.UpdatedAt = now

	for name, st := range s.stages[id] {
		if name == analysis.StageUpload {
			continue
		}
		st.State = analysis.StagePending
		st.Progress = 0
		st.StartedAt = nil
		st.CompletedAt = nil
		st.ErrorMessage = ""
		st.Result = nil
	}
	return copyJob(j), nil
}

func (s *Store) UpdateStage(ctx context.Context, jobID uuid.UUID, name analysis.StageName, upd analysis.StageUpdate) (*analysis.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stages, ok := s.stages[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
	}
	st, ok := stages[name]
	if !ok {
		return nil, fmt.Errorf("stage %s of job %s: %w", name, jobID, analysis.ErrNotFound)
	}

	st.State = upd.State
	st.Progress = upd.Progress
	st.StartedAt = copyTime(upd.StartedAt)
	st.CompletedAt = copyTime(upd.CompletedAt)
	st.ErrorMessage = upd.ErrorMessage
	st.Result = append(json.RawMessage(nil), upd.Result...)

	if j, ok := s.jobs[jobID]; ok {
		j.UpdatedAt = time.Now().UTC()
	}
	return copyStage(st), nil
}

func (s *Store) AttachArtifact(ctx context.Context, jobID uuid.UUID, kind analysis.FileKind, rec *analysis.FileRecord) (*analysis.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, analysis.ErrNotFound)
	}

	file := copyFile(rec)
	if file.ID == uuid.Nil {
		file.ID = uuid.New()
	}
	file.Kind = kind
	file.CreatedAt = time.Now().UTC()
	id := jobID
	file.JobID = &id
	s.files[file.ID] = file

	switch kind {
	case analysis.FileReport:
		fid := file.ID
		j.ReportFileID = &fid
	case analysis.FileCleanVideo:
		fid := file.ID
		j.CleanVideoID = &fid
	case analysis.FileOriginal:
		j.OriginalFileID = file.ID
	default:
		return nil, fmt.Errorf("unknown file kind %q", kind)
	}
	j.UpdatedAt = time.Now().UTC()
	return copyJob(j), nil
}

func (s *Store) File(ctx context.Context, id uuid.UUID) (*analysis.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, analysis.ErrNotFound)
	}
	return copyFile(f), nil
}

func (s *Store) MarkFileUploaded(ctx context.Context, fileID uuid.UUID, cdnURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[fileID]
	if !ok {
		return fmt.Errorf("file %s: %w", fileID, analysis.ErrNotFound)
	}
	f.CDNURL = cdnURL
	f.CDNUploaded = true
	return nil
}

// Close satisfies the lifecycle shared with the postgres store.
func (s *Store) Close() {}

func copyJob(j *analysis.Job) *analysis.Job {
	out := *j
	out.StartedAt = copyTime(j.StartedAt)
	out.CompletedAt = copyTime(j.CompletedAt)
	out.ReportFileID = copyUUID(j.ReportFileID)
	out.CleanVideoID = copyUUID(j.CleanVideoID)
	out.VideoMetadata = append(json.RawMessage(nil), j.VideoMetadata...)
	if j.Confidence != nil {
		c := *j.Confidence
		out.Confidence = &c
	}
	return &out
}

func copyStage(st *analysis.Stage) *analysis.Stage {
	out := *st
	out.StartedAt = copyTime(st.StartedAt)
	out.CompletedAt = copyTime(st.CompletedAt)
	out.Result = append(json.RawMessage(nil), st.Result...)
	return &out
}

func copyFile(f *analysis.FileRecord) *analysis.FileRecord {
	out := *f
	out.JobID = copyUUID(f.JobID)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}
