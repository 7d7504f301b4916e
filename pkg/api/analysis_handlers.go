package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/provenancelab/vidproof/pkg/analysis"
)

const defaultPageSize = 20

// handleGetAnalysis returns the job, its stage list, aggregate progress and
// artifact URLs.
func (s *Server) handleGetAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.store.Job(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	stages, err := s.store.JobStages(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := s.jobView(job)
	view["steps"] = stages
	view["progress"] = analysis.ComputeProgress(stages)
	if current := analysis.CurrentStage(stages); current != nil {
		view["current_step"] = string(current.Name)
	}
	view["files"] = s.artifactViews(r, job)

	s.writeJSON(w, http.StatusOK, view)
}

// handleListAnalyses pages over jobs, newest first, with an optional status
// filter.
func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if size < 1 || size > 100 {
		size = defaultPageSize
	}

	filter := analysis.ListFilter{
		Offset: (page - 1) * size,
		Limit:  size,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		state := analysis.JobState(raw)
		switch state {
		case analysis.JobPending, analysis.JobRunning, analysis.JobCompleted, analysis.JobFailed:
			filter.State = &state
		default:
			s.writeError(w, fmt.Errorf("%w: unknown status %q", analysis.ErrNotFound, raw))
			return
		}
	}

	jobs, total, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.jobView(job))
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"analyses":  views,
		"total":     total,
		"page":      page,
		"page_size": size,
	})
}

// handleReprocess resets a terminal job and re-admits it.
func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseID(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.sched.Reprocess(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"analysis_id": job.ID.String(),
		"status":      string(job.State),
		"message":     "analysis queued for reprocessing",
	})
}

// handleGetFile streams the bytes of the job artifact of the given kind.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, err := parseID(vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.store.Job(r.Context(), jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var fileID *uuid.UUID
	switch analysis.FileKind(vars["kind"]) {
	case analysis.FileOriginal:
		id := job.OriginalFileID
		fileID = &id
	case analysis.FileReport:
		fileID = job.ReportFileID
	case analysis.FileCleanVideo:
		fileID = job.CleanVideoID
	default:
		s.writeError(w, fmt.Errorf("unknown artifact kind %q: %w", vars["kind"], analysis.ErrNotFound))
		return
	}
	if fileID == nil {
		s.writeError(w, fmt.Errorf("artifact %s not attached: %w", vars["kind"], analysis.ErrNotFound))
		return
	}

	rec, err := s.store.File(r.Context(), *fileID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	blob, err := s.blobs.Open(rec.Path)
	if err != nil {
		s.writeError(w, fmt.Errorf("artifact bytes missing: %w", analysis.ErrNotFound))
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", rec.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.DeclaredName))
	if _, err := io.Copy(w, blob); err != nil {
		s.log.Warn().Err(err).Str("file_id", rec.ID.String()).Msg("artifact stream interrupted")
	}
}

// jobView is the JSON shape shared by the get and list endpoints.
func (s *Server) jobView(job *analysis.Job) map[string]interface{} {
	view := map[string]interface{}{
		"id":         job.ID.String(),
		"status":     string(job.State),
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.StartedAt != nil {
		view["started_at"] = job.StartedAt
	}
	if job.CompletedAt != nil {
		view["completed_at"] = job.CompletedAt
	}
	if job.ErrorMessage != "" {
		view["error_message"] = job.ErrorMessage
	}
	if job.Classification != "" {
		view["classification"] = job.Classification
	}
	if job.Confidence != nil {
		view["confidence"] = *job.Confidence
	}
	if len(job.VideoMetadata) > 0 {
		view["video_metadata"] = job.VideoMetadata
	}
	return view
}

// artifactViews resolves the job's attached artifacts to download URLs.
func (s *Server) artifactViews(r *http.Request, job *analysis.Job) map[string]interface{} {
	out := map[string]interface{}{}
	slots := map[analysis.FileKind]*uuid.UUID{
		analysis.FileOriginal:   &job.OriginalFileID,
		analysis.FileReport:     job.ReportFileID,
		analysis.FileCleanVideo: job.CleanVideoID,
	}
	for kind, id := range slots {
		if id == nil {
			continue
		}
		rec, err := s.store.File(r.Context(), *id)
		if err != nil {
			continue
		}
		out[string(kind)] = map[string]interface{}{
			"file_id":   rec.ID.String(),
			"filename":  rec.DeclaredName,
			"size":      rec.Size,
			"checksum":  rec.Checksum,
			"url":       s.artifactURL(job, rec),
			"cdn_ready": rec.CDNUploaded,
		}
	}
	return out
}

// parseID parses a path id, mapping garbage onto NotFound so probing ids
// and missing ids are indistinguishable.
func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, analysis.ErrNotFound)
	}
	return id, nil
}
