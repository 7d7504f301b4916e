package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/upload"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

// memoryThreshold caps how much of a multipart body is buffered in memory
// before spilling to disk.
const memoryThreshold = 32 << 20

// handleUploadInit opens a chunked-upload session.
//
// Form fields: filename, file_size, optional media_type.
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(memoryThreshold); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed multipart form: %v", upload.ErrValidation, err))
		return
	}

	filename := r.FormValue("filename")
	sizeStr := r.FormValue("file_size")
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid file_size: %q", upload.ErrValidation, sizeStr))
		return
	}

	sess, err := s.assembler.Init(filename, size, r.FormValue("media_type"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"upload_id":    sess.ID,
		"chunk_size":   sess.ChunkSize,
		"total_chunks": sess.TotalChunks,
		"upload_url":   s.cfg.Server.BaseURL + "/api/v1/upload/chunk/" + sess.ID,
	})
}

// handleUploadChunk receives one chunk: form field chunk_number plus the
// chunk file part.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := mux.Vars(r)["upload_id"]

	if err := r.ParseMultipartForm(memoryThreshold); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed multipart form: %v", upload.ErrValidation, err))
		return
	}

	indexStr := r.FormValue("chunk_number")
	index, err := strconv.Atoi(indexStr)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: invalid chunk_number: %q", upload.ErrValidation, indexStr))
		return
	}

	chunk, _, err := r.FormFile("chunk")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: missing chunk part", upload.ErrValidation))
		return
	}
	defer chunk.Close()

	received, progress, err := s.assembler.PutChunk(uploadID, index, chunk)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status, err := s.assembler.Status(uploadID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"upload_id":       uploadID,
		"chunks_received": received,
		"total_chunks":    status.TotalChunks,
		"progress":        progress,
	})
}

// handleUploadComplete assembles the chunks, creates the job and admits it.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	uploadID := mux.Vars(r)["upload_id"]
	webhookURL := r.FormValue("webhook_url")

	// The sidecar is gone once Complete finalizes, so read it first.
	sess, err := s.assembler.Status(uploadID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	jobID := uuid.New()
	destDir := s.blobs.JobPath(jobID.String(), string(analysis.FileOriginal), "")
	abs, sha, err := s.assembler.Complete(uploadID, destDir)
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.createJob(r, jobID, webhookURL, &analysis.FileRecord{
		Kind:         analysis.FileOriginal,
		DeclaredName: sess.Filename,
		StoredName:   sess.Filename,
		Path:         abs,
		Size:         sess.TotalSize,
		MediaType:    sess.MediaType,
		Checksum:     sha,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"analysis_id": job.ID.String(),
		"status":      string(job.State),
		"message":     "upload received, analysis queued",
	})
}

// handleUploadAnalyze ingests a whole file in one request and queues the
// analysis.
func (s *Server) handleUploadAnalyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(memoryThreshold); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed multipart form: %v", upload.ErrValidation, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: missing file part", upload.ErrValidation))
		return
	}
	defer file.Close()

	mediaType := header.Header.Get("Content-Type")
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = upload.DetectMediaType(header.Filename)
	}
	if err := upload.ValidateFile(header.Filename, mediaType, header.Size, s.cfg.Storage.MaxFileSize); err != nil {
		s.writeError(w, err)
		return
	}

	jobID := uuid.New()
	filename := upload.SanitizeFilename(header.Filename)
	rel := s.blobs.JobPath(jobID.String(), string(analysis.FileOriginal), filename)
	abs, sha, size, err := s.blobs.Put(rel, io.LimitReader(file, s.cfg.Storage.MaxFileSize))
	if err != nil {
		s.writeError(w, err)
		return
	}

	job, err := s.createJob(r, jobID, r.FormValue("webhook_url"), &analysis.FileRecord{
		Kind:         analysis.FileOriginal,
		DeclaredName: filename,
		StoredName:   filename,
		Path:         abs,
		Size:         size,
		MediaType:    mediaType,
		Checksum:     sha,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"analysis_id": job.ID.String(),
		"status":      "processing",
		"status_url":  s.cfg.Server.BaseURL + "/api/v1/analysis/" + job.ID.String(),
		"message":     "analysis queued",
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.assembler.Status(mux.Vars(r)["upload_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// createJob persists the job with its stage list, announces the upload and
// admits the job to the scheduler.
func (s *Server) createJob(r *http.Request, jobID uuid.UUID, webhookURL string, original *analysis.FileRecord) (*analysis.Job, error) {
	job, err := s.store.CreateJobWithStages(r.Context(), &analysis.Job{
		ID:         jobID,
		WebhookURL: webhookURL,
	}, original)
	if err != nil {
		return nil, err
	}

	s.hooks.Notify(job.ID, job.WebhookURL, webhook.NewEvent(webhook.EventUploadCompleted, job.ID, map[string]interface{}{
		"filename":  original.DeclaredName,
		"file_size": original.Size,
		"checksum":  original.Checksum,
	}))

	if err := s.sched.Admit(job.ID); err != nil {
		// The job stays pending; the next bootstrap scan picks it up.
		s.log.Warn().Err(err).Str("job_id", job.ID.String()).Msg("admission deferred")
	}

	s.log.Info().
		Str("job_id", job.ID.String()).
		Str("filename", original.DeclaredName).
		Int64("size", original.Size).
		Msg("analysis job created")
	return job, nil
}
