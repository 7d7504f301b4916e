// Package api exposes the vidproof HTTP surface: the chunked-upload
// protocol, analysis queries, artifact streaming and the websocket
// progress feed, all under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/infrastructure/config"
	"github.com/provenancelab/vidproof/pkg/scheduler"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/upload"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

// Server wires the HTTP handlers to the domain components.
type Server struct {
	cfg       *config.Config
	store     analysis.Store
	blobs     *blob.Store
	assembler *upload.Assembler
	sched     *scheduler.Scheduler
	hooks     *webhook.Dispatcher
	log       zerolog.Logger

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(cfg *config.Config, store analysis.Store, blobs *blob.Store, assembler *upload.Assembler, sched *scheduler.Scheduler, hooks *webhook.Dispatcher, log zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		assembler: assembler,
		sched:     sched,
		hooks:     hooks,
		log:       log.With().Str("component", "api").Logger(),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  0, // uploads can be long
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router builds the /api/v1 route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/upload/init", s.handleUploadInit).Methods(http.MethodPost)
	v1.HandleFunc("/upload/chunk/{upload_id}", s.handleUploadChunk).Methods(http.MethodPost)
	v1.HandleFunc("/upload/complete/{upload_id}", s.handleUploadComplete).Methods(http.MethodPost)
	v1.HandleFunc("/upload/analyze", s.handleUploadAnalyze).Methods(http.MethodPost)
	v1.HandleFunc("/upload/status/{upload_id}", s.handleUploadStatus).Methods(http.MethodGet)

	v1.HandleFunc("/analysis", s.handleListAnalyses).Methods(http.MethodGet)
	v1.HandleFunc("/analysis/{id}", s.handleGetAnalysis).Methods(http.MethodGet)
	v1.HandleFunc("/analysis/{id}/reprocess", s.handleReprocess).Methods(http.MethodPost)
	v1.HandleFunc("/analysis/{id}/events", s.handleEvents).Methods(http.MethodGet)

	v1.HandleFunc("/files/{id}/{kind}", s.handleGetFile).Methods(http.MethodGet)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

// Start begins serving; it blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON renders v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, upload.ErrValidation),
		errors.Is(err, upload.ErrOutOfRange),
		errors.Is(err, upload.ErrIncomplete):
		status = http.StatusBadRequest
	case errors.Is(err, upload.ErrNotFound),
		errors.Is(err, analysis.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, analysis.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// artifactURL prefers the CDN URL once the mirror confirmed the upload,
// falling back to the server-relative streaming endpoint.
func (s *Server) artifactURL(job *analysis.Job, rec *analysis.FileRecord) string {
	if rec.CDNUploaded && rec.CDNURL != "" {
		return rec.CDNURL
	}
	return s.cfg.Server.BaseURL + "/api/v1/files/" + job.ID.String() + "/" + string(rec.Kind)
}
