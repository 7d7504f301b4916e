package pipeline

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
)

// Publisher is the single path by which a produced file becomes a durable,
// job-attached FileRecord. The CDN mirror runs in the background and never
// blocks the pipeline.
type Publisher struct {
	store  analysis.Store
	remote *blob.RemoteStore
	log    zerolog.Logger
}

// NewPublisher wires the publisher; remote may be nil when no object store
// is configured.
func NewPublisher(store analysis.Store, remote *blob.RemoteStore, log zerolog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		remote: remote,
		log:    log.With().Str("component", "publisher").Logger(),
	}
}

// Publish measures the file, attaches it to the job in one transaction and
// schedules the CDN upload. It returns the fresh job view and the attached
// record.
func (p *Publisher) Publish(ctx context.Context, jobID uuid.UUID, kind analysis.FileKind, localPath, declaredName, mediaType string) (*analysis.Job, *analysis.FileRecord, error) {
	checksum, size, err := blob.ChecksumFile(localPath)
	if err != nil {
		return nil, nil, err
	}

	rec := &analysis.FileRecord{
		ID:           uuid.New(),
		Kind:         kind,
		DeclaredName: declaredName,
		StoredName:   filepath.Base(localPath),
		Path:         localPath,
		Size:         size,
		MediaType:    mediaType,
		Checksum:     checksum,
	}

	job, err := p.store.AttachArtifact(ctx, jobID, kind, rec)
	if err != nil {
		return nil, nil, err
	}

	p.log.Info().
		Str("job_id", jobID.String()).
		Str("kind", string(kind)).
		Str("file_id", rec.ID.String()).
		Int64("size", size).
		Msg("artifact attached")

	p.mirror(jobID, rec, mediaType)
	return job, rec, nil
}

// mirror pushes the artifact to the object store in the background. A
// failure leaves cdn_uploaded=false and is only logged.
func (p *Publisher) mirror(jobID uuid.UUID, rec *analysis.FileRecord, mediaType string) {
	if p.remote == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		key := p.remote.Key(jobID.String(), string(rec.Kind), rec.StoredName)
		url, err := p.remote.Upload(ctx, rec.Path, key, mediaType, nil)
		if err != nil {
			p.log.Warn().
				Err(err).
				Str("job_id", jobID.String()).
				Str("file_id", rec.ID.String()).
				Msg("CDN upload failed")
			return
		}

		if err := p.store.MarkFileUploaded(ctx, rec.ID, url); err != nil {
			p.log.Warn().
				Err(err).
				Str("file_id", rec.ID.String()).
				Msg("failed to record CDN upload")
		}
	}()
}
